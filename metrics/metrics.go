package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tierfence/tierfence/pkg/tierfence"
)

const namespace = "tierfence"

// Metrics tracks admission statistics. It exports Prometheus collectors and
// keeps in-process counters for the JSON stats endpoint.
type Metrics struct {
	admissions    *prometheus.CounterVec
	authChecks    *prometheus.CounterVec
	authAttempts  *prometheus.CounterVec
	cooldowns     *prometheus.CounterVec
	features      *prometheus.CounterVec
	sweepRemoved  *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	backendErrors *prometheus.CounterVec

	totalRequests     atomic.Int64
	allowedRequests   atomic.Int64
	blockedRequests   atomic.Int64
	authDenied        atomic.Int64
	cooldownRejected  atomic.Int64
	featureDenied     atomic.Int64
	backendErrorCount atomic.Int64

	// Per-role stats
	mu        sync.RWMutex
	roleStats map[tierfence.Role]*RoleStats
	startTime time.Time
}

var _ tierfence.Observer = (*Metrics)(nil)

// RoleStats tracks statistics for one tier
type RoleStats struct {
	Role            tierfence.Role `json:"role"`
	TotalRequests   int64          `json:"total_requests"`
	AllowedRequests int64          `json:"allowed_requests"`
	BlockedRequests int64          `json:"blocked_requests"`
	LastRequestAt   time.Time      `json:"last_request_at"`
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Total number of admission checks by tier and result",
			},
			[]string{"role", "result"},
		),
		authChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_checks_total",
				Help:      "Total number of auth attempt checks by category and result",
			},
			[]string{"category", "result"},
		),
		authAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_recorded_total",
				Help:      "Total number of auth attempts recorded",
			},
			[]string{"category"},
		),
		cooldowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cooldown_checks_total",
				Help:      "Total number of submission cooldown checks by result",
			},
			[]string{"result"},
		),
		features: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_checks_total",
				Help:      "Total number of feature quota checks by feature and result",
			},
			[]string{"feature", "result"},
		),
		sweepRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_removed_total",
				Help:      "Total number of idle entries removed by sweeps",
			},
			[]string{"component"},
		),
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of sweeps in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
			},
			[]string{"component"},
		),
		backendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of storage backend failures by operation",
			},
			[]string{"op"},
		),
		roleStats: make(map[tierfence.Role]*RoleStats),
		startTime: time.Now(),
	}
}

// TrackBuckets exports the live bucket count as a gauge.
func (m *Metrics) TrackBuckets(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets",
			Help:      "Number of live token buckets (-1 if the backend cannot tell)",
		},
		func() float64 { return float64(count()) },
	)
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// ObserveAdmission implements tierfence.Observer.
func (m *Metrics) ObserveAdmission(role tierfence.Role, admitted bool) {
	m.admissions.WithLabelValues(string(role), result(admitted, "admitted", "rejected")).Inc()

	m.totalRequests.Add(1)
	if admitted {
		m.allowedRequests.Add(1)
	} else {
		m.blockedRequests.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.roleStats[role]
	if !exists {
		stats = &RoleStats{Role: role}
		m.roleStats[role] = stats
	}
	stats.TotalRequests++
	if admitted {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = time.Now()
}

// ObserveAuthCheck implements tierfence.Observer.
func (m *Metrics) ObserveAuthCheck(category tierfence.Category, allowed bool) {
	m.authChecks.WithLabelValues(string(category), result(allowed, "allowed", "denied")).Inc()
	if !allowed {
		m.authDenied.Add(1)
	}
}

// ObserveAuthAttempt implements tierfence.Observer.
func (m *Metrics) ObserveAuthAttempt(category tierfence.Category) {
	m.authAttempts.WithLabelValues(string(category)).Inc()
}

// ObserveCooldown implements tierfence.Observer.
func (m *Metrics) ObserveCooldown(allowed bool) {
	m.cooldowns.WithLabelValues(result(allowed, "allowed", "rejected")).Inc()
	if !allowed {
		m.cooldownRejected.Add(1)
	}
}

// ObserveFeature implements tierfence.Observer.
func (m *Metrics) ObserveFeature(feature tierfence.Feature, allowed bool) {
	m.features.WithLabelValues(string(feature), result(allowed, "allowed", "denied")).Inc()
	if !allowed {
		m.featureDenied.Add(1)
	}
}

// ObserveSweep implements tierfence.Observer.
func (m *Metrics) ObserveSweep(component string, removed int, took time.Duration) {
	m.sweepRemoved.WithLabelValues(component).Add(float64(removed))
	m.sweepDuration.WithLabelValues(component).Observe(took.Seconds())
}

// ObserveBackendError implements tierfence.Observer.
func (m *Metrics) ObserveBackendError(op string) {
	m.backendErrors.WithLabelValues(op).Inc()
	m.backendErrorCount.Add(1)
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	roles := make([]*RoleStats, 0, len(m.roleStats))
	for _, stats := range m.roleStats {
		copied := *stats
		roles = append(roles, &copied)
	}
	m.mu.RUnlock()

	sort.Slice(roles, func(i, j int) bool {
		if roles[i].TotalRequests != roles[j].TotalRequests {
			return roles[i].TotalRequests > roles[j].TotalRequests
		}
		return roles[i].Role < roles[j].Role
	})

	return &Snapshot{
		TotalRequests:    m.totalRequests.Load(),
		AllowedRequests:  m.allowedRequests.Load(),
		BlockedRequests:  m.blockedRequests.Load(),
		AuthDenied:       m.authDenied.Load(),
		CooldownRejected: m.cooldownRejected.Load(),
		FeatureDenied:    m.featureDenied.Load(),
		BackendErrors:    m.backendErrorCount.Load(),
		Roles:            roles,
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		StartTime:        m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests    int64        `json:"total_requests"`
	AllowedRequests  int64        `json:"allowed_requests"`
	BlockedRequests  int64        `json:"blocked_requests"`
	AuthDenied       int64        `json:"auth_denied"`
	CooldownRejected int64        `json:"cooldown_rejected"`
	FeatureDenied    int64        `json:"feature_denied"`
	BackendErrors    int64        `json:"backend_errors"`
	Roles            []*RoleStats `json:"roles"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	StartTime        time.Time    `json:"start_time"`
}
