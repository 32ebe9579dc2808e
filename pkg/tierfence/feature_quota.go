package tierfence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Feature names a metered product feature.
type Feature string

const (
	FeatureBusinessPlanning   Feature = "ai_business_planning"
	FeatureContentGenerator   Feature = "ai_content_generator"
	FeaturePitchDeck          Feature = "ai_pitch_deck"
	FeatureTeamCollaboration  Feature = "team_collaboration"
	FeatureAPIAccess          Feature = "api_access"
	FeatureExportPDF          Feature = "export_pdf"
	FeatureCustomBranding     Feature = "custom_branding"
	FeaturePrioritySupport    Feature = "priority_support"
	FeatureAdvancedAnalytics  Feature = "advanced_analytics"
	FeatureWhiteLabel         Feature = "white_label"
	FeatureCustomIntegrations Feature = "custom_integrations"
)

// Daily allowance markers. Any positive value is a count per UTC day.
const (
	Unlimited int64 = -1
	Disabled  int64 = 0
)

// FeatureLimits maps roles to their daily allowance for one feature.
// Roles left out are Disabled.
type FeatureLimits map[Role]int64

// Validate checks every role name and allowance.
func (l FeatureLimits) Validate() error {
	for role, limit := range l {
		if !role.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		if limit < Unlimited {
			return fmt.Errorf("%w: %s has %d", ErrInvalidFeatureLimit, role, limit)
		}
	}
	return nil
}

// DefaultFeatureLimits returns the default feature table. Anonymous callers
// get no metered features; admins get all of them without limit.
func DefaultFeatureLimits() map[Feature]FeatureLimits {
	all := []Feature{
		FeatureBusinessPlanning, FeatureContentGenerator, FeaturePitchDeck,
		FeatureTeamCollaboration, FeatureAPIAccess, FeatureExportPDF,
		FeatureCustomBranding, FeaturePrioritySupport, FeatureAdvancedAnalytics,
		FeatureWhiteLabel, FeatureCustomIntegrations,
	}
	limits := make(map[Feature]FeatureLimits, len(all))
	for _, f := range all {
		limits[f] = FeatureLimits{RoleEnterprise: Unlimited, RoleAdmin: Unlimited}
	}

	limits[FeatureBusinessPlanning][RoleFree] = 10
	limits[FeatureBusinessPlanning][RoleProfessional] = 100
	limits[FeatureBusinessPlanning][RoleBusiness] = 500

	limits[FeatureContentGenerator][RoleFree] = 5
	limits[FeatureContentGenerator][RoleProfessional] = 50
	limits[FeatureContentGenerator][RoleBusiness] = 200

	limits[FeaturePitchDeck][RoleProfessional] = 10
	limits[FeaturePitchDeck][RoleBusiness] = 50

	limits[FeatureExportPDF][RoleProfessional] = 20
	limits[FeatureExportPDF][RoleBusiness] = Unlimited

	limits[FeatureTeamCollaboration][RoleBusiness] = Unlimited
	limits[FeatureCustomBranding][RoleBusiness] = Unlimited
	for _, f := range []Feature{FeaturePrioritySupport, FeatureAdvancedAnalytics} {
		limits[f][RoleProfessional] = Unlimited
		limits[f][RoleBusiness] = Unlimited
	}
	return limits
}

// FeatureDecision contains the result of a feature quota check.
type FeatureDecision struct {
	Allowed bool
	Feature Feature
	Role    Role

	// Used is today's count, including this use when Use admitted it
	Used int64

	// Limit is the daily allowance, Unlimited or Disabled
	Limit int64

	// Remaining is what is left today; Unlimited when there is no cap
	Remaining int64

	// ResetAt is the next UTC midnight
	ResetAt time.Time

	// RetryAfter is the time until ResetAt when today's allowance is used
	// up, 0 otherwise
	RetryAfter time.Duration

	// UpgradeRequired is set when the role has no access to the feature
	UpgradeRequired bool

	// Message explains a denial
	Message string
}

// FeatureOption configures a FeatureQuota.
type FeatureOption func(*FeatureQuota)

// WithFeatureLog replaces the in-process usage log.
func WithFeatureLog(log AttemptLog) FeatureOption {
	return func(q *FeatureQuota) {
		if log != nil {
			q.log = log
		}
	}
}

// WithFeatureClock sets the clock uses are stamped with.
func WithFeatureClock(clock Clock) FeatureOption {
	return func(q *FeatureQuota) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithFeatureLogger sets the structured logger.
func WithFeatureLogger(logger *slog.Logger) FeatureOption {
	return func(q *FeatureQuota) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithFeatureObserver reports quota outcomes.
func WithFeatureObserver(observer Observer) FeatureOption {
	return func(q *FeatureQuota) {
		if observer != nil {
			q.observer = observer
		}
	}
}

// FeatureQuota meters per-tier daily use of product features, counted per
// (identifier, feature) and reset at midnight UTC.
type FeatureQuota struct {
	limits   map[Feature]FeatureLimits
	log      AttemptLog
	clock    Clock
	logger   *slog.Logger
	observer Observer
	locks    [keyLockStripes]sync.Mutex
}

// NewFeatureQuota creates a FeatureQuota over limits. A nil map means
// DefaultFeatureLimits.
func NewFeatureQuota(limits map[Feature]FeatureLimits, opts ...FeatureOption) (*FeatureQuota, error) {
	if limits == nil {
		limits = DefaultFeatureLimits()
	}
	table := make(map[Feature]FeatureLimits, len(limits))
	for feature, l := range limits {
		if feature == "" {
			return nil, fmt.Errorf("%w: empty feature name", ErrInvalidConfig)
		}
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("%w: feature %s: %w", ErrInvalidConfig, feature, err)
		}
		copied := make(FeatureLimits, len(l))
		for role, n := range l {
			copied[role] = n
		}
		table[feature] = copied
	}

	q := &FeatureQuota{
		limits:   table,
		clock:    time.Now,
		logger:   slog.Default(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = NewMemoryAttemptLog()
	}
	q.logger = q.logger.With("component", "feature_quota")
	return q, nil
}

// Check reports whether identifier may use feature under role today.
// It never records a use.
func (q *FeatureQuota) Check(ctx context.Context, identifier string, role Role, feature Feature) (FeatureDecision, error) {
	return q.evaluate(ctx, identifier, role, feature, false)
}

// Use checks the allowance and, when allowed, records one use in the same
// step.
func (q *FeatureQuota) Use(ctx context.Context, identifier string, role Role, feature Feature) (FeatureDecision, error) {
	return q.evaluate(ctx, identifier, role, feature, true)
}

func (q *FeatureQuota) evaluate(ctx context.Context, identifier string, role Role, feature Feature, record bool) (FeatureDecision, error) {
	if identifier == "" {
		return FeatureDecision{}, ErrInvalidIdentifier
	}
	limits, ok := q.limits[feature]
	if !ok {
		return FeatureDecision{}, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	role = normalizeRole(role)
	now := q.clock()

	decision := FeatureDecision{
		Feature: feature,
		Role:    role,
		Limit:   limits[role],
		ResetAt: nextMidnight(now),
	}

	if decision.Limit == Disabled {
		decision.UpgradeRequired = true
		decision.Message = upgradeMessage(limits)
		q.observer.ObserveFeature(feature, false)
		return decision, nil
	}

	key := featureKey(feature, identifier)
	if record {
		lock := keyLockFor(&q.locks, key)
		lock.Lock()
		defer lock.Unlock()
	}

	// Count is exclusive of since; step back so a use at midnight counts.
	used, err := q.log.Count(ctx, key, decision.ResetAt.Add(-24*time.Hour-time.Nanosecond))
	if err != nil {
		q.observer.ObserveBackendError("feature_count")
		return FeatureDecision{}, backendErr(err)
	}
	decision.Used = int64(used)
	decision.Allowed = decision.Limit == Unlimited || decision.Used < decision.Limit

	if !decision.Allowed {
		decision.RetryAfter = decision.ResetAt.Sub(now)
		decision.Message = fmt.Sprintf("Daily limit of %d reached for %s.", decision.Limit, feature)
		q.logger.DebugContext(ctx, "feature quota exhausted",
			"identifier", identifier,
			"feature", feature,
			"role", role,
			"used", decision.Used,
		)
		q.observer.ObserveFeature(feature, false)
		return decision, nil
	}

	if record {
		if err := q.log.Append(ctx, key, now, 24*time.Hour); err != nil {
			q.observer.ObserveBackendError("feature_append")
			return FeatureDecision{}, backendErr(err)
		}
		decision.Used++
	}
	decision.Remaining = Unlimited
	if decision.Limit != Unlimited {
		decision.Remaining = decision.Limit - decision.Used
	}

	q.observer.ObserveFeature(feature, true)
	return decision, nil
}

// Sweep drops uses from previous days and returns the number of keys removed.
func (q *FeatureQuota) Sweep(ctx context.Context) (int, error) {
	start := q.clock()
	removed, err := q.log.Sweep(ctx, start)
	if err != nil {
		q.observer.ObserveBackendError("feature_sweep")
		return 0, backendErr(err)
	}
	q.observer.ObserveSweep("feature_usage", removed, q.clock().Sub(start))
	return removed, nil
}

// Limit returns role's daily allowance for feature, and false for an
// unknown feature.
func (q *FeatureQuota) Limit(role Role, feature Feature) (int64, bool) {
	limits, ok := q.limits[feature]
	if !ok {
		return Disabled, false
	}
	return limits[normalizeRole(role)], true
}

// Features returns the metered feature names.
func (q *FeatureQuota) Features() []Feature {
	out := make([]Feature, 0, len(q.limits))
	for f := range q.limits {
		out = append(out, f)
	}
	return out
}

// upgradeMessage names the lowest paid tier that has the feature.
func upgradeMessage(limits FeatureLimits) string {
	for _, role := range knownRoles {
		if role == RoleAdmin || role == RoleAnonymous {
			continue
		}
		if limits[role] != Disabled {
			name := string(role)
			return "Upgrade to " + strings.ToUpper(name[:1]) + name[1:]
		}
	}
	return "Feature not available in your tier"
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func featureKey(feature Feature, identifier string) string {
	return "feature:" + string(feature) + ":" + identifier
}
