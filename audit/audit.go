// Package audit records security-relevant admission events: rate limit
// rejections, auth lockouts, blocked IPs and cooldown rejections.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType names an audit event.
type EventType string

const (
	EventRateLimitExceeded    EventType = "api.rate_limit.exceeded"
	EventAuthAttemptsExceeded EventType = "security.auth.attempts_exceeded"
	EventIPBlocked            EventType = "security.ip.blocked"
	EventCooldownRejected     EventType = "api.cooldown.rejected"
	EventFeatureLimitExceeded EventType = "api.feature.limit_exceeded"
)

// Event is a single audit record. Empty fields are omitted from JSON.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Type       EventType `json:"type"`
	IP         string    `json:"ip,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Role       string    `json:"role,omitempty"`
	Category   string    `json:"category,omitempty"`
	Path       string    `json:"path,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent returns an event of type t with a fresh id, stamped at now.
func NewEvent(t EventType, now time.Time) Event {
	return Event{
		ID:   uuid.NewString(),
		Time: now.UTC(),
		Type: t,
	}
}

// Sink persists audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// SlogSink writes events as structured log lines at warn level.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink writing to logger (slog.Default() when nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Record(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
	}
	for _, kv := range [][2]string{
		{"ip", e.IP},
		{"identifier", e.Identifier},
		{"role", e.Role},
		{"category", e.Category},
		{"path", e.Path},
		{"detail", e.Detail},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	s.logger.LogAttrs(ctx, slog.LevelWarn, "audit event", attrs...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder wraps a Sink so that failures are logged rather than returned.
// HTTP middleware uses it: an audit write must never change an admission
// decision.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder over sink. A nil sink discards events.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// Emit stamps e with an id and time when missing and hands it to the sink.
func (r *Recorder) Emit(ctx context.Context, e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = r.now().UTC()
	}
	if err := r.sink.Record(ctx, e); err != nil {
		r.logger.Error("failed to record audit event",
			"event_type", string(e.Type),
			"error", err,
		)
	}
}
