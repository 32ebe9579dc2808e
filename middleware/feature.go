package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tierfence/tierfence/audit"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

// FeatureMeter charges one daily use of a feature.
// *tierfence.FeatureQuota implements it.
type FeatureMeter interface {
	Use(ctx context.Context, identifier string, role tierfence.Role, feature tierfence.Feature) (tierfence.FeatureDecision, error)
}

// FeatureGate returns middleware that charges one use of feature per
// request against the caller's daily allowance. Roles without the feature
// get 403 upgrade_required; an exhausted allowance gets 429 until midnight UTC.
func FeatureGate(meter FeatureMeter, feature tierfence.Feature, opts ...Option) func(http.Handler) http.Handler {
	o := newOptions(opts)
	logger := o.logger.With("component", "feature_gate", "feature", string(feature))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := o.ip(r)
			id, role := identify(r, ip)

			decision, err := meter.Use(r.Context(), id, role, feature)
			if err != nil {
				logger.Error("feature quota check failed", "identifier", id, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
					Error:   "service_unavailable",
					Message: "Feature quota unavailable. Please try again later.",
				})
				return
			}

			h := w.Header()
			h.Set("X-Feature-Limit", strconv.FormatInt(decision.Limit, 10))
			h.Set("X-Feature-Remaining", strconv.FormatInt(decision.Remaining, 10))

			if decision.UpgradeRequired {
				h.Set("X-Upgrade-Required", "true")
				writeJSON(w, http.StatusForbidden, ErrorResponse{
					Error:   "upgrade_required",
					Message: decision.Message,
				})
				return
			}

			if !decision.Allowed {
				secs := ceilSeconds(decision.RetryAfter)
				h.Set("Retry-After", strconv.FormatInt(secs, 10))
				h.Set("X-Feature-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

				o.recorder.Emit(r.Context(), audit.Event{
					Type:       audit.EventFeatureLimitExceeded,
					IP:         ip,
					Identifier: id,
					Role:       string(decision.Role),
					Path:       r.URL.Path,
					Detail:     fmt.Sprintf("%s: %d of %d used", feature, decision.Used, decision.Limit),
				})

				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:      "daily_limit_exceeded",
					Message:    decision.Message,
					RetryAfter: secs,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
