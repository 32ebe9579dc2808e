package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/tierfence/tierfence/audit"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

// FeatureMeter is the daily feature quota. *tierfence.FeatureQuota implements it.
type FeatureMeter interface {
	Check(ctx context.Context, identifier string, role tierfence.Role, feature tierfence.Feature) (tierfence.FeatureDecision, error)
	Use(ctx context.Context, identifier string, role tierfence.Role, feature tierfence.Feature) (tierfence.FeatureDecision, error)
}

// FeatureRequest names a caller and the feature they want to use.
type FeatureRequest struct {
	UserID     string `json:"user_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Role       string `json:"role,omitempty"`
	Feature    string `json:"feature"`
	DryRun     bool   `json:"dry_run,omitempty"` // check without charging a use
}

// FeatureResponse represents a feature quota decision
type FeatureResponse struct {
	Allowed         bool   `json:"allowed"`
	Feature         string `json:"feature"`
	Role            string `json:"role"`
	Used            int64  `json:"used"`
	Limit           int64  `json:"limit"`     // -1 unlimited, 0 not in tier
	Remaining       int64  `json:"remaining"` // -1 unlimited
	ResetAt         int64  `json:"reset_at"`
	RetryAfter      int64  `json:"retry_after,omitempty"`
	UpgradeRequired bool   `json:"upgrade_required,omitempty"`
	Message         string `json:"message,omitempty"`
}

// FeatureHandler serves POST /v1/features/use.
type FeatureHandler struct {
	meter    FeatureMeter
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewFeatureHandler creates the feature quota endpoint. recorder may be nil.
func NewFeatureHandler(meter FeatureMeter, recorder *audit.Recorder, logger *slog.Logger) *FeatureHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeatureHandler{
		meter:    meter,
		recorder: recorder,
		logger:   logger.With("component", "api", "endpoint", "features"),
	}
}

func (h *FeatureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req FeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	feature := tierfence.Feature(strings.TrimSpace(req.Feature))
	if feature == "" {
		writeError(w, http.StatusBadRequest, "missing_feature", "feature is required")
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		identifier = tierfence.Identity(strings.TrimSpace(req.UserID), strings.TrimSpace(req.IP))
	}
	role := tierfence.ParseRole(req.Role)

	charge := h.meter.Use
	if req.DryRun {
		charge = h.meter.Check
	}
	decision, err := charge(r.Context(), identifier, role, feature)
	switch {
	case errors.Is(err, tierfence.ErrUnknownFeature):
		writeError(w, http.StatusBadRequest, "unknown_feature", err.Error())
		return
	case errors.Is(err, tierfence.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		h.logger.Error("feature quota backend failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "Limiter backend unavailable")
		return
	}

	resp := FeatureResponse{
		Allowed:         decision.Allowed,
		Feature:         string(decision.Feature),
		Role:            string(decision.Role),
		Used:            decision.Used,
		Limit:           decision.Limit,
		Remaining:       decision.Remaining,
		ResetAt:         decision.ResetAt.Unix(),
		UpgradeRequired: decision.UpgradeRequired,
		Message:         decision.Message,
	}

	status := http.StatusOK
	switch {
	case decision.UpgradeRequired:
		status = http.StatusForbidden
	case !decision.Allowed:
		status = http.StatusTooManyRequests
		resp.RetryAfter = int64(math.Ceil(decision.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
		h.recorder.Emit(r.Context(), audit.Event{
			Type:       audit.EventFeatureLimitExceeded,
			IP:         req.IP,
			Identifier: identifier,
			Role:       string(decision.Role),
			Path:       r.URL.Path,
			Detail:     fmt.Sprintf("%s: %d of %d used", feature, decision.Used, decision.Limit),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
