// Package api exposes the limiters as a JSON decision service so that
// processes in other languages can share one set of buckets.
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
	"time"

	"github.com/tierfence/tierfence/audit"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

// Admitter charges tokens against a tier bucket. *tierfence.Limiter implements it.
type Admitter interface {
	AdmitN(ctx context.Context, identifier string, role tierfence.Role, n int64) (*tierfence.Decision, error)
}

// AttemptLimiter is the auth attempt limiter. *tierfence.AuthLimiter implements it.
type AttemptLimiter interface {
	Check(ctx context.Context, ip string, category tierfence.Category) (tierfence.AuthDecision, error)
	RecordAttempt(ctx context.Context, ip string, category tierfence.Category) error
}

// CooldownChecker is the submission cooldown. *tierfence.Cooldown implements it.
type CooldownChecker interface {
	Allow(key string) (bool, time.Duration)
}

// Handler serves the decision endpoints.
type Handler struct {
	limiter  Admitter
	auth     AttemptLimiter
	cooldown CooldownChecker
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewHandler creates a new API handler. recorder may be nil.
func NewHandler(limiter Admitter, auth AttemptLimiter, cooldown CooldownChecker, recorder *audit.Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		limiter:  limiter,
		auth:     auth,
		cooldown: cooldown,
		recorder: recorder,
		logger:   logger.With("component", "api"),
	}
}

// AdmitRequest represents the incoming admission request
type AdmitRequest struct {
	UserID     string `json:"user_id,omitempty"`    // Authenticated user, if any
	IP         string `json:"ip,omitempty"`         // Client IP for anonymous callers
	Identifier string `json:"identifier,omitempty"` // Optional: explicit bucket key, overrides user_id/ip
	Role       string `json:"role,omitempty"`       // Tier name; unknown or empty means anonymous
	Cost       int64  `json:"cost,omitempty"`       // Tokens to charge, default 1
}

// AdmitResponse represents the admission decision
type AdmitResponse struct {
	Admitted   bool   `json:"admitted"`
	Identifier string `json:"identifier"`
	Role       string `json:"role"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	ResetAt    int64  `json:"reset_at"`              // Unix timestamp
	RetryAfter int64  `json:"retry_after,omitempty"` // Seconds until retry (if rejected)
}

// AuthRequest names a client IP and an auth endpoint category.
type AuthRequest struct {
	IP       string `json:"ip"`
	Category string `json:"category"`
}

// AuthCheckResponse represents an auth attempt decision
type AuthCheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Category   string `json:"category"`
	Attempts   int    `json:"attempts"`
	Limit      int    `json:"limit"`
	RetryAfter int64  `json:"retry_after,omitempty"`
	Message    string `json:"message,omitempty"`
}

// CooldownRequest names the key to gate.
type CooldownRequest struct {
	Key string `json:"key"`
}

// CooldownResponse represents a cooldown decision
type CooldownResponse struct {
	Allowed    bool  `json:"allowed"`
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Admit handles POST /v1/admit requests
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		identifier = tierfence.Identity(strings.TrimSpace(req.UserID), strings.TrimSpace(req.IP))
	}
	if req.Cost == 0 {
		req.Cost = 1
	}
	if req.Cost < 0 {
		h.sendError(w, http.StatusBadRequest, "invalid_cost", "cost must be positive")
		return
	}
	role := tierfence.ParseRole(req.Role)

	decision, err := h.limiter.AdmitN(r.Context(), identifier, role, req.Cost)
	if err != nil {
		h.sendBackendError(w, err)
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

	resp := AdmitResponse{
		Admitted:   decision.Admitted,
		Identifier: decision.Identifier,
		Role:       string(decision.Role),
		Limit:      decision.Limit,
		Remaining:  decision.Remaining,
		ResetAt:    decision.ResetAt.Unix(),
	}

	statusCode := http.StatusOK
	if !decision.Admitted {
		statusCode = http.StatusTooManyRequests
		resp.RetryAfter = decision.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
		h.recorder.Emit(r.Context(), audit.Event{
			Type:       audit.EventRateLimitExceeded,
			IP:         req.IP,
			Identifier: decision.Identifier,
			Role:       string(decision.Role),
			Path:       r.URL.Path,
			Detail:     fmt.Sprintf("cost %d, limit %d", req.Cost, decision.Limit),
		})
	}

	h.sendJSON(w, statusCode, resp)
}

// AuthCheck handles POST /v1/auth/check requests. It never records an attempt.
func (h *Handler) AuthCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAuth(w, r)
	if !ok {
		return
	}
	category := tierfence.ParseCategory(req.Category)

	decision, err := h.auth.Check(r.Context(), req.IP, category)
	if err != nil {
		h.sendBackendError(w, err)
		return
	}

	resp := AuthCheckResponse{
		Allowed:  decision.Allowed,
		Category: string(decision.Category),
		Attempts: decision.Attempts,
		Limit:    decision.Limit,
	}
	statusCode := http.StatusOK
	if !decision.Allowed {
		statusCode = http.StatusTooManyRequests
		resp.RetryAfter = decision.RetryAfterSeconds()
		resp.Message = fmt.Sprintf("Too many attempts. Please try again in %d minutes.", int64(math.Ceil(decision.RetryAfter.Minutes())))
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
		h.recorder.Emit(r.Context(), audit.Event{
			Type:     audit.EventAuthAttemptsExceeded,
			IP:       req.IP,
			Category: string(decision.Category),
			Path:     r.URL.Path,
			Detail:   fmt.Sprintf("%d attempts, limit %d", decision.Attempts, decision.Limit),
		})
	}

	h.sendJSON(w, statusCode, resp)
}

// RecordAttempt handles POST /v1/auth/attempts requests
func (h *Handler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAuth(w, r)
	if !ok {
		return
	}

	if err := h.auth.RecordAttempt(r.Context(), req.IP, tierfence.ParseCategory(req.Category)); err != nil {
		h.sendBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cooldown handles POST /v1/cooldown requests
func (h *Handler) Cooldown(w http.ResponseWriter, r *http.Request) {
	var req CooldownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		h.sendError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}

	allowed, wait := h.cooldown.Allow(key)
	if !allowed {
		secs := int64(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		h.recorder.Emit(r.Context(), audit.Event{
			Type:       audit.EventCooldownRejected,
			Identifier: key,
			Path:       r.URL.Path,
		})
		h.sendJSON(w, http.StatusTooManyRequests, CooldownResponse{RetryAfter: secs})
		return
	}
	h.sendJSON(w, http.StatusOK, CooldownResponse{Allowed: true})
}

// Health handles GET /health requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decodeAuth(w http.ResponseWriter, r *http.Request) (AuthRequest, bool) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return req, false
	}
	req.IP = strings.TrimSpace(req.IP)
	if req.IP == "" {
		h.sendError(w, http.StatusBadRequest, "missing_ip", "ip is required")
		return req, false
	}
	return req, true
}

func (h *Handler) sendBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tierfence.ErrInvalidIdentifier), errors.Is(err, tierfence.ErrInvalidAmount):
		h.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.logger.Error("limiter backend failed", "error", err)
		h.sendError(w, http.StatusServiceUnavailable, "service_unavailable", "Limiter backend unavailable")
	}
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeError(w, statusCode, errorCode, message)
}
