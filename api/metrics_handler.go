package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tierfence/tierfence/audit"
	"github.com/tierfence/tierfence/metrics"
)

// MetricsProvider defines the interface for getting metrics
type MetricsProvider interface {
	GetSnapshot() *metrics.Snapshot
}

// AuditReader lists recent audit events. *audit.SQLiteSink implements it.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// maxAuditLimit caps GET /v1/audit?limit=N.
const maxAuditLimit = 1000

// StatsResponse is the GET /v1/stats body.
type StatsResponse struct {
	*metrics.Snapshot
	// Buckets is the number of live buckets, -1 when the backend cannot tell
	Buckets int `json:"buckets"`
}

// StatsHandler handles GET /v1/stats requests
type StatsHandler struct {
	provider MetricsProvider
	buckets  func() int
}

// NewStatsHandler creates a new stats handler. buckets may be nil.
func NewStatsHandler(provider MetricsProvider, buckets func() int) *StatsHandler {
	if buckets == nil {
		buckets = func() int { return -1 }
	}
	return &StatsHandler{provider: provider, buckets: buckets}
}

// ServeHTTP handles the stats endpoint
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Snapshot: h.provider.GetSnapshot(),
		Buckets:  h.buckets(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(resp)
}

// AuditHandler handles GET /v1/audit requests
type AuditHandler struct {
	reader AuditReader
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(reader AuditReader) *AuditHandler {
	return &AuditHandler{reader: reader}
}

func (h *AuditHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := audit.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	events, err := h.reader.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit_unavailable", "Failed to read audit events")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
