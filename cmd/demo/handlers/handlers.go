// Package handlers holds the endpoints of the demo server. They do no real
// work; the point is the middleware wrapped around them.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tierfence/tierfence/middleware"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

// Response is a generic JSON response structure
type Response struct {
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// DemoPassword is the only password Login accepts.
const DemoPassword = "letmein"

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	resp.Timestamp = time.Now().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Authenticate turns the X-Demo-User and X-Demo-Role headers into a
// middleware.Principal. A real service would verify a token here.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := strings.TrimSpace(r.Header.Get("X-Demo-User")); user != "" {
			p := middleware.Principal{
				UserID: user,
				Role:   tierfence.ParseRole(r.Header.Get("X-Demo-Role")),
			}
			r = r.WithContext(middleware.WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// Health returns a health check endpoint
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Message: "tierfence demo server is healthy"})
}

// Search handles search requests (tier rate limit only)
func Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		query = "all"
	}

	role := tierfence.RoleAnonymous
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		role = p.Role
	}

	writeJSON(w, http.StatusOK, Response{
		Message: "Search endpoint - limited by caller tier",
		Data: map[string]any{
			"query":   query,
			"tier":    role,
			"results": []string{"result1", "result2", "result3"},
		},
	})
}

// Submit handles listing submissions (one per client IP per cooldown window)
func Submit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, Response{
		Message: "Submission accepted - next one allowed after the cooldown",
		Data: map[string]any{
			"id":      "12345",
			"created": true,
		},
	})
}

// Login handles authentication. Failed logins count toward the lockout.
func Login(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("password") != DemoPassword {
		writeJSON(w, http.StatusUnauthorized, Response{Message: "Invalid credentials"})
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Message: "Login endpoint - 5 attempts per 15 minutes",
		Data: map[string]any{
			"token": "mock-jwt-token",
			"user":  "demo-user",
		},
	})
}

// Register handles sign-ups. Every attempt counts.
func Register(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, Response{
		Message: "Register endpoint - 3 attempts per hour",
		Data:    map[string]any{"registered": true},
	})
}

// Plan stands in for an AI business plan generator. Each call uses one of
// the caller's daily plans.
func Plan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Message: "Plan endpoint - daily allowance by tier",
		Data: map[string]any{
			"remaining": w.Header().Get("X-Feature-Remaining"),
		},
	})
}
