// Package tierfence provides tier-aware admission control for request pipelines.
//
// Every caller is charged against a token bucket sized by its subscription
// tier (anonymous, free, professional, business, enterprise, admin).
// Sensitive auth endpoints get a second, stricter sliding window limit per
// client IP, and submissions can be throttled with a per-key cooldown.
// The package has no HTTP dependency; see the middleware package for adapters.
//
// # Quick Start
//
//	limiter, err := tierfence.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	id := tierfence.Identity(userID, clientIP)
//	decision, err := limiter.Admit(ctx, id, tierfence.ParseRole(role))
//	if err != nil {
//	    // backend failure: fail closed
//	}
//	if !decision.Admitted {
//	    fmt.Printf("Rate limited. Retry after %ds\n", decision.RetryAfterSeconds())
//	}
//
// # Auth Attempts
//
//	auth, _ := tierfence.NewAuthLimiter(nil)
//
//	d, _ := auth.Check(ctx, clientIP, tierfence.CategoryLogin)
//	if !d.Allowed {
//	    // 429, Retry-After: d.RetryAfterSeconds()
//	}
//	auth.RecordAttempt(ctx, clientIP, tierfence.CategoryLogin)
//
// Check never records. Callers decide whether every attempt counts or only
// failures (AttemptPolicy.FailuresOnly).
//
// # Configuration
//
// Example YAML configuration:
//
//	tiers:
//	  anonymous: {capacity: 10, window: 1m}
//	  enterprise: {capacity: 1000, window: 1m}
//
//	auth:
//	  login: {max_attempts: 5, window: 15m}
//
//	sweep:
//	  interval: 1h
//	  idle_threshold: 1h
//
//	role_change: rebind
//
// Anything omitted keeps its default. Unknown tier or category names are
// rejected by Validate.
//
// # Background Sweeps
//
// Buckets, attempt logs and cooldown entries are reaped by a Janitor:
//
//	janitor, _ := tierfence.NewJanitor(cfg.SweepSpec(), logger)
//	janitor.Register("buckets", limiter.Sweep)
//	janitor.Register("auth_attempts", auth.Sweep)
//	janitor.Start(ctx)
//	defer janitor.Stop()
package tierfence
