// Command server runs the tierfence decision service: a JSON API that other
// processes call to admit requests, check auth attempts and gate submissions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tierfence/tierfence/api"
	"github.com/tierfence/tierfence/audit"
	"github.com/tierfence/tierfence/blocklist"
	"github.com/tierfence/tierfence/logging"
	"github.com/tierfence/tierfence/metrics"
	"github.com/tierfence/tierfence/middleware"
	"github.com/tierfence/tierfence/pkg/tierfence"
	"github.com/tierfence/tierfence/store"
	"github.com/tierfence/tierfence/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tierfence:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.Setup(cfg.Log, "tierfence")
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(tracing.Shutdown, cfg.ShutdownTimeout, logger, "tracing")

	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	limiterOpts := []tierfence.Option{
		tierfence.WithConfig(policy),
		tierfence.WithLogger(logger),
		tierfence.WithObserver(m),
	}
	authOpts := []tierfence.AuthOption{
		tierfence.WithAuthLogger(logger),
		tierfence.WithAuthObserver(m),
	}
	featureOpts := []tierfence.FeatureOption{
		tierfence.WithFeatureLogger(logger),
		tierfence.WithFeatureObserver(m),
	}

	// Choose storage backend
	if cfg.RedisAddr != "" {
		redisStore, err := connectRedis(ctx, cfg, policy)
		if err != nil {
			return err
		}
		defer redisStore.Close()

		table, err := policy.PolicyTable()
		if err != nil {
			return err
		}
		mode, err := tierfence.ParseRoleChangeMode(policy.RoleChange)
		if err != nil {
			return err
		}
		limiterOpts = append(limiterOpts, tierfence.WithBackend(redisStore.Buckets(table, store.WithBucketsRoleChange(mode))))
		authOpts = append(authOpts, tierfence.WithAttemptLog(redisStore.Attempts()))
		featureOpts = append(featureOpts, tierfence.WithFeatureLog(redisStore.Attempts()))
		logger.Info("using redis backend", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	} else {
		logger.Warn("using in-memory backend; limits are per process")
	}

	limiter, err := tierfence.New(limiterOpts...)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	m.TrackBuckets(reg, limiter.Buckets)

	attemptPolicies, err := policy.AttemptPolicies()
	if err != nil {
		return err
	}
	auth, err := tierfence.NewAuthLimiter(attemptPolicies, authOpts...)
	if err != nil {
		return fmt.Errorf("failed to create auth limiter: %w", err)
	}

	cooldown, err := tierfence.NewCooldown(policy.Cooldown.Window.Std(), tierfence.WithCooldownObserver(m))
	if err != nil {
		return fmt.Errorf("failed to create cooldown: %w", err)
	}

	featureLimits, err := policy.FeatureLimits()
	if err != nil {
		return err
	}
	quota, err := tierfence.NewFeatureQuota(featureLimits, featureOpts...)
	if err != nil {
		return fmt.Errorf("failed to create feature quota: %w", err)
	}

	janitor, err := tierfence.NewJanitor(policy.SweepSpec(), logger)
	if err != nil {
		return err
	}
	janitor.Register("buckets", limiter.Sweep)
	janitor.Register("auth_attempts", auth.Sweep)
	janitor.Register("cooldown", cooldown.Sweep)
	janitor.Register("feature_usage", quota.Sweep)

	// Audit trail
	sinks := audit.Multi{audit.NewSlogSink(logger)}
	var auditDB *audit.SQLiteSink
	if cfg.AuditDB != "" {
		auditDB, err = audit.NewSQLiteSink(cfg.AuditDB)
		if err != nil {
			return err
		}
		defer auditDB.Close()
		sinks = append(sinks, auditDB)
		janitor.Register("audit", func(ctx context.Context) (int, error) {
			return auditDB.Prune(ctx, time.Now().Add(-cfg.AuditRetention))
		})
	}
	recorder := audit.NewRecorder(sinks, logger)

	// Blocklist
	blocked := &blocklist.Set{}
	if cfg.BlocklistFile != "" {
		if err := blocked.LoadFile(cfg.BlocklistFile); err != nil {
			return err
		}
		watcher := blocklist.NewWatcher(blocked, cfg.BlocklistFile, logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("blocklist watcher exited", "error", err)
			}
		}()
	}

	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	mwOpts := []middleware.Option{
		middleware.WithLogger(logger),
		middleware.WithTrustProxy(cfg.TrustProxy),
		middleware.WithAudit(recorder),
	}
	routeOpts := []api.RouteOption{
		api.WithMiddleware(
			middleware.RequestID(mwOpts...),
			middleware.Blocklist(blocked, mwOpts...),
		),
		api.WithStats(m, limiter.Buckets),
		api.WithFeatures(api.NewFeatureHandler(quota, recorder, logger)),
		api.WithDashboard(),
		api.WithPrometheus(reg),
	}
	if tracing.Enabled() {
		routeOpts = append([]api.RouteOption{api.WithOTelMiddleware(cfg.Tracing.ServiceName)}, routeOpts...)
	}
	if auditDB != nil {
		routeOpts = append(routeOpts, api.WithAuditLog(auditDB))
	}

	handler := api.NewHandler(limiter, auth, cooldown, recorder, logger)
	router := api.NewRouter(handler, routeOpts...)

	return serve(ctx, cfg, router, logger)
}

func loadPolicy(path string) (*tierfence.Config, error) {
	policy := tierfence.NewConfig()
	if path != "" {
		var err error
		if policy, err = tierfence.LoadConfigFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := policy.ApplyEnv("TIERFENCE_"); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func connectRedis(ctx context.Context, cfg *serverConfig, policy *tierfence.Config) (*store.RedisStore, error) {
	redisStore := store.NewRedisStore(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      policy.Sweep.IdleThreshold.Std(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisStore.Ping(pingCtx); err != nil {
		redisStore.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return redisStore, nil
}

func serve(ctx context.Context, cfg *serverConfig, router *mux.Router, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tierfence listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownWithTimeout(srv.Shutdown, cfg.ShutdownTimeout, logger, "http server")
	return nil
}

func shutdownWithTimeout(fn func(context.Context) error, timeout time.Duration, logger *slog.Logger, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Error("shutdown failed", "component", what, "error", err)
	}
}
