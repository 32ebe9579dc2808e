// Command demo runs a small API protected in-process by the tierfence
// middleware, to show the headers and rejections end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/tierfence/tierfence/cmd/demo/handlers"
	"github.com/tierfence/tierfence/logging"
	"github.com/tierfence/tierfence/middleware"
	"github.com/tierfence/tierfence/pkg/tierfence"
)

func main() {
	// Command-line flags
	port := flag.String("port", "8080", "Port to run the server on")
	configFile := flag.String("config", "", "Path to a tierfence YAML configuration file")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stdout, "text", level)
	slog.SetDefault(logger)

	router, janitor, err := newRouter(*configFile, logger)
	if err != nil {
		logger.Error("failed to set up limiters", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := janitor.Start(ctx); err != nil {
		logger.Error("failed to start janitor", "error", err)
		os.Exit(1)
	}
	defer janitor.Stop()

	addr := ":" + *port
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting demo server", "addr", addr)
	fmt.Printf(`
Try it:
  curl -i http://localhost%[1]s/api/search?q=test
  curl -i -H 'X-Demo-User: 7' -H 'X-Demo-Role: business' http://localhost%[1]s/api/search
  curl -i -X POST -d password=wrong http://localhost%[1]s/api/login
  curl -i -X POST http://localhost%[1]s/api/submit
  curl -i -X POST -H 'X-Demo-User: 7' -H 'X-Demo-Role: free' http://localhost%[1]s/api/plan

`, addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return
	}
	logger.Info("demo server stopped")
}

// newRouter builds the demo routes and a janitor sweeping every store
// behind them. The caller starts and stops the janitor.
func newRouter(configFile string, logger *slog.Logger) (*mux.Router, *tierfence.Janitor, error) {
	opts := []tierfence.Option{tierfence.WithLogger(logger)}
	if configFile != "" {
		opts = append(opts, tierfence.WithConfigFile(configFile))
	}
	limiter, err := tierfence.New(opts...)
	if err != nil {
		return nil, nil, err
	}
	cfg := limiter.Config()

	policies, err := cfg.AttemptPolicies()
	if err != nil {
		return nil, nil, err
	}
	auth, err := tierfence.NewAuthLimiter(policies, tierfence.WithAuthLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	cooldown, err := tierfence.NewCooldown(cfg.Cooldown.Window.Std())
	if err != nil {
		return nil, nil, err
	}
	featureLimits, err := cfg.FeatureLimits()
	if err != nil {
		return nil, nil, err
	}
	quota, err := tierfence.NewFeatureQuota(featureLimits, tierfence.WithFeatureLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	janitor, err := tierfence.NewJanitor(cfg.SweepSpec(), logger)
	if err != nil {
		return nil, nil, err
	}
	janitor.Register("buckets", limiter.Sweep)
	janitor.Register("auth_attempts", auth.Sweep)
	janitor.Register("cooldown", cooldown.Sweep)
	janitor.Register("feature_usage", quota.Sweep)

	mwOpts := []middleware.Option{middleware.WithLogger(logger)}

	router := mux.NewRouter()
	router.Use(middleware.RequestID(mwOpts...))
	router.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(handlers.Authenticate, middleware.RateLimit(limiter, mwOpts...))
	api.HandleFunc("/search", handlers.Search).Methods(http.MethodGet)
	api.Handle("/submit", middleware.CooldownGate(cooldown, mwOpts...)(http.HandlerFunc(handlers.Submit))).
		Methods(http.MethodPost)
	api.Handle("/login", middleware.AuthGuard(auth, tierfence.CategoryLogin, mwOpts...)(http.HandlerFunc(handlers.Login))).
		Methods(http.MethodPost)
	api.Handle("/register", middleware.AuthGuard(auth, tierfence.CategoryRegister, mwOpts...)(http.HandlerFunc(handlers.Register))).
		Methods(http.MethodPost)
	api.Handle("/plan", middleware.FeatureGate(quota, tierfence.FeatureBusinessPlanning, mwOpts...)(http.HandlerFunc(handlers.Plan))).
		Methods(http.MethodPost)

	return router, janitor, nil
}
