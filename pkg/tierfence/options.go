package tierfence

import (
	"fmt"
	"log/slog"
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithConfig sets the configuration for the limiter.
func WithConfig(config *Config) Option {
	return func(l *Limiter) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		l.config = config
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(l *Limiter) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		l.config = config
		return nil
	}
}

// WithBackend replaces the in-process registry, e.g. with store.RedisBuckets.
// The backend must draw its policies from the same tier table.
func WithBackend(backend Backend) Option {
	return func(l *Limiter) error {
		if backend == nil {
			return fmt.Errorf("%w: backend cannot be nil", ErrInvalidConfig)
		}
		l.backend = backend
		return nil
	}
}

// WithClock sets the clock used by the limiter and its default registry.
func WithClock(clock Clock) Option {
	return func(l *Limiter) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		l.clock = clock
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		l.logger = logger
		return nil
	}
}

// WithObserver reports admission outcomes, e.g. to metrics.Metrics.
func WithObserver(observer Observer) Option {
	return func(l *Limiter) error {
		if observer == nil {
			return fmt.Errorf("%w: observer cannot be nil", ErrInvalidConfig)
		}
		l.observer = observer
		return nil
	}
}
