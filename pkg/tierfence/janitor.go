package tierfence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// SweepFunc removes idle state and returns how many entries it removed.
// Limiter.Sweep, AuthLimiter.Sweep and Cooldown.Sweep all fit.
type SweepFunc func(ctx context.Context) (int, error)

type sweepJob struct {
	name  string
	sweep SweepFunc
}

// Janitor runs registered sweeps on a cron schedule, e.g. "@every 1h" or
// "0 * * * *". Start it once at process start.
type Janitor struct {
	spec    string
	cron    *cron.Cron
	jobs    []sweepJob
	jobsMu  sync.Mutex // Guards jobs; never held while a sweep runs
	mu      sync.Mutex // Guards started and running
	logger  *slog.Logger
	started bool
	running bool
	done    chan struct{} // Closed by Stop to release the context watcher
	exited  chan struct{} // Closed when the context watcher returns
}

// NewJanitor creates a stopped janitor for spec.
func NewJanitor(spec string, logger *slog.Logger) (*Janitor, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("%w: invalid sweep schedule %q: %w", ErrInvalidConfig, spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		spec:   spec,
		cron:   cron.New(),
		logger: logger.With("component", "janitor"),
	}, nil
}

// Register adds a sweep to every later run.
func (j *Janitor) Register(name string, sweep SweepFunc) {
	j.jobsMu.Lock()
	defer j.jobsMu.Unlock()

	j.jobs = append(j.jobs, sweepJob{name: name, sweep: sweep})
}

// Start schedules the registered sweeps. It may be called once; later calls
// return ErrAlreadyStarted. Cancelling ctx stops the janitor.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return ErrAlreadyStarted
	}

	if _, err := j.cron.AddFunc(j.spec, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweeps: %w", err)
	}

	j.cron.Start()
	j.started = true
	j.running = true

	j.logger.Info("janitor started",
		"schedule", j.spec,
	)

	j.done = make(chan struct{})
	j.exited = make(chan struct{})
	go j.watch(ctx, j.done, j.exited)

	return nil
}

func (j *Janitor) watch(ctx context.Context, done, exited chan struct{}) {
	defer close(exited)
	select {
	case <-ctx.Done():
		j.stop()
	case <-done:
	}
}

// RunOnce runs every registered sweep now, in registration order.
// Failures are logged and do not stop later sweeps.
func (j *Janitor) RunOnce(ctx context.Context) map[string]int {
	j.jobsMu.Lock()
	jobs := make([]sweepJob, len(j.jobs))
	copy(jobs, j.jobs)
	j.jobsMu.Unlock()

	removed := make(map[string]int, len(jobs))
	for _, job := range jobs {
		n, err := job.sweep(ctx)
		if err != nil {
			j.logger.Error("sweep failed",
				"job", job.name,
				"error", err,
			)
			continue
		}
		removed[job.name] = n
		j.logger.Debug("sweep completed",
			"job", job.name,
			"removed", n,
		)
	}
	return removed
}

// Stop stops the scheduler and waits for a running sweep to complete.
// It is safe to call more than once.
func (j *Janitor) Stop() {
	if exited := j.stop(); exited != nil {
		<-exited
	}
}

// stop halts the scheduler and returns the watcher's exit channel, or nil
// if the janitor was not running.
func (j *Janitor) stop() chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return nil
	}
	close(j.done)
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.running = false
	j.logger.Info("janitor stopped")
	return j.exited
}

// IsRunning returns true if the janitor is scheduled.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.running
}
