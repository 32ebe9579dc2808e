package tierfence

import (
	"sync"
	"time"
)

// recordingObserver counts what it is told.
type recordingObserver struct {
	mu            sync.Mutex
	admitted      int
	rejected      int
	authDenied    int
	authAttempts  int
	cooldownDeny  int
	featureDeny   int
	sweeps        map[string]int
	backendErrors []string
}

func (o *recordingObserver) ObserveAdmission(_ Role, admitted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if admitted {
		o.admitted++
	} else {
		o.rejected++
	}
}

func (o *recordingObserver) ObserveAuthCheck(_ Category, allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !allowed {
		o.authDenied++
	}
}

func (o *recordingObserver) ObserveAuthAttempt(Category) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authAttempts++
}

func (o *recordingObserver) ObserveCooldown(allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !allowed {
		o.cooldownDeny++
	}
}

func (o *recordingObserver) ObserveSweep(component string, removed int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sweeps == nil {
		o.sweeps = make(map[string]int)
	}
	o.sweeps[component] += removed
}

func (o *recordingObserver) ObserveBackendError(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backendErrors = append(o.backendErrors, op)
}

func (o *recordingObserver) ObserveFeature(_ Feature, allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !allowed {
		o.featureDeny++
	}
}
