package tierfence

import "time"

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Observer receives admission outcomes. metrics.Metrics implements it for
// Prometheus; the zero value of the library uses NopObserver.
type Observer interface {
	ObserveAdmission(role Role, admitted bool)
	ObserveAuthCheck(category Category, allowed bool)
	ObserveAuthAttempt(category Category)
	ObserveCooldown(allowed bool)
	ObserveFeature(feature Feature, allowed bool)
	ObserveSweep(component string, removed int, took time.Duration)
	ObserveBackendError(op string)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) ObserveAdmission(Role, bool)             {}
func (NopObserver) ObserveAuthCheck(Category, bool)         {}
func (NopObserver) ObserveAuthAttempt(Category)             {}
func (NopObserver) ObserveCooldown(bool)                    {}
func (NopObserver) ObserveFeature(Feature, bool)            {}
func (NopObserver) ObserveSweep(string, int, time.Duration) {}
func (NopObserver) ObserveBackendError(string)              {}
