package tierfence

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNonPositiveCapacity is returned when a tier capacity is zero or negative
	ErrNonPositiveCapacity = errors.New("capacity must be positive")

	// ErrNonPositiveWindow is returned when a tier or auth window is zero or negative
	ErrNonPositiveWindow = errors.New("window must be positive")

	// ErrNonPositiveAttempts is returned when an auth category allows no attempts
	ErrNonPositiveAttempts = errors.New("max attempts must be positive")

	// ErrUnknownRole is returned by strict role lookups during config validation
	ErrUnknownRole = errors.New("unknown role")

	// ErrUnknownCategory is returned by strict category lookups during config validation
	ErrUnknownCategory = errors.New("unknown auth category")

	// ErrUnknownFeature is returned for a feature with no entry in the quota table
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrInvalidFeatureLimit is returned for a daily limit below Unlimited
	ErrInvalidFeatureLimit = errors.New("feature limit must be -1 (unlimited), 0 (disabled) or positive")

	// ErrInvalidIdentifier is returned when the identifier or IP is empty
	ErrInvalidIdentifier = errors.New("identifier cannot be empty")

	// ErrInvalidAmount is returned when asked to consume fewer than one token,
	// or more than the bucket can ever hold
	ErrInvalidAmount = errors.New("token amount must be between 1 and the bucket capacity")

	// ErrBackendFailed is returned when a storage backend cannot answer
	ErrBackendFailed = errors.New("backend operation failed")

	// ErrAlreadyStarted is returned when a background janitor is started twice
	ErrAlreadyStarted = errors.New("janitor already started")
)
