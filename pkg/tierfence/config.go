package tierfence

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the admission control configuration.
// The zero value is not usable; start from NewConfig or LoadConfigFromFile.
type Config struct {
	// Tiers maps role names to their token bucket budget
	Tiers map[string]TierConfig `yaml:"tiers"`

	// Auth maps auth categories to their attempt limits
	Auth map[string]AuthConfig `yaml:"auth"`

	// Sweep controls the background reaper
	Sweep SweepConfig `yaml:"sweep"`

	// RoleChange is "rebind" (default) or "sticky"
	RoleChange string `yaml:"role_change,omitempty"`

	// Cooldown controls the submission cooldown
	Cooldown CooldownConfig `yaml:"cooldown"`

	// Features maps feature names to per-role daily allowances.
	// -1 is unlimited, 0 or a missing role is disabled.
	Features map[string]map[string]int64 `yaml:"features,omitempty"`
}

// TierConfig is one tier's budget: Capacity requests per Window.
type TierConfig struct {
	Capacity int64    `yaml:"capacity"`
	Window   Duration `yaml:"window"`
}

// AuthConfig is one auth category's sliding window limit.
type AuthConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	Window       Duration `yaml:"window"`
	FailuresOnly bool     `yaml:"failures_only,omitempty"`
}

// SweepConfig controls how often idle state is reaped.
type SweepConfig struct {
	// Interval between sweeps. Ignored when Schedule is set.
	Interval Duration `yaml:"interval"`

	// IdleThreshold is how long a bucket may go untouched before it is removed
	IdleThreshold Duration `yaml:"idle_threshold"`

	// Schedule is an optional cron spec, e.g. "*/30 * * * *" or "@hourly"
	Schedule string `yaml:"schedule,omitempty"`
}

// CooldownConfig controls the per-key submission cooldown.
type CooldownConfig struct {
	Window Duration `yaml:"window"`
}

// Duration is a time.Duration that reads "15m" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NewConfig creates a new Config with the default tier and auth tables,
// an hourly sweep of buckets idle for an hour, and a five minute cooldown.
func NewConfig() *Config {
	config := &Config{
		Tiers: make(map[string]TierConfig),
		Auth:  make(map[string]AuthConfig),
		Sweep: SweepConfig{
			Interval:      Duration(time.Hour),
			IdleThreshold: Duration(time.Hour),
		},
		RoleChange: string(RoleChangeRebind),
		Cooldown:   CooldownConfig{Window: Duration(5 * time.Minute)},
		Features:   make(map[string]map[string]int64),
	}
	for role, p := range DefaultTierPolicies() {
		config.Tiers[string(role)] = TierConfig{Capacity: p.Capacity, Window: Duration(p.Window)}
	}
	for category, p := range DefaultAttemptPolicies() {
		config.Auth[string(category)] = AuthConfig{
			MaxAttempts:  p.MaxAttempts,
			Window:       Duration(p.Window),
			FailuresOnly: p.FailuresOnly,
		}
	}
	for feature, limits := range DefaultFeatureLimits() {
		roles := make(map[string]int64, len(limits))
		for role, n := range limits {
			roles[string(role)] = n
		}
		config.Features[string(feature)] = roles
	}
	return config
}

// LoadConfigFromFile loads configuration from a YAML file. Values in the
// file override the defaults field by field; anything omitted keeps its
// default. A value that is present but invalid, such as capacity: 0, is an
// error.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrInvalidConfig, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", ErrInvalidConfig, err)
	}

	config := NewConfig()
	config.merge(&file)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// fileConfig mirrors Config with pointer fields so that an explicit zero in
// the file is told apart from an omitted key.
type fileConfig struct {
	Tiers map[string]struct {
		Capacity *int64    `yaml:"capacity"`
		Window   *Duration `yaml:"window"`
	} `yaml:"tiers"`
	Auth map[string]struct {
		MaxAttempts  *int      `yaml:"max_attempts"`
		Window       *Duration `yaml:"window"`
		FailuresOnly *bool     `yaml:"failures_only"`
	} `yaml:"auth"`
	Features map[string]map[string]*int64 `yaml:"features"`
	Sweep    struct {
		Interval      *Duration `yaml:"interval"`
		IdleThreshold *Duration `yaml:"idle_threshold"`
		Schedule      *string   `yaml:"schedule"`
	} `yaml:"sweep"`
	RoleChange *string `yaml:"role_change"`
	Cooldown   struct {
		Window *Duration `yaml:"window"`
	} `yaml:"cooldown"`
}

func (c *Config) merge(over *fileConfig) {
	for name, tier := range over.Tiers {
		key := canonicalRoleName(name)
		current := c.Tiers[key]
		if tier.Capacity != nil {
			current.Capacity = *tier.Capacity
		}
		if tier.Window != nil {
			current.Window = *tier.Window
		}
		c.Tiers[key] = current
	}
	for name, auth := range over.Auth {
		key := canonicalCategoryName(name)
		current := c.Auth[key]
		if auth.MaxAttempts != nil {
			current.MaxAttempts = *auth.MaxAttempts
		}
		if auth.Window != nil {
			current.Window = *auth.Window
		}
		if auth.FailuresOnly != nil {
			current.FailuresOnly = *auth.FailuresOnly
		}
		c.Auth[key] = current
	}
	for name, limits := range over.Features {
		if c.Features == nil {
			c.Features = make(map[string]map[string]int64)
		}
		current := c.Features[name]
		if current == nil {
			current = make(map[string]int64, len(limits))
			c.Features[name] = current
		}
		for role, limit := range limits {
			if limit != nil {
				current[canonicalRoleName(role)] = *limit
			}
		}
	}
	if over.Sweep.Interval != nil {
		c.Sweep.Interval = *over.Sweep.Interval
	}
	if over.Sweep.IdleThreshold != nil {
		c.Sweep.IdleThreshold = *over.Sweep.IdleThreshold
	}
	if over.Sweep.Schedule != nil {
		c.Sweep.Schedule = *over.Sweep.Schedule
	}
	if over.RoleChange != nil {
		c.RoleChange = *over.RoleChange
	}
	if over.Cooldown.Window != nil {
		c.Cooldown.Window = *over.Cooldown.Window
	}
}

// ApplyEnv overrides the configuration from environment variables named
// <prefix>TIER_<ROLE>_CAPACITY, <prefix>TIER_<ROLE>_WINDOW,
// <prefix>AUTH_<CATEGORY>_MAX_ATTEMPTS, <prefix>AUTH_<CATEGORY>_WINDOW,
// <prefix>AUTH_<CATEGORY>_FAILURES_ONLY, <prefix>SWEEP_INTERVAL,
// <prefix>SWEEP_IDLE_THRESHOLD, <prefix>SWEEP_SCHEDULE, <prefix>ROLE_CHANGE,
// <prefix>COOLDOWN_WINDOW and <prefix>FEATURE_<FEATURE>_<ROLE> for features
// already in the table. Malformed values are reported together.
func (c *Config) ApplyEnv(prefix string) error {
	var errs []error

	for _, role := range knownRoles {
		name := prefix + "TIER_" + envName(string(role))
		tier := c.Tiers[string(role)]
		if v, ok := os.LookupEnv(name + "_CAPACITY"); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_CAPACITY: %w", name, err))
			}
			tier.Capacity = n
		}
		if v, ok := os.LookupEnv(name + "_WINDOW"); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_WINDOW: %w", name, err))
			}
			tier.Window = Duration(d)
		}
		c.Tiers[string(role)] = tier
	}

	for _, category := range knownCategories {
		name := prefix + "AUTH_" + envName(string(category))
		auth := c.Auth[string(category)]
		if v, ok := os.LookupEnv(name + "_MAX_ATTEMPTS"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_MAX_ATTEMPTS: %w", name, err))
			}
			auth.MaxAttempts = n
		}
		if v, ok := os.LookupEnv(name + "_WINDOW"); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_WINDOW: %w", name, err))
			}
			auth.Window = Duration(d)
		}
		if v, ok := os.LookupEnv(name + "_FAILURES_ONLY"); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_FAILURES_ONLY: %w", name, err))
			}
			auth.FailuresOnly = b
		}
		c.Auth[string(category)] = auth
	}

	for feature, roles := range c.Features {
		name := prefix + "FEATURE_" + envName(feature)
		for _, role := range knownRoles {
			v, ok := os.LookupEnv(name + "_" + envName(string(role)))
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", name, envName(string(role)), err))
				continue
			}
			roles[string(role)] = n
		}
	}

	durations := []struct {
		name   string
		target *Duration
	}{
		{"SWEEP_INTERVAL", &c.Sweep.Interval},
		{"SWEEP_IDLE_THRESHOLD", &c.Sweep.IdleThreshold},
		{"COOLDOWN_WINDOW", &c.Cooldown.Window},
	}
	for _, d := range durations {
		if v, ok := os.LookupEnv(prefix + d.name); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", prefix, d.name, err))
				continue
			}
			*d.target = Duration(parsed)
		}
	}

	if v, ok := os.LookupEnv(prefix + "SWEEP_SCHEDULE"); ok {
		c.Sweep.Schedule = v
	}
	if v, ok := os.LookupEnv(prefix + "ROLE_CHANGE"); ok {
		c.RoleChange = strings.ToLower(strings.TrimSpace(v))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks if the configuration is valid. Unknown role or category
// names are errors here, unlike on the request path where they fall back.
func (c *Config) Validate() error {
	for name, tier := range c.Tiers {
		if _, err := LookupRole(name); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		policy := TierPolicy{Capacity: tier.Capacity, Window: tier.Window.Std()}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: invalid tier %s: %w", ErrInvalidConfig, name, err)
		}
	}

	for name, auth := range c.Auth {
		if _, err := LookupCategory(name); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		policy := AttemptPolicy{MaxAttempts: auth.MaxAttempts, Window: auth.Window.Std()}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: invalid auth category %s: %w", ErrInvalidConfig, name, err)
		}
	}

	if _, err := c.FeatureLimits(); err != nil {
		return err
	}

	if c.Sweep.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("%w: invalid sweep schedule %q: %w", ErrInvalidConfig, c.Sweep.Schedule, err)
		}
	} else if c.Sweep.Interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	if c.Sweep.IdleThreshold <= 0 {
		return fmt.Errorf("%w: idle threshold must be positive", ErrInvalidConfig)
	}

	if _, err := ParseRoleChangeMode(c.RoleChange); err != nil {
		return err
	}

	if c.Cooldown.Window <= 0 {
		return fmt.Errorf("%w: cooldown window must be positive", ErrInvalidConfig)
	}

	return nil
}

// PolicyTable builds the immutable tier table. Roles missing from Tiers are
// an error.
func (c *Config) PolicyTable() (*PolicyTable, error) {
	policies := make(map[Role]TierPolicy, len(c.Tiers))
	for name, tier := range c.Tiers {
		role, err := LookupRole(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		policies[role] = TierPolicy{Capacity: tier.Capacity, Window: tier.Window.Std()}
	}
	return NewPolicyTable(policies)
}

// AttemptPolicies returns the auth limits, with defaults for any category
// the configuration leaves out.
func (c *Config) AttemptPolicies() (map[Category]AttemptPolicy, error) {
	policies := DefaultAttemptPolicies()
	for name, auth := range c.Auth {
		category, err := LookupCategory(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		policy := AttemptPolicy{
			MaxAttempts:  auth.MaxAttempts,
			Window:       auth.Window.Std(),
			FailuresOnly: auth.FailuresOnly,
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid auth category %s: %w", ErrInvalidConfig, name, err)
		}
		policies[category] = policy
	}
	return policies, nil
}

// FeatureLimits builds the feature quota table.
func (c *Config) FeatureLimits() (map[Feature]FeatureLimits, error) {
	out := make(map[Feature]FeatureLimits, len(c.Features))
	for name, roles := range c.Features {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty feature name", ErrInvalidConfig)
		}
		limits := make(FeatureLimits, len(roles))
		for roleName, n := range roles {
			role, err := LookupRole(roleName)
			if err != nil {
				return nil, fmt.Errorf("%w: feature %s: %w", ErrInvalidConfig, name, err)
			}
			limits[role] = n
		}
		if err := limits.Validate(); err != nil {
			return nil, fmt.Errorf("%w: feature %s: %w", ErrInvalidConfig, name, err)
		}
		out[Feature(name)] = limits
	}
	return out, nil
}

// SweepSpec returns the cron spec the janitor runs on.
func (c *Config) SweepSpec() string {
	if c.Sweep.Schedule != "" {
		return c.Sweep.Schedule
	}
	return "@every " + c.Sweep.Interval.Std().String()
}

func canonicalRoleName(name string) string {
	if role, err := LookupRole(name); err == nil {
		return string(role)
	}
	return name
}

func canonicalCategoryName(name string) string {
	if category, err := LookupCategory(name); err == nil {
		return string(category)
	}
	return name
}

func envName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
