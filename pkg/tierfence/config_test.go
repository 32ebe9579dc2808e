package tierfence

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tierfence.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewConfig(t *testing.T) {
	config := NewConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if len(config.Tiers) != 6 {
		t.Errorf("len(Tiers) = %d, want 6", len(config.Tiers))
	}
	if got := config.Tiers["anonymous"].Capacity; got != 10 {
		t.Errorf("anonymous capacity = %d, want 10", got)
	}
	if got := config.Tiers["admin"].Window.Std(); got != time.Minute {
		t.Errorf("admin window = %v, want 1m", got)
	}
	if got := config.Auth["login"]; got.MaxAttempts != 5 || got.Window.Std() != 15*time.Minute {
		t.Errorf("login = %+v, want 5 per 15m", got)
	}
	if config.Sweep.Interval.Std() != time.Hour || config.Sweep.IdleThreshold.Std() != time.Hour {
		t.Errorf("Sweep = %+v, want hourly with a 1h idle threshold", config.Sweep)
	}
	if config.RoleChange != "rebind" {
		t.Errorf("RoleChange = %q, want rebind", config.RoleChange)
	}
	if got := config.Cooldown.Window.Std(); got != 5*time.Minute {
		t.Errorf("Cooldown.Window = %v, want 5m", got)
	}
	if got := config.SweepSpec(); got != "@every 1h0m0s" {
		t.Errorf("SweepSpec() = %q, want @every 1h0m0s", got)
	}
	if got := config.Features["ai_pitch_deck"]["professional"]; got != 10 {
		t.Errorf("pitch deck for professional = %d, want 10", got)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
tiers:
  free:
    capacity: 90
  pro:
    capacity: 200
    window: 2m
auth:
  login:
    max_attempts: 10
    failures_only: true
features:
  export_pdf:
    pro: 40
    free: 2
  beta_search:
    enterprise: -1
sweep:
  schedule: "*/30 * * * *"
  idle_threshold: 30m
role_change: sticky
`)

	config, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile() failed: %v", err)
	}

	if got := config.Tiers["free"]; got.Capacity != 90 || got.Window.Std() != time.Minute {
		t.Errorf("free = %+v, want 90 per 1m (omitted window keeps its default)", got)
	}
	if got := config.Tiers["professional"]; got.Capacity != 200 || got.Window.Std() != 2*time.Minute {
		t.Errorf("professional = %+v, want 200 per 2m", got)
	}
	if _, ok := config.Tiers["pro"]; ok {
		t.Error("alias pro should be stored as professional")
	}

	login := config.Auth["login"]
	if login.MaxAttempts != 10 || login.Window.Std() != 15*time.Minute || !login.FailuresOnly {
		t.Errorf("login = %+v, want 10 per 15m, failures only", login)
	}

	if got := config.SweepSpec(); got != "*/30 * * * *" {
		t.Errorf("SweepSpec() = %q", got)
	}
	if got := config.Sweep.IdleThreshold.Std(); got != 30*time.Minute {
		t.Errorf("IdleThreshold = %v, want 30m", got)
	}
	if config.RoleChange != "sticky" {
		t.Errorf("RoleChange = %q, want sticky", config.RoleChange)
	}

	table, err := config.PolicyTable()
	if err != nil {
		t.Fatalf("PolicyTable() failed: %v", err)
	}
	if got := table.Lookup(RoleProfessional).RefillRate(); math.Abs(got-200.0/120.0) > 1e-12 {
		t.Errorf("professional refill = %v, want %v", got, 200.0/120.0)
	}

	policies, err := config.AttemptPolicies()
	if err != nil {
		t.Fatalf("AttemptPolicies() failed: %v", err)
	}
	if policies[CategoryLogin].MaxAttempts != 10 || policies[CategoryRegister].MaxAttempts != 3 {
		t.Errorf("login/register = %d/%d, want 10/3", policies[CategoryLogin].MaxAttempts, policies[CategoryRegister].MaxAttempts)
	}

	limits, err := config.FeatureLimits()
	if err != nil {
		t.Fatalf("FeatureLimits() failed: %v", err)
	}
	export := limits[FeatureExportPDF]
	if export[RoleProfessional] != 40 || export[RoleFree] != 2 || export[RoleBusiness] != Unlimited {
		t.Errorf("export_pdf = %v, want professional 40, free 2, business unlimited", export)
	}
	if got := limits["beta_search"][RoleEnterprise]; got != Unlimited {
		t.Errorf("beta_search enterprise = %d, want unlimited", got)
	}
}

func TestLoadConfigFromFile_ExplicitFalse(t *testing.T) {
	path := writeConfig(t, "auth:\n  login:\n    failures_only: false\n")

	config, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile() failed: %v", err)
	}
	if config.Auth["login"].FailuresOnly {
		t.Error("failures_only: false should override the default")
	}
	if got := config.Auth["login"].MaxAttempts; got != 5 {
		t.Errorf("MaxAttempts = %d, want the default 5", got)
	}
}

func TestLoadConfigFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "unknown tier",
			content: "tiers:\n  platinum:\n    capacity: 5\n    window: 1m\n",
			errMsg:  "unknown role",
		},
		{
			name:    "zero capacity",
			content: "tiers:\n  free:\n    capacity: 0\n",
			errMsg:  "capacity must be positive",
		},
		{
			name:    "negative capacity",
			content: "tiers:\n  free:\n    capacity: -1\n",
			errMsg:  "capacity must be positive",
		},
		{
			name:    "zero window",
			content: "tiers:\n  free:\n    window: 0s\n",
			errMsg:  "window must be positive",
		},
		{
			name:    "bad duration",
			content: "tiers:\n  free:\n    window: soon\n",
			errMsg:  "failed to parse YAML",
		},
		{
			name:    "unknown category",
			content: "auth:\n  logout:\n    max_attempts: 1\n    window: 1m\n",
			errMsg:  "unknown auth category",
		},
		{
			name:    "zero attempts",
			content: "auth:\n  login:\n    max_attempts: 0\n",
			errMsg:  "max attempts must be positive",
		},
		{
			name:    "negative attempts",
			content: "auth:\n  login:\n    max_attempts: -3\n",
			errMsg:  "max attempts must be positive",
		},
		{
			name:    "zero cooldown",
			content: "cooldown:\n  window: 0s\n",
			errMsg:  "cooldown window must be positive",
		},
		{
			name:    "feature unknown role",
			content: "features:\n  export_pdf:\n    gold: 5\n",
			errMsg:  "unknown role",
		},
		{
			name:    "feature limit below unlimited",
			content: "features:\n  export_pdf:\n    free: -5\n",
			errMsg:  "feature limit must be",
		},
		{
			name:    "bad schedule",
			content: "sweep:\n  schedule: \"whenever\"\n",
			errMsg:  "invalid sweep schedule",
		},
		{
			name:    "bad role change",
			content: "role_change: migrate\n",
			errMsg:  "unknown role change mode",
		},
		{
			name:    "not yaml",
			content: "tiers: [",
			errMsg:  "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromFile(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("LoadConfigFromFile() should fail")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("TIERFENCE_TIER_FREE_CAPACITY", "75")
	t.Setenv("TIERFENCE_TIER_ENTERPRISE_WINDOW", "30s")
	t.Setenv("TIERFENCE_AUTH_RESET_PASSWORD_MAX_ATTEMPTS", "2")
	t.Setenv("TIERFENCE_AUTH_LOGIN_FAILURES_ONLY", "true")
	t.Setenv("TIERFENCE_SWEEP_INTERVAL", "10m")
	t.Setenv("TIERFENCE_ROLE_CHANGE", "Sticky")
	t.Setenv("TIERFENCE_COOLDOWN_WINDOW", "1m")
	t.Setenv("TIERFENCE_FEATURE_AI_PITCH_DECK_FREE", "3")

	config := NewConfig()
	if err := config.ApplyEnv("TIERFENCE_"); err != nil {
		t.Fatalf("ApplyEnv() failed: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if got := config.Tiers["free"].Capacity; got != 75 {
		t.Errorf("free capacity = %d, want 75", got)
	}
	if got := config.Tiers["enterprise"].Window.Std(); got != 30*time.Second {
		t.Errorf("enterprise window = %v, want 30s", got)
	}
	if got := config.Auth["reset-password"].MaxAttempts; got != 2 {
		t.Errorf("reset-password attempts = %d, want 2", got)
	}
	if !config.Auth["login"].FailuresOnly {
		t.Error("login should be failures only")
	}
	if got := config.SweepSpec(); got != "@every 10m0s" {
		t.Errorf("SweepSpec() = %q, want @every 10m0s", got)
	}
	if config.RoleChange != "sticky" {
		t.Errorf("RoleChange = %q, want sticky", config.RoleChange)
	}
	if got := config.Cooldown.Window.Std(); got != time.Minute {
		t.Errorf("Cooldown.Window = %v, want 1m", got)
	}
	if got := config.Features["ai_pitch_deck"]["free"]; got != 3 {
		t.Errorf("pitch deck for free = %d, want 3", got)
	}
}

func TestConfig_ApplyEnvMalformed(t *testing.T) {
	t.Setenv("TIERFENCE_TIER_FREE_CAPACITY", "lots")
	t.Setenv("TIERFENCE_SWEEP_IDLE_THRESHOLD", "1 hour")
	t.Setenv("TIERFENCE_FEATURE_EXPORT_PDF_FREE", "many")

	err := NewConfig().ApplyEnv("TIERFENCE_")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	for _, name := range []string{"TIERFENCE_TIER_FREE_CAPACITY", "TIERFENCE_SWEEP_IDLE_THRESHOLD", "TIERFENCE_FEATURE_EXPORT_PDF_FREE"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error = %q, want it to name %s", err, name)
		}
	}
}

func TestConfig_ValidateIntervals(t *testing.T) {
	config := NewConfig()
	config.Sweep.Interval = 0
	if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero interval: error = %v, want ErrInvalidConfig", err)
	}

	config.Sweep.Schedule = "@hourly"
	if err := config.Validate(); err != nil {
		t.Errorf("a schedule replaces the interval: %v", err)
	}

	config.Sweep.IdleThreshold = 0
	if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero idle threshold: error = %v, want ErrInvalidConfig", err)
	}

	config = NewConfig()
	config.Cooldown.Window = -1
	if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative cooldown: error = %v, want ErrInvalidConfig", err)
	}
}

func TestConfig_PolicyTableMissingTier(t *testing.T) {
	config := NewConfig()
	delete(config.Tiers, "admin")

	if _, err := config.PolicyTable(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}
