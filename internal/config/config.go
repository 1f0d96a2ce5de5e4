// Package config loads and validates the GPEC daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antigravity-dev/gpec/internal/plan"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level GPEC daemon configuration.
type Config struct {
	General    General                             `toml:"general"`
	Governance map[string]GovernanceDefaults        `toml:"governance"`
	API        API                                  `toml:"api"`
	ModelProxy ModelProxyConfig                      `toml:"model_proxy"`
}

// General holds process-wide settings.
type General struct {
	Workspace   string   `toml:"workspace"`    // filesystem root for docstore uploads/artifacts, see PIPELINE_WORKSPACE
	StateDB     string   `toml:"state_db"`     // sqlite DSN/path for internal/runstate
	LogLevel    string   `toml:"log_level"`    // debug, info, warn, error
	GateTimeout Duration `toml:"gate_timeout"` // validated as non-negative only; nothing reads it and gates never time out
}

// GovernanceDefaults mirrors plan.Caps, keyed by governance level name
// ("Advisory", "Strict", "Regulated"). The values are loaded, defaulted
// and validated here and returned by CapsFor; internal/compiler does not
// read them and applies its own built-in caps per governance level.
type GovernanceDefaults struct {
	MaxWorkers   int `toml:"max_workers"`
	MaxTokens    int `toml:"max_tokens"`
	MaxCostCents int `toml:"max_cost_cents"`
	MaxRuntimeMs int `toml:"max_runtime_ms"`
	MaxParallel  int `toml:"max_parallel"`
}

func (g GovernanceDefaults) toCaps() plan.Caps {
	return plan.Caps{
		MaxWorkers:   g.MaxWorkers,
		MaxTokens:    g.MaxTokens,
		MaxCostCents: g.MaxCostCents,
		MaxRuntimeMs: g.MaxRuntimeMs,
		MaxParallel:  g.MaxParallel,
	}
}

// API configures the HTTP boundary (internal/api).
type API struct {
	Bind     string      `toml:"bind"`
	Security APISecurity `toml:"security"`
}

// APISecurity configures tenant bearer-token auth, trimmed from the
// teacher's control-endpoint auth block down to GPEC's single concern:
// resolving a bearer token to a tenant ID.
type APISecurity struct {
	Enabled          bool              `toml:"enabled"`
	TenantTokens     map[string]string `toml:"tenant_tokens"` // token -> tenantId
	RequireLocalOnly bool              `toml:"require_local_only"`
	AuditLog         string            `toml:"audit_log"`
}

// ModelProxyConfig selects and configures the modelproxy.Proxy backend GPEC
// hands to every worker's WorkerContext.
type ModelProxyConfig struct {
	Backend        string   `toml:"backend"` // "unconfigured" (default), "fixture"
	FixtureContent string   `toml:"fixture_content"`
	Timeout        Duration `toml:"timeout"`
}

// Clone returns a deep copy of cfg so callers (RWMutexManager) can safely
// mutate/retain the result independently of the shared config.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Governance = cloneGovernanceMap(cfg.Governance)
	cloned.API.Security.TenantTokens = cloneStringMap(cfg.API.Security.TenantTokens)
	return &cloned
}

func cloneGovernanceMap(in map[string]GovernanceDefaults) map[string]GovernanceDefaults {
	if in == nil {
		return nil
	}
	out := make(map[string]GovernanceDefaults, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Load reads and validates a GPEC TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadManager reads config from path and returns an RWMutex-backed
// thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.Workspace == "" {
		cfg.General.Workspace = "./gpec-workspace"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "./gpec-workspace/gpec.db"
	}
	if cfg.Governance == nil {
		cfg.Governance = map[string]GovernanceDefaults{}
	}
	if _, ok := cfg.Governance[string(plan.GovernanceAdvisory)]; !ok {
		cfg.Governance[string(plan.GovernanceAdvisory)] = GovernanceDefaults{
			MaxWorkers: 8, MaxTokens: 200_000, MaxCostCents: 500, MaxRuntimeMs: 10 * 60 * 1000, MaxParallel: 2,
		}
	}
	if _, ok := cfg.Governance[string(plan.GovernanceStrict)]; !ok {
		cfg.Governance[string(plan.GovernanceStrict)] = GovernanceDefaults{
			MaxWorkers: 6, MaxTokens: 120_000, MaxCostCents: 300, MaxRuntimeMs: 6 * 60 * 1000, MaxParallel: 1,
		}
	}
	if _, ok := cfg.Governance[string(plan.GovernanceRegulated)]; !ok {
		cfg.Governance[string(plan.GovernanceRegulated)] = GovernanceDefaults{
			MaxWorkers: 6, MaxTokens: 80_000, MaxCostCents: 200, MaxRuntimeMs: 4 * 60 * 1000, MaxParallel: 1,
		}
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8081"
	}
	if !cfg.API.Security.Enabled && cfg.API.Bind != "" && !isLocalBind(cfg.API.Bind) {
		cfg.API.Security.RequireLocalOnly = true
	}
	if cfg.ModelProxy.Backend == "" {
		cfg.ModelProxy.Backend = "unconfigured"
	}
	if cfg.ModelProxy.Timeout.Duration == 0 {
		cfg.ModelProxy.Timeout.Duration = 60 * time.Second
	}
}

// normalizePaths expands "~" and trims whitespace for configured
// filesystem paths.
func normalizePaths(cfg *Config) {
	cfg.General.Workspace = ExpandHome(strings.TrimSpace(cfg.General.Workspace))
	cfg.General.StateDB = ExpandHome(strings.TrimSpace(cfg.General.StateDB))
	cfg.API.Security.AuditLog = ExpandHome(strings.TrimSpace(cfg.API.Security.AuditLog))
}

func isLocalBind(bind string) bool {
	if bind == "" {
		return true
	}
	if bind[0] == '/' || bind[0] == '@' {
		return true
	}
	if strings.HasPrefix(bind, "localhost:") || strings.HasPrefix(bind, "127.0.0.1:") || strings.HasPrefix(bind, ":") {
		return true
	}
	return false
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// CapsFor returns the config-loaded caps for level and true, or the zero
// value and false when level is not configured. internal/compiler does
// not call it; compiled plans carry the compiler's own built-in caps.
func (cfg *Config) CapsFor(level plan.GovernanceLevel) (plan.Caps, bool) {
	if cfg == nil {
		return plan.Caps{}, false
	}
	g, ok := cfg.Governance[string(level)]
	if !ok {
		return plan.Caps{}, false
	}
	return g.toCaps(), true
}

// ResolveTenant maps a bearer token to a tenant ID. The empty string and
// false mean "not configured" or "not found" — internal/api treats both
// the same way (403).
func (cfg *Config) ResolveTenant(token string) (string, bool) {
	if cfg == nil || !cfg.API.Security.Enabled {
		return "", false
	}
	tenantID, ok := cfg.API.Security.TenantTokens[token]
	return tenantID, ok
}

func validate(cfg *Config) error {
	validLevels := map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}
	if _, ok := validLevels[strings.ToLower(cfg.General.LogLevel)]; !ok {
		return fmt.Errorf("general.log_level %q must be one of debug, info, warn, error", cfg.General.LogLevel)
	}
	if cfg.General.GateTimeout.Duration < 0 {
		return fmt.Errorf("general.gate_timeout cannot be negative")
	}

	for name, g := range cfg.Governance {
		if _, ok := map[string]struct{}{
			string(plan.GovernanceAdvisory): {}, string(plan.GovernanceStrict): {}, string(plan.GovernanceRegulated): {},
		}[name]; !ok {
			return fmt.Errorf("governance.%s: unknown governance level %q", name, name)
		}
		if g.MaxWorkers < 0 || g.MaxTokens < 0 || g.MaxCostCents < 0 || g.MaxRuntimeMs < 0 || g.MaxParallel < 0 {
			return fmt.Errorf("governance.%s: cap values cannot be negative", name)
		}
	}

	if cfg.API.Security.Enabled {
		if len(cfg.API.Security.TenantTokens) == 0 {
			return fmt.Errorf("api security enabled but no tenant_tokens configured")
		}
		for token, tenantID := range cfg.API.Security.TenantTokens {
			if len(token) < 16 {
				return fmt.Errorf("api tenant token for tenant %q is too short (minimum 16 characters)", tenantID)
			}
			if strings.TrimSpace(tenantID) == "" {
				return fmt.Errorf("api tenant token %q maps to an empty tenant id", token)
			}
		}
		if cfg.API.Security.AuditLog != "" {
			dir := ExpandHome(filepath.Dir(cfg.API.Security.AuditLog))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("cannot create audit log directory %q: %w", dir, err)
			}
		}
	}

	switch cfg.ModelProxy.Backend {
	case "unconfigured", "fixture":
	default:
		return fmt.Errorf("model_proxy.backend %q must be one of unconfigured, fixture", cfg.ModelProxy.Backend)
	}
	if cfg.ModelProxy.Backend == "fixture" && strings.TrimSpace(cfg.ModelProxy.FixtureContent) == "" {
		return fmt.Errorf("model_proxy.backend is fixture but fixture_content is empty")
	}
	if cfg.ModelProxy.Timeout.Duration <= 0 {
		return fmt.Errorf("model_proxy.timeout must be > 0")
	}

	return nil
}
