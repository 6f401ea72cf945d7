// Package config loads and hot-reloads AgentLens' configuration tree:
// scan scheduling, retention/residency tuning, redaction patterns, cost
// rate cards, model context windows, source profiles, and the privacy
// filter applied to outbound trace data.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/agentlens/daemon/internal/cost"
	"github.com/agentlens/daemon/internal/redact"
	"gopkg.in/yaml.v3"
)

// DefaultContextWindow is the fallback context window size (in tokens) used
// when no model-specific entry or "default" key is found in Models.
const DefaultContextWindow = 200000

type Config struct {
	Server         ServerConfig            `yaml:"server"`
	Scan           ScanConfig              `yaml:"scan"`
	Retention      RetentionConfig         `yaml:"retention"`
	Redaction      RedactionConfig         `yaml:"redaction"`
	Cost           CostConfig              `yaml:"cost"`
	Models         ModelsConfig            `yaml:"models"`
	Sources        map[string]SourceProfile `yaml:"sources"`
	SessionLogDirectories []SessionLogDir   `yaml:"sessionLogDirectories"`
	TraceInspector TraceInspectorConfig    `yaml:"traceInspector"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
}

// ScanConfig controls the §4.5 refresh loop's scheduling mode.
type ScanConfig struct {
	// Mode is "fixed" (scan every FixedInterval) or "adaptive" (AdaptiveMin
	// while any trace is running, AdaptiveMax otherwise; no values between).
	Mode           string        `yaml:"mode"`
	FixedInterval  time.Duration `yaml:"fixed_interval"`
	AdaptiveMin    time.Duration `yaml:"adaptive_min"`
	AdaptiveMax    time.Duration `yaml:"adaptive_max"`
	DiscoverWindow time.Duration `yaml:"discover_window"`
}

// RetentionConfig controls the index's residency tiers (§4.5).
type RetentionConfig struct {
	// Policy is "aggressive_recency" (cap hot set tightly) or "full_memory"
	// (keep everything hot as long as it fits).
	Policy               string        `yaml:"policy"`
	HotTraceLimit        int           `yaml:"hot_trace_limit"`
	WarmTraceLimit       int           `yaml:"warm_trace_limit"`
	MaxEventsPerTraceHot int           `yaml:"max_events_per_trace_hot"`
	UnreadableGrace      time.Duration `yaml:"unreadable_grace"`
}

// RedactionConfig controls the §4.3 secret-masking filter.
type RedactionConfig struct {
	AlwaysOn     bool   `yaml:"always_on"`
	KeyPattern   string `yaml:"key_pattern"`
	ValuePattern string `yaml:"value_pattern"`
	Replacement  string `yaml:"replacement"`
}

// NewFilter builds a redact.Filter from the configured patterns, falling
// back to redact.Default() for any pattern left blank.
func (r RedactionConfig) NewFilter() (*redact.Filter, error) {
	if r.KeyPattern == "" && r.ValuePattern == "" && r.Replacement == "" {
		return redact.Default(), nil
	}
	def := redact.Default()
	keyPattern, valuePattern, replacement := r.KeyPattern, r.ValuePattern, r.Replacement
	if keyPattern == "" {
		keyPattern = def.KeyPattern.String()
	}
	if valuePattern == "" {
		valuePattern = def.ValuePattern.String()
	}
	if replacement == "" {
		replacement = def.Replacement
	}
	return redact.New(keyPattern, valuePattern, replacement)
}

// CostConfig controls §4.4 cost derivation.
type CostConfig struct {
	RateCards           map[string]cost.RateCard `yaml:"rate_cards"`
	UnknownModelPolicy  string                   `yaml:"unknown_model_policy"`
	DefaultRateCard     *cost.RateCard           `yaml:"default_rate_card"`
}

func (c CostConfig) Policy() cost.UnknownModelPolicy {
	switch c.UnknownModelPolicy {
	case string(cost.PolicyIgnore):
		return cost.PolicyIgnore
	case string(cost.PolicyEstimateWithDefault):
		return cost.PolicyEstimateWithDefault
	default:
		return cost.PolicyNotAvailable
	}
}

// ModelsConfig resolves a model name to a context window size, per §4.4.
// Legacy configs that set a bare map[string]int under "models" are
// supported via UnmarshalYAML.
type ModelsConfig struct {
	ContextWindows             map[string]int `yaml:"contextWindows"`
	DefaultContextWindowTokens int            `yaml:"defaultContextWindowTokens"`
}

func (m *ModelsConfig) UnmarshalYAML(value *yaml.Node) error {
	// Try the structured shape first.
	type shape ModelsConfig
	var s shape
	if err := value.Decode(&s); err == nil && (len(s.ContextWindows) > 0 || s.DefaultContextWindowTokens > 0) {
		*m = ModelsConfig(s)
		return nil
	}
	// Fall back to a bare map[string]int (legacy "models: {default: 200000}").
	var flat map[string]int
	if err := value.Decode(&flat); err != nil {
		return err
	}
	m.ContextWindows = flat
	if v, ok := flat["default"]; ok {
		m.DefaultContextWindowTokens = v
	}
	return nil
}

// MaxContextTokens resolves the context window size for a model.
// Resolution order: exact match → longest prefix match → "default" key →
// DefaultContextWindowTokens → DefaultContextWindow. Keys ending with "*"
// are treated as prefix patterns (e.g. "claude-*").
func (m ModelsConfig) MaxContextTokens(model string) int {
	if n, ok := m.ContextWindows[model]; ok {
		return n
	}
	bestLen, bestVal := 0, 0
	for key, val := range m.ContextWindows {
		if !strings.HasSuffix(key, "*") {
			continue
		}
		prefix := strings.TrimSuffix(key, "*")
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen, bestVal = len(prefix), val
		}
	}
	if bestLen > 0 {
		return bestVal
	}
	if n, ok := m.ContextWindows["default"]; ok {
		return n
	}
	if m.DefaultContextWindowTokens > 0 {
		return m.DefaultContextWindowTokens
	}
	return DefaultContextWindow
}

// SourceProfile is one entry of §4.1 Discovery's `Config.sources` map.
type SourceProfile struct {
	Enabled      bool     `yaml:"enabled"`
	Roots        []string `yaml:"roots"`
	IncludeGlobs []string `yaml:"includeGlobs"`
	ExcludeGlobs []string `yaml:"excludeGlobs"`
	MaxDepth     int      `yaml:"maxDepth"`
	AgentHint    string   `yaml:"agentHint"`
}

// SessionLogDir is one entry of the §4.1 `sessionLogDirectories` convenience
// layer: a directory paired with a declared log type.
type SessionLogDir struct {
	Directory string `yaml:"directory"`
	LogType   string `yaml:"logType"`
}

// TraceInspectorConfig holds the §4.4 activity-status TTLs, the §4.5 fixed
// activity-bin count, and the privacy filter applied to outbound data.
type TraceInspectorConfig struct {
	StatusRunningTtl time.Duration `yaml:"statusRunningTtl"`
	StatusWaitingTtl time.Duration `yaml:"statusWaitingTtl"`
	ActivityBinCount int           `yaml:"activityBinCount"`
	Privacy          PrivacyConfig `yaml:"privacy"`

	// IncludeMetaDefault is the GetTracePage includeMeta default when the
	// API caller omits the query param.
	IncludeMetaDefault    bool `yaml:"includeMetaDefault"`
	TopModelCount         int  `yaml:"topModelCount"`
	ShowAgentBadges       bool `yaml:"showAgentBadges"`
	ShowHealthDiagnostics bool `yaml:"showHealthDiagnostics"`
}

// PrivacyConfig controls what trace identity metadata is exposed to API
// clients, adapted from the teacher's session-broadcast privacy filter
// and retargeted at TraceSummary/resolver output.
type PrivacyConfig struct {
	MaskWorkingDirs bool     `yaml:"mask_working_dirs"`
	MaskSessionIDs  bool     `yaml:"mask_session_ids"`
	MaskPIDs        bool     `yaml:"mask_pids"`
	MaskTmuxTargets bool     `yaml:"mask_tmux_targets"`
	AllowedPaths    []string `yaml:"allowed_paths"`
	BlockedPaths    []string `yaml:"blocked_paths"`
}

// NewPrivacyFilter converts the config into a redact.PrivacyFilter.
func (p PrivacyConfig) NewPrivacyFilter() *redact.PrivacyFilter {
	return &redact.PrivacyFilter{
		MaskWorkingDirs: p.MaskWorkingDirs,
		MaskSessionIDs:  p.MaskSessionIDs,
		MaskPIDs:        p.MaskPIDs,
		MaskTmuxTargets: p.MaskTmuxTargets,
		AllowedPaths:    p.AllowedPaths,
		BlockedPaths:    p.BlockedPaths,
	}
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory if needed.
// Used by POST /api/config to persist a merge-write.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// LoadOrDefault loads config from path, or returns the in-code default if
// the file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8787,
			Host:           "127.0.0.1",
			MaxConnections: 1000,
		},
		Scan: ScanConfig{
			Mode:           "adaptive",
			FixedInterval:  time.Second,
			AdaptiveMin:    500 * time.Millisecond,
			AdaptiveMax:    10 * time.Second,
			DiscoverWindow: 24 * time.Hour,
		},
		Retention: RetentionConfig{
			Policy:               "aggressive_recency",
			HotTraceLimit:        50,
			WarmTraceLimit:       500,
			MaxEventsPerTraceHot: 5000,
			UnreadableGrace:      2 * time.Minute,
		},
		Redaction: RedactionConfig{
			AlwaysOn: true,
		},
		Cost: CostConfig{
			UnknownModelPolicy: string(cost.PolicyNotAvailable),
		},
		Models: ModelsConfig{
			ContextWindows:             map[string]int{"default": DefaultContextWindow},
			DefaultContextWindowTokens: DefaultContextWindow,
		},
		Sources: map[string]SourceProfile{
			"codex":    {Enabled: true, Roots: []string{"~/.codex/sessions"}, IncludeGlobs: []string{"*.jsonl"}, MaxDepth: 4, AgentHint: "codex"},
			"claude":   {Enabled: true, Roots: []string{"~/.claude/projects"}, IncludeGlobs: []string{"*.jsonl"}, MaxDepth: 4, AgentHint: "claude"},
			"cursor":   {Enabled: true, Roots: []string{"~/.cursor/projects"}, IncludeGlobs: []string{"*.txt"}, MaxDepth: 6, AgentHint: "cursor"},
			"gemini":   {Enabled: true, Roots: []string{"~/.gemini/tmp"}, IncludeGlobs: []string{"session-*.json"}, ExcludeGlobs: []string{"logs.json"}, MaxDepth: 4, AgentHint: "gemini"},
			"pi":       {Enabled: true, Roots: []string{"~/.pi/agent/sessions"}, IncludeGlobs: []string{"*.jsonl"}, MaxDepth: 2, AgentHint: "pi"},
			"opencode": {Enabled: true, Roots: []string{"~/.local/share/opencode/storage/session"}, IncludeGlobs: []string{"*.json"}, MaxDepth: 3, AgentHint: "opencode"},
		},
		TraceInspector: TraceInspectorConfig{
			StatusRunningTtl:      15 * time.Second,
			StatusWaitingTtl:      2 * time.Minute,
			ActivityBinCount:      12,
			IncludeMetaDefault:    false,
			TopModelCount:         3,
			ShowAgentBadges:       true,
			ShowHealthDiagnostics: true,
		},
	}
}

// Diff compares two configs and returns human-readable descriptions of what
// changed, for the hot-reload path. Only these fields are compared:
// models.contextWindows, which sources exist and their enabled flags,
// redaction, cost.unknown_model_policy, retention, and
// traceInspector.privacy; changes anywhere else are not reported.
func Diff(old, new *Config) []string {
	var changes []string

	for k, v := range new.Models.ContextWindows {
		if ov, ok := old.Models.ContextWindows[k]; !ok {
			changes = append(changes, fmt.Sprintf("models.contextWindows: added %s=%d", k, v))
		} else if ov != v {
			changes = append(changes, fmt.Sprintf("models.contextWindows: %s changed %d → %d", k, ov, v))
		}
	}
	for k := range old.Models.ContextWindows {
		if _, ok := new.Models.ContextWindows[k]; !ok {
			changes = append(changes, fmt.Sprintf("models.contextWindows: removed %s", k))
		}
	}

	for name, v := range new.Sources {
		if ov, ok := old.Sources[name]; !ok {
			changes = append(changes, fmt.Sprintf("sources: added %s", name))
		} else if ov.Enabled != v.Enabled {
			changes = append(changes, fmt.Sprintf("sources.%s.enabled: %v → %v", name, ov.Enabled, v.Enabled))
		}
	}
	for name := range old.Sources {
		if _, ok := new.Sources[name]; !ok {
			changes = append(changes, fmt.Sprintf("sources: removed %s", name))
		}
	}

	if old.Redaction.AlwaysOn != new.Redaction.AlwaysOn {
		changes = append(changes, fmt.Sprintf("redaction.always_on: %v → %v", old.Redaction.AlwaysOn, new.Redaction.AlwaysOn))
	}
	oldPat, newPat := old.Redaction, new.Redaction
	oldPat.AlwaysOn, newPat.AlwaysOn = false, false
	if oldPat != newPat {
		changes = append(changes, "redaction: pattern configuration changed")
	}

	if old.Cost.UnknownModelPolicy != new.Cost.UnknownModelPolicy {
		changes = append(changes, fmt.Sprintf("cost.unknown_model_policy: %s → %s", old.Cost.UnknownModelPolicy, new.Cost.UnknownModelPolicy))
	}

	if old.Retention != new.Retention {
		changes = append(changes, "retention: configuration changed")
	}

	p, np := old.TraceInspector.Privacy, new.TraceInspector.Privacy
	if p.MaskWorkingDirs != np.MaskWorkingDirs {
		changes = append(changes, fmt.Sprintf("traceInspector.privacy.mask_working_dirs: %v → %v", p.MaskWorkingDirs, np.MaskWorkingDirs))
	}
	if p.MaskSessionIDs != np.MaskSessionIDs {
		changes = append(changes, fmt.Sprintf("traceInspector.privacy.mask_session_ids: %v → %v", p.MaskSessionIDs, np.MaskSessionIDs))
	}
	if p.MaskPIDs != np.MaskPIDs {
		changes = append(changes, fmt.Sprintf("traceInspector.privacy.mask_pids: %v → %v", p.MaskPIDs, np.MaskPIDs))
	}
	if p.MaskTmuxTargets != np.MaskTmuxTargets {
		changes = append(changes, fmt.Sprintf("traceInspector.privacy.mask_tmux_targets: %v → %v", p.MaskTmuxTargets, np.MaskTmuxTargets))
	}
	if !slices.Equal(p.AllowedPaths, np.AllowedPaths) {
		changes = append(changes, fmt.Sprintf("traceInspector.privacy.allowed_paths: %v → %v", p.AllowedPaths, np.AllowedPaths))
	}
	if !slices.Equal(p.BlockedPaths, np.BlockedPaths) {
		changes = append(changes, fmt.Sprintf("traceInspector.privacy.blocked_paths: %v → %v", p.BlockedPaths, np.BlockedPaths))
	}

	return changes
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state")
}

func defaultConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "agentlens", "config.yaml")
}

// DefaultStateDir returns the default XDG-compliant state directory.
// Manual-stop overrides are not stored there; the index keeps them in memory.
func DefaultStateDir() string {
	return filepath.Join(defaultStateDir(), "agentlens")
}
