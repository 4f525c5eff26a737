package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Guard kinds. Closed set, validated at load.
const (
	GuardAllowlist   = "allowlist"
	GuardDenylist    = "denylist"
	GuardSelfMessage = "self_message"
	GuardEventType   = "event_type"
	GuardDebounce    = "debounce"
	GuardRateLimit   = "rate_limit"
)

// GuardSpec names one built-in predicate kind plus its parameters.
type GuardSpec struct {
	Kind       string
	Handles    []string
	EventTypes []string
	Window     time.Duration
	Limit      int
}

// ActionSpec references a registered action by name, with parameters.
type ActionSpec struct {
	Name   string
	Params map[string]interface{}
}

// Rule is one guard plus its ordered action chain. Rules are evaluated
// top-to-bottom; the first matching guard wins.
type Rule struct {
	ID      string
	Guard   GuardSpec
	Actions []ActionSpec
}

// InstanceConfig is the per-instance workflow configuration.
type InstanceConfig struct {
	InstanceID  string
	Enabled     bool
	OwnerHandle string
	// DefaultRule optionally names the rule whose chain runs when no guard
	// matches. Empty means unmatched events are ignored.
	DefaultRule string
	// MaxAttempts overrides the global retry budget for this instance.
	// Zero means "use the global default".
	MaxAttempts int
	Rules       []Rule
}

// rule lookup is prebuilt at load so evaluation never scans.
type compiledInstance struct {
	config  *InstanceConfig
	ruleIdx map[string]*Rule
}

// Snapshot is an immutable view of every instance's workflow configuration.
// Snapshots are swapped whole; in-flight evaluations never observe a
// half-updated config.
type Snapshot struct {
	instances map[string]*compiledInstance
}

// Instance returns the configuration for an instance, or nil if none is loaded.
func (s *Snapshot) Instance(instanceID string) *InstanceConfig {
	ci, ok := s.instances[instanceID]
	if !ok {
		return nil
	}
	return ci.config
}

// Rule returns a rule by id within an instance, or nil.
func (s *Snapshot) Rule(instanceID, ruleID string) *Rule {
	ci, ok := s.instances[instanceID]
	if !ok {
		return nil
	}
	return ci.ruleIdx[ruleID]
}

// ActionChain returns the ordered action chain for a matched rule.
// Pure lookup; configuration was validated at load time so every named
// action is known to the executor's registry.
func (s *Snapshot) ActionChain(instanceID, ruleID string) []ActionSpec {
	r := s.Rule(instanceID, ruleID)
	if r == nil {
		return nil
	}
	return r.Actions
}

// Store holds the active Snapshot behind an atomic pointer. Reload swaps
// the pointer; readers pay one atomic load per evaluation.
type Store struct {
	dir          string
	knownActions map[string]bool
	current      atomic.Pointer[Snapshot]
}

// NewStore creates a workflow config store reading from dir. knownActions
// is the closed set of registered action names; configs referencing
// anything else fail at load, never at execution.
func NewStore(dir string, knownActions []string) (*Store, error) {
	s := &Store{
		dir:          dir,
		knownActions: make(map[string]bool, len(knownActions)),
	}
	for _, name := range knownActions {
		s.knownActions[name] = true
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the active configuration snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload re-reads every instance config file and atomically swaps the
// snapshot. A load error leaves the previous snapshot active.
func (s *Store) Reload() error {
	snap, err := loadSnapshot(s.dir, s.knownActions)
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}

// On-disk YAML shapes. Durations are strings ("5s", "1m").
type rawConfig struct {
	InstanceID  string    `yaml:"instance_id"`
	Enabled     *bool     `yaml:"enabled"`
	OwnerHandle string    `yaml:"owner_handle"`
	DefaultRule string    `yaml:"default_rule"`
	MaxAttempts int       `yaml:"max_attempts"`
	Rules       []rawRule `yaml:"rules"`
}

type rawRule struct {
	ID      string      `yaml:"id"`
	Guard   rawGuard    `yaml:"guard"`
	Actions []rawAction `yaml:"actions"`
}

type rawGuard struct {
	Kind       string   `yaml:"kind"`
	Handles    []string `yaml:"handles"`
	EventTypes []string `yaml:"event_types"`
	Window     string   `yaml:"window"`
	Limit      int      `yaml:"limit"`
}

type rawAction struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params"`
}

func loadSnapshot(dir string, knownActions map[string]bool) (*Snapshot, error) {
	snap := &Snapshot{instances: make(map[string]*compiledInstance)}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return snap, nil // no config directory means zero instances configured
	}
	if err != nil {
		return nil, fmt.Errorf("workflow config dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workflow config path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading workflow config dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading workflow config %s: %w", path, err)
		}

		var raw rawConfig
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing workflow config %s: %w", path, err)
		}
		if raw.InstanceID == "" {
			continue // skip empty / comment-only files
		}

		cfg, err := compileConfig(&raw, knownActions)
		if err != nil {
			return nil, fmt.Errorf("workflow config %s: %w", path, err)
		}
		if _, exists := snap.instances[cfg.config.InstanceID]; exists {
			return nil, fmt.Errorf("workflow config %s: duplicate instance_id %q", path, cfg.config.InstanceID)
		}
		snap.instances[cfg.config.InstanceID] = cfg
	}

	return snap, nil
}

func compileConfig(raw *rawConfig, knownActions map[string]bool) (*compiledInstance, error) {
	cfg := &InstanceConfig{
		InstanceID:  raw.InstanceID,
		Enabled:     raw.Enabled == nil || *raw.Enabled,
		OwnerHandle: raw.OwnerHandle,
		DefaultRule: raw.DefaultRule,
		MaxAttempts: raw.MaxAttempts,
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must not be negative")
	}

	seen := make(map[string]bool, len(raw.Rules))
	for _, rr := range raw.Rules {
		if rr.ID == "" {
			return nil, fmt.Errorf("rule without id")
		}
		if seen[rr.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", rr.ID)
		}
		seen[rr.ID] = true

		guard, err := compileGuard(rr.ID, rr.Guard)
		if err != nil {
			return nil, err
		}

		rule := Rule{ID: rr.ID, Guard: guard}
		for _, ra := range rr.Actions {
			if !knownActions[ra.Name] {
				return nil, fmt.Errorf("rule %q: unknown action %q", rr.ID, ra.Name)
			}
			rule.Actions = append(rule.Actions, ActionSpec{Name: ra.Name, Params: ra.Params})
		}

		cfg.Rules = append(cfg.Rules, rule)
	}

	// Index only once the slice is complete: taking element addresses while
	// append may still reallocate would leave index entries pointing into a
	// stale backing array.
	ruleIdx := make(map[string]*Rule, len(cfg.Rules))
	for i := range cfg.Rules {
		ruleIdx[cfg.Rules[i].ID] = &cfg.Rules[i]
	}

	if cfg.DefaultRule != "" {
		if _, ok := ruleIdx[cfg.DefaultRule]; !ok {
			return nil, fmt.Errorf("default_rule %q does not name a rule", cfg.DefaultRule)
		}
	}

	return &compiledInstance{config: cfg, ruleIdx: ruleIdx}, nil
}

func compileGuard(ruleID string, raw rawGuard) (GuardSpec, error) {
	g := GuardSpec{
		Kind:       raw.Kind,
		Handles:    raw.Handles,
		EventTypes: raw.EventTypes,
		Limit:      raw.Limit,
	}

	switch raw.Kind {
	case GuardAllowlist, GuardDenylist:
		if len(raw.Handles) == 0 {
			return g, fmt.Errorf("rule %q: %s guard requires handles", ruleID, raw.Kind)
		}
	case GuardSelfMessage:
		// owner handle comes from the instance config
	case GuardEventType:
		if len(raw.EventTypes) == 0 {
			return g, fmt.Errorf("rule %q: event_type guard requires event_types", ruleID)
		}
	case GuardDebounce:
		if raw.Window == "" {
			return g, fmt.Errorf("rule %q: debounce guard requires window", ruleID)
		}
	case GuardRateLimit:
		if raw.Window == "" || raw.Limit <= 0 {
			return g, fmt.Errorf("rule %q: rate_limit guard requires window and positive limit", ruleID)
		}
	default:
		return g, fmt.Errorf("rule %q: unknown guard kind %q", ruleID, raw.Kind)
	}

	if raw.Window != "" {
		window, err := time.ParseDuration(raw.Window)
		if err != nil {
			return g, fmt.Errorf("rule %q: invalid window %q: %w", ruleID, raw.Window, err)
		}
		if window <= 0 {
			return g, fmt.Errorf("rule %q: window must be positive", ruleID)
		}
		g.Window = window
	}

	return g, nil
}
