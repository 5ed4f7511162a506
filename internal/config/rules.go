package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sievemail/scan_engine/internal/scan"
)

// TimeoutDuration converts a symbol rule's timeout seconds to a duration.
func (s SymbolRule) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout * float64(time.Second))
}

// SymbolRule is one symbols{} entry of the rules document.
type SymbolRule struct {
	Score       float64  `yaml:"score"`
	Description string   `yaml:"description"`
	Group       string   `yaml:"group"`
	Type        string   `yaml:"type"`
	Flags       []string `yaml:"flags"`
	OneShot     bool     `yaml:"one_shot"`
	Priority    int      `yaml:"priority"`
	Parent      string   `yaml:"parent"`

	Deps     []string `yaml:"deps"`
	SoftDeps []string `yaml:"soft_deps"`

	// Timeout is the per-symbol async timeout in seconds.
	Timeout            float64 `yaml:"timeout"`
	RegisterFailSymbol bool    `yaml:"register_fail_symbol"`

	AllowedIDs   []string `yaml:"allowed_ids"`
	ForbiddenIDs []string `yaml:"forbidden_ids"`

	// Script holds an optional JavaScript callback body for scripted
	// symbols.
	Script string `yaml:"script"`

	// Map makes the symbol fire when the named task key is present in
	// the referenced key map.
	Map    string `yaml:"map"`
	MapKey string `yaml:"map_key"`
}

// CompositeRule is one composites{} entry.
type CompositeRule struct {
	Expression string  `yaml:"expression"`
	Score      float64 `yaml:"score"`
	Policy     string  `yaml:"policy"`
	Group      string  `yaml:"group"`
	Priority   int     `yaml:"priority"`
}

// GroupRule is one group{} entry.
type GroupRule struct {
	MaxScore *float64 `yaml:"max_score"`
	MinScore *float64 `yaml:"min_score"`
}

// ActionRule binds an action to a threshold, optionally with a tie-break
// priority. Supports both plain "action: 15.0" scalars and mappings.
type ActionRule struct {
	Threshold float64
	Priority  int
}

// UnmarshalYAML accepts either a bare number or {threshold, priority}.
func (a *ActionRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&a.Threshold)
	}
	var full struct {
		Threshold float64 `yaml:"threshold"`
		Priority  int     `yaml:"priority"`
	}
	if err := value.Decode(&full); err != nil {
		return err
	}
	a.Threshold = full.Threshold
	a.Priority = full.Priority
	return nil
}

// Rules is the engine rules document.
type Rules struct {
	Symbols    map[string]SymbolRule    `yaml:"symbols"`
	Composites map[string]CompositeRule `yaml:"composites"`
	Actions    map[string]ActionRule    `yaml:"actions"`
	Groups     map[string]GroupRule     `yaml:"group"`

	GrowFactor    float64 `yaml:"grow_factor"`
	AllowUnknown  bool    `yaml:"allow_unknown"`
	UnknownWeight float64 `yaml:"unknown_weight"`
	SymbolCap     float64 `yaml:"symbol_cap"`
	MaxOptions    int     `yaml:"max_options"`
}

// ParseRules decodes a YAML rules document.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return &r, nil
}

// LoadRules reads and decodes a rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// Profile builds the frozen scoring profile from the rules.
func (r *Rules) Profile() *scan.Profile {
	p := scan.NewProfile()
	for name, sym := range r.Symbols {
		p.Symbols[name] = scan.SymbolMeta{
			Weight:      sym.Score,
			OneShot:     sym.OneShot,
			Group:       sym.Group,
			Description: sym.Description,
			Priority:    sym.Priority,
		}
	}
	for name, g := range r.Groups {
		limits := scan.GroupLimits{}
		if g.MaxScore != nil {
			limits.MaxScore = *g.MaxScore
			limits.HasMax = true
		}
		if g.MinScore != nil {
			limits.MinScore = *g.MinScore
			limits.HasMin = true
		}
		p.Groups[name] = limits
	}
	for name, a := range r.Actions {
		p.Actions[name] = scan.ActionConfig{Threshold: a.Threshold, Priority: a.Priority}
	}
	p.GrowFactor = r.GrowFactor
	p.AllowUnknown = r.AllowUnknown
	p.UnknownWeight = r.UnknownWeight
	if r.SymbolCap > 0 {
		p.SymbolCap = r.SymbolCap
	}
	if r.MaxOptions > 0 {
		p.MaxOptions = r.MaxOptions
	}
	return p
}
