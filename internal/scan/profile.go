package scan

import "sort"

// Actions ordered from least to greatest severity. Used to break threshold
// ties when no explicit priority is configured.
const (
	ActionNoAction       = "no_action"
	ActionGreylist       = "greylist"
	ActionAddHeader      = "add_header"
	ActionRewriteSubject = "rewrite_subject"
	ActionSoftReject     = "soft_reject"
	ActionReject         = "reject"
	ActionDiscard        = "discard"
	ActionQuarantine     = "quarantine"
)

var defaultSeverity = map[string]int{
	ActionNoAction:       0,
	ActionGreylist:       1,
	ActionAddHeader:      2,
	ActionRewriteSubject: 3,
	ActionSoftReject:     4,
	ActionReject:         5,
	ActionDiscard:        6,
	ActionQuarantine:     7,
}

// SymbolMeta is the per-symbol scoring metadata the accumulator consults.
type SymbolMeta struct {
	Weight      float64
	OneShot     bool
	Group       string
	Description string
	Priority    int
}

// GroupLimits clamps a symbol group's total contribution.
type GroupLimits struct {
	MaxScore float64
	MinScore float64
	HasMax   bool
	HasMin   bool
}

// ActionConfig binds an action to a score threshold.
type ActionConfig struct {
	Threshold float64
	// Priority breaks ties between actions sharing a threshold. When
	// zero, the default severity ladder decides.
	Priority int
}

// Profile is the frozen scoring configuration shared by all tasks.
type Profile struct {
	Symbols map[string]SymbolMeta
	Groups  map[string]GroupLimits
	Actions map[string]ActionConfig

	GrowFactor    float64
	AllowUnknown  bool
	UnknownWeight float64
	// SymbolCap bounds a single record's absolute raw score.
	SymbolCap float64
	// MaxOptions bounds the deduplicated option list per record.
	MaxOptions int
}

// NewProfile returns a profile with engine defaults applied.
func NewProfile() *Profile {
	return &Profile{
		Symbols:    make(map[string]SymbolMeta),
		Groups:     make(map[string]GroupLimits),
		Actions:    make(map[string]ActionConfig),
		SymbolCap:  999.0,
		MaxOptions: 255,
	}
}

// RejectThreshold returns the reject action threshold, or 0 when reject is
// not configured.
func (p *Profile) RejectThreshold() (float64, bool) {
	a, ok := p.Actions[ActionReject]
	return a.Threshold, ok
}

// actionOrder returns configured actions sorted by ascending threshold, with
// ties broken by explicit priority then default severity.
func (p *Profile) actionOrder() []string {
	names := make([]string, 0, len(p.Actions))
	for name := range p.Actions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, aj := p.Actions[names[i]], p.Actions[names[j]]
		if ai.Threshold != aj.Threshold {
			return ai.Threshold < aj.Threshold
		}
		if ai.Priority != aj.Priority {
			return ai.Priority < aj.Priority
		}
		if defaultSeverity[names[i]] != defaultSeverity[names[j]] {
			return defaultSeverity[names[i]] < defaultSeverity[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
