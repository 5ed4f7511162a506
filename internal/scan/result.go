package scan

import (
	"math"
	"sort"

	"github.com/sievemail/scan_engine/pkg/logger"
)

// SymbolRecord is one symbol's accumulated result for a task.
type SymbolRecord struct {
	Name        string
	Score       float64 // registered weight × multiplier, accumulated
	Options     []string
	Group       string
	Description string
	Priority    int
	// Composite marks records inserted by the composite evaluator.
	Composite bool

	optSeen map[string]struct{}
}

// Passthrough is an early-decision override recorded during a task.
type Passthrough struct {
	Priority int
	Action   string
	Message  string
	Module   string
}

// Result is the per-task scan accumulator. A result belongs to exactly one
// task and is only touched from the task's owning worker, so it carries no
// locking.
type Result struct {
	profile *Profile
	log     *logger.Logger

	symbols map[string]*SymbolRecord
	order   []string

	passthroughs []Passthrough
}

// NewResult creates an empty accumulator bound to the frozen profile.
func NewResult(profile *Profile, log *logger.Logger) *Result {
	if log == nil {
		log = logger.Nop()
	}
	return &Result{
		profile: profile,
		log:     log,
		symbols: make(map[string]*SymbolRecord),
	}
}

// Profile returns the scoring profile the result was created with.
func (r *Result) Profile() *Profile { return r.profile }

// Insert records a symbol result. Unknown symbols are dropped unless the
// profile allows them; repeated inserts for a one_shot symbol are ignored;
// inserts that would push the record past the per-symbol cap are rejected.
func (r *Result) Insert(name string, multiplier float64, options ...string) error {
	meta, known := r.profile.Symbols[name]
	if !known {
		if !r.profile.AllowUnknown {
			r.log.WithField("symbol", name).Debug("dropping result for unregistered symbol")
			return NewEngineError("metric", "insert", ErrUnknownSymbol)
		}
		meta = SymbolMeta{Weight: r.profile.UnknownWeight}
	}

	rec, exists := r.symbols[name]
	if exists {
		if meta.OneShot {
			return nil
		}
		next := rec.Score + meta.Weight*multiplier
		if math.Abs(next) > r.profile.SymbolCap {
			r.log.WithField("symbol", name).Warnf("insert rejected: score %.1f over cap %.1f", next, r.profile.SymbolCap)
			return NewEngineError("metric", "insert", ErrScoreCapped)
		}
		rec.Score = next
		r.appendOptions(rec, options)
		return nil
	}

	score := meta.Weight * multiplier
	if math.Abs(score) > r.profile.SymbolCap {
		r.log.WithField("symbol", name).Warnf("insert rejected: score %.1f over cap %.1f", score, r.profile.SymbolCap)
		return NewEngineError("metric", "insert", ErrScoreCapped)
	}
	rec = &SymbolRecord{
		Name:        name,
		Score:       score,
		Group:       meta.Group,
		Description: meta.Description,
		Priority:    meta.Priority,
	}
	r.appendOptions(rec, options)
	r.symbols[name] = rec
	r.order = append(r.order, name)
	return nil
}

// InsertComposite records a fired composite at a fixed score.
func (r *Result) InsertComposite(name string, score float64, group string) {
	if rec, ok := r.symbols[name]; ok {
		rec.Score += score
		return
	}
	rec := &SymbolRecord{
		Name:      name,
		Score:     score,
		Group:     group,
		Composite: true,
	}
	if meta, ok := r.profile.Symbols[name]; ok {
		rec.Description = meta.Description
		rec.Priority = meta.Priority
	}
	r.symbols[name] = rec
	r.order = append(r.order, name)
}

func (r *Result) appendOptions(rec *SymbolRecord, options []string) {
	if rec.optSeen == nil {
		rec.optSeen = make(map[string]struct{}, len(options))
		for _, o := range rec.Options {
			rec.optSeen[o] = struct{}{}
		}
	}
	for _, o := range options {
		if len(rec.Options) >= r.profile.MaxOptions {
			return
		}
		if _, dup := rec.optSeen[o]; dup {
			continue
		}
		rec.optSeen[o] = struct{}{}
		rec.Options = append(rec.Options, o)
	}
}

// Get returns the record for name, if present.
func (r *Result) Get(name string) (*SymbolRecord, bool) {
	rec, ok := r.symbols[name]
	return rec, ok
}

// Has reports whether name is present.
func (r *Result) Has(name string) bool {
	_, ok := r.symbols[name]
	return ok
}

// Records returns all records in insertion order.
func (r *Result) Records() []*SymbolRecord {
	out := make([]*SymbolRecord, 0, len(r.order))
	for _, name := range r.order {
		if rec, ok := r.symbols[name]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Delete removes a record entirely.
func (r *Result) Delete(name string) {
	if _, ok := r.symbols[name]; !ok {
		return
	}
	delete(r.symbols, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ZeroWeight keeps a record but removes its numeric contribution.
func (r *Result) ZeroWeight(name string) {
	if rec, ok := r.symbols[name]; ok {
		rec.Score = 0
	}
}

// AddPassthrough records an early-decision override.
func (r *Result) AddPassthrough(p Passthrough) {
	r.passthroughs = append(r.passthroughs, p)
}

// Passthrough returns the highest-priority passthrough, if any. Ties keep
// the first recorded entry.
func (r *Result) Passthrough() (Passthrough, bool) {
	if len(r.passthroughs) == 0 {
		return Passthrough{}, false
	}
	best := r.passthroughs[0]
	for _, p := range r.passthroughs[1:] {
		if p.Priority > best.Priority {
			best = p
		}
	}
	return best, true
}

// PassthroughFloor returns the priority below which items are short-circuited,
// or false when no passthrough was recorded.
func (r *Result) PassthroughFloor() (int, bool) {
	p, ok := r.Passthrough()
	return p.Priority, ok
}

// SymbolScore implements expr.Resolver.
func (r *Result) SymbolScore(name string) (float64, bool) {
	rec, ok := r.symbols[name]
	if !ok {
		return 0, false
	}
	return rec.Score, true
}

// GroupScore implements expr.Resolver: the unclamped score sum of all
// present symbols in the group. Present with an empty sum is still truthy.
func (r *Result) GroupScore(group string) (float64, bool) {
	var sum float64
	found := false
	for _, rec := range r.symbols {
		if rec.Group == group {
			sum += rec.Score
			found = true
		}
	}
	return sum, found
}

// GroupTotal is one group's clamped contribution to the task score.
type GroupTotal struct {
	Group string
	Score float64
}

// groupTotals computes per-group contributions with limits applied. Records
// without a group land in the "" bucket, never clamped.
func (r *Result) groupTotals() []GroupTotal {
	sums := make(map[string]float64)
	for _, rec := range r.symbols {
		sums[rec.Group] += rec.Score
	}
	out := make([]GroupTotal, 0, len(sums))
	for group, sum := range sums {
		if limits, ok := r.profile.Groups[group]; ok && group != "" {
			if limits.HasMax && sum > limits.MaxScore {
				sum = limits.MaxScore
			}
			if limits.HasMin && sum < limits.MinScore {
				sum = limits.MinScore
			}
		}
		out = append(out, GroupTotal{Group: group, Score: sum})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Groups returns the clamped per-group contributions for reporting.
func (r *Result) Groups() []GroupTotal {
	return r.groupTotals()
}

// Score sums clamped group contributions and applies grow-factor
// normalization above the reject threshold.
func (r *Result) Score() float64 {
	var score float64
	for _, g := range r.groupTotals() {
		score += g.Score
	}
	if rt, ok := r.profile.RejectThreshold(); ok && r.profile.GrowFactor > 0 && score > rt {
		score = rt + (score-rt)*r.profile.GrowFactor
	}
	return score
}

// Action selects the task's final action: the highest-priority passthrough
// if any, otherwise the configured action with the greatest threshold not
// exceeding the score.
func (r *Result) Action() (action string, message string) {
	if p, ok := r.Passthrough(); ok {
		return p.Action, p.Message
	}
	score := r.Score()
	selected := ActionNoAction
	for _, name := range r.profile.actionOrder() {
		if r.profile.Actions[name].Threshold <= score {
			selected = name
		}
	}
	return selected, ""
}
