// Package composites evaluates user-defined logical expressions over
// symbols and rewrites the scan result in two passes around the late
// symbol phases.
package composites

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sievemail/scan_engine/internal/expr"
	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/pkg/logger"
	"github.com/sievemail/scan_engine/pkg/metrics"
)

// Policy selects what happens to symbols that contributed to a fired
// composite.
type Policy int

const (
	// PolicyRemoveAll deletes contributing symbol records entirely.
	PolicyRemoveAll Policy = iota
	// PolicyRemoveSymbol deletes a contributing record only when its
	// score is non-negative.
	PolicyRemoveSymbol
	// PolicyRemoveWeight keeps contributing records but zeroes their
	// score contribution.
	PolicyRemoveWeight
	// PolicyLeave touches nothing.
	PolicyLeave
)

func (p Policy) String() string {
	switch p {
	case PolicyRemoveAll:
		return "remove_all"
	case PolicyRemoveSymbol:
		return "remove_symbol"
	case PolicyRemoveWeight:
		return "remove_weight"
	case PolicyLeave:
		return "leave"
	}
	return "unknown"
}

// ParsePolicy maps a configuration string to a Policy. Empty input selects
// remove_all, the historical default.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "remove_all", "default":
		return PolicyRemoveAll, nil
	case "remove_symbol":
		return PolicyRemoveSymbol, nil
	case "remove_weight":
		return PolicyRemoveWeight, nil
	case "leave", "remove_none":
		return PolicyLeave, nil
	}
	return PolicyRemoveAll, fmt.Errorf("unknown composite policy %q", s)
}

// maxIterations caps the per-phase fixed-point loop.
const maxIterations = 32

// ErrIterationLimit marks a task whose composite rewriting hit the cap.
var ErrIterationLimit = errors.New("composite iteration limit exceeded")

// Definition is an unparsed composite from configuration or a map file.
type Definition struct {
	Name       string
	Expression string
	Score      float64
	Group      string
	Policy     string
	Priority   int
}

// Composite is a parsed, classified rule.
type Composite struct {
	Name     string
	Score    float64
	Group    string
	Policy   Policy
	Priority int
	Expr     expr.Node

	// SecondPass is derived at classification, never authored.
	SecondPass bool
}

// Manager holds the frozen composite set.
type Manager struct {
	log        *logger.Logger
	byName     map[string]*Composite
	ordered    []*Composite
	classified bool
}

// NewManager creates an empty composite manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		log:    log,
		byName: make(map[string]*Composite),
	}
}

// Add parses and stores a composite definition. Parse failures reject the
// definition with a log line and do not abort startup. A well-formed
// definition silently replaces a prior one of the same name.
func (m *Manager) Add(def Definition) error {
	node, err := expr.Parse(def.Expression)
	if err != nil {
		m.log.WithField("composite", def.Name).WithError(err).Error("rejecting composite: bad expression")
		return scan.NewEngineError("composites", "add", err)
	}
	policy, err := ParsePolicy(def.Policy)
	if err != nil {
		m.log.WithField("composite", def.Name).WithError(err).Error("rejecting composite: bad policy")
		return scan.NewEngineError("composites", "add", err)
	}
	c := &Composite{
		Name:     def.Name,
		Score:    def.Score,
		Group:    def.Group,
		Policy:   policy,
		Priority: def.Priority,
		Expr:     node,
	}
	m.byName[def.Name] = c
	m.classified = false
	return nil
}

// Lookup returns a composite by name.
func (m *Manager) Lookup(name string) (*Composite, bool) {
	c, ok := m.byName[name]
	return c, ok
}

// Len returns the number of accepted composites.
func (m *Manager) Len() int { return len(m.byName) }

// Classify splits composites into first and second pass. A composite is
// second-pass when any of its atoms carries the `^` forward modifier, names
// a symbol the callback reports as late (postfilter, classifier or nostat),
// or names another second-pass composite. Runs to a fixed point; flips are
// monotone, so it terminates.
func (m *Manager) Classify(isLate func(symbol string) bool) {
	for _, c := range m.byName {
		c.SecondPass = false
	}
	for changed := true; changed; {
		changed = false
		for _, c := range m.byName {
			if c.SecondPass {
				continue
			}
			for _, a := range expr.Atoms(c.Expr) {
				if a.Group {
					continue
				}
				late := a.Mods.Has(expr.ModForward)
				if !late && isLate != nil {
					late = isLate(a.Name)
				}
				if !late {
					if ref, ok := m.byName[a.Name]; ok && ref.SecondPass {
						late = true
					}
				}
				if late {
					c.SecondPass = true
					changed = true
					break
				}
			}
		}
	}

	m.ordered = m.ordered[:0]
	for _, c := range m.byName {
		m.ordered = append(m.ordered, c)
	}
	sort.Slice(m.ordered, func(i, j int) bool {
		if m.ordered[i].Priority != m.ordered[j].Priority {
			return m.ordered[i].Priority > m.ordered[j].Priority
		}
		return m.ordered[i].Name < m.ordered[j].Name
	})
	m.classified = true
}

// Pass selects which composite phase to evaluate.
type Pass int

const (
	FirstPass Pass = iota
	SecondPass
)

// removal aggregates the policy outcomes targeting one symbol. Record
// removal dominates weight zeroing.
type removal struct {
	deleteRecord bool
	zeroWeight   bool
}

// Process evaluates the composites of one pass against the accumulator and
// rewrites it. Evaluation defers symbol removal to the end of the pass so
// the outcome does not depend on evaluation order; firing iterates to a
// fixed point so composites referencing composites settle.
func (m *Manager) Process(res *scan.Result, pass Pass) error {
	if !m.classified {
		m.Classify(nil)
	}

	removals := make(map[string]*removal)
	iterations := 0
	for {
		iterations++
		if iterations > maxIterations {
			m.log.Warn("composite iteration limit hit, halting rewriting for this task")
			metrics.ObserveCompositeIterations(iterations)
			return scan.NewEngineError("composites", "process", ErrIterationLimit)
		}

		changed := false
		for _, c := range m.ordered {
			if (pass == SecondPass) != c.SecondPass {
				continue
			}
			if res.Has(c.Name) {
				continue // already fired
			}
			result := expr.Eval(c.Expr, res)
			if !result.Truthy {
				continue
			}
			m.fire(res, c, result, removals)
			changed = true
		}
		if !changed {
			break
		}
	}
	metrics.ObserveCompositeIterations(iterations)

	m.applyRemovals(res, removals)
	return nil
}

// fire inserts the composite record and accumulates policy intents for the
// contributing atoms.
func (m *Manager) fire(res *scan.Result, c *Composite, result expr.Result, removals map[string]*removal) {
	score := c.Score
	if len(result.Matched) > 0 && result.Matched[0].Mods.Has(expr.ModNoScore) {
		// The dominant atom suppresses the composite score; the record
		// still marks the composite as fired.
		score = 0
	}
	res.InsertComposite(c.Name, score, c.Group)

	if c.Policy == PolicyLeave {
		return
	}
	for _, a := range result.Matched {
		if a.Mods.Has(expr.ModProtect) {
			continue
		}
		if a.Group {
			// Group atoms match a set, not a record; nothing to remove.
			continue
		}
		r := removals[a.Name]
		if r == nil {
			r = &removal{}
			removals[a.Name] = r
		}
		switch c.Policy {
		case PolicyRemoveAll:
			r.deleteRecord = true
		case PolicyRemoveSymbol:
			if rec, ok := res.Get(a.Name); ok && rec.Score >= 0 {
				r.deleteRecord = true
			}
		case PolicyRemoveWeight:
			r.zeroWeight = true
		}
	}
}

func (m *Manager) applyRemovals(res *scan.Result, removals map[string]*removal) {
	for name, r := range removals {
		switch {
		case r.deleteRecord:
			res.Delete(name)
		case r.zeroWeight:
			res.ZeroWeight(name)
		}
	}
}

// ParseMapLine parses one composite map-file line of the form
// "<name>:<score> <expression>". Lines with a missing score are rejected.
func ParseMapLine(line string) (Definition, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Definition{}, fmt.Errorf("empty line")
	}
	head, rest, ok := strings.Cut(line, " ")
	if !ok || strings.TrimSpace(rest) == "" {
		return Definition{}, fmt.Errorf("missing expression: %q", line)
	}
	name, scoreStr, ok := strings.Cut(head, ":")
	if !ok || name == "" {
		return Definition{}, fmt.Errorf("missing score: %q", head)
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return Definition{}, fmt.Errorf("bad score %q: %w", scoreStr, err)
	}
	return Definition{
		Name:       name,
		Score:      score,
		Expression: strings.TrimSpace(rest),
	}, nil
}
