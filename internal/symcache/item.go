// Package symcache implements the symbol cache: registration of detection
// units, freeze-time execution planning and the per-task scheduler that
// drives symbol callbacks under dependencies, priorities and deadlines.
package symcache

import (
	"fmt"
	"strings"
	"time"
)

// SymbolType classifies a registered item.
type SymbolType int

const (
	TypeFilter SymbolType = iota
	TypeConnect
	TypePrefilter
	TypeClassifier
	TypeComposite
	TypePostfilter
	TypeIdempotent
	TypeVirtual
	TypeCallback
)

var typeNames = map[SymbolType]string{
	TypeFilter:     "filter",
	TypeConnect:    "connect",
	TypePrefilter:  "prefilter",
	TypeClassifier: "classifier",
	TypeComposite:  "composite",
	TypePostfilter: "postfilter",
	TypeIdempotent: "idempotent",
	TypeVirtual:    "virtual",
	TypeCallback:   "callback",
}

func (t SymbolType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType maps a configuration string to a SymbolType.
func ParseType(s string) (SymbolType, error) {
	for t, name := range typeNames {
		if name == strings.ToLower(s) {
			return t, nil
		}
	}
	return TypeFilter, fmt.Errorf("unknown symbol type %q", s)
}

// Flags is the registration flag set.
type Flags uint16

const (
	FlagFine Flags = 1 << iota
	FlagEmpty
	FlagNoStat
	FlagExplicitDisable
	FlagIgnorePassthrough
	FlagMime
	FlagCoro
	FlagNoSqueeze
)

var flagNames = map[string]Flags{
	"fine":               FlagFine,
	"empty":              FlagEmpty,
	"nostat":             FlagNoStat,
	"explicit_disable":   FlagExplicitDisable,
	"ignore_passthrough": FlagIgnorePassthrough,
	"mime":               FlagMime,
	"coro":               FlagCoro,
	"no_squeeze":         FlagNoSqueeze,
}

// ParseFlags maps configuration strings to a flag set. Unknown flags are
// reported, known ones still applied.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	var unknown []string
	for _, n := range names {
		if bit, ok := flagNames[strings.ToLower(n)]; ok {
			f |= bit
		} else {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return f, fmt.Errorf("unknown flags: %s", strings.Join(unknown, ", "))
	}
	return f, nil
}

// Has reports whether all given bits are set.
func (f Flags) Has(bits Flags) bool { return f&bits == bits }

// Phase is one scheduling stage of the executable plan.
type Phase int

const (
	PhaseConnect Phase = iota
	PhasePrefilter
	PhaseFilter
	PhaseClassifier
	PhasePostfilter
	PhaseIdempotent
	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhasePrefilter:
		return "prefilter"
	case PhaseFilter:
		return "filter"
	case PhaseClassifier:
		return "classifier"
	case PhasePostfilter:
		return "postfilter"
	case PhaseIdempotent:
		return "idempotent"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// phaseOf maps an executable symbol type to its phase. Callback parents run
// in the main filter phase alongside plain filters.
func phaseOf(t SymbolType) (Phase, bool) {
	switch t {
	case TypeConnect:
		return PhaseConnect, true
	case TypePrefilter:
		return PhasePrefilter, true
	case TypeFilter, TypeCallback:
		return PhaseFilter, true
	case TypeClassifier:
		return PhaseClassifier, true
	case TypePostfilter:
		return PhasePostfilter, true
	case TypeIdempotent:
		return PhaseIdempotent, true
	}
	return 0, false
}

// Item is a registered detection unit. Immutable after freeze.
type Item struct {
	ID       int
	Name     string
	Type     SymbolType
	Flags    Flags
	Priority int
	Weight   float64

	Group       string
	Description string

	Handler Handler

	// Parent is the id of the callback item a virtual symbol belongs to,
	// -1 otherwise.
	Parent int

	// Timeout bounds this item's asynchronous work. Zero means the
	// executor default applies.
	Timeout time.Duration

	// AllowedIDs / ForbiddenIDs filter by the task's settings id.
	AllowedIDs   []string
	ForbiddenIDs []string

	// RegisterFailSymbol inserts "<name>_FAIL" when the item times out.
	RegisterFailSymbol bool

	// deps/softDeps hold declared dependency names until freeze.
	deps     []string
	softDeps []string
}

// edge is a resolved dependency edge.
type edge struct {
	from int // predecessor item id
	to   int // dependent item id
	soft bool
}
