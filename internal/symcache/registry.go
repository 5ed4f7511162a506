package symcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/pkg/logger"
)

// Registration and freeze errors.
var (
	ErrDuplicateName   = errors.New("duplicate symbol name")
	ErrInvalidParent   = errors.New("invalid parent")
	ErrFrozen          = errors.New("cache already frozen")
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrBadEdge         = errors.New("dependency crosses into a later phase")
)

// Handler is a symbol callback. Run either finishes synchronously (emitting
// results through ctl) or registers a continuation via ctl.Async and returns;
// the continuation then resolves exactly once.
type Handler interface {
	Run(task *scan.Task, ctl *Ctl) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(task *scan.Task, ctl *Ctl) error

// Run implements Handler.
func (f HandlerFunc) Run(task *scan.Task, ctl *Ctl) error { return f(task, ctl) }

// Condition is a short-circuit predicate: returning false skips the symbol
// for this task.
type Condition func(task *scan.Task) bool

// Registration describes a symbol being registered.
type Registration struct {
	Name     string
	Type     SymbolType
	Handler  Handler
	Priority int
	Weight   float64
	Flags    Flags

	Group       string
	Description string

	// Parent names the callback item a virtual symbol belongs to.
	Parent string

	// Deps and SoftDeps are dependency names, resolved at freeze.
	Deps     []string
	SoftDeps []string

	// Augmentations.
	Timeout            time.Duration
	RegisterFailSymbol bool

	AllowedIDs   []string
	ForbiddenIDs []string
}

type pendingEdge struct {
	child  string
	parent string
	soft   bool
}

// Registry accepts symbol registrations until frozen.
type Registry struct {
	log *logger.Logger

	items  []*Item
	byName map[string]*Item

	pendingEdges []pendingEdge
	conditions   map[string][]Condition

	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		log:        log,
		byName:     make(map[string]*Item),
		conditions: make(map[string][]Condition),
	}
}

// Register adds a symbol and returns its id.
//
// Registering an existing name fails unless the prior registration was a
// callback with no weight and the new one is a pure metadata extension
// (weight and/or description, no handler): that pair expresses a callback
// parent later completed by its scoring metadata.
func (r *Registry) Register(reg Registration) (int, error) {
	if r.frozen {
		return -1, scan.NewEngineError("symcache", "register", ErrFrozen)
	}
	if reg.Name == "" {
		return -1, scan.NewEngineError("symcache", "register", fmt.Errorf("empty symbol name"))
	}

	if prev, exists := r.byName[reg.Name]; exists {
		if prev.Type == TypeCallback && prev.Weight == 0 && reg.Handler == nil {
			prev.Weight = reg.Weight
			if reg.Description != "" {
				prev.Description = reg.Description
			}
			if reg.Group != "" {
				prev.Group = reg.Group
			}
			return prev.ID, nil
		}
		return -1, scan.NewEngineError("symcache", "register",
			fmt.Errorf("%w: %s", ErrDuplicateName, reg.Name))
	}

	item := &Item{
		ID:                 len(r.items),
		Name:               reg.Name,
		Type:               reg.Type,
		Flags:              reg.Flags,
		Priority:           reg.Priority,
		Weight:             reg.Weight,
		Group:              reg.Group,
		Description:        reg.Description,
		Handler:            reg.Handler,
		Parent:             -1,
		Timeout:            reg.Timeout,
		AllowedIDs:         reg.AllowedIDs,
		ForbiddenIDs:       reg.ForbiddenIDs,
		RegisterFailSymbol: reg.RegisterFailSymbol,
		deps:               append([]string(nil), reg.Deps...),
		softDeps:           append([]string(nil), reg.SoftDeps...),
	}

	if reg.Type == TypeVirtual {
		parent, ok := r.byName[reg.Parent]
		if !ok || parent.Type != TypeCallback {
			return -1, scan.NewEngineError("symcache", "register",
				fmt.Errorf("%w: virtual %s needs a callback parent, got %q", ErrInvalidParent, reg.Name, reg.Parent))
		}
		item.Parent = parent.ID
	} else if reg.Parent != "" {
		return -1, scan.NewEngineError("symcache", "register",
			fmt.Errorf("%w: %s is not virtual but names parent %q", ErrInvalidParent, reg.Name, reg.Parent))
	}

	r.items = append(r.items, item)
	r.byName[reg.Name] = item
	return item.ID, nil
}

// RegisterDependency adds an edge child -> depends on -> parent. Unknown
// names stay pending and resolve at freeze; unresolved edges are dropped
// with a log line.
func (r *Registry) RegisterDependency(child, parent string) error {
	return r.registerDependency(child, parent, false)
}

// RegisterSoftDependency adds an edge whose failure does not cascade: a
// failed or timed-out parent still satisfies the child.
func (r *Registry) RegisterSoftDependency(child, parent string) error {
	return r.registerDependency(child, parent, true)
}

func (r *Registry) registerDependency(child, parent string, soft bool) error {
	if r.frozen {
		return scan.NewEngineError("symcache", "register_dependency", ErrFrozen)
	}
	if child == parent {
		return scan.NewEngineError("symcache", "register_dependency",
			fmt.Errorf("self dependency for %s", child))
	}
	r.pendingEdges = append(r.pendingEdges, pendingEdge{child: child, parent: parent, soft: soft})
	return nil
}

// RegisterCondition attaches a short-circuit predicate to a symbol.
func (r *Registry) RegisterCondition(name string, cond Condition) error {
	if r.frozen {
		return scan.NewEngineError("symcache", "register_condition", ErrFrozen)
	}
	if _, ok := r.byName[name]; !ok {
		return scan.NewEngineError("symcache", "register_condition",
			fmt.Errorf("unknown symbol %s", name))
	}
	r.conditions[name] = append(r.conditions[name], cond)
	return nil
}

// Lookup returns the item registered under name.
func (r *Registry) Lookup(name string) (*Item, bool) {
	it, ok := r.byName[name]
	return it, ok
}

// Items returns all registered items in registration order.
func (r *Registry) Items() []*Item {
	return r.items
}

// resolveDep maps a dependency name to the item that actually executes:
// dependencies on virtual symbols resolve to their callback parent.
func (r *Registry) resolveDep(name string) (*Item, bool) {
	it, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	if it.Type == TypeVirtual {
		return r.items[it.Parent], true
	}
	return it, true
}
