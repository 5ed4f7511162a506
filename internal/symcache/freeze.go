package symcache

import (
	"sort"
	"strings"
	"time"
)

type pred struct {
	id   int
	soft bool
}

type plannedItem struct {
	item  *Item
	phase Phase

	// preds are same-phase satisfy-predecessors; crossPreds completed in
	// earlier phases and matter only for failure propagation.
	preds      []pred
	crossPreds []pred
	succs      []int
}

// Frozen is the immutable execution plan shared read-only by all tasks.
type Frozen struct {
	items   []*Item
	planned map[int]*plannedItem
	// phases holds item ids in execution order per phase.
	phases [numPhases][]int

	conditions map[int][]Condition

	// DefaultTimeout applies to async items without their own augmentation.
	DefaultTimeout time.Duration
}

// Freeze resolves dependencies, partitions items into phases and computes
// the deterministic execution order. The registry rejects registrations
// afterwards.
func (r *Registry) Freeze(defaultTimeout time.Duration) (*Frozen, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	r.frozen = true

	f := &Frozen{
		items:          r.items,
		planned:        make(map[int]*plannedItem),
		conditions:     make(map[int][]Condition),
		DefaultTimeout: defaultTimeout,
	}

	for name, conds := range r.conditions {
		if it, ok := r.byName[name]; ok {
			f.conditions[it.ID] = conds
		}
	}

	// Partition executable items into phases. Virtual and composite items
	// are never scheduled directly.
	for _, it := range r.items {
		phase, ok := phaseOf(it.Type)
		if !ok {
			continue
		}
		f.planned[it.ID] = &plannedItem{item: it, phase: phase}
	}

	edges := r.collectEdges()

	var samePhase [numPhases][]edge
	for _, e := range edges {
		from, okFrom := f.planned[e.from]
		to, okTo := f.planned[e.to]
		if !okFrom || !okTo {
			continue
		}
		switch {
		case from.phase == to.phase:
			samePhase[from.phase] = append(samePhase[from.phase], e)
		case from.phase < to.phase:
			to.crossPreds = append(to.crossPreds, pred{id: e.from, soft: e.soft})
		default:
			r.log.WithFields(map[string]interface{}{
				"dependent":  to.item.Name,
				"dependency": from.item.Name,
			}).Error("dependency points at a later phase, dropping edge")
		}
	}

	for ph := Phase(0); ph < numPhases; ph++ {
		var members []*Item
		for _, pi := range f.planned {
			if pi.phase == ph {
				members = append(members, pi.item)
			}
		}
		order, kept := r.sortPhase(members, samePhase[ph])
		f.phases[ph] = order
		for _, e := range kept {
			f.planned[e.to].preds = append(f.planned[e.to].preds, pred{id: e.from, soft: e.soft})
			f.planned[e.from].succs = append(f.planned[e.from].succs, e.to)
		}
	}

	return f, nil
}

// collectEdges resolves declared dependency names to item ids, dropping
// unresolved ones with a log line. Dependencies on virtual symbols resolve
// to their callback parent.
func (r *Registry) collectEdges() []edge {
	type rawDep struct {
		child string
		dep   string
		soft  bool
	}
	var raw []rawDep
	for _, it := range r.items {
		for _, d := range it.deps {
			raw = append(raw, rawDep{child: it.Name, dep: d})
		}
		for _, d := range it.softDeps {
			raw = append(raw, rawDep{child: it.Name, dep: d, soft: true})
		}
	}
	for _, pe := range r.pendingEdges {
		raw = append(raw, rawDep{child: pe.child, dep: pe.parent, soft: pe.soft})
	}

	var edges []edge
	seen := make(map[[2]int]bool)
	for _, rd := range raw {
		child, okChild := r.resolveDep(rd.child)
		parent, okParent := r.resolveDep(rd.dep)
		if !okChild || !okParent {
			r.log.WithFields(map[string]interface{}{
				"dependent":  rd.child,
				"dependency": rd.dep,
			}).Info("unresolved dependency at freeze, dropping")
			continue
		}
		if child.ID == parent.ID {
			continue
		}
		key := [2]int{parent.ID, child.ID}
		if seen[key] {
			continue
		}
		seen[key] = true
		edges = append(edges, edge{from: parent.ID, to: child.ID, soft: rd.soft})
	}
	return edges
}

// sortPhase topologically sorts one phase. Within equal topological rank,
// items order by descending priority then ascending name. Cycles are broken
// by dropping the participating edges with a warning.
func (r *Registry) sortPhase(members []*Item, edges []edge) (order []int, kept []edge) {
	inPhase := make(map[int]bool, len(members))
	for _, it := range members {
		inPhase[it.ID] = true
	}

	indeg := make(map[int]int, len(members))
	out := make(map[int][]edge)
	dropped := make(map[[2]int]bool)
	for _, e := range edges {
		indeg[e.to]++
		out[e.from] = append(out[e.from], e)
	}
	kept = append(kept, edges...)

	remaining := make(map[int]*Item, len(members))
	for _, it := range members {
		remaining[it.ID] = it
	}

	for len(remaining) > 0 {
		var rank []*Item
		for id, it := range remaining {
			if indeg[id] == 0 {
				rank = append(rank, it)
			}
		}
		if len(rank) == 0 {
			// Every remaining node sits on a cycle. Drop the edges
			// among them and let the nodes run unordered past that.
			var names []string
			stuck := make(map[int]bool, len(remaining))
			for id, it := range remaining {
				stuck[id] = true
				names = append(names, it.Name)
			}
			sort.Strings(names)
			r.log.WithField("symbols", strings.Join(names, ", ")).
				Warn("dependency cycle detected, dropping cycle edges")

			filtered := kept[:0]
			for _, e := range kept {
				if stuck[e.from] && stuck[e.to] {
					indeg[e.to]--
					dropped[[2]int{e.from, e.to}] = true
					continue
				}
				filtered = append(filtered, e)
			}
			kept = filtered
			continue
		}
		sort.Slice(rank, func(i, j int) bool {
			if rank[i].Priority != rank[j].Priority {
				return rank[i].Priority > rank[j].Priority
			}
			return rank[i].Name < rank[j].Name
		})
		for _, it := range rank {
			order = append(order, it.ID)
			delete(remaining, it.ID)
			for _, e := range out[it.ID] {
				if inPhase[e.to] && !dropped[[2]int{e.from, e.to}] {
					indeg[e.to]--
				}
			}
		}
	}
	return order, kept
}

// Item returns the item with the given id.
func (f *Frozen) Item(id int) *Item { return f.items[id] }

// PhaseItems returns the execution order for a phase.
func (f *Frozen) PhaseItems(p Phase) []int { return f.phases[p] }

// Lookup finds an item by name.
func (f *Frozen) Lookup(name string) (*Item, bool) {
	for _, it := range f.items {
		if it.Name == name {
			return it, true
		}
	}
	return nil, false
}
