package expr

// Resolver supplies symbol and group scores during evaluation.
//
// The boolean returned alongside a score reports presence: a symbol that
// fired with score 0 is present and therefore truthy.
type Resolver interface {
	SymbolScore(name string) (score float64, present bool)
	GroupScore(name string) (score float64, present bool)
}

// Result is the outcome of evaluating an expression tree.
type Result struct {
	Value  float64
	Truthy bool
	// Matched lists the atoms that contributed to truth (the winning
	// branch only). Removal policies apply to these.
	Matched []*Atom
}

// Eval evaluates n against the resolver.
func Eval(n Node, r Resolver) Result {
	switch x := n.(type) {
	case *Atom:
		var s float64
		var present bool
		if x.Group {
			s, present = r.GroupScore(x.Name)
		} else {
			s, present = r.SymbolScore(x.Name)
		}
		res := Result{Value: s, Truthy: present}
		if present {
			res.Matched = []*Atom{x}
		}
		return res
	case *Not:
		inner := Eval(x.X, r)
		if inner.Truthy {
			return Result{}
		}
		return Result{Value: 1, Truthy: true}
	case *And:
		l := Eval(x.L, r)
		if !l.Truthy {
			return Result{}
		}
		rr := Eval(x.R, r)
		if !rr.Truthy {
			return Result{}
		}
		return Result{
			Value:   l.Value + rr.Value,
			Truthy:  true,
			Matched: append(append([]*Atom(nil), l.Matched...), rr.Matched...),
		}
	case *Or:
		l := Eval(x.L, r)
		if l.Truthy {
			return l
		}
		return Eval(x.R, r)
	case *Cmp:
		inner := Eval(x.X, r)
		ok := false
		switch x.Op {
		case CmpGT:
			ok = inner.Value > x.Value
		case CmpLT:
			ok = inner.Value < x.Value
		case CmpGE:
			ok = inner.Value >= x.Value
		case CmpLE:
			ok = inner.Value <= x.Value
		case CmpEQ:
			ok = inner.Value == x.Value
		}
		if !ok {
			return Result{}
		}
		return Result{Value: 1, Truthy: true, Matched: inner.Matched}
	case *Plus:
		l := Eval(x.L, r)
		rr := Eval(x.R, r)
		var matched []*Atom
		if l.Truthy {
			matched = append(matched, l.Matched...)
		}
		if rr.Truthy {
			matched = append(matched, rr.Matched...)
		}
		v := l.Value + rr.Value
		return Result{Value: v, Truthy: v != 0, Matched: matched}
	case *Mul:
		inner := Eval(x.X, r)
		v := inner.Value * x.Value
		return Result{Value: v, Truthy: v != 0, Matched: inner.Matched}
	}
	return Result{}
}
