// Package expr implements the boolean/arithmetic expression language used by
// composite rules. Expressions combine symbol atoms with `&`, `|`, `!`,
// comparisons and `+`/`*` arithmetic; atoms may carry single-character
// modifier prefixes that influence composite rewriting.
package expr

import "strings"

// Modifier flags carried by an atom prefix.
type Modifier uint8

const (
	// ModProtect (`~`) evaluates the atom but protects the underlying
	// symbol from removal policies.
	ModProtect Modifier = 1 << iota
	// ModNoScore (`-`) evaluates the atom but suppresses the composite
	// score when this atom dominates the match.
	ModNoScore
	// ModForward (`^`) marks a forward reference, hinting second-pass
	// classification.
	ModForward
)

// Has reports whether m contains the given flag.
func (m Modifier) Has(f Modifier) bool { return m&f != 0 }

func (m Modifier) String() string {
	var b strings.Builder
	if m.Has(ModProtect) {
		b.WriteByte('~')
	}
	if m.Has(ModNoScore) {
		b.WriteByte('-')
	}
	if m.Has(ModForward) {
		b.WriteByte('^')
	}
	return b.String()
}

// Node is an expression tree node.
type Node interface {
	walkAtoms(fn func(*Atom))
}

// Atom references a symbol (or a symbol group when Group is set) by name.
type Atom struct {
	Name  string
	Sub   string // optional `:suboption`
	Mods  Modifier
	Group bool // g:NAME / gr:NAME atom
}

// Not negates its operand.
type Not struct{ X Node }

// And is a boolean conjunction.
type And struct{ L, R Node }

// Or is a boolean disjunction.
type Or struct{ L, R Node }

// CmpOp enumerates comparison operators.
type CmpOp int

const (
	CmpGT CmpOp = iota
	CmpLT
	CmpGE
	CmpLE
	CmpEQ
)

func (op CmpOp) String() string {
	switch op {
	case CmpGT:
		return ">"
	case CmpLT:
		return "<"
	case CmpGE:
		return ">="
	case CmpLE:
		return "<="
	case CmpEQ:
		return "=="
	}
	return "?"
}

// Cmp compares the numeric value of X against a literal.
type Cmp struct {
	Op    CmpOp
	X     Node
	Value float64
}

// Plus sums the numeric values of both operands.
type Plus struct{ L, R Node }

// Mul scales the numeric value of X by a literal.
type Mul struct {
	X     Node
	Value float64
}

func (a *Atom) walkAtoms(fn func(*Atom)) { fn(a) }
func (n *Not) walkAtoms(fn func(*Atom))  { n.X.walkAtoms(fn) }
func (n *And) walkAtoms(fn func(*Atom))  { n.L.walkAtoms(fn); n.R.walkAtoms(fn) }
func (n *Or) walkAtoms(fn func(*Atom))   { n.L.walkAtoms(fn); n.R.walkAtoms(fn) }
func (n *Cmp) walkAtoms(fn func(*Atom))  { n.X.walkAtoms(fn) }
func (n *Plus) walkAtoms(fn func(*Atom)) { n.L.walkAtoms(fn); n.R.walkAtoms(fn) }
func (n *Mul) walkAtoms(fn func(*Atom))  { n.X.walkAtoms(fn) }

// Atoms returns every atom of the tree in left-to-right order.
func Atoms(n Node) []*Atom {
	var out []*Atom
	n.walkAtoms(func(a *Atom) { out = append(out, a) })
	return out
}
