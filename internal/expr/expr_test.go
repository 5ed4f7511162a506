package expr

import (
	"testing"
)

type mapResolver struct {
	symbols map[string]float64
	groups  map[string]float64
}

func (m mapResolver) SymbolScore(name string) (float64, bool) {
	s, ok := m.symbols[name]
	return s, ok
}

func (m mapResolver) GroupScore(name string) (float64, bool) {
	s, ok := m.groups[name]
	return s, ok
}

func TestParseValid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"single atom", "SYMBOL_A"},
		{"and", "A & B"},
		{"double and", "A && B"},
		{"or chain", "A | B | C"},
		{"not", "!A & B"},
		{"parens", "(A | B) & C"},
		{"tilde", "~A & B"},
		{"minus", "-A & B"},
		{"caret", "^LATER & A"},
		{"stacked mods", "~-A | B"},
		{"group atom", "g:mua & A"},
		{"group atom long", "gr:mua & A"},
		{"suboption", "DKIM_CHECK:example.com"},
		{"comparison", "A > 2"},
		{"comparison ge", "A >= 2.5"},
		{"comparison eq", "A == 1"},
		{"plus", "A + B + C > 1"},
		{"mul", "A * 2 > 3"},
		{"nested", "!(A & B) | (C + D >= 2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.src); err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.src, err)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"dangling op", "A &"},
		{"missing paren", "(A | B"},
		{"bare modifier", "~ & A"},
		{"single equals", "A = 1"},
		{"cmp without number", "A > B"},
		{"mul without number", "A * B"},
		{"trailing garbage", "A B"},
		{"group with suboption", "g:mua:sub"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.src); err == nil {
				t.Fatalf("Parse(%q) should fail", tt.src)
			}
		})
	}
}

func TestParseModifiers(t *testing.T) {
	n, err := Parse("~-A & ^B")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	atoms := Atoms(n)
	if len(atoms) != 2 {
		t.Fatalf("Atoms() = %d, want 2", len(atoms))
	}
	if !atoms[0].Mods.Has(ModProtect) || !atoms[0].Mods.Has(ModNoScore) {
		t.Errorf("atom A mods = %v, want ~-", atoms[0].Mods)
	}
	if !atoms[1].Mods.Has(ModForward) {
		t.Errorf("atom B mods = %v, want ^", atoms[1].Mods)
	}
}

func TestEvalAnd(t *testing.T) {
	n, _ := Parse("A & B")
	r := mapResolver{symbols: map[string]float64{"A": 1, "B": 2}}

	res := Eval(n, r)
	if !res.Truthy {
		t.Fatal("A & B should be truthy")
	}
	if res.Value != 3 {
		t.Errorf("Value = %v, want 3", res.Value)
	}
	if len(res.Matched) != 2 {
		t.Errorf("Matched = %d atoms, want 2", len(res.Matched))
	}

	res = Eval(n, mapResolver{symbols: map[string]float64{"A": 1}})
	if res.Truthy {
		t.Error("A & B should be false when B absent")
	}
}

func TestEvalOrPicksWinningBranch(t *testing.T) {
	n, _ := Parse("A | B")
	res := Eval(n, mapResolver{symbols: map[string]float64{"B": 2}})
	if !res.Truthy || res.Value != 2 {
		t.Fatalf("got (%v, %v), want truthy value 2", res.Truthy, res.Value)
	}
	if len(res.Matched) != 1 || res.Matched[0].Name != "B" {
		t.Errorf("Matched = %+v, want just B", res.Matched)
	}
}

func TestEvalZeroScoreSymbolIsTruthy(t *testing.T) {
	n, _ := Parse("A")
	res := Eval(n, mapResolver{symbols: map[string]float64{"A": 0}})
	if !res.Truthy {
		t.Fatal("present symbol with zero score must be truthy")
	}
}

func TestEvalNot(t *testing.T) {
	n, _ := Parse("!A & B")
	r := mapResolver{symbols: map[string]float64{"B": 2}}
	res := Eval(n, r)
	if !res.Truthy {
		t.Fatal("!A & B should fire when only B present")
	}
	// The negated branch contributes no removable atoms.
	if len(res.Matched) != 1 || res.Matched[0].Name != "B" {
		t.Errorf("Matched = %+v, want just B", res.Matched)
	}

	res = Eval(n, mapResolver{symbols: map[string]float64{"A": 1, "B": 2}})
	if res.Truthy {
		t.Error("!A & B should not fire when A present")
	}
}

func TestEvalComparison(t *testing.T) {
	n, _ := Parse("A + B > 2.5")
	if res := Eval(n, mapResolver{symbols: map[string]float64{"A": 1, "B": 2}}); !res.Truthy {
		t.Error("1 + 2 > 2.5 should hold")
	}
	if res := Eval(n, mapResolver{symbols: map[string]float64{"A": 1, "B": 1}}); res.Truthy {
		t.Error("1 + 1 > 2.5 should not hold")
	}
}

func TestEvalMul(t *testing.T) {
	n, _ := Parse("A * 3 >= 6")
	if res := Eval(n, mapResolver{symbols: map[string]float64{"A": 2}}); !res.Truthy {
		t.Error("2 * 3 >= 6 should hold")
	}
}

func TestEvalGroupAtom(t *testing.T) {
	n, _ := Parse("g:mua & A")
	r := mapResolver{
		symbols: map[string]float64{"A": 1},
		groups:  map[string]float64{"mua": 4},
	}
	res := Eval(n, r)
	if !res.Truthy {
		t.Fatal("group atom should be truthy when group has members")
	}
	if res.Value != 5 {
		t.Errorf("Value = %v, want 5", res.Value)
	}
}

func TestEvalPrecedence(t *testing.T) {
	// '&' binds tighter than '|': A | B & C == A | (B & C).
	n, _ := Parse("A | B & C")
	res := Eval(n, mapResolver{symbols: map[string]float64{"B": 1}})
	if res.Truthy {
		t.Fatal("B alone must not satisfy A | (B & C)")
	}
	res = Eval(n, mapResolver{symbols: map[string]float64{"B": 1, "C": 1}})
	if !res.Truthy {
		t.Fatal("B & C must satisfy A | (B & C)")
	}
}
