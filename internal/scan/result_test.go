package scan

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/sievemail/scan_engine/pkg/logger"
)

func testProfile() *Profile {
	p := NewProfile()
	p.Symbols["A"] = SymbolMeta{Weight: 1.0}
	p.Symbols["B"] = SymbolMeta{Weight: 2.0}
	p.Symbols["NEG"] = SymbolMeta{Weight: -3.0}
	p.Symbols["ONCE"] = SymbolMeta{Weight: 1.5, OneShot: true}
	p.Symbols["GRP1"] = SymbolMeta{Weight: 4.0, Group: "g"}
	p.Symbols["GRP2"] = SymbolMeta{Weight: 4.0, Group: "g"}
	p.Groups["g"] = GroupLimits{MaxScore: 5.0, HasMax: true}
	p.Actions[ActionAddHeader] = ActionConfig{Threshold: 4.0}
	p.Actions[ActionReject] = ActionConfig{Threshold: 15.0}
	return p
}

func TestInsertAccumulates(t *testing.T) {
	r := NewResult(testProfile(), logger.Nop())

	if err := r.Insert("A", 1.0, "first"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := r.Insert("A", 2.0, "second", "first"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rec, ok := r.Get("A")
	if !ok {
		t.Fatal("record A missing")
	}
	if rec.Score != 3.0 {
		t.Errorf("Score = %v, want 3.0 (1*1 + 1*2)", rec.Score)
	}
	if len(rec.Options) != 2 {
		t.Errorf("Options = %v, want deduplicated [first second]", rec.Options)
	}
}

func TestInsertOneShotIgnoresRepeats(t *testing.T) {
	r := NewResult(testProfile(), logger.Nop())
	_ = r.Insert("ONCE", 1.0, "a")
	_ = r.Insert("ONCE", 5.0, "b")

	rec, _ := r.Get("ONCE")
	if rec.Score != 1.5 {
		t.Errorf("Score = %v, want 1.5", rec.Score)
	}
	if len(rec.Options) != 1 || rec.Options[0] != "a" {
		t.Errorf("Options = %v, want [a]", rec.Options)
	}
}

func TestInsertUnknownSymbol(t *testing.T) {
	p := testProfile()
	r := NewResult(p, logger.Nop())
	if err := r.Insert("NOBODY", 1.0); err == nil {
		t.Fatal("unknown symbol insert should fail")
	} else if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("error = %v, want ErrUnknownSymbol", err)
	}

	p.AllowUnknown = true
	p.UnknownWeight = 0.5
	r = NewResult(p, logger.Nop())
	if err := r.Insert("NOBODY", 2.0); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if rec, _ := r.Get("NOBODY"); rec.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", rec.Score)
	}
}

func TestInsertRejectsOverCap(t *testing.T) {
	p := testProfile()
	p.Symbols["HUGE"] = SymbolMeta{Weight: 500.0}
	r := NewResult(p, logger.Nop())

	if err := r.Insert("HUGE", 1.0); err != nil {
		t.Fatalf("first insert should pass: %v", err)
	}
	if err := r.Insert("HUGE", 1.0); err == nil {
		t.Fatal("insert pushing past the cap should fail")
	} else if !errors.Is(err, ErrScoreCapped) {
		t.Fatalf("error = %v, want ErrScoreCapped", err)
	}
	if rec, _ := r.Get("HUGE"); rec.Score != 500.0 {
		t.Errorf("rejected insert must not change the score, got %v", rec.Score)
	}
}

func TestOptionCap(t *testing.T) {
	p := testProfile()
	p.MaxOptions = 3
	r := NewResult(p, logger.Nop())
	_ = r.Insert("A", 1.0, "1", "2", "3", "4", "5")
	rec, _ := r.Get("A")
	if len(rec.Options) != 3 {
		t.Errorf("Options = %v, want 3 entries", rec.Options)
	}
}

func TestGroupClamp(t *testing.T) {
	r := NewResult(testProfile(), logger.Nop())
	_ = r.Insert("GRP1", 1.0)
	_ = r.Insert("GRP2", 1.0)

	// Raw group total is 8.0, clamped to 5.0.
	if s := r.Score(); s != 5.0 {
		t.Errorf("Score = %v, want 5.0", s)
	}
	// Records themselves keep their raw scores.
	if rec, _ := r.Get("GRP1"); rec.Score != 4.0 {
		t.Errorf("record score = %v, want 4.0", rec.Score)
	}
}

func TestGrowFactorNormalization(t *testing.T) {
	// S7: reject_threshold 15.0, grow_factor 1.1, raw 25.0 -> 26.0.
	p := NewProfile()
	p.Symbols["BIG"] = SymbolMeta{Weight: 25.0}
	p.Actions[ActionReject] = ActionConfig{Threshold: 15.0}
	p.GrowFactor = 1.1
	r := NewResult(p, logger.Nop())
	_ = r.Insert("BIG", 1.0)

	if s := r.Score(); s != 26.0 {
		t.Errorf("Score = %v, want 26.0", s)
	}
	if action, _ := r.Action(); action != ActionReject {
		t.Errorf("Action = %v, want reject", action)
	}
}

func TestActionSelection(t *testing.T) {
	p := NewProfile()
	p.Symbols["X"] = SymbolMeta{Weight: 1.0}
	p.Actions[ActionGreylist] = ActionConfig{Threshold: 2.0}
	p.Actions[ActionAddHeader] = ActionConfig{Threshold: 5.0}
	p.Actions[ActionReject] = ActionConfig{Threshold: 10.0}

	tests := []struct {
		mult float64
		want string
	}{
		{1.0, ActionNoAction},
		{2.0, ActionGreylist},
		{5.0, ActionAddHeader},
		{7.5, ActionAddHeader},
		{10.0, ActionReject},
		{99.0, ActionReject},
	}
	for _, tt := range tests {
		r := NewResult(p, logger.Nop())
		_ = r.Insert("X", tt.mult)
		if action, _ := r.Action(); action != tt.want {
			t.Errorf("score %v: Action = %v, want %v", tt.mult, action, tt.want)
		}
	}
}

func TestActionThresholdTieBreaksByPriority(t *testing.T) {
	p := NewProfile()
	p.Symbols["X"] = SymbolMeta{Weight: 5.0}
	p.Actions[ActionAddHeader] = ActionConfig{Threshold: 5.0, Priority: 2}
	p.Actions[ActionGreylist] = ActionConfig{Threshold: 5.0, Priority: 1}

	r := NewResult(p, logger.Nop())
	_ = r.Insert("X", 1.0)
	if action, _ := r.Action(); action != ActionAddHeader {
		t.Errorf("Action = %v, want add_header (higher priority wins the tie)", action)
	}
}

func TestPassthroughWins(t *testing.T) {
	// S6: passthrough action and message override score-driven selection,
	// records stay intact.
	r := NewResult(testProfile(), logger.Nop())
	_ = r.Insert("A", 1.0)
	_ = r.Insert("B", 1.0)
	r.AddPassthrough(Passthrough{Priority: 10, Action: ActionReject, Message: "blocked", Module: "prefilter"})

	action, msg := r.Action()
	if action != ActionReject {
		t.Errorf("Action = %v, want reject", action)
	}
	if msg != "blocked" {
		t.Errorf("message = %q, want blocked", msg)
	}
	if !r.Has("A") || !r.Has("B") {
		t.Error("passthrough must not erase symbol records")
	}
}

func TestPassthroughHighestPriorityWins(t *testing.T) {
	r := NewResult(testProfile(), logger.Nop())
	r.AddPassthrough(Passthrough{Priority: 1, Action: ActionGreylist})
	r.AddPassthrough(Passthrough{Priority: 9, Action: ActionReject})
	r.AddPassthrough(Passthrough{Priority: 5, Action: ActionDiscard})

	p, ok := r.Passthrough()
	if !ok || p.Action != ActionReject {
		t.Fatalf("Passthrough() = %+v, want the priority-9 reject", p)
	}
}

func TestScoreIsOrderIndependent(t *testing.T) {
	p := testProfile()
	inserts := []struct {
		name string
		mult float64
	}{
		{"A", 1.0}, {"B", 0.5}, {"NEG", 1.0}, {"GRP1", 1.0}, {"GRP2", 0.25},
	}

	base := NewResult(p, logger.Nop())
	for _, in := range inserts {
		_ = base.Insert(in.name, in.mult)
	}
	want := base.Score()
	wantAction, _ := base.Action()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]struct {
			name string
			mult float64
		}(nil), inserts...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		r := NewResult(p, logger.Nop())
		for _, in := range shuffled {
			_ = r.Insert(in.name, in.mult)
		}
		if got := r.Score(); got != want {
			t.Fatalf("trial %d: Score = %v, want %v", trial, got, want)
		}
		if action, _ := r.Action(); action != wantAction {
			t.Fatalf("trial %d: Action = %v, want %v", trial, action, wantAction)
		}
	}
}

func TestDeleteAndZeroWeight(t *testing.T) {
	r := NewResult(testProfile(), logger.Nop())
	_ = r.Insert("A", 1.0, "opt")
	_ = r.Insert("B", 1.0)

	r.ZeroWeight("A")
	rec, ok := r.Get("A")
	if !ok {
		t.Fatal("ZeroWeight must keep the record")
	}
	if rec.Score != 0 {
		t.Errorf("Score = %v, want 0", rec.Score)
	}
	if len(rec.Options) != 1 {
		t.Errorf("Options = %v, want preserved", rec.Options)
	}

	r.Delete("B")
	if r.Has("B") {
		t.Error("Delete must remove the record")
	}
	if len(r.Records()) != 1 {
		t.Errorf("Records() = %d, want 1", len(r.Records()))
	}
}
