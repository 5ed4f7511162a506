package fingerprint

import "testing"

func TestSumIsStable(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	if a != b {
		t.Fatal("same input must produce the same digest")
	}
	if a == Sum([]byte("world")) {
		t.Fatal("different input must produce a different digest")
	}
}

func TestSumPartsBoundaries(t *testing.T) {
	// "ab"+"c" and "a"+"bc" carry the same bytes but different splits.
	x := SumParts([]byte("ab"), []byte("c"))
	y := SumParts([]byte("a"), []byte("bc"))
	if x == y {
		t.Fatal("length prefixing must separate distinct splits")
	}
}

func TestStringIsHex(t *testing.T) {
	s := Sum([]byte("x")).String()
	if len(s) != Size*2 {
		t.Fatalf("hex length = %d, want %d", len(s), Size*2)
	}
}
