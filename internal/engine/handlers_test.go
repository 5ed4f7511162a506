package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sievemail/scan_engine/internal/scan"
)

func TestMapBackedSymbol(t *testing.T) {
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "bad_domains.map")
	if err := os.WriteFile(mapPath, []byte("badguys.example\n"), 0644); err != nil {
		t.Fatal(err)
	}

	e := buildEngine(t, fmt.Sprintf(`
symbols:
  FROM_BLOCKLISTED:
    score: 4.0
    map: %s
    map_key: from_domain
`, mapPath), nil)

	task := func(from string) *Reply {
		msg := &scan.Message{Subject: "s", Body: []byte("x")}
		tk := scan.NewTask(e.Profile(), msg, scan.Envelope{MailFrom: from}, nil, time.Now().Add(time.Second), nil)
		return e.ScanTask(context.Background(), tk)
	}

	reply := task("alice@badguys.example")
	sym, ok := reply.Symbols["FROM_BLOCKLISTED"]
	if !ok {
		t.Fatal("map-backed symbol should fire for a listed domain")
	}
	if sym.Score != 4.0 {
		t.Errorf("Score = %v, want 4.0", sym.Score)
	}
	if len(sym.Options) != 1 || sym.Options[0] != "badguys.example" {
		t.Errorf("Options = %v, want the matched key", sym.Options)
	}

	if reply := task("bob@nice.example"); len(reply.Symbols) != 0 {
		t.Errorf("unlisted domain fired: %v", reply.Symbols)
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"user@example.com", "example.com"},
		{"weird@@double.com", "double.com"},
		{"naked-domain.com", "naked-domain.com"},
	}
	for _, tt := range tests {
		if got := domainOf(tt.in); got != tt.want {
			t.Errorf("domainOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
