package maps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sievemail/scan_engine/internal/composites"
	"github.com/sievemail/scan_engine/pkg/logger"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestFileMapLoadAndLookup(t *testing.T) {
	path := writeFile(t, t.TempDir(), "senders.map", `
# known bad senders
spammer.example
friend.example whitelisted
`)
	m, err := NewFileMap(path, logger.Nop())
	if err != nil {
		t.Fatalf("NewFileMap() error = %v", err)
	}

	if !m.GetKey("spammer.example") {
		t.Error("spammer.example should be present")
	}
	if !m.GetKey("SPAMMER.EXAMPLE") {
		t.Error("lookups are case-insensitive")
	}
	if v, ok := m.Get("friend.example"); !ok || v != "whitelisted" {
		t.Errorf("Get(friend.example) = %q, %v", v, ok)
	}
	if m.GetKey("stranger.example") {
		t.Error("stranger.example should be absent")
	}
}

func TestFileMapReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "m.map", "alpha\n")
	m, err := NewFileMap(path, logger.Nop())
	if err != nil {
		t.Fatalf("NewFileMap() error = %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err == nil {
		t.Fatal("Reload() should fail when the file is gone")
	}
	if !m.GetKey("alpha") {
		t.Error("previous content must keep serving after a failed reload")
	}
}

func TestFileMapReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "m.map", "alpha\n")
	m, err := NewFileMap(path, logger.Nop())
	if err != nil {
		t.Fatalf("NewFileMap() error = %v", err)
	}

	writeFile(t, dir, "m.map", "beta\n")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if m.GetKey("alpha") || !m.GetKey("beta") {
		t.Error("reload must replace the table")
	}
}

func TestCompositeFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "composites.map", `
# name:score expression
SUSPICIOUS:5.5 A & B
BAD_LINE_NO_SCORE A & B
BROKEN:1.0 A &
HAM:-2 A | B
`)
	mgr := composites.NewManager(logger.Nop())
	cf, err := NewCompositeFile(path, mgr, nil, logger.Nop())
	if err != nil {
		t.Fatalf("NewCompositeFile() error = %v", err)
	}

	if mgr.Len() != 2 {
		t.Fatalf("Len = %d, want 2 accepted composites", mgr.Len())
	}
	if !cf.GetKey("SUSPICIOUS") || !cf.GetKey("HAM") {
		t.Error("accepted composites must be reachable")
	}
	if cf.GetKey("BROKEN") {
		t.Error("invalid expression must be rejected")
	}

	c, _ := mgr.Lookup("SUSPICIOUS")
	if c.Score != 5.5 {
		t.Errorf("Score = %v, want 5.5", c.Score)
	}
}

func TestCompositeFileReplacesDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.map", "C:1.0 A & B\n")
	mgr := composites.NewManager(logger.Nop())
	cf, err := NewCompositeFile(path, mgr, nil, logger.Nop())
	if err != nil {
		t.Fatalf("NewCompositeFile() error = %v", err)
	}

	writeFile(t, dir, "c.map", "C:9.0 A | B\n")
	if err := cf.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	c, _ := mgr.Lookup("C")
	if c.Score != 9.0 {
		t.Errorf("Score = %v, want the replacement 9.0", c.Score)
	}
}
