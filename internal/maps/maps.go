// Package maps implements the read-only key lookup maps symbol callbacks
// consult, with hot reload driven by file notifications and a periodic
// safety-net schedule.
package maps

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sievemail/scan_engine/pkg/logger"
	"github.com/sievemail/scan_engine/pkg/metrics"
)

// ErrMapLoad marks a failed map (re)load; the previous content stays
// served.
var ErrMapLoad = errors.New("map load failed")

// Map is the lookup interface symbol callbacks consume.
type Map interface {
	// Get returns the value stored under key.
	Get(key string) (string, bool)
	// GetKey reports key presence.
	GetKey(key string) bool
	// Reload re-reads the backing source. On failure the previous
	// content is retained.
	Reload() error
}

// FileMap is a file-backed key/value map. Lines hold "key" or "key value";
// '#' starts a comment. Concurrency-safe: reloads swap the whole table.
type FileMap struct {
	path string
	log  *logger.Logger

	mu      sync.RWMutex
	entries map[string]string
}

// NewFileMap creates a map over path and performs the initial load.
func NewFileMap(path string, log *logger.Logger) (*FileMap, error) {
	if log == nil {
		log = logger.Nop()
	}
	m := &FileMap{path: path, log: log, entries: map[string]string{}}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get implements Map.
func (m *FileMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[strings.ToLower(key)]
	return v, ok
}

// GetKey implements Map.
func (m *FileMap) GetKey(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the number of entries.
func (m *FileMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Reload implements Map. A failed read keeps the previous entries and
// logs an alert.
func (m *FileMap) Reload() error {
	entries, err := loadKeyFile(m.path)
	if err != nil {
		m.log.WithField("map", m.path).WithError(err).Error("map reload failed, keeping previous content")
		metrics.ObserveMapReload(m.path, false)
		return fmt.Errorf("%w: %v", ErrMapLoad, err)
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	metrics.ObserveMapReload(m.path, true)
	return nil
}

func loadKeyFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		entries[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
