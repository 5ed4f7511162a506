package maps

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sievemail/scan_engine/internal/composites"
	"github.com/sievemail/scan_engine/pkg/logger"
)

// CompositeFile feeds a composite manager from a hot-reloadable map file,
// one composite per line: "<name>:<score> <expression>". Well-formed lines
// replace earlier definitions of the same name; malformed lines are
// rejected individually.
type CompositeFile struct {
	path    string
	manager *composites.Manager
	log     *logger.Logger
	// classify recomputes second-pass classification after a reload.
	classify func()
}

// NewCompositeFile binds a composite map file to a manager and performs
// the initial load.
func NewCompositeFile(path string, manager *composites.Manager, classify func(), log *logger.Logger) (*CompositeFile, error) {
	if log == nil {
		log = logger.Nop()
	}
	cf := &CompositeFile{path: path, manager: manager, log: log, classify: classify}
	if err := cf.Reload(); err != nil {
		return nil, err
	}
	return cf, nil
}

// Get implements Map: it reports "<name>:<score>" of a loaded
// composite.
func (cf *CompositeFile) Get(key string) (string, bool) {
	c, ok := cf.manager.Lookup(key)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s:%g", c.Name, c.Score), true
}

// GetKey implements Map.
func (cf *CompositeFile) GetKey(key string) bool {
	_, ok := cf.manager.Lookup(key)
	return ok
}

// Reload implements Map: re-reads the file and replaces definitions.
func (cf *CompositeFile) Reload() error {
	f, err := os.Open(cf.path)
	if err != nil {
		cf.log.WithField("map", cf.path).WithError(err).Error("composite map reload failed, keeping previous content")
		return fmt.Errorf("%w: %v", ErrMapLoad, err)
	}
	defer f.Close()

	accepted, rejected := 0, 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		def, err := composites.ParseMapLine(line)
		if err != nil {
			cf.log.WithField("map", cf.path).WithError(err).Warn("rejecting composite map line")
			rejected++
			continue
		}
		if err := cf.manager.Add(def); err != nil {
			rejected++
			continue
		}
		accepted++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMapLoad, err)
	}

	if cf.classify != nil {
		cf.classify()
	}
	cf.log.WithFields(map[string]interface{}{
		"map":      cf.path,
		"accepted": accepted,
		"rejected": rejected,
	}).Info("composite map loaded")
	return nil
}
