package engine

import (
	"strings"

	"github.com/sievemail/scan_engine/internal/maps"
	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/internal/symcache"
)

// mapHandler fires its symbol when a task-derived key is present in a
// lookup map. The key source selects which task fact is checked.
type mapHandler struct {
	m   maps.Map
	key string
}

func newMapHandler(m maps.Map, key string) *mapHandler {
	if key == "" {
		key = "from_domain"
	}
	return &mapHandler{m: m, key: key}
}

// Run implements symcache.Handler.
func (h *mapHandler) Run(task *scan.Task, ctl *symcache.Ctl) error {
	value := h.lookupKey(task)
	if value == "" {
		return nil
	}
	if h.m.GetKey(value) {
		ctl.Insert(1.0, value)
	}
	return nil
}

func (h *mapHandler) lookupKey(task *scan.Task) string {
	switch {
	case h.key == "ip":
		return task.Envelope.IP
	case h.key == "helo":
		return task.Envelope.Helo
	case h.key == "mail_from":
		return task.Envelope.MailFrom
	case h.key == "from_domain":
		return domainOf(task.Envelope.MailFrom)
	case h.key == "user":
		return task.Envelope.User
	case strings.HasPrefix(h.key, "header:"):
		return task.Message.Header(strings.TrimPrefix(h.key, "header:"))
	}
	return ""
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
