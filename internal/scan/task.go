package scan

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/sievemail/scan_engine/internal/clients"
	"github.com/sievemail/scan_engine/internal/fingerprint"
	"github.com/sievemail/scan_engine/pkg/logger"
)

// Envelope carries the SMTP-level facts submitted with a message.
type Envelope struct {
	IP       string   `json:"ip"`
	Helo     string   `json:"helo"`
	MailFrom string   `json:"mail_from"`
	Rcpt     []string `json:"rcpt"`
	User     string   `json:"user"` // authenticated user, if any
}

// Message is the pre-parsed message handle a task scans. Parsing happens
// upstream; the engine only reads.
type Message struct {
	Subject string              `json:"subject"`
	From    string              `json:"from"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body"`
}

// Header returns the first value of a header, or "".
func (m *Message) Header(name string) string {
	if m == nil {
		return ""
	}
	if vs, ok := m.Headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Task is the per-message scan context. A task is pinned to one worker for
// its whole life; nothing here is safe for concurrent use.
type Task struct {
	ID       uuid.UUID
	Message  *Message
	Envelope Envelope

	// Settings is the raw user-supplied settings JSON, queried lazily.
	Settings []byte

	Deadline time.Time
	Started  time.Time

	Result *Result
	Log    *logger.Logger

	// IO holds the owning worker's collaborator bundle. Assigned when the
	// task is picked up by a worker.
	IO *clients.Bundle

	fp    fingerprint.Digest
	hasFP bool
}

// NewTask creates a task bound to a fresh accumulator.
func NewTask(profile *Profile, msg *Message, env Envelope, settings []byte, deadline time.Time, log *logger.Logger) *Task {
	if log == nil {
		log = logger.Nop()
	}
	id := uuid.New()
	t := &Task{
		ID:       id,
		Message:  msg,
		Envelope: env,
		Settings: settings,
		Deadline: deadline,
		Started:  time.Now(),
		Log:      log,
	}
	t.Result = NewResult(profile, log)
	return t
}

// Fingerprint returns the message digest, computed once per task.
func (t *Task) Fingerprint() fingerprint.Digest {
	if !t.hasFP {
		var body []byte
		var subject string
		if t.Message != nil {
			body = t.Message.Body
			subject = t.Message.Subject
		}
		t.fp = fingerprint.SumParts([]byte(t.Envelope.MailFrom), []byte(subject), body)
		t.hasFP = true
	}
	return t.fp
}

// SettingsID returns the settings id the submission asked for, or "".
func (t *Task) SettingsID() string {
	if len(t.Settings) == 0 {
		return ""
	}
	return gjson.GetBytes(t.Settings, "id").String()
}

// SymbolExplicitlyEnabled reports whether the task settings name the symbol
// in symbols_enabled.
func (t *Task) SymbolExplicitlyEnabled(name string) bool {
	return t.settingsListHas("symbols_enabled", name)
}

// SymbolExplicitlyDisabled reports whether the task settings name the symbol
// in symbols_disabled.
func (t *Task) SymbolExplicitlyDisabled(name string) bool {
	return t.settingsListHas("symbols_disabled", name)
}

// HasEnabledList reports whether the settings restrict the run to an
// explicit symbols_enabled list.
func (t *Task) HasEnabledList() bool {
	if len(t.Settings) == 0 {
		return false
	}
	v := gjson.GetBytes(t.Settings, "symbols_enabled")
	return v.IsArray() && len(v.Array()) > 0
}

func (t *Task) settingsListHas(path, name string) bool {
	if len(t.Settings) == 0 {
		return false
	}
	for _, v := range gjson.GetBytes(t.Settings, path).Array() {
		if v.String() == name {
			return true
		}
	}
	return false
}

// Expired reports whether the task deadline has passed.
func (t *Task) Expired() bool {
	return !t.Deadline.IsZero() && time.Now().After(t.Deadline)
}

// Remaining returns the time left before the deadline, or zero when expired.
func (t *Task) Remaining() time.Duration {
	if t.Deadline.IsZero() {
		return 0
	}
	if d := time.Until(t.Deadline); d > 0 {
		return d
	}
	return 0
}
