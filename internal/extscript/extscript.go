// Package extscript runs scripted symbols through goja (pure Go
// JavaScript runtime). Scripts are the pluggable counterpart to built-in
// symbol callbacks: each invocation gets a fresh, isolated runtime.
package extscript

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/internal/symcache"
	"github.com/sievemail/scan_engine/pkg/logger"
)

// entryPoint is the function name a symbol script must define.
const entryPoint = "check"

// Verdict is what a script returns when the symbol fires.
type Verdict struct {
	Fired   bool
	Score   float64
	Options []string
}

// Handler is a goja-backed symbol callback.
type Handler struct {
	name   string
	source string
	prog   *goja.Program
	log    *logger.Logger
}

// New compiles a symbol script. The script must define
// `function check(task)` returning false/null (no match), true (match with
// multiplier 1.0) or `{score, options}`.
func New(name, source string, log *logger.Logger) (*Handler, error) {
	if log == nil {
		log = logger.Nop()
	}
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", name, err)
	}
	return &Handler{name: name, source: source, prog: prog, log: log}, nil
}

// Run implements symcache.Handler.
func (h *Handler) Run(task *scan.Task, ctl *symcache.Ctl) error {
	verdict, logs, err := h.Execute(task)
	for _, line := range logs {
		h.log.WithField("script", h.name).Debug(line)
	}
	if err != nil {
		return err
	}
	if verdict.Fired {
		ctl.Insert(verdict.Score, verdict.Options...)
	}
	return nil
}

// Execute evaluates the script against a task in a fresh runtime.
func (h *Handler) Execute(task *scan.Task) (Verdict, []string, error) {
	vm := goja.New()

	// Capture console.log output.
	logs := make([]string, 0)
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		if len(args) > 0 {
			logs = append(logs, fmt.Sprint(args))
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	_ = vm.Set("task", h.taskObject(vm, task))

	if _, err := vm.RunProgram(h.prog); err != nil {
		return Verdict{}, logs, fmt.Errorf("execute script: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return Verdict{}, logs, fmt.Errorf("entry point '%s' is not a function", entryPoint)
	}

	resultVal, err := entry(goja.Undefined(), vm.Get("task"))
	if err != nil {
		return Verdict{}, logs, fmt.Errorf("call %s: %w", entryPoint, err)
	}
	return h.verdict(resultVal, logs)
}

func (h *Handler) taskObject(vm *goja.Runtime, task *scan.Task) *goja.Object {
	obj := vm.NewObject()
	if task.Message != nil {
		_ = obj.Set("subject", task.Message.Subject)
		_ = obj.Set("from", task.Message.From)
		_ = obj.Set("headers", task.Message.Headers)
		_ = obj.Set("body", string(task.Message.Body))
	}
	env := vm.NewObject()
	_ = env.Set("ip", task.Envelope.IP)
	_ = env.Set("helo", task.Envelope.Helo)
	_ = env.Set("mail_from", task.Envelope.MailFrom)
	_ = env.Set("rcpt", task.Envelope.Rcpt)
	_ = env.Set("user", task.Envelope.User)
	_ = obj.Set("envelope", env)
	_ = obj.Set("fingerprint", task.Fingerprint().String())
	return obj
}

func (h *Handler) verdict(val goja.Value, logs []string) (Verdict, []string, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return Verdict{}, logs, nil
	}
	exported := val.Export()
	switch v := exported.(type) {
	case bool:
		return Verdict{Fired: v, Score: 1.0}, logs, nil
	case map[string]any:
		verdict := Verdict{Fired: true, Score: 1.0}
		if s, ok := toFloat(v["score"]); ok {
			verdict.Score = s
		}
		if opts, ok := v["options"].([]any); ok {
			for _, o := range opts {
				verdict.Options = append(verdict.Options, fmt.Sprint(o))
			}
		}
		return verdict, logs, nil
	default:
		// Try a JSON round-trip for exotic objects.
		data, err := json.Marshal(exported)
		if err != nil {
			return Verdict{}, logs, fmt.Errorf("unsupported script result %T", exported)
		}
		var decoded struct {
			Score   *float64 `json:"score"`
			Options []string `json:"options"`
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return Verdict{}, logs, fmt.Errorf("unsupported script result %T", exported)
		}
		verdict := Verdict{Fired: true, Score: 1.0, Options: decoded.Options}
		if decoded.Score != nil {
			verdict.Score = *decoded.Score
		}
		return verdict, logs, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
