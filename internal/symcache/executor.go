package symcache

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/pkg/logger"
	"github.com/sievemail/scan_engine/pkg/metrics"
)

// ItemState is a symbol item's per-task state.
type ItemState int

const (
	StatePending ItemState = iota
	StateRunnable
	StateRunning
	StateDoneFired
	StateDoneNotFired
	StateSkipped
	StateFailed
	StateTimeout
)

func (s ItemState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateDoneFired:
		return "done_fired"
	case StateDoneNotFired:
		return "done_notfired"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	case StateTimeout:
		return "timeout"
	}
	return "unknown"
}

// Terminal reports whether the state is final.
func (s ItemState) Terminal() bool {
	return s >= StateDoneFired
}

// DebugDoubleFinalize makes a second finalize of the same continuation
// panic instead of logging. Tests enable it.
var DebugDoubleFinalize = false

// defaultSoftBudget bounds synchronous callback time before a warning.
const defaultSoftBudget = 50 * time.Millisecond

type taskEvent struct {
	cont    *Continuation
	apply   func(*Ctl)
	timeout bool
}

// Executor drives one task through the symbol phases. It lives on the
// task's worker goroutine; only continuation resolution crosses goroutines,
// through the events channel.
type Executor struct {
	frozen *Frozen
	task   *scan.Task
	log    *logger.Logger

	states map[int]ItemState
	fired  map[int]bool

	events      chan taskEvent
	outstanding int
	active      map[*Continuation]struct{}

	// per-item count of unresolved continuations
	itemPending map[int]int
	// doomed marks items whose hard predecessor failed or timed out.
	doomed map[int]bool
	// pendingPreds counts unsatisfied same-phase predecessors.
	pendingPreds map[int]int

	// SoftBudget bounds synchronous callback time before a warning.
	SoftBudget time.Duration

	// OnTrace, when set, observes callback start/finalize events. Used by
	// tests asserting scheduling properties.
	OnTrace func(kind, symbol string)
}

// NewExecutor creates an executor for one task.
func NewExecutor(frozen *Frozen, task *scan.Task, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{
		frozen:      frozen,
		task:        task,
		log:         log,
		states:      make(map[int]ItemState),
		fired:       make(map[int]bool),
		events:      make(chan taskEvent, len(frozen.items)*2+8),
		active:      make(map[*Continuation]struct{}),
		itemPending: make(map[int]int),
		doomed:      make(map[int]bool),
		SoftBudget:  defaultSoftBudget,
	}
}

// State returns the item's current state.
func (ex *Executor) State(id int) ItemState { return ex.states[id] }

// StateByName returns the state of the named symbol, resolving virtual
// symbols to their parent.
func (ex *Executor) StateByName(name string) (ItemState, bool) {
	it, ok := ex.frozen.Lookup(name)
	if !ok {
		return StatePending, false
	}
	if it.Type == TypeVirtual {
		it = ex.frozen.Item(it.Parent)
	}
	return ex.states[it.ID], true
}

// RunPhase executes one phase to completion: every item of the phase
// reaches a terminal state before it returns.
func (ex *Executor) RunPhase(ctx context.Context, phase Phase) error {
	order := ex.frozen.phases[phase]
	if len(order) == 0 {
		return nil
	}

	ex.pendingPreds = make(map[int]int, len(order))
	for _, id := range order {
		pi := ex.frozen.planned[id]
		ex.pendingPreds[id] = len(pi.preds)

		// Dependencies completed in earlier phases are satisfied by phase
		// ordering; hard failures still cascade.
		for _, p := range pi.crossPreds {
			if p.soft {
				continue
			}
			if st := ex.states[p.id]; st == StateFailed || st == StateTimeout {
				ex.doomed[id] = true
			}
		}
	}

	for {
		progressed := true
		for progressed {
			progressed = false
			for _, id := range order {
				if ex.states[id] != StatePending || ex.pendingPreds[id] > 0 {
					continue
				}
				ex.runItem(id)
				progressed = true
			}
		}

		if ex.outstanding == 0 {
			break
		}
		if err := ex.waitEvent(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitEvent blocks until a continuation resolves, the context is canceled,
// or the task deadline passes (forcing timeouts on everything outstanding).
func (ex *Executor) waitEvent(ctx context.Context) error {
	var deadlineC <-chan time.Time
	if !ex.task.Deadline.IsZero() {
		t := time.NewTimer(ex.task.Remaining())
		defer t.Stop()
		deadlineC = t.C
	}

	select {
	case ev := <-ex.events:
		ex.applyEvent(ev)
	case <-deadlineC:
		ex.log.WithField("task", ex.task.ID).Warn("task deadline reached, timing out outstanding symbols")
		for c := range ex.active {
			c.resolveTimeout()
		}
		// The forced timeouts are queued; drain them on the next turns.
	case <-ctx.Done():
		for c := range ex.active {
			c.resolveTimeout()
		}
		for ex.outstanding > 0 {
			ex.applyEvent(<-ex.events)
		}
		return ctx.Err()
	}
	return nil
}

func (ex *Executor) applyEvent(ev taskEvent) {
	cont := ev.cont
	delete(ex.active, cont)
	ex.outstanding--
	ex.itemPending[cont.itemID]--

	item := ex.frozen.Item(cont.itemID)
	if ev.timeout {
		if ex.states[cont.itemID].Terminal() {
			return
		}
		metrics.ObserveSymbolTimeout(item.Name)
		ex.log.WithField("symbol", item.Name).Info("symbol timed out")
		if item.RegisterFailSymbol {
			_ = ex.task.Result.Insert(item.Name+"_FAIL", 1.0, "timeout")
		}
		// A timeout beats whatever continuations remain.
		for c := range ex.active {
			if c.itemID == cont.itemID {
				c.resolveTimeout()
			}
		}
		if ex.OnTrace != nil {
			ex.OnTrace("finalize", item.Name)
		}
		ex.complete(cont.itemID, StateTimeout)
		return
	}

	if ex.states[cont.itemID].Terminal() {
		// A forced timeout already finished this item; drop the late result.
		return
	}

	if ev.apply != nil {
		ctl := &Ctl{ex: ex, item: item}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					ex.log.WithFields(map[string]interface{}{
						"symbol": item.Name,
						"panic":  fmt.Sprintf("%v", rec),
						"stack":  string(debug.Stack()),
					}).Error("continuation panicked")
					ex.complete(cont.itemID, StateFailed)
				}
			}()
			ev.apply(ctl)
		}()
		if ex.states[cont.itemID].Terminal() {
			return
		}
	}

	if ex.itemPending[cont.itemID] == 0 && !ex.states[cont.itemID].Terminal() {
		if ex.OnTrace != nil {
			ex.OnTrace("finalize", item.Name)
		}
		if ex.fired[cont.itemID] {
			ex.complete(cont.itemID, StateDoneFired)
		} else {
			ex.complete(cont.itemID, StateDoneNotFired)
		}
	}
}

// runItem takes a pending item with satisfied predecessors to a running or
// terminal state.
func (ex *Executor) runItem(id int) {
	item := ex.frozen.Item(id)

	if ex.doomed[id] {
		ex.complete(id, StateSkipped)
		return
	}
	if !ex.allowedBySettings(item) || !ex.allowedByPassthrough(item) {
		ex.complete(id, StateSkipped)
		return
	}
	for _, cond := range ex.frozen.conditions[id] {
		if !cond(ex.task) {
			ex.complete(id, StateSkipped)
			return
		}
	}
	if item.Handler == nil {
		ex.complete(id, StateSkipped)
		return
	}

	ex.states[id] = StateRunning
	if ex.OnTrace != nil {
		ex.OnTrace("start", item.Name)
	}

	ctl := &Ctl{ex: ex, item: item}
	start := time.Now()
	err := ex.invoke(item, ctl)
	if elapsed := time.Since(start); elapsed > ex.SoftBudget {
		ex.log.WithFields(map[string]interface{}{
			"symbol":  item.Name,
			"elapsed": elapsed,
		}).Warn("symbol exceeded synchronous soft budget")
	}

	if err != nil {
		ex.log.WithField("symbol", item.Name).WithError(err).Error("symbol callback failed")
		if ex.OnTrace != nil {
			ex.OnTrace("finalize", item.Name)
		}
		ex.complete(id, StateFailed)
		return
	}

	if ex.itemPending[id] > 0 {
		// Async pending; the continuation finalizes the item.
		return
	}

	if ex.OnTrace != nil {
		ex.OnTrace("finalize", item.Name)
	}
	if ex.fired[id] {
		ex.complete(id, StateDoneFired)
	} else {
		ex.complete(id, StateDoneNotFired)
	}
}

// invoke runs the handler with panic containment.
func (ex *Executor) invoke(item *Item, ctl *Ctl) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ex.log.WithFields(map[string]interface{}{
				"symbol": item.Name,
				"panic":  fmt.Sprintf("%v", rec),
				"stack":  string(debug.Stack()),
			}).Error("symbol callback panicked")
			err = fmt.Errorf("callback panic: %v", rec)
		}
	}()
	return item.Handler.Run(ex.task, ctl)
}

func (ex *Executor) allowedBySettings(item *Item) bool {
	if ex.task.SymbolExplicitlyDisabled(item.Name) {
		return false
	}
	explicitlyEnabled := ex.task.SymbolExplicitlyEnabled(item.Name)
	if item.Flags.Has(FlagExplicitDisable) && !explicitlyEnabled {
		return false
	}
	if ex.task.HasEnabledList() && !explicitlyEnabled && !item.Flags.Has(FlagFine) {
		return false
	}

	id := ex.task.SettingsID()
	if len(item.AllowedIDs) > 0 {
		found := false
		for _, a := range item.AllowedIDs {
			if a == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, f := range item.ForbiddenIDs {
		if f == id && id != "" {
			return false
		}
	}

	if item.Flags.Has(FlagMime) && ex.task.Message == nil {
		return false
	}
	if !item.Flags.Has(FlagEmpty) && ex.task.Message != nil && len(ex.task.Message.Body) == 0 && len(ex.task.Message.Headers) == 0 {
		return false
	}
	return true
}

// allowedByPassthrough applies the short-circuit: once a passthrough at
// priority P exists, only items at priority >= P, items flagged
// ignore_passthrough, and the late phases keep running.
func (ex *Executor) allowedByPassthrough(item *Item) bool {
	floor, ok := ex.task.Result.PassthroughFloor()
	if !ok {
		return true
	}
	if item.Flags.Has(FlagIgnorePassthrough) {
		return true
	}
	if phase, _ := phaseOf(item.Type); phase >= PhasePostfilter {
		return true
	}
	return item.Priority >= floor
}

// complete records a terminal state and walks same-phase successors.
func (ex *Executor) complete(id int, state ItemState) {
	prev := ex.states[id]
	if prev.Terminal() {
		return
	}
	ex.states[id] = state
	metrics.ObserveSymbol(state.String())

	pi := ex.frozen.planned[id]
	hardFailure := state == StateFailed || state == StateTimeout
	for _, succ := range pi.succs {
		if ex.states[succ].Terminal() {
			continue
		}
		if hardFailure && !ex.edgeSoft(id, succ) {
			ex.doomed[succ] = true
		}
		if ex.pendingPreds[succ] > 0 {
			ex.pendingPreds[succ]--
		}
	}
}

func (ex *Executor) edgeSoft(from, to int) bool {
	for _, p := range ex.frozen.planned[to].preds {
		if p.id == from {
			return p.soft
		}
	}
	return false
}

// Fired reports whether the item inserted a result this task.
func (ex *Executor) Fired(id int) bool { return ex.fired[id] }

// ---------------------------------------------------------------------------
// Callback control surface
// ---------------------------------------------------------------------------

// Ctl is the control surface a symbol callback emits through. Valid only
// during Run or a continuation apply on the task's worker.
type Ctl struct {
	ex   *Executor
	item *Item
}

// Task returns the task under scan.
func (c *Ctl) Task() *scan.Task { return c.ex.task }

// Logger returns the engine logger.
func (c *Ctl) Logger() *logger.Logger { return c.ex.log }

// Insert records a result for the item's own symbol.
func (c *Ctl) Insert(multiplier float64, options ...string) {
	c.InsertNamed(c.item.Name, multiplier, options...)
}

// InsertNamed records a result for an arbitrary symbol, typically one of the
// item's virtual children.
func (c *Ctl) InsertNamed(symbol string, multiplier float64, options ...string) {
	if err := c.ex.task.Result.Insert(symbol, multiplier, options...); err != nil {
		c.ex.log.WithField("symbol", symbol).WithError(err).Debug("insert dropped")
		return
	}
	c.ex.fired[c.item.ID] = true
}

// AddPassthrough records an early-decision override for the task.
func (c *Ctl) AddPassthrough(priority int, action, message string) {
	c.ex.task.Result.AddPassthrough(scan.Passthrough{
		Priority: priority,
		Action:   action,
		Message:  message,
		Module:   c.item.Name,
	})
	metrics.ObservePassthrough(action)
}

// Async registers an asynchronous continuation for the running item and
// returns it. The item stays outstanding until every continuation resolves
// or times out.
func (c *Ctl) Async() *Continuation {
	timeout := c.item.Timeout
	if timeout <= 0 {
		timeout = c.ex.frozen.DefaultTimeout
	}
	if rem := c.ex.task.Remaining(); !c.ex.task.Deadline.IsZero() && rem > 0 && rem < timeout {
		timeout = rem
	}

	cont := &Continuation{ex: c.ex, itemID: c.item.ID}
	c.ex.outstanding++
	c.ex.itemPending[c.item.ID]++
	c.ex.active[cont] = struct{}{}
	if timeout > 0 {
		cont.timer = time.AfterFunc(timeout, cont.resolveTimeout)
	}
	return cont
}

// ---------------------------------------------------------------------------
// Continuations
// ---------------------------------------------------------------------------

// Continuation is a one-shot resumption handle for asynchronous symbol
// work. Resolve and the timeout race; exactly one wins.
type Continuation struct {
	ex     *Executor
	itemID int
	timer  *time.Timer
	done   int32
}

// Resolve finishes the continuation. The apply function runs on the task's
// worker with a fresh Ctl; it may emit results or register further
// continuations. Safe to call from any goroutine. Calling Resolve (or
// hitting the timeout) twice is a programming error: it panics when
// DebugDoubleFinalize is set and is logged and ignored otherwise.
func (c *Continuation) Resolve(apply func(*Ctl)) {
	if !atomic.CompareAndSwapInt32(&c.done, 0, 1) {
		c.doubleFinalize()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.ex.events <- taskEvent{cont: c, apply: apply}
}

func (c *Continuation) resolveTimeout() {
	if !atomic.CompareAndSwapInt32(&c.done, 0, 1) {
		return
	}
	c.ex.events <- taskEvent{cont: c, timeout: true}
}

var doubleFinalizeMu sync.Mutex

func (c *Continuation) doubleFinalize() {
	if DebugDoubleFinalize {
		panic(fmt.Sprintf("double finalize for item %d", c.itemID))
	}
	doubleFinalizeMu.Lock()
	defer doubleFinalizeMu.Unlock()
	c.ex.log.WithField("symbol", c.ex.frozen.Item(c.itemID).Name).
		Error("continuation finalized twice, ignoring")
}
