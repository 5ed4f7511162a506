// Package engine wires the symbol cache, the scan accumulator and the
// composite evaluator into a running scan service with a fixed worker
// pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sievemail/scan_engine/internal/clients"
	"github.com/sievemail/scan_engine/internal/composites"
	"github.com/sievemail/scan_engine/internal/config"
	"github.com/sievemail/scan_engine/internal/extscript"
	"github.com/sievemail/scan_engine/internal/maps"
	"github.com/sievemail/scan_engine/internal/scan"
	"github.com/sievemail/scan_engine/internal/symcache"
	"github.com/sievemail/scan_engine/pkg/logger"
	"github.com/sievemail/scan_engine/pkg/metrics"
)

// ErrStopped is returned for submissions after shutdown.
var ErrStopped = errors.New("engine stopped")

// Options configures engine construction.
type Options struct {
	Rules *config.Rules

	// Handlers provides built-in callbacks for symbols whose rules name
	// neither a script nor a map.
	Handlers map[string]symcache.Handler

	// Conditions are optional per-symbol skip predicates.
	Conditions map[string]symcache.Condition

	Workers        int
	TaskDeadline   time.Duration
	SymbolTimeout  time.Duration
	SoftBudget     time.Duration
	NewBundle      func() *clients.Bundle // per-worker collaborator pools
	Log            *logger.Logger
}

// Engine is the frozen scan pipeline plus its worker pool.
type Engine struct {
	log     *logger.Logger
	profile *scan.Profile
	frozen  *symcache.Frozen
	comps   *composites.Manager

	deadline   time.Duration
	softBudget time.Duration

	workers int
	bundles []*clients.Bundle
	jobs    chan *job
	stopped chan struct{}

	// fileMaps are the symbol-rule key maps, by backing path, exposed so
	// the map watcher can hot-reload them.
	fileMaps map[string]*maps.FileMap
}

type job struct {
	task    *scan.Task
	replyCh chan *Reply
}

// Build constructs and freezes an engine from rules.
func Build(opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	if opts.Rules == nil {
		return nil, fmt.Errorf("engine: rules are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.TaskDeadline <= 0 {
		opts.TaskDeadline = 8 * time.Second
	}
	if opts.SymbolTimeout <= 0 {
		opts.SymbolTimeout = time.Second
	}

	e := &Engine{
		log:        log,
		profile:    opts.Rules.Profile(),
		comps:      composites.NewManager(log),
		deadline:   opts.TaskDeadline,
		softBudget: opts.SoftBudget,
		workers:    opts.Workers,
		jobs:       make(chan *job),
		stopped:    make(chan struct{}),
		fileMaps:   make(map[string]*maps.FileMap),
	}

	registry := symcache.NewRegistry(log)
	if err := e.registerSymbols(registry, opts); err != nil {
		return nil, err
	}

	for name, cond := range opts.Conditions {
		if err := registry.RegisterCondition(name, cond); err != nil {
			log.WithField("symbol", name).WithError(err).Warn("condition ignored")
		}
	}

	for name, rule := range opts.Rules.Composites {
		_ = e.comps.Add(composites.Definition{
			Name:       name,
			Expression: rule.Expression,
			Score:      rule.Score,
			Group:      rule.Group,
			Policy:     rule.Policy,
			Priority:   rule.Priority,
		})
	}

	frozen, err := registry.Freeze(opts.SymbolTimeout)
	if err != nil {
		return nil, err
	}
	e.frozen = frozen
	e.ClassifyComposites()

	for i := 0; i < opts.Workers; i++ {
		var b *clients.Bundle
		if opts.NewBundle != nil {
			b = opts.NewBundle()
		} else {
			b = &clients.Bundle{}
		}
		e.bundles = append(e.bundles, b)
	}
	return e, nil
}

// ClassifyComposites recomputes the first/second pass split. Also invoked
// after composite map reloads.
func (e *Engine) ClassifyComposites() {
	e.comps.Classify(func(symbol string) bool {
		it, ok := e.frozen.Lookup(symbol)
		if !ok {
			return false
		}
		if it.Type == symcache.TypeVirtual {
			it = e.frozen.Item(it.Parent)
		}
		switch it.Type {
		case symcache.TypePostfilter, symcache.TypeClassifier:
			return true
		}
		return it.Flags.Has(symcache.FlagNoStat)
	})
}

// Composites exposes the composite manager for map-file bindings.
func (e *Engine) Composites() *composites.Manager { return e.comps }

// FileMaps returns the symbol key maps by backing path, for hot reload.
func (e *Engine) FileMaps() map[string]*maps.FileMap { return e.fileMaps }

// Profile exposes the frozen scoring profile.
func (e *Engine) Profile() *scan.Profile { return e.profile }

// registerSymbols feeds the registry from the rules in a deterministic
// order so freeze diagnostics are stable.
func (e *Engine) registerSymbols(registry *symcache.Registry, opts Options) error {
	names := make([]string, 0, len(opts.Rules.Symbols))
	for name := range opts.Rules.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)

	// Parents must exist before their virtual children.
	sort.SliceStable(names, func(i, j int) bool {
		pi := opts.Rules.Symbols[names[i]].Parent != ""
		pj := opts.Rules.Symbols[names[j]].Parent != ""
		return !pi && pj
	})

	for _, name := range names {
		rule := opts.Rules.Symbols[name]
		symType := symcache.TypeFilter
		if rule.Type != "" {
			var err error
			symType, err = symcache.ParseType(rule.Type)
			if err != nil {
				e.log.WithField("symbol", name).WithError(err).Error("rejecting symbol: bad type")
				continue
			}
		}
		if rule.Parent != "" {
			symType = symcache.TypeVirtual
		}

		flags, err := symcache.ParseFlags(rule.Flags)
		if err != nil {
			e.log.WithField("symbol", name).WithError(err).Warn("ignoring unknown flags")
		}

		handler, err := e.handlerFor(name, rule, opts)
		if err != nil {
			e.log.WithField("symbol", name).WithError(err).Error("rejecting symbol: bad callback")
			continue
		}

		if _, err := registry.Register(symcache.Registration{
			Name:               name,
			Type:               symType,
			Handler:            handler,
			Priority:           rule.Priority,
			Weight:             rule.Score,
			Flags:              flags,
			Group:              rule.Group,
			Description:        rule.Description,
			Parent:             rule.Parent,
			Deps:               rule.Deps,
			SoftDeps:           rule.SoftDeps,
			Timeout:            rule.TimeoutDuration(),
			RegisterFailSymbol: rule.RegisterFailSymbol,
			AllowedIDs:         rule.AllowedIDs,
			ForbiddenIDs:       rule.ForbiddenIDs,
		}); err != nil {
			e.log.WithField("symbol", name).WithError(err).Error("registration rejected")
		}
	}
	return nil
}

func (e *Engine) handlerFor(name string, rule config.SymbolRule, opts Options) (symcache.Handler, error) {
	if rule.Parent != "" {
		return nil, nil // virtual symbols have no callback of their own
	}
	if rule.Script != "" {
		return extscript.New(name, rule.Script, e.log)
	}
	if rule.Map != "" {
		m, ok := e.fileMaps[rule.Map]
		if !ok {
			var err error
			m, err = maps.NewFileMap(rule.Map, e.log)
			if err != nil {
				return nil, err
			}
			e.fileMaps[rule.Map] = m
		}
		return newMapHandler(m, rule.MapKey), nil
	}
	if h, ok := opts.Handlers[name]; ok {
		return h, nil
	}
	return nil, nil
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		go e.runWorker(ctx, e.bundles[i])
	}
}

// Stop drains the pool.
func (e *Engine) Stop() {
	close(e.stopped)
	for _, b := range e.bundles {
		_ = b.Close()
	}
}

func (e *Engine) runWorker(ctx context.Context, bundle *clients.Bundle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopped:
			return
		case j := <-e.jobs:
			j.task.IO = bundle
			reply := e.scan(ctx, j.task)
			j.replyCh <- reply
		}
	}
}

// Submission is one message check request.
type Submission struct {
	Message  *scan.Message
	Envelope scan.Envelope
	Settings []byte
	// Deadline overrides the engine default when positive.
	Deadline time.Duration
}

// Check scans a submission on the worker pool and returns the reply.
func (e *Engine) Check(ctx context.Context, sub Submission) (*Reply, error) {
	deadline := e.deadline
	if sub.Deadline > 0 {
		deadline = sub.Deadline
	}
	task := scan.NewTask(e.profile, sub.Message, sub.Envelope, sub.Settings, time.Now().Add(deadline), e.log)

	j := &job{task: task, replyCh: make(chan *Reply, 1)}
	select {
	case e.jobs <- j:
	case <-e.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-j.replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ScanTask runs the full pipeline for a prepared task on the calling
// goroutine. Used directly by tests; the worker loop runs the same
// pipeline through scan.
func (e *Engine) ScanTask(ctx context.Context, task *scan.Task) *Reply {
	return e.scan(ctx, task)
}

func (e *Engine) scan(ctx context.Context, task *scan.Task) *Reply {
	ex := symcache.NewExecutor(e.frozen, task, e.log)
	if e.softBudget > 0 {
		ex.SoftBudget = e.softBudget
	}

	symbolPhases := []symcache.Phase{
		symcache.PhaseConnect,
		symcache.PhasePrefilter,
		symcache.PhaseFilter,
		symcache.PhaseClassifier,
	}
	for _, ph := range symbolPhases {
		if err := ex.RunPhase(ctx, ph); err != nil {
			break
		}
	}
	_ = e.comps.Process(task.Result, composites.FirstPass)

	_ = ex.RunPhase(ctx, symcache.PhasePostfilter)
	_ = e.comps.Process(task.Result, composites.SecondPass)

	_ = ex.RunPhase(ctx, symcache.PhaseIdempotent)

	reply := BuildReply(task)
	metrics.ObserveTask(reply.Action, time.Since(task.Started))
	return reply
}
