// Package exposure decides when an experiment's exposure is recorded.
//
// The decision is made across every variant of the experiment, not only the
// assigned one: if any variant carries a change that is not view-gated, the
// exposure fires at registration; otherwise it fires the first time any
// element that some variant would touch becomes visible. Elements that a
// variant moves elsewhere are stood in for by invisible placeholders at
// their hypothetical positions, so users of every variant are exposed under
// the same visibility condition.
package exposure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/idgen"
	"github.com/hazyhaar/abdom/viewport"
)

// Recorder is the part of the experimentation context the tracker needs.
type Recorder interface {
	Ready(ctx context.Context) error
	RecordExposure(ctx context.Context, experiment string) error
}

// State is the lifecycle of one registered experiment.
type State string

const (
	StateRegistered State = "registered"
	StateTriggered  State = "triggered"
	StateCleanedUp  State = "cleaned_up"
)

type entry struct {
	name      string
	variant   int
	current   []changes.Change
	selectors []string

	immediate bool
	viewport  bool
	triggered bool
	cleaned   bool

	placeholders []*Placeholder
	tracked      map[*html.Node]struct{}
}

func (e *entry) state() State {
	switch {
	case e.cleaned:
		return StateCleanedUp
	case e.triggered:
		return StateTriggered
	}
	return StateRegistered
}

// Tracker owns the exposure state of every registered experiment on one
// document. Register, Unregister, Destroy and the observer callbacks run on
// the document's loop; IsTriggered and friends may be called from anywhere.
type Tracker struct {
	doc    *dom.Document
	rec    Recorder
	logger *slog.Logger
	emit   event.Func
	newID  idgen.Generator
	ctx    context.Context
	cancel context.CancelFunc
	ioOpts []viewport.Option

	mu        sync.Mutex
	entries   map[string]*entry
	members   map[*html.Node]map[string]struct{}
	io        *viewport.Observer
	discovery *dom.MutationObserver
	destroyed bool

	wg sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithEmitter receives exposure and placeholder events. It is called on the
// document's loop.
func WithEmitter(fn event.Func) Option {
	return func(t *Tracker) { t.emit = fn }
}

// WithIDGenerator sets the generator for placeholder ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(t *Tracker) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// WithContext sets the parent context of exposure recording. Destroy
// cancels it.
func WithContext(ctx context.Context) Option {
	return func(t *Tracker) {
		if ctx != nil {
			t.ctx = ctx
		}
	}
}

// WithThreshold overrides the visibility threshold (default 1%).
func WithThreshold(v float64) Option {
	return func(t *Tracker) { t.ioOpts = append(t.ioOpts, viewport.WithThreshold(v)) }
}

// New creates a Tracker. geom measures element visibility.
func New(doc *dom.Document, geom viewport.Geometry, rec Recorder, opts ...Option) *Tracker {
	t := &Tracker{
		doc:     doc,
		rec:     rec,
		logger:  slog.Default(),
		newID:   idgen.Prefixed("abdom-ph-", idgen.NanoID(10)),
		ctx:     context.Background(),
		entries: make(map[string]*entry),
		members: make(map[*html.Node]map[string]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.ctx, t.cancel = context.WithCancel(t.ctx)
	t.io = viewport.New(doc.Loop(), geom, t.onVisibility, t.ioOpts...)
	t.discovery = doc.NewMutationObserver(t.onMutations)
	return t
}

// Register starts tracking experiment name. current holds the assigned
// variant's changes, all the changes of every variant indexed by variant
// number. An experiment registered again keeps its triggered state.
func (t *Tracker) Register(name string, variant int, current []changes.Change, all [][]changes.Change) {
	t.mu.Lock()
	placeholders := t.registerLocked(name, variant, current, all)
	t.mu.Unlock()

	for _, ph := range placeholders {
		t.send(event.Event{
			Type:       event.TypePlaceholder,
			Experiment: name,
			Variant:    ph.Variant,
			Selector:   ph.Selector,
			XPath:      dom.XPath(ph.Node),
		})
	}
}

func (t *Tracker) registerLocked(name string, variant int, current []changes.Change, all [][]changes.Change) []*Placeholder {
	if t.destroyed {
		return nil
	}

	wasTriggered := false
	if old := t.entries[name]; old != nil {
		wasTriggered = old.triggered
		t.cleanupLocked(old)
	}
	if len(all) == 0 && len(current) > 0 {
		all = [][]changes.Change{current}
	}

	e := &entry{
		name:      name,
		variant:   variant,
		current:   current,
		triggered: wasTriggered,
		tracked:   make(map[*html.Node]struct{}),
	}
	for _, list := range all {
		for _, ch := range list {
			if !ch.Enabled {
				continue
			}
			if ch.TriggerOnView {
				e.viewport = true
			} else {
				e.immediate = true
			}
		}
	}
	t.entries[name] = e

	t.logger.Debug("exposure: registered",
		"experiment", name, "variant", variant,
		"immediate", e.immediate, "viewport", e.viewport, "triggered", e.triggered)

	if e.triggered {
		e.cleaned = true
		return nil
	}
	if e.immediate {
		t.fireLocked(e, event.TriggerImmediate)
		return nil
	}
	if !e.viewport {
		return nil
	}

	// Collect selectors and create placeholders before anything is
	// observed.
	e.selectors = viewSelectors(all)
	for _, g := range moveGroups(all) {
		e.selectors = appendUnique(e.selectors, g.selector)
		for _, m := range g.placeholderMoves(variant) {
			if ph := t.insertPlaceholder(e, g.selector, m); ph != nil {
				e.placeholders = append(e.placeholders, ph)
			}
		}
	}

	for _, sel := range e.selectors {
		nodes, err := t.doc.QueryAll(sel)
		if err != nil {
			t.logger.Warn("exposure: invalid selector", "experiment", name, "selector", sel, "error", err)
			continue
		}
		for _, n := range nodes {
			t.trackLocked(e, n)
		}
	}
	for _, ph := range e.placeholders {
		t.trackLocked(e, ph.Node)
	}
	t.discovery.Observe(t.doc.Root(), dom.ObserveOptions{ChildList: true, Attributes: true, Subtree: true})
	return e.placeholders
}

// IsTriggered reports whether the exposure of name has fired.
func (t *Tracker) IsTriggered(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[name]
	return e != nil && e.triggered
}

// NeedsViewportTracking reports whether name still waits for visibility.
func (t *Tracker) NeedsViewportTracking(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[name]
	return e != nil && e.viewport && !e.immediate && !e.triggered
}

// State returns the lifecycle state of name, or "" when unknown.
func (t *Tracker) State(name string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[name]; e != nil {
		return e.state()
	}
	return ""
}

// Selectors returns the selectors observed for name.
func (t *Tracker) Selectors(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[name]; e != nil {
		return append([]string(nil), e.selectors...)
	}
	return nil
}

// Tracked returns how many elements (placeholders included) are observed
// for name.
func (t *Tracker) Tracked(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[name]; e != nil {
		return len(e.tracked)
	}
	return 0
}

// Check re-evaluates visibility, typically after scroll or layout. It may be
// called from any goroutine.
func (t *Tracker) Check() { t.io.Check() }

// Unregister stops tracking name and removes its placeholders.
func (t *Tracker) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[name]; e != nil {
		t.cleanupLocked(e)
		delete(t.entries, name)
	}
}

// Destroy tears down every observer and placeholder and cancels exposure
// recordings still in flight.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	for name, e := range t.entries {
		t.cleanupLocked(e)
		delete(t.entries, name)
	}
	t.io.Disconnect()
	t.discovery.Disconnect()
	t.cancel()
}

// Wait blocks until every exposure recording started so far returned.
// Their cleanups are posted to the loop.
func (t *Tracker) Wait() { t.wg.Wait() }

// fireLocked moves e to triggered and records the exposure in the
// background. The flag is set before anything asynchronous happens, so a
// second visibility callback arriving while the first waits for context
// readiness is a no-op.
func (t *Tracker) fireLocked(e *entry, trigger event.Trigger) {
	if e.triggered || t.destroyed {
		return
	}
	e.triggered = true
	name, variant := e.name, e.variant

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.record(name)
		t.doc.Loop().Post(func() {
			ev := event.Event{Type: event.TypeExposure, Experiment: name, Variant: variant, Trigger: trigger}
			if err != nil {
				t.logger.Error("exposure: recording failed", "experiment", name, "error", err)
				ev.Error = err.Error()
			} else {
				t.logger.Info("exposure: recorded", "experiment", name, "variant", variant, "trigger", trigger)
			}
			t.send(ev)
			t.cleanup(name)
		})
	}()
}

func (t *Tracker) record(name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exposure: recorder panic: %v", r)
		}
	}()
	if err := t.rec.Ready(t.ctx); err != nil {
		return fmt.Errorf("exposure: context not ready: %w", err)
	}
	if err := t.rec.RecordExposure(t.ctx, name); err != nil {
		return fmt.Errorf("exposure: record %s: %w", name, err)
	}
	return nil
}

func (t *Tracker) cleanup(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[name]; e != nil {
		t.cleanupLocked(e)
	}
}

// cleanupLocked drops e's membership on every tracked element and removes
// its placeholders. Elements shared with other experiments stay observed.
func (t *Tracker) cleanupLocked(e *entry) {
	for n := range e.tracked {
		exps := t.members[n]
		delete(exps, e.name)
		if len(exps) == 0 {
			delete(t.members, n)
			t.io.Unobserve(n)
		}
	}
	e.tracked = make(map[*html.Node]struct{})
	for _, ph := range e.placeholders {
		t.doc.Remove(ph.Node)
	}
	e.placeholders = nil
	e.cleaned = true

	if !t.waitingLocked() {
		t.discovery.Disconnect()
	}
}

func (t *Tracker) waitingLocked() bool {
	for _, e := range t.entries {
		if e.viewport && !e.triggered && !e.cleaned {
			return true
		}
	}
	return false
}

func (t *Tracker) trackLocked(e *entry, n *html.Node) {
	if _, ok := e.tracked[n]; ok {
		return
	}
	e.tracked[n] = struct{}{}
	exps := t.members[n]
	if exps == nil {
		exps = make(map[string]struct{})
		t.members[n] = exps
	}
	exps[e.name] = struct{}{}
	if !t.io.Observing(n) {
		t.io.Observe(n)
	}
}

// onVisibility runs on the loop with intersection changes.
func (t *Tracker) onVisibility(entries []viewport.Entry, _ *viewport.Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, en := range entries {
		if !en.IsIntersecting {
			continue
		}
		for name := range t.members[en.Target] {
			if e := t.entries[name]; e != nil {
				t.fireLocked(e, event.TriggerViewport)
			}
		}
	}
}

// onMutations enrols elements that appear after registration and match a
// selector of an experiment still waiting for visibility.
func (t *Tracker) onMutations(records []dom.Record, _ *dom.MutationObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		var candidates []*html.Node
		switch rec.Op {
		case dom.OpInsert:
			if !dom.IsElement(rec.Node) || !t.doc.Contains(rec.Node) {
				continue
			}
			candidates = []*html.Node{rec.Node}
		case dom.OpAttr, dom.OpAttrDel:
			candidates = []*html.Node{rec.Target}
		default:
			continue
		}
		for _, e := range t.entries {
			if !e.viewport || e.triggered || e.cleaned {
				continue
			}
			for _, sel := range e.selectors {
				for _, n := range candidates {
					if ok, _ := t.doc.Matches(n, sel); ok {
						t.trackLocked(e, n)
					}
					if rec.Op != dom.OpInsert {
						continue
					}
					inner, err := t.doc.QueryAllIn(n, sel)
					if err != nil {
						continue
					}
					for _, m := range inner {
						t.trackLocked(e, m)
					}
				}
			}
		}
	}
}

func (t *Tracker) send(ev event.Event) {
	if t.emit != nil {
		t.emit(ev)
	}
}

// viewSelectors returns the selectors of view-gated, non-move changes of
// every variant, first occurrence order.
func viewSelectors(all [][]changes.Change) []string {
	var out []string
	for _, list := range all {
		for _, ch := range list {
			if !ch.Enabled || !ch.TriggerOnView || ch.Kind == changes.KindMove {
				continue
			}
			out = appendUnique(out, ch.Selector)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
