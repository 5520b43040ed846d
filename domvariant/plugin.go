// Package domvariant applies experiment variants to a live document and
// records exposures without biasing the variant split.
//
// A Plugin reads the declarative DOM changes attached to each variant from
// the experimentation Context, applies the assigned variant's changes to the
// document, and decides across every variant when the exposure is fair to
// record: immediately when any variant changes something unconditionally,
// otherwise the first time an element some variant touches (or a
// placeholder standing where some variant would move it) becomes visible.
//
// All document work runs on the document's dom.Loop. Callers drive the
// loop (Run or Drain); the plugin never mutates the document from another
// goroutine.
package domvariant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/config"
	"github.com/hazyhaar/abdom/domvariant/internal/exposure"
	"github.com/hazyhaar/abdom/domvariant/internal/ledger"
	"github.com/hazyhaar/abdom/domvariant/internal/mutate"
	"github.com/hazyhaar/abdom/domvariant/internal/sink"
	"github.com/hazyhaar/abdom/idgen"
	"github.com/hazyhaar/abdom/viewport"
)

// Re-exported engine errors.
var (
	ErrNoMatch         = mutate.ErrNoMatch
	ErrPending         = mutate.ErrPending
	ErrInvalidSelector = mutate.ErrInvalidSelector
)

// AppliedChange is a change in effect.
type AppliedChange = ledger.Applied

// PendingChange is a change waiting for its element.
type PendingChange = ledger.Pending

// Placeholder stands where another variant would move an element.
type Placeholder = exposure.Placeholder

// ExposureState is the tracking lifecycle of one experiment.
type ExposureState = exposure.State

const eventBuffer = 1024

// Plugin owns every piece of per-document state: the change ledger, the
// mutation engine, the exposure tracker and the event pipeline. Create one
// per document and tear it down with Destroy.
type Plugin struct {
	doc     *dom.Document
	src     Context
	cfg     *Config
	logger  *slog.Logger
	pageURL string
	session string

	extractor *changes.Extractor
	ledger    *ledger.Ledger
	engine    *mutate.Engine
	tracker   *exposure.Tracker

	newID   idgen.Generator
	onEvent event.Func
	router  *sink.Router
	events  chan event.Event
	done    chan struct{}

	mu        sync.Mutex
	destroyed bool
	closed    atomic.Bool
}

// Option configures a Plugin.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	geometry    viewport.Geometry
	sinks       []sink.Sink
	onEvent     event.Func
	pageURL     string
	session     string
	ctx         context.Context
	eventIDs    idgen.Generator
	elementIDs  idgen.Generator
	placeholder idgen.Generator
	scripts     mutate.ScriptRunner
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithGeometry sets how element visibility is measured. Default: a
// viewport.Static where nothing is visible until shown.
func WithGeometry(g viewport.Geometry) Option {
	return func(o *options) { o.geometry = g }
}

// WithSinks adds event outputs. They are closed by Destroy.
func WithSinks(sinks ...Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithEventHandler receives every event synchronously on the loop, before
// the sinks. It must not block.
func WithEventHandler(fn event.Func) Option {
	return func(o *options) { o.onEvent = fn }
}

// WithPageURL overrides Config.PageURL for URL filters.
func WithPageURL(u string) Option {
	return func(o *options) { o.pageURL = u }
}

// WithSession names the event log session. Default: a fresh UUIDv7.
func WithSession(id string) Option {
	return func(o *options) { o.session = id }
}

// WithContext sets the parent context of exposure recording. Destroy
// cancels recordings still in flight.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithDeterministicIDs numbers events, created elements and placeholders
// sequentially, so identical input produces identical output.
func WithDeterministicIDs() Option {
	return func(o *options) {
		o.eventIDs = idgen.Prefixed("evt_", idgen.Sequence())
		o.elementIDs = idgen.Prefixed("abdom-create-", idgen.Sequence())
		o.placeholder = idgen.Prefixed("abdom-ph-", idgen.Sequence())
	}
}

// WithEventIDs sets the event id generator. Default: idgen.Default.
func WithEventIDs(gen idgen.Generator) Option {
	return func(o *options) { o.eventIDs = gen }
}

// WithScriptRunner replaces the goja runner of javascript changes.
func WithScriptRunner(r mutate.ScriptRunner) Option {
	return func(o *options) { o.scripts = r }
}

// New creates a Plugin for doc. A nil cfg uses DefaultConfig.
func New(doc *dom.Document, src Context, cfg *Config, opts ...Option) *Plugin {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{ctx: context.Background()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.geometry == nil {
		o.geometry = viewport.NewStatic()
	}
	if o.eventIDs == nil {
		o.eventIDs = idgen.Default
	}
	if o.session == "" {
		o.session = idgen.Prefixed("ses_", idgen.UUIDv7())()
	}
	if o.pageURL == "" {
		o.pageURL = cfg.PageURL
	}
	if o.scripts == nil {
		timeout := cfg.ScriptTimeout
		if timeout <= 0 {
			timeout = mutate.DefaultScriptTimeout
		}
		o.scripts = mutate.NewGojaRunner(timeout, o.logger)
	}

	p := &Plugin{
		doc:     doc,
		src:     src,
		cfg:     cfg,
		logger:  o.logger,
		pageURL: o.pageURL,
		session: o.session,
		newID:   o.eventIDs,
		onEvent: o.onEvent,
		router:  sink.NewRouter(o.logger, o.sinks...),
		events:  make(chan event.Event, eventBuffer),
		done:    make(chan struct{}),
	}

	p.extractor = changes.NewExtractor(src,
		changes.WithVariableName(cfg.VariableName),
		changes.WithLogger(o.logger))
	p.ledger = ledger.New(doc)

	engineOpts := []mutate.Option{
		mutate.WithLogger(o.logger),
		mutate.WithEmitter(p.emit),
		mutate.WithScriptRunner(o.scripts),
		mutate.WithIDGenerator(o.elementIDs),
	}
	if cfg.Sanitize {
		engineOpts = append(engineOpts, mutate.WithSanitizer(mutate.NewSanitizer()))
	}
	p.engine = mutate.New(doc, p.ledger, engineOpts...)

	trackerOpts := []exposure.Option{
		exposure.WithLogger(o.logger),
		exposure.WithEmitter(p.emit),
		exposure.WithContext(o.ctx),
		exposure.WithIDGenerator(o.placeholder),
	}
	if cfg.Threshold > 0 {
		trackerOpts = append(trackerOpts, exposure.WithThreshold(cfg.Threshold))
	}
	p.tracker = exposure.New(doc, o.geometry, src, trackerOpts...)

	go p.dispatch()
	return p
}

// Session returns the event log session id.
func (p *Plugin) Session() string { return p.session }

// Document returns the document the plugin works on.
func (p *Plugin) Document() *dom.Document { return p.doc }

// Start waits for the context to be ready, then applies every assigned
// experiment's changes. Call it from the loop goroutine.
func (p *Plugin) Start(ctx context.Context) error {
	if err := p.src.Ready(ctx); err != nil {
		return fmt.Errorf("domvariant: context not ready: %w", err)
	}
	return p.ApplyChanges(ctx)
}

// ApplyChanges applies the assigned variant of every experiment carrying
// changes and registers each with the exposure tracker. Experiments are
// processed in name order. An experiment whose variants all carry a URL
// filter rejecting the page is skipped; a single variant whose filter
// rejects the page contributes no changes, to the DOM or to the tracker.
func (p *Plugin) ApplyChanges(ctx context.Context) error {
	matrix := p.extractor.ExtractAll()
	for _, name := range slices.Sorted(maps.Keys(matrix)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.applyExperiment(name, matrix[name])
	}
	return nil
}

func (p *Plugin) applyExperiment(name string, variants []changes.VariantChanges) {
	variant, ok := p.src.Variant(name)
	if !ok {
		p.logger.Debug("domvariant: no assignment", "experiment", name)
		return
	}

	all, accepted := p.filterByURL(name, variants)
	if !accepted {
		p.logger.Debug("domvariant: url filters exclude page", "experiment", name, "url", p.pageURL)
		return
	}
	var current []changes.Change
	if variant >= 0 && variant < len(all) {
		current = all[variant]
	}

	applied := 0
	for _, ch := range current {
		_, err := p.engine.Apply(ch, name)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, mutate.ErrPending):
		default:
			p.logger.Debug("domvariant: change not applied",
				"experiment", name, "selector", ch.Selector, "kind", ch.Kind, "error", err)
		}
	}
	p.tracker.Register(name, variant, current, all)
	p.logger.Info("domvariant: experiment applied",
		"experiment", name, "variant", variant, "changes", len(current), "applied", applied)
}

// filterByURL returns the per-variant change lists with rejected variants
// emptied, and whether any variant accepts the page.
func (p *Plugin) filterByURL(name string, variants []changes.VariantChanges) ([][]changes.Change, bool) {
	all := make([][]changes.Change, len(variants))
	filtered := false
	accepted := false
	for i, v := range variants {
		if v.URLFilter == nil {
			all[i] = v.Changes
			accepted = true
			continue
		}
		filtered = true
		if p.pageURL == "" || v.URLFilter.Matches(p.pageURL) {
			all[i] = v.Changes
			accepted = true
			continue
		}
		p.logger.Debug("domvariant: url filter rejects variant", "experiment", name, "variant", i, "url", p.pageURL)
	}
	return all, accepted || !filtered
}

// RemoveChanges reverts experiment's changes and stops tracking its
// exposure. An empty name removes every experiment.
func (p *Plugin) RemoveChanges(experiment string) int {
	names := []string{experiment}
	if experiment == "" {
		names = p.ledger.Experiments()
		for name := range p.extractor.ExtractAll() {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	n := 0
	for _, name := range names {
		n += p.engine.Revert(name)
		p.tracker.Unregister(name)
	}
	return n
}

// RefreshChanges re-reads the context data, reverts everything applied and
// applies again. Exposures already triggered stay triggered.
func (p *Plugin) RefreshChanges(ctx context.Context) error {
	p.extractor.ClearCache()
	for _, name := range p.ledger.Experiments() {
		p.engine.Revert(name)
	}
	return p.ApplyChanges(ctx)
}

// ExtractAllChanges returns the per-variant changes of every experiment.
func (p *Plugin) ExtractAllChanges() changes.Matrix { return p.extractor.ExtractAll() }

// ClearCache drops the extracted changes; the next call re-parses.
func (p *Plugin) ClearCache() { p.extractor.ClearCache() }

// ChangesFor returns the assigned variant's changes of experiment.
func (p *Plugin) ChangesFor(experiment string) []changes.Change {
	return p.extractor.ChangesFor(experiment)
}

// Apply applies one change on behalf of experiment.
func (p *Plugin) Apply(ch changes.Change, experiment string) ([]*html.Node, error) {
	return p.engine.Apply(ch, experiment)
}

// RevertAll reverts every change of experiment and returns how many
// records were undone.
func (p *Plugin) RevertAll(experiment string) int {
	return p.engine.Revert(experiment)
}

// AppliedChanges returns the changes of experiment currently in effect.
func (p *Plugin) AppliedChanges(experiment string) []AppliedChange {
	return p.ledger.Applied(experiment)
}

// PendingChanges returns the changes of experiment waiting for elements.
func (p *Plugin) PendingChanges(experiment string) []PendingChange {
	return p.ledger.PendingFor(experiment)
}

// HasChanges reports whether experiment has changes in effect.
func (p *Plugin) HasChanges(experiment string) bool {
	return p.ledger.HasChanges(experiment)
}

// RegisterExperiment registers an experiment with the exposure tracker
// directly, bypassing the context data.
func (p *Plugin) RegisterExperiment(name string, variant int, current []changes.Change, all [][]changes.Change) {
	p.tracker.Register(name, variant, current, all)
}

// IsTriggered reports whether experiment's exposure has fired.
func (p *Plugin) IsTriggered(experiment string) bool { return p.tracker.IsTriggered(experiment) }

// NeedsViewportTracking reports whether experiment still waits for a
// visible element.
func (p *Plugin) NeedsViewportTracking(experiment string) bool {
	return p.tracker.NeedsViewportTracking(experiment)
}

// ExposureState returns experiment's tracking state.
func (p *Plugin) ExposureState(experiment string) ExposureState {
	return p.tracker.State(experiment)
}

// Placeholders returns the placeholders of experiment.
func (p *Plugin) Placeholders(experiment string) []Placeholder {
	return p.tracker.Placeholders(experiment)
}

// ObservedSelectors returns the selectors watched for experiment.
func (p *Plugin) ObservedSelectors(experiment string) []string {
	return p.tracker.Selectors(experiment)
}

// CheckVisibility re-evaluates element visibility, typically after scroll
// or layout. It is safe to call from any goroutine; the evaluation runs on
// the document loop.
func (p *Plugin) CheckVisibility() { p.tracker.Check() }

// Wait blocks until every exposure recording started so far returned.
// Their events and cleanups are then queued on the loop.
func (p *Plugin) Wait() { p.tracker.Wait() }

// Destroy reverts every change, removes placeholders and observers, clears
// the ledger and closes the sinks once queued events are delivered.
func (p *Plugin) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	p.tracker.Destroy()
	p.engine.Reset()
	p.tracker.Wait()
	p.closed.Store(true)
	close(p.events)
	<-p.done
	if err := p.router.Close(); err != nil {
		p.logger.Warn("domvariant: closing sinks", "error", err)
	}
}

// emit stamps and forwards an event. Engine events carry no variant, so it
// is looked up from the context.
func (p *Plugin) emit(ev event.Event) {
	if p.closed.Load() {
		return
	}
	ev.ID = p.newID()
	ev.Timestamp = time.Now().UnixMilli()
	switch ev.Type {
	case event.TypeExposure, event.TypePlaceholder:
	default:
		if v, ok := p.src.Variant(ev.Experiment); ok {
			ev.Variant = v
		} else {
			ev.Variant = -1
		}
	}

	if p.onEvent != nil {
		p.onEvent(ev)
	}
	if p.router.Len() == 0 {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("domvariant: event buffer full, dropping", "event", ev.ID, "type", ev.Type)
	}
}

func (p *Plugin) dispatch() {
	defer close(p.done)
	for ev := range p.events {
		p.router.Send(context.Background(), ev)
	}
}
