// Package mutate applies declarative changes to a dom.Document and reverts
// them. Original state is captured once per (selector, kind) and element,
// and kept until no applied change references the pair anymore.
//
// An Engine is not safe for concurrent use: like the Document it drives,
// it must only be used from the goroutine draining the document's Loop.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/ledger"
	"github.com/hazyhaar/abdom/idgen"
)

var (
	// ErrNoMatch is returned when the selector (or the move/create target)
	// matches nothing and the change does not wait for its element.
	ErrNoMatch = errors.New("mutate: no matching element")
	// ErrPending is returned when the change was deferred until its element
	// appears. It is not a failure.
	ErrPending = errors.New("mutate: waiting for element")
	// ErrInvalidSelector wraps selector compilation failures.
	ErrInvalidSelector = dom.ErrInvalidSelector
)

// Sanitizer cleans markup before it is inserted. *bluemonday.Policy
// satisfies it.
type Sanitizer interface {
	Sanitize(s string) string
}

// Engine applies and reverts changes.
type Engine struct {
	doc     *dom.Document
	ledger  *ledger.Ledger
	logger  *slog.Logger
	scripts ScriptRunner
	clean   Sanitizer
	newID   idgen.Generator
	emit    event.Func

	snapshots map[snapKey]*snapshot
	created   map[*html.Node]string
	sheet     *stylesheet
	watchers  map[*html.Node]*watcher
	persisted map[persistKey]*persistEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithScriptRunner sets the runner for javascript changes. Default: a goja
// runner with DefaultScriptTimeout.
func WithScriptRunner(r ScriptRunner) Option {
	return func(e *Engine) {
		if r != nil {
			e.scripts = r
		}
	}
}

// WithSanitizer cleans html and create markup before insertion.
func WithSanitizer(s Sanitizer) Option {
	return func(e *Engine) { e.clean = s }
}

// WithIDGenerator sets the generator for created element ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithEmitter receives applied, pending, failed and reverted events,
// including those produced asynchronously by the pending watcher.
func WithEmitter(fn event.Func) Option {
	return func(e *Engine) { e.emit = fn }
}

// New creates an Engine working on doc and recording into l.
func New(doc *dom.Document, l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		doc:       doc,
		ledger:    l,
		logger:    slog.Default(),
		newID:     idgen.Prefixed("abdom-create-", idgen.NanoID(12)),
		snapshots: make(map[snapKey]*snapshot),
		created:   make(map[*html.Node]string),
		watchers:  make(map[*html.Node]*watcher),
		persisted: make(map[persistKey]*persistEntry),
	}
	for _, o := range opts {
		o(e)
	}
	if e.scripts == nil {
		e.scripts = NewGojaRunner(DefaultScriptTimeout, e.logger)
	}
	e.sheet = newStylesheet(doc)
	return e
}

// Apply applies ch to every element matching its selector and records the
// result in the ledger. Disabled changes are skipped and return nil, nil.
// Per-element failures are logged and reported as failed events; the
// returned error is set only when no element could be changed.
func (e *Engine) Apply(ch changes.Change, experiment string) ([]*html.Node, error) {
	if !ch.Enabled {
		e.logger.Debug("mutate: change disabled", "experiment", experiment, "selector", ch.Selector, "kind", ch.Kind)
		return nil, nil
	}

	switch ch.Kind {
	case changes.KindStyleRules:
		e.sheet.set(ch.Selector, ch.Rules)
		e.ledger.RecordApplied(experiment, ch, nil)
		e.notify(event.TypeApplied, experiment, ch, 0, nil)
		return nil, nil
	case changes.KindCreate:
		return e.applyCreate(ch, experiment)
	}

	els, err := e.doc.QueryAll(ch.Selector)
	if err != nil {
		e.fail(experiment, ch, err)
		return nil, fmt.Errorf("mutate: apply: %w", err)
	}
	var target *html.Node
	if ch.Kind == changes.KindMove {
		target, err = e.doc.Query(ch.TargetSelector)
		if err != nil {
			e.fail(experiment, ch, err)
			return nil, fmt.Errorf("mutate: apply: %w", err)
		}
		if target == nil {
			els = nil
		}
	}
	if len(els) == 0 {
		return nil, e.missing(ch, experiment)
	}

	if ch.Kind == changes.KindMove {
		pos := ch.EffectivePosition()
		if pos == changes.PositionFirstChild || pos == changes.PositionAfter {
			// Each element lands right at the anchor, so walk backwards to
			// keep document order.
			rev := make([]*html.Node, len(els))
			for i, n := range els {
				rev[len(els)-1-i] = n
			}
			els = rev
		}
	}

	var (
		applied  []*html.Node
		firstErr error
	)
	for _, n := range els {
		if err := e.applyTo(ch, n, target); err != nil {
			e.logger.Warn("mutate: change failed on element",
				"experiment", experiment, "selector", ch.Selector, "kind", ch.Kind,
				"xpath", dom.XPath(n), "error", err)
			e.failOn(experiment, ch, n, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied = append(applied, n)
	}
	if len(applied) == 0 {
		return nil, fmt.Errorf("mutate: apply %s %q: %w", ch.Kind, ch.Selector, firstErr)
	}

	e.ledger.RecordApplied(experiment, ch, applied)
	if ch.PersistStyle && (ch.Kind == changes.KindStyle || ch.Kind == changes.KindClass) {
		e.persist(experiment, ch, applied)
	}
	e.notify(event.TypeApplied, experiment, ch, len(applied), nil)
	return applied, nil
}

// missing handles a change whose elements do not exist yet.
func (e *Engine) missing(ch changes.Change, experiment string) error {
	if !ch.WaitForElement {
		e.logger.Debug("mutate: no element matched", "experiment", experiment, "selector", ch.Selector, "kind", ch.Kind)
		return ErrNoMatch
	}
	e.ledger.RecordPending(experiment, ch)
	e.watch(experiment, ch)
	e.notify(event.TypePending, experiment, ch, 0, nil)
	return ErrPending
}

func (e *Engine) applyTo(ch changes.Change, n, target *html.Node) error {
	key := snapKey{selector: ch.Selector, kind: ch.Kind}

	switch ch.Kind {
	case changes.KindText:
		e.capture(key, n)
		e.doc.SetText(n, ch.Value)

	case changes.KindHTML:
		e.capture(key, n)
		return e.doc.SetInnerHTML(n, e.sanitize(ch.Value))

	case changes.KindStyle:
		e.capture(key, n)
		e.applyStyle(ch, n)

	case changes.KindClass:
		e.capture(key, n)
		e.doc.AddClasses(n, ch.Add...)
		e.doc.RemoveClasses(n, ch.Remove...)

	case changes.KindAttribute:
		e.captureAttributes(key, n, ch.Attributes)
		for _, p := range ch.Attributes {
			if p.Value == nil {
				e.doc.RemoveAttr(n, p.Name)
				continue
			}
			e.doc.SetAttr(n, p.Name, *p.Value)
		}

	case changes.KindJavaScript:
		return e.scripts.Run(context.Background(), e.doc, n, ch.Value)

	case changes.KindMove:
		if target == n || target == nil {
			return fmt.Errorf("mutate: move %q: invalid target", ch.Selector)
		}
		e.capture(key, n)
		insertAt(e.doc, target, ch.EffectivePosition(), n)

	case changes.KindDelete:
		e.doc.Remove(n)

	default:
		return fmt.Errorf("mutate: unsupported kind %q", ch.Kind)
	}
	return nil
}

func (e *Engine) applyStyle(ch changes.Change, n *html.Node) {
	for _, p := range ch.Style {
		if p.Value == nil {
			e.doc.SetStyleProperty(n, p.Name, "", false)
			continue
		}
		val, important := splitImportant(*p.Value)
		e.doc.SetStyleProperty(n, p.Name, val, important)
	}
}

func (e *Engine) applyCreate(ch changes.Change, experiment string) ([]*html.Node, error) {
	target, err := e.doc.Query(ch.TargetSelector)
	if err != nil {
		e.fail(experiment, ch, err)
		return nil, fmt.Errorf("mutate: create: %w", err)
	}
	if target == nil {
		return nil, e.missing(ch, experiment)
	}

	pos := ch.EffectivePosition()
	parent := target
	if pos == changes.PositionBefore || pos == changes.PositionAfter {
		parent = target.Parent
	}
	nodes, err := e.doc.ParseFragment(e.sanitize(ch.Element), parent)
	if err != nil {
		e.fail(experiment, ch, err)
		return nil, fmt.Errorf("mutate: create: %w", err)
	}

	var created []*html.Node
	for _, n := range nodes {
		if n.Type == html.TextNode && strings.TrimSpace(n.Data) == "" {
			continue
		}
		created = append(created, n)
	}
	if len(created) == 0 {
		err := fmt.Errorf("mutate: create %q: empty markup", ch.Selector)
		e.fail(experiment, ch, err)
		return nil, err
	}

	insertAll(e.doc, target, pos, created)
	for _, n := range created {
		id := e.newID()
		e.created[n] = id
		e.ledger.RecordCreatedElement(id, n)
	}
	e.ledger.RecordApplied(experiment, ch, created)
	e.notify(event.TypeApplied, experiment, ch, len(created), nil)
	return created, nil
}

// Revert undoes every applied change of experiment, newest first, and drops
// its pending changes. It returns the number of records reverted. Delete and
// javascript changes are not revertible and are only forgotten.
func (e *Engine) Revert(experiment string) int {
	e.unwatch(experiment)
	e.ledger.RemoveAllPending(experiment)
	e.unpersist(experiment, "", "")

	records := e.ledger.RemoveApplied(experiment)
	e.revertRecords(experiment, records)
	return len(records)
}

// RevertChange undoes the records of one (selector, kind) pair of experiment,
// typically because a newer change supersedes it.
func (e *Engine) RevertChange(experiment, selector string, kind changes.Kind) int {
	e.unpersist(experiment, selector, kind)
	records := e.ledger.RemoveAppliedChange(experiment, selector, kind)
	e.revertRecords(experiment, records)
	return len(records)
}

func (e *Engine) revertRecords(experiment string, records []ledger.Applied) {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		e.restore(rec)
		e.notify(event.TypeReverted, experiment, rec.Change, len(rec.Elements), nil)
	}
	done := make(map[snapKey]bool)
	for _, rec := range records {
		key := snapKey{selector: rec.Change.Selector, kind: rec.Change.Kind}
		if done[key] {
			continue
		}
		done[key] = true
		if survivors := e.ledger.AppliedTo(key.selector, key.kind); len(survivors) > 0 {
			e.reapplyShared(survivors)
			continue
		}
		delete(e.snapshots, key)
		if key.kind == changes.KindStyleRules {
			e.sheet.remove(key.selector)
		}
	}
}

// reapplyShared puts back changes of other experiments sharing a (selector, kind)
// pair with a reverted record, oldest first, so the document matches the
// ledger again. Snapshots are already held and are not recaptured.
func (e *Engine) reapplyShared(records []ledger.Applied) {
	for _, rec := range records {
		ch := rec.Change
		var target *html.Node
		switch ch.Kind {
		case changes.KindStyleRules:
			e.sheet.set(ch.Selector, ch.Rules)
			continue
		case changes.KindMove:
			target, _ = e.doc.Query(ch.TargetSelector)
			if target == nil {
				continue
			}
		case changes.KindText, changes.KindHTML, changes.KindStyle, changes.KindClass, changes.KindAttribute:
		default:
			continue
		}
		for _, n := range rec.Elements {
			if err := e.applyTo(ch, n, target); err != nil {
				e.logger.Warn("mutate: reapply failed",
					"experiment", rec.Experiment, "selector", ch.Selector, "kind", ch.Kind, "error", err)
			}
		}
	}
}

func (e *Engine) restore(rec ledger.Applied) {
	ch := rec.Change
	switch ch.Kind {
	case changes.KindCreate:
		for _, n := range rec.Elements {
			if id, ok := e.created[n]; ok {
				delete(e.created, n)
				e.ledger.RemoveCreatedElement(id)
			}
		}
	case changes.KindStyleRules:
		// Handled once the selector is no longer referenced.
	case changes.KindDelete, changes.KindJavaScript:
		e.logger.Debug("mutate: change not revertible", "selector", ch.Selector, "kind", ch.Kind)
	default:
		snap := e.snapshots[snapKey{selector: ch.Selector, kind: ch.Kind}]
		if snap == nil {
			return
		}
		// Reverse application order: a moved element's recorded next
		// sibling is back in place before the element itself returns.
		for i := len(rec.Elements) - 1; i >= 0; i-- {
			n := rec.Elements[i]
			if s, ok := snap.elems[n]; ok {
				s.restore(e.doc, n, ch.Kind)
			}
		}
	}
}

// Reset reverts everything, stops every watcher and removes the rules
// stylesheet. The ledger is cleared.
func (e *Engine) Reset() {
	for _, name := range e.ledger.Experiments() {
		e.Revert(name)
	}
	for root, w := range e.watchers {
		w.obs.Disconnect()
		delete(e.watchers, root)
	}
	e.unpersist("", "", "")
	e.sheet.clear()
	e.ledger.Clear()
	e.created = make(map[*html.Node]string)
	e.snapshots = make(map[snapKey]*snapshot)
}

func (e *Engine) sanitize(markup string) string {
	if e.clean == nil {
		return markup
	}
	return e.clean.Sanitize(markup)
}

func (e *Engine) fail(experiment string, ch changes.Change, err error) {
	e.logger.Warn("mutate: change failed",
		"experiment", experiment, "selector", ch.Selector, "kind", ch.Kind, "error", err)
	e.notify(event.TypeFailed, experiment, ch, 0, err)
}

func (e *Engine) failOn(experiment string, ch changes.Change, n *html.Node, err error) {
	if e.emit == nil {
		return
	}
	e.emit(event.Event{
		Type:       event.TypeFailed,
		Experiment: experiment,
		Selector:   ch.Selector,
		Kind:       string(ch.Kind),
		XPath:      dom.XPath(n),
		Error:      err.Error(),
	})
}

func (e *Engine) notify(typ event.Type, experiment string, ch changes.Change, elements int, err error) {
	if e.emit == nil {
		return
	}
	ev := event.Event{
		Type:       typ,
		Experiment: experiment,
		Selector:   ch.Selector,
		Kind:       string(ch.Kind),
		Elements:   elements,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.emit(ev)
}

// insertAt places n relative to target.
func insertAt(doc *dom.Document, target *html.Node, pos changes.Position, n *html.Node) {
	switch pos {
	case changes.PositionBefore:
		doc.InsertBefore(target.Parent, n, target)
	case changes.PositionAfter:
		doc.InsertBefore(target.Parent, n, target.NextSibling)
	case changes.PositionFirstChild:
		doc.InsertBefore(target, n, target.FirstChild)
	default:
		doc.AppendChild(target, n)
	}
}

// insertAll places nodes relative to target, keeping their order.
func insertAll(doc *dom.Document, target *html.Node, pos changes.Position, nodes []*html.Node) {
	var parent, ref *html.Node
	switch pos {
	case changes.PositionBefore:
		parent, ref = target.Parent, target
	case changes.PositionAfter:
		parent, ref = target.Parent, target.NextSibling
	case changes.PositionFirstChild:
		parent, ref = target, target.FirstChild
	default:
		parent = target
	}
	for _, n := range nodes {
		doc.InsertBefore(parent, n, ref)
	}
}

func splitImportant(v string) (string, bool) {
	v = strings.TrimSpace(v)
	lower := strings.ToLower(v)
	if strings.HasSuffix(lower, "!important") {
		return strings.TrimSpace(v[:len(v)-len("!important")]), true
	}
	return v, false
}
