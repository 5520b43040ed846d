package mutate

import (
	"errors"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
)

type pendingItem struct {
	experiment string
	change     changes.Change
}

// watcher retries pending changes whenever the subtree of its root changes.
// One watcher exists per observer root.
type watcher struct {
	root  *html.Node
	obs   *dom.MutationObserver
	items []pendingItem
}

func (e *Engine) watch(experiment string, ch changes.Change) {
	root := e.observerRoot(ch)
	w := e.watchers[root]
	if w == nil {
		w = &watcher{root: root}
		w.obs = e.doc.NewMutationObserver(func(recs []dom.Record, _ *dom.MutationObserver) {
			if canMatch(recs) {
				e.retry(w)
			}
		})
		w.obs.Observe(root, dom.ObserveOptions{ChildList: true, Attributes: true, Subtree: true})
		e.watchers[root] = w
	}
	for _, it := range w.items {
		if it.experiment == experiment && samePending(it.change, ch) {
			return
		}
	}
	w.items = append(w.items, pendingItem{experiment: experiment, change: ch})
}

func (e *Engine) observerRoot(ch changes.Change) *html.Node {
	if ch.ObserverRoot != "" {
		n, err := e.doc.Query(ch.ObserverRoot)
		if err == nil && n != nil {
			return n
		}
		e.logger.Debug("mutate: observer root not found, watching body",
			"selector", ch.Selector, "observer_root", ch.ObserverRoot, "error", err)
	}
	if body := e.doc.Body(); body != nil {
		return body
	}
	return e.doc.Root()
}

// retry runs on the loop after the watched subtree changed.
func (e *Engine) retry(w *watcher) {
	items := w.items
	w.items = nil
	for _, it := range items {
		if e.ledger.IncrementPendingRetry(it.experiment, it.change) == 0 {
			// Reverted since it was queued.
			continue
		}
		if !e.available(it.change) {
			w.items = append(w.items, it)
			continue
		}
		e.ledger.RemovePending(it.experiment, it.change)
		els, err := e.Apply(it.change, it.experiment)
		if err != nil && !errors.Is(err, ErrPending) {
			e.logger.Warn("mutate: pending change failed",
				"experiment", it.experiment, "selector", it.change.Selector, "error", err)
			continue
		}
		e.logger.Debug("mutate: pending change applied",
			"experiment", it.experiment, "selector", it.change.Selector, "elements", len(els))
	}
	if len(w.items) == 0 && e.watchers[w.root] == w {
		w.obs.Disconnect()
		delete(e.watchers, w.root)
	}
}

// canMatch reports whether a batch may have made a selector match: an
// element was inserted or an attribute changed. Text edits and removals
// cannot add a match.
func canMatch(recs []dom.Record) bool {
	for _, r := range recs {
		switch r.Op {
		case dom.OpInsert:
			if r.Node != nil && r.Node.Type == html.ElementNode {
				return true
			}
		case dom.OpAttr, dom.OpAttrDel:
			return true
		}
	}
	return false
}

// available reports whether every element ch needs exists.
func (e *Engine) available(ch changes.Change) bool {
	if ch.Kind == changes.KindMove || ch.Kind == changes.KindCreate {
		if n, err := e.doc.Query(ch.TargetSelector); err != nil || n == nil {
			return false
		}
		if ch.Kind == changes.KindCreate {
			return true
		}
	}
	n, err := e.doc.Query(ch.Selector)
	return err == nil && n != nil
}

func (e *Engine) unwatch(experiment string) {
	for root, w := range e.watchers {
		kept := w.items[:0]
		for _, it := range w.items {
			if it.experiment != experiment {
				kept = append(kept, it)
			}
		}
		w.items = kept
		if len(w.items) == 0 {
			w.obs.Disconnect()
			delete(e.watchers, root)
		}
	}
}

// Watching returns the number of pending changes waiting for elements.
func (e *Engine) Watching() int {
	n := 0
	for _, w := range e.watchers {
		n += len(w.items)
	}
	return n
}

func samePending(a, b changes.Change) bool {
	return a.Selector == b.Selector && a.Kind == b.Kind && a.Value == b.Value &&
		a.TargetSelector == b.TargetSelector && a.Element == b.Element
}
