package mutate

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
)

type persistKey struct {
	experiment string
	selector   string
	kind       changes.Kind
}

// persistEntry watches the style or class attribute of changed elements and
// puts persistStyle changes back when something else rewrites it.
type persistEntry struct {
	obs     *dom.MutationObserver
	changes []changes.Change
}

func (e *Engine) persist(experiment string, ch changes.Change, els []*html.Node) {
	key := persistKey{experiment: experiment, selector: ch.Selector, kind: ch.Kind}
	p := e.persisted[key]
	if p == nil {
		p = &persistEntry{}
		p.obs = e.doc.NewMutationObserver(func(recs []dom.Record, _ *dom.MutationObserver) {
			e.reapply(experiment, p, recs)
		})
		e.persisted[key] = p
	}
	p.changes = append(p.changes, ch)

	attr := "style"
	if ch.Kind == changes.KindClass {
		attr = "class"
	}
	for _, n := range els {
		p.obs.Observe(n, dom.ObserveOptions{Attributes: true, AttributeFilter: []string{attr}})
	}
}

func (e *Engine) reapply(experiment string, p *persistEntry, recs []dom.Record) {
	seen := make(map[*html.Node]bool, len(recs))
	for _, r := range recs {
		n := r.Target
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, ch := range p.changes {
			if satisfied(ch, n) {
				continue
			}
			e.logger.Debug("mutate: reapplying persisted change",
				"experiment", experiment, "selector", ch.Selector, "kind", ch.Kind)
			if ch.Kind == changes.KindClass {
				e.doc.AddClasses(n, ch.Add...)
				e.doc.RemoveClasses(n, ch.Remove...)
				continue
			}
			e.applyStyle(ch, n)
		}
	}
}

// unpersist stops watchers matching the non-empty fields.
func (e *Engine) unpersist(experiment, selector string, kind changes.Kind) {
	for key, p := range e.persisted {
		if experiment != "" && key.experiment != experiment {
			continue
		}
		if selector != "" && key.selector != selector {
			continue
		}
		if kind != "" && key.kind != kind {
			continue
		}
		p.obs.Disconnect()
		delete(e.persisted, key)
	}
}

// satisfied reports whether n still shows the effect of ch.
func satisfied(ch changes.Change, n *html.Node) bool {
	if ch.Kind == changes.KindClass {
		for _, c := range ch.Add {
			if !dom.HasClass(n, c) {
				return false
			}
		}
		for _, c := range ch.Remove {
			if dom.HasClass(n, c) {
				return false
			}
		}
		return true
	}
	for _, p := range ch.Style {
		cur, ok := dom.StyleProperty(n, p.Name)
		if p.Value == nil {
			if ok {
				return false
			}
			continue
		}
		want, _ := splitImportant(*p.Value)
		if !ok || cur != want {
			return false
		}
	}
	return true
}
