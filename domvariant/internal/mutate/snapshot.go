package mutate

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
)

type snapKey struct {
	selector string
	kind     changes.Kind
}

// snapshot holds the original state of every element touched by one
// (selector, kind) pair.
type snapshot struct {
	elems map[*html.Node]*elemState
}

type attrState struct {
	val string
	had bool
}

// elemState is the pre-mutation state of one element. Which fields are set
// depends on the kind.
type elemState struct {
	children []*html.Node // text, html

	attr    string // style, class
	hadAttr bool

	attrs map[string]attrState // attribute
	names []string
	order []string

	parent *html.Node // move
	next   *html.Node
}

func (e *Engine) snapshotFor(key snapKey) *snapshot {
	s := e.snapshots[key]
	if s == nil {
		s = &snapshot{elems: make(map[*html.Node]*elemState)}
		e.snapshots[key] = s
	}
	return s
}

// capture records the state of n for key unless it is already held.
func (e *Engine) capture(key snapKey, n *html.Node) {
	snap := e.snapshotFor(key)
	if _, ok := snap.elems[n]; ok {
		return
	}
	st := &elemState{}
	switch key.kind {
	case changes.KindText, changes.KindHTML:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			st.children = append(st.children, c)
		}
	case changes.KindStyle:
		st.attr, st.hadAttr = dom.Attr(n, "style")
	case changes.KindClass:
		st.attr, st.hadAttr = dom.Attr(n, "class")
	case changes.KindMove:
		st.parent, st.next = n.Parent, n.NextSibling
	}
	snap.elems[n] = st
}

// captureAttributes records the attributes a change is about to touch.
// Names already held keep their first value. style and class are left to
// their own kinds when those manage the element.
func (e *Engine) captureAttributes(key snapKey, n *html.Node, props []changes.Property) {
	snap := e.snapshotFor(key)
	st := snap.elems[n]
	if st == nil {
		st = &elemState{attrs: make(map[string]attrState), order: dom.AttrKeys(n)}
		snap.elems[n] = st
	}
	for _, p := range props {
		if _, ok := st.attrs[p.Name]; ok {
			continue
		}
		if p.Name == "style" && e.managed(n, changes.KindStyle) {
			continue
		}
		if p.Name == "class" && e.managed(n, changes.KindClass) {
			continue
		}
		val, had := dom.Attr(n, p.Name)
		st.attrs[p.Name] = attrState{val: val, had: had}
		st.names = append(st.names, p.Name)
	}
}

// managed reports whether a live snapshot of kind covers n.
func (e *Engine) managed(n *html.Node, kind changes.Kind) bool {
	for key, snap := range e.snapshots {
		if key.kind != kind {
			continue
		}
		if _, ok := snap.elems[n]; ok {
			return true
		}
	}
	return false
}

func (s *elemState) restore(doc *dom.Document, n *html.Node, kind changes.Kind) {
	switch kind {
	case changes.KindText, changes.KindHTML:
		for n.FirstChild != nil {
			doc.Remove(n.FirstChild)
		}
		for _, c := range s.children {
			doc.AppendChild(n, c)
		}
	case changes.KindStyle:
		restoreAttr(doc, n, "style", s.attr, s.hadAttr)
	case changes.KindClass:
		restoreAttr(doc, n, "class", s.attr, s.hadAttr)
	case changes.KindAttribute:
		for _, name := range s.names {
			a := s.attrs[name]
			restoreAttr(doc, n, name, a.val, a.had)
		}
		dom.ReorderAttrs(n, s.order)
	case changes.KindMove:
		if s.parent != nil {
			doc.InsertBefore(s.parent, n, s.next)
		}
	}
}

func restoreAttr(doc *dom.Document, n *html.Node, name, val string, had bool) {
	if had {
		doc.SetAttr(n, name, val)
		return
	}
	doc.RemoveAttr(n, name)
}
