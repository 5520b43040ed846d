package exposure

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/domvariant/changes"
)

// Placeholder attributes.
const (
	AttrPlaceholder = "data-abdom-placeholder"
	AttrExperiment  = "data-abdom-experiment"
	AttrSelector    = "data-abdom-selector"

	placeholderStyle = "display: block; width: 1px; height: 1px; margin: 0; padding: 0; visibility: hidden; pointer-events: none;"
)

// Placeholder is an invisible element standing where Selector would be
// moved by another variant.
type Placeholder struct {
	ID         string
	Experiment string
	Selector   string
	Target     string
	Position   changes.Position
	Variant    int
	Node       *html.Node
}

type moveRef struct {
	variant  int
	target   string
	position changes.Position
}

type moveGroup struct {
	selector string
	moves    []moveRef
}

// moveGroups collects view-gated move changes of every variant, grouped by
// moved selector.
func moveGroups(all [][]changes.Change) []*moveGroup {
	var groups []*moveGroup
	index := make(map[string]*moveGroup)
	for v, list := range all {
		for _, ch := range list {
			if !ch.Enabled || !ch.TriggerOnView || ch.Kind != changes.KindMove {
				continue
			}
			g := index[ch.Selector]
			if g == nil {
				g = &moveGroup{selector: ch.Selector}
				index[ch.Selector] = g
				groups = append(groups, g)
			}
			g.moves = append(g.moves, moveRef{variant: v, target: ch.TargetSelector, position: ch.EffectivePosition()})
		}
	}
	return groups
}

// placeholderMoves returns the positions needing a placeholder for a user
// assigned to current. When current moves the selector itself the real
// element already sits at its own target, so only the other variants'
// positions are synthesised. Positions are deduplicated and moves without a
// target are skipped.
func (g *moveGroup) placeholderMoves(current int) []moveRef {
	type pos struct {
		target   string
		position changes.Position
	}
	seen := make(map[pos]bool)
	for _, m := range g.moves {
		if m.variant == current {
			seen[pos{m.target, m.position}] = true
		}
	}
	var out []moveRef
	for _, m := range g.moves {
		if m.variant == current || m.target == "" {
			continue
		}
		k := pos{m.target, m.position}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}

func (t *Tracker) insertPlaceholder(e *entry, selector string, m moveRef) *Placeholder {
	target, err := t.doc.Query(m.target)
	if err != nil || target == nil {
		t.logger.Debug("exposure: placeholder target missing",
			"experiment", e.name, "selector", selector, "target", m.target, "error", err)
		return nil
	}
	if (m.position == changes.PositionBefore || m.position == changes.PositionAfter) && target.Parent == nil {
		return nil
	}

	ph := &Placeholder{
		ID:         t.newID(),
		Experiment: e.name,
		Selector:   selector,
		Target:     m.target,
		Position:   m.position,
		Variant:    m.variant,
	}
	n := t.doc.CreateElement("div")
	t.doc.SetAttr(n, AttrPlaceholder, ph.ID)
	t.doc.SetAttr(n, AttrExperiment, e.name)
	t.doc.SetAttr(n, AttrSelector, selector)
	t.doc.SetAttr(n, "aria-hidden", "true")
	t.doc.SetAttr(n, "style", placeholderStyle)
	ph.Node = n

	switch m.position {
	case changes.PositionBefore:
		t.doc.InsertBefore(target.Parent, n, target)
	case changes.PositionAfter:
		t.doc.InsertBefore(target.Parent, n, target.NextSibling)
	case changes.PositionFirstChild:
		t.doc.InsertBefore(target, n, target.FirstChild)
	default:
		t.doc.AppendChild(target, n)
	}

	return ph
}

// Placeholders returns the live placeholders of name.
func (t *Tracker) Placeholders(name string) []Placeholder {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[name]
	if e == nil {
		return nil
	}
	out := make([]Placeholder, len(e.placeholders))
	for i, ph := range e.placeholders {
		out[i] = *ph
	}
	return out
}
