package mutate

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
)

// StylesheetID is the id of the <style> element holding styleRules changes.
const StylesheetID = "abdom-style-rules"

// stylesheet is the injected sheet for styleRules changes, one block per
// selector in insertion order.
type stylesheet struct {
	doc   *dom.Document
	node  *html.Node
	order []string
	rules map[string]string
}

func newStylesheet(doc *dom.Document) *stylesheet {
	return &stylesheet{doc: doc, rules: make(map[string]string)}
}

func (s *stylesheet) set(selector string, rules *changes.StyleRules) {
	css := renderRules(selector, rules)
	if prev, ok := s.rules[selector]; ok {
		if prev == css {
			return
		}
	} else {
		s.order = append(s.order, selector)
	}
	s.rules[selector] = css
	s.flush()
}

func (s *stylesheet) remove(selector string) {
	if _, ok := s.rules[selector]; !ok {
		return
	}
	delete(s.rules, selector)
	for i, sel := range s.order {
		if sel == selector {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.flush()
}

func (s *stylesheet) clear() {
	s.rules = make(map[string]string)
	s.order = nil
	s.flush()
}

// css returns the sheet text.
func (s *stylesheet) css() string {
	var b strings.Builder
	for _, sel := range s.order {
		b.WriteString(s.rules[sel])
	}
	return b.String()
}

func (s *stylesheet) flush() {
	if len(s.order) == 0 {
		if s.node != nil {
			s.doc.Remove(s.node)
			s.node = nil
		}
		return
	}
	if s.node == nil || !s.doc.Contains(s.node) {
		s.node = s.doc.CreateElement("style")
		s.doc.SetAttr(s.node, "id", StylesheetID)
		parent := s.doc.Head()
		if parent == nil {
			parent = s.doc.Body()
		}
		if parent == nil {
			parent = s.doc.Root()
		}
		s.doc.AppendChild(parent, s.node)
	}
	s.doc.SetText(s.node, s.css())
}

func renderRules(selector string, rules *changes.StyleRules) string {
	if rules == nil {
		return ""
	}
	var b strings.Builder
	for _, state := range changes.States {
		props := rules.States[state]
		if len(props) == 0 {
			continue
		}
		b.WriteString(stateSelector(selector, state))
		b.WriteString(" {\n")
		for _, p := range props {
			if p.Value == nil {
				continue
			}
			val, important := splitImportant(*p.Value)
			b.WriteString("  ")
			b.WriteString(dom.Hyphenate(p.Name))
			b.WriteString(": ")
			b.WriteString(val)
			if rules.Important || important {
				b.WriteString(" !important")
			}
			b.WriteString(";\n")
		}
		b.WriteString("}\n")
	}
	return b.String()
}

// stateSelector appends the pseudo-class of state to every selector of a
// comma separated group.
func stateSelector(selector string, state changes.State) string {
	if state == changes.StateNormal {
		return selector
	}
	parts := strings.Split(selector, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p) + ":" + string(state)
	}
	return strings.Join(parts, ", ")
}
