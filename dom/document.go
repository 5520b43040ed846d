// Package dom is a live, observable HTML document built on golang.org/x/net/html.
//
// Every change made through the Document API is reported to registered
// MutationObservers. Callbacks are delivered asynchronously through the
// document's Loop, which models the single-threaded page execution context:
// callers must only touch a Document from the goroutine draining its Loop.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrInvalidSelector is returned when a CSS selector does not compile.
var ErrInvalidSelector = errors.New("dom: invalid selector")

// Document wraps the root of a parsed HTML tree.
type Document struct {
	root      *html.Node
	loop      *Loop
	observers []*MutationObserver
	selectors map[string]cascadia.SelectorGroup
}

// NewDocument wraps an already parsed tree.
func NewDocument(root *html.Node, loop *Loop) *Document {
	if loop == nil {
		loop = NewLoop(nil)
	}
	return &Document{
		root:      root,
		loop:      loop,
		selectors: make(map[string]cascadia.SelectorGroup),
	}
}

// Parse reads a full HTML document.
func Parse(r io.Reader, loop *Loop) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return NewDocument(root, loop), nil
}

// ParseString is Parse on a string.
func ParseString(s string, loop *Loop) (*Document, error) {
	return Parse(strings.NewReader(s), loop)
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Loop returns the execution loop callbacks are posted to.
func (d *Document) Loop() *Loop { return d.loop }

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node { return findFirst(d.root, atom.Body) }

// Head returns the <head> element, or nil.
func (d *Document) Head() *html.Node { return findFirst(d.root, atom.Head) }

// Render serialises the whole document.
func (d *Document) Render() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("dom: render: %w", err)
	}
	return buf.String(), nil
}

// Contains reports whether n is attached to this document.
func (d *Document) Contains(n *html.Node) bool {
	if n == nil {
		return false
	}
	return n == d.root || isAncestor(d.root, n)
}

// --- selectors ---

func (d *Document) compile(selector string) (cascadia.SelectorGroup, error) {
	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSelector, selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

// QueryAll returns every element under the document matching selector, in
// document order.
func (d *Document) QueryAll(selector string) ([]*html.Node, error) {
	return d.QueryAllIn(d.root, selector)
}

// QueryAllIn is QueryAll restricted to the subtree of root (root excluded).
func (d *Document) QueryAllIn(root *html.Node, selector string) ([]*html.Node, error) {
	sel, err := d.compile(selector)
	if err != nil {
		return nil, err
	}
	return cascadia.QueryAll(root, sel), nil
}

// Query returns the first element matching selector, or nil.
func (d *Document) Query(selector string) (*html.Node, error) {
	all, err := d.QueryAll(selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// Matches reports whether n itself matches selector.
func (d *Document) Matches(n *html.Node, selector string) (bool, error) {
	sel, err := d.compile(selector)
	if err != nil {
		return false, err
	}
	return n.Type == html.ElementNode && sel.Match(n), nil
}

// --- mutations ---

// CreateElement returns a detached element.
func (d *Document) CreateElement(tag string) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
}

// ParseFragment parses markup in the context of parent (body when nil).
func (d *Document) ParseFragment(markup string, parent *html.Node) ([]*html.Node, error) {
	if parent == nil || parent.Type != html.ElementNode {
		parent = d.Body()
	}
	if parent == nil {
		parent = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), parent)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	return nodes, nil
}

// SetAttr sets attribute key on n.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	old, had := Attr(n, key)
	if had && old == val {
		return
	}
	setAttr(n, key, val)
	d.notify(Record{Op: OpAttr, Target: n, Name: key, Value: val, OldValue: old})
}

// RemoveAttr removes attribute key from n.
func (d *Document) RemoveAttr(n *html.Node, key string) {
	old, had := Attr(n, key)
	if !had {
		return
	}
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			break
		}
	}
	d.notify(Record{Op: OpAttrDel, Target: n, Name: key, OldValue: old})
}

// SetText replaces the children of n with a single text node (textContent).
func (d *Document) SetText(n *html.Node, text string) {
	d.removeChildren(n)
	if text == "" {
		return
	}
	d.AppendChild(n, &html.Node{Type: html.TextNode, Data: text})
}

// SetData changes the character data of a text or comment node.
func (d *Document) SetData(n *html.Node, data string) {
	old := n.Data
	n.Data = data
	d.notify(Record{Op: OpText, Target: n, Value: data, OldValue: old})
}

// SetInnerHTML replaces the children of n with the parsed markup.
func (d *Document) SetInnerHTML(n *html.Node, markup string) error {
	nodes, err := d.ParseFragment(markup, n)
	if err != nil {
		return err
	}
	d.removeChildren(n)
	for _, c := range nodes {
		d.AppendChild(n, c)
	}
	return nil
}

// AppendChild moves child to the end of parent's children.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore moves child under parent, before ref (at the end when ref is nil).
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if parent == nil || child == nil || child == ref {
		return
	}
	if child == parent || isAncestor(child, parent) {
		return
	}
	if ref != nil && ref.Parent != parent {
		ref = nil
	}
	d.Remove(child)
	parent.InsertBefore(child, ref)
	d.notify(Record{Op: OpInsert, Target: parent, Node: child})
}

// Remove detaches n from its parent. Detached nodes are ignored.
func (d *Document) Remove(n *html.Node) {
	if n == nil || n.Parent == nil {
		return
	}
	parent := n.Parent
	parent.RemoveChild(n)
	d.notify(Record{Op: OpRemove, Target: parent, Node: n})
}

func (d *Document) removeChildren(n *html.Node) {
	for n.FirstChild != nil {
		d.Remove(n.FirstChild)
	}
}

// --- observer registry ---

func (d *Document) notify(rec Record) {
	if len(d.observers) == 0 {
		return
	}
	// Snapshot: an observer may disconnect itself while we iterate.
	obs := append([]*MutationObserver(nil), d.observers...)
	for _, o := range obs {
		o.enqueue(rec)
	}
}

func (d *Document) hasObserver(o *MutationObserver) bool {
	for _, x := range d.observers {
		if x == o {
			return true
		}
	}
	return false
}

func (d *Document) addObserver(o *MutationObserver) {
	d.observers = append(d.observers, o)
}

func (d *Document) removeObserver(o *MutationObserver) {
	for i, x := range d.observers {
		if x == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}
