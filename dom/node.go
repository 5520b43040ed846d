package dom

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attr returns the value of an attribute on a node.
func Attr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// AttrValue returns the attribute value or "".
func AttrValue(n *html.Node, key string) string {
	v, _ := Attr(n, key)
	return v
}

// HasAttr checks if a node has a specific attribute.
func HasAttr(n *html.Node, key string) bool {
	_, ok := Attr(n, key)
	return ok
}

// Attrs returns a copy of the node's attributes in document order.
func Attrs(n *html.Node) []html.Attribute {
	return append([]html.Attribute(nil), n.Attr...)
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// AttrKeys returns the attribute names of n in document order.
func AttrKeys(n *html.Node) []string {
	keys := make([]string, 0, len(n.Attr))
	for _, a := range n.Attr {
		keys = append(keys, a.Key)
	}
	return keys
}

// ReorderAttrs moves the attributes named in keys to the front of n's list,
// in that order. Values are untouched, so no mutation record is emitted.
func ReorderAttrs(n *html.Node, keys []string) {
	out := make([]html.Attribute, 0, len(n.Attr))
	used := make([]bool, len(n.Attr))
	for _, k := range keys {
		for i, a := range n.Attr {
			if !used[i] && a.Namespace == "" && a.Key == k {
				out = append(out, a)
				used[i] = true
				break
			}
		}
	}
	for i, a := range n.Attr {
		if !used[i] {
			out = append(out, a)
		}
	}
	n.Attr = out
}

// IsElement reports whether n is an element node.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// Text returns the concatenated text of n and its descendants (textContent).
func Text(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	walk(n)
	return b.String()
}

// InnerHTML serialises the children of n.
func InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

// OuterHTML serialises n itself.
func OuterHTML(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

// Classes returns the class list of n.
func Classes(n *html.Node) []string {
	return strings.Fields(AttrValue(n, "class"))
}

// HasClass reports whether n carries class c.
func HasClass(n *html.Node, c string) bool {
	for _, x := range Classes(n) {
		if x == c {
			return true
		}
	}
	return false
}

// AddClasses adds the given classes to n, keeping order and skipping duplicates.
func (d *Document) AddClasses(n *html.Node, classes ...string) {
	cur := Classes(n)
	changed := false
	for _, c := range classes {
		if c == "" || containsString(cur, c) {
			continue
		}
		cur = append(cur, c)
		changed = true
	}
	if changed {
		d.SetAttr(n, "class", strings.Join(cur, " "))
	}
}

// RemoveClasses removes the given classes from n.
func (d *Document) RemoveClasses(n *html.Node, classes ...string) {
	cur := Classes(n)
	kept := cur[:0:0]
	for _, c := range cur {
		if !containsString(classes, c) {
			kept = append(kept, c)
		}
	}
	if len(kept) != len(cur) {
		d.SetAttr(n, "class", strings.Join(kept, " "))
	}
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Walk calls fn for every element under root (root included) in document order.
func Walk(root *html.Node, fn func(*html.Node)) {
	if root == nil {
		return
	}
	if root.Type == html.ElementNode {
		fn(root)
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		Walk(c, fn)
	}
}

func findFirst(root *html.Node, tag atom.Atom) *html.Node {
	if root == nil {
		return nil
	}
	if root.Type == html.ElementNode && root.DataAtom == tag {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, tag); n != nil {
			return n
		}
	}
	return nil
}
