package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// XPath returns a positional XPath for n (/html/body/div[2]/p). Indices are
// only emitted when siblings share the tag name, which is the form the
// browser evaluates with document.evaluate.
func XPath(n *html.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case html.DocumentNode:
		return ""
	case html.TextNode:
		return XPath(n.Parent) + "/text()"
	case html.CommentNode:
		return XPath(n.Parent) + "/comment()"
	case html.ElementNode:
	default:
		return XPath(n.Parent)
	}

	name := strings.ToLower(n.Data)
	parentPath := XPath(n.Parent)
	if n.Parent == nil {
		return "/" + name
	}

	idx, total := 0, 0
	for sib := n.Parent.FirstChild; sib != nil; sib = sib.NextSibling {
		if sib.Type != html.ElementNode || strings.ToLower(sib.Data) != name {
			continue
		}
		total++
		if sib == n {
			idx = total
		}
	}
	if total > 1 {
		return fmt.Sprintf("%s/%s[%d]", parentPath, name, idx)
	}
	return parentPath + "/" + name
}
