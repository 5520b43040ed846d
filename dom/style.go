package dom

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Declaration is one inline CSS property.
type Declaration struct {
	Property  string
	Value     string
	Important bool
}

// Hyphenate converts a camelCase property name (backgroundColor) to its CSS
// form (background-color). Names without upper-case letters are returned as is.
func Hyphenate(name string) string {
	if strings.IndexFunc(name, unicode.IsUpper) < 0 {
		return name
	}
	var b strings.Builder
	for _, r := range name {
		if unicode.IsUpper(r) {
			b.WriteByte('-')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseStyle splits an inline style attribute into declarations. Semicolons
// inside parentheses or quotes (url(data:...;base64,...)) do not split.
func ParseStyle(s string) []Declaration {
	var out []Declaration
	for _, part := range splitDeclarations(s) {
		idx := strings.IndexByte(part, ':')
		if idx <= 0 {
			continue
		}
		prop := strings.ToLower(strings.TrimSpace(part[:idx]))
		val := strings.TrimSpace(part[idx+1:])
		important := false
		if i := strings.LastIndex(strings.ToLower(val), "!important"); i >= 0 && strings.TrimSpace(val[i+len("!important"):]) == "" {
			important = true
			val = strings.TrimSpace(val[:i])
		}
		if prop == "" {
			continue
		}
		out = append(out, Declaration{Property: prop, Value: val, Important: important})
	}
	return out
}

func splitDeclarations(s string) []string {
	var parts []string
	depth := 0
	var quote rune
	start := 0
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case r == ';' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// FormatStyle serialises declarations the way browsers serialise cssText.
func FormatStyle(decls []Declaration) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		v := d.Property + ": " + d.Value
		if d.Important {
			v += " !important"
		}
		parts = append(parts, v+";")
	}
	return strings.Join(parts, " ")
}

// StyleProperty returns the inline value of prop on n.
func StyleProperty(n *html.Node, prop string) (string, bool) {
	prop = Hyphenate(prop)
	for _, d := range ParseStyle(AttrValue(n, "style")) {
		if d.Property == prop {
			return d.Value, true
		}
	}
	return "", false
}

// SetStyleProperty sets (or, with an empty value, removes) one inline
// property on n, leaving the other declarations untouched.
func (d *Document) SetStyleProperty(n *html.Node, prop, value string, important bool) {
	prop = Hyphenate(prop)
	decls := ParseStyle(AttrValue(n, "style"))
	found := false
	out := decls[:0:0]
	for _, dec := range decls {
		if dec.Property != prop {
			out = append(out, dec)
			continue
		}
		found = true
		if value != "" {
			out = append(out, Declaration{Property: prop, Value: value, Important: important})
		}
	}
	if !found && value != "" {
		out = append(out, Declaration{Property: prop, Value: value, Important: important})
	}
	if len(out) == 0 {
		d.RemoveAttr(n, "style")
		return
	}
	d.SetAttr(n, "style", FormatStyle(out))
}
