package changes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// URLFilter restricts a variant's changes to matching page URLs.
type URLFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	// Mode is "simple" (glob with *) or "regex". Default: simple.
	Mode string `json:"mode,omitempty"`
	// MatchType selects the URL part compared: full-url, path, domain,
	// query or hash. Default: path.
	MatchType string `json:"matchType,omitempty"`
}

// ParseURLFilter accepts a single pattern string, an array of patterns, or a
// full filter object.
func ParseURLFilter(data []byte) (*URLFilter, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var f URLFilter
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("changes: urlFilter: %w", err)
		}
		f.Include = []string{s}
	case '[':
		if err := json.Unmarshal(data, &f.Include); err != nil {
			return nil, fmt.Errorf("changes: urlFilter: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("changes: urlFilter: %w", err)
		}
	}
	return &f, nil
}

// Matches reports whether rawURL passes the filter. A nil filter and a filter
// without include patterns match everything not excluded.
func (f *URLFilter) Matches(rawURL string) bool {
	if f == nil {
		return true
	}
	target := f.part(rawURL)
	for _, p := range f.Exclude {
		if f.match(p, target) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if f.match(p, target) {
			return true
		}
	}
	return false
}

func (f *URLFilter) part(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	switch f.MatchType {
	case "full-url":
		return rawURL
	case "domain":
		return u.Host
	case "query":
		if u.RawQuery == "" {
			return ""
		}
		return "?" + u.RawQuery
	case "hash":
		if u.Fragment == "" {
			return ""
		}
		return "#" + u.Fragment
	default:
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
}

func (f *URLFilter) match(pattern, target string) bool {
	if f.Mode == "regex" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(target)
	}
	return globRegexp(pattern).MatchString(target)
}

// globRegexp anchors a simple pattern where * matches any run of characters
// and ? a single one.
func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
