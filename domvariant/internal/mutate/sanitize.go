package mutate

import "github.com/microcosm-cc/bluemonday"

// NewSanitizer returns the policy applied to html and create markup when
// sanitising is enabled: bluemonday's UGC policy plus class attributes.
// Inline event handlers, scripts and javascript: URLs are stripped.
func NewSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowStyling()
	return p
}
