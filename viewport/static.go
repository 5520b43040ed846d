package viewport

import (
	"sync"

	"golang.org/x/net/html"
)

// Static is a Geometry driven by the host: ratios are set explicitly per
// element. Unknown elements are fully outside the viewport.
type Static struct {
	mu     sync.RWMutex
	ratios map[*html.Node]float64
}

// NewStatic returns an empty Static geometry.
func NewStatic() *Static {
	return &Static{ratios: make(map[*html.Node]float64)}
}

// Set records the visible fraction of n.
func (s *Static) Set(n *html.Node, ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ratio <= 0 {
		delete(s.ratios, n)
		return
	}
	if ratio > 1 {
		ratio = 1
	}
	s.ratios[n] = ratio
}

// Show marks n fully visible.
func (s *Static) Show(n *html.Node) { s.Set(n, 1) }

// Hide marks n outside the viewport.
func (s *Static) Hide(n *html.Node) { s.Set(n, 0) }

// IntersectionRatio implements Geometry.
func (s *Static) IntersectionRatio(n *html.Node) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ratios[n]
}
