// Package viewport reports when observed elements enter or leave the
// viewport, with IntersectionObserver semantics: a callback receives one
// Entry per target whose intersecting state changed, and always one initial
// Entry right after Observe.
//
// Layout is not computed here. A Geometry supplies the visible fraction of
// each element; Check re-evaluates every target and must be called whenever
// layout or scroll position may have changed.
package viewport

import (
	"sync/atomic"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
)

// DefaultThreshold is the minimum visible fraction that counts as intersecting.
const DefaultThreshold = 0.01

// Geometry reports the fraction (0..1) of an element's box inside the viewport.
type Geometry interface {
	IntersectionRatio(n *html.Node) float64
}

// Entry is one visibility change.
type Entry struct {
	Target         *html.Node
	Ratio          float64
	IsIntersecting bool
}

// Callback receives the entries produced by one evaluation.
type Callback func(entries []Entry, obs *Observer)

// Option configures an Observer.
type Option func(*Observer)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(o *Observer) { o.threshold = t }
}

// Observer tracks a set of elements against a Geometry.
type Observer struct {
	loop      *dom.Loop
	geom      Geometry
	cb        Callback
	threshold float64

	targets  []*html.Node
	state    map[*html.Node]bool
	fresh    map[*html.Node]bool
	queued   atomic.Bool
	disabled atomic.Bool
}

// New creates an Observer whose callbacks run on loop.
func New(loop *dom.Loop, geom Geometry, cb Callback, opts ...Option) *Observer {
	o := &Observer{
		loop:      loop,
		geom:      geom,
		cb:        cb,
		threshold: DefaultThreshold,
		state:     make(map[*html.Node]bool),
		fresh:     make(map[*html.Node]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Observe adds n to the observed set. An initial entry is delivered on the
// next loop turn.
func (o *Observer) Observe(n *html.Node) {
	if n == nil || o.disabled.Load() {
		return
	}
	if _, ok := o.state[n]; ok {
		return
	}
	o.targets = append(o.targets, n)
	o.state[n] = false
	o.fresh[n] = true
	o.schedule()
}

// Unobserve removes n from the observed set.
func (o *Observer) Unobserve(n *html.Node) {
	if _, ok := o.state[n]; !ok {
		return
	}
	delete(o.state, n)
	delete(o.fresh, n)
	for i, t := range o.targets {
		if t == n {
			o.targets = append(o.targets[:i], o.targets[i+1:]...)
			break
		}
	}
}

// Observing reports whether n is observed.
func (o *Observer) Observing(n *html.Node) bool {
	_, ok := o.state[n]
	return ok
}

// Len returns the number of observed targets.
func (o *Observer) Len() int { return len(o.targets) }

// Disconnect stops observing everything. The observer cannot be reused.
func (o *Observer) Disconnect() {
	o.disabled.Store(true)
	o.targets = nil
	o.state = make(map[*html.Node]bool)
	o.fresh = make(map[*html.Node]bool)
}

// Check schedules a re-evaluation of every target on the loop. Unlike the
// other methods it may be called from any goroutine; calls made before the
// loop runs the evaluation collapse into one.
func (o *Observer) Check() {
	o.schedule()
}

func (o *Observer) schedule() {
	if o.disabled.Load() || !o.queued.CompareAndSwap(false, true) {
		return
	}
	o.loop.Post(o.evaluate)
}

func (o *Observer) evaluate() {
	o.queued.Store(false)
	if o.disabled.Load() || len(o.targets) == 0 {
		return
	}

	var entries []Entry
	for _, t := range append([]*html.Node(nil), o.targets...) {
		ratio := o.geom.IntersectionRatio(t)
		now := ratio > 0 && ratio >= o.threshold
		if !o.fresh[t] && o.state[t] == now {
			continue
		}
		delete(o.fresh, t)
		o.state[t] = now
		entries = append(entries, Entry{Target: t, Ratio: ratio, IsIntersecting: now})
	}
	if len(entries) > 0 {
		o.cb(entries, o)
	}
}
