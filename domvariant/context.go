package domvariant

import (
	"context"
	"sync"

	"github.com/hazyhaar/abdom/domvariant/changes"
)

// Context is the experimentation context the plugin works against:
// assignments, raw experiment data and exposure recording.
type Context interface {
	// Ready blocks until assignments are available.
	Ready(ctx context.Context) error
	// Variant returns the variant assigned to experiment.
	Variant(experiment string) (int, bool)
	// RecordExposure records that the user was exposed to experiment.
	RecordExposure(ctx context.Context, experiment string) error
	// Experiments returns the raw experiment data.
	Experiments() []changes.Experiment
}

// StaticContext is a Context over fixed data. It records exposures in
// memory and is safe for concurrent use.
type StaticContext struct {
	experiments []changes.Experiment
	assignment  map[string]int

	mu        sync.Mutex
	exposures []string
	ready     chan struct{}
	failWith  error
}

// NewStaticContext returns a ready context assigning variants from
// assignment.
func NewStaticContext(experiments []changes.Experiment, assignment map[string]int) *StaticContext {
	ready := make(chan struct{})
	close(ready)
	return &StaticContext{experiments: experiments, assignment: assignment, ready: ready}
}

// Gate makes Ready block until the returned function is called.
func (c *StaticContext) Gate() (open func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.ready = ch
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// FailWith makes RecordExposure return err.
func (c *StaticContext) FailWith(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

func (c *StaticContext) Ready(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *StaticContext) Variant(experiment string) (int, bool) {
	v, ok := c.assignment[experiment]
	return v, ok
}

func (c *StaticContext) RecordExposure(_ context.Context, experiment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.exposures = append(c.exposures, experiment)
	return nil
}

func (c *StaticContext) Experiments() []changes.Experiment { return c.experiments }

// Exposures returns the experiments exposed so far, in recording order.
func (c *StaticContext) Exposures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exposures...)
}
