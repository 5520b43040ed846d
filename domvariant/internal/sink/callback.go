package sink

import (
	"context"

	"github.com/hazyhaar/abdom/domvariant/event"
)

// Callback hands events to a Go function in the same process.
type Callback struct {
	fn func(ctx context.Context, ev event.Event) error
}

// NewCallback creates a Callback sink. A nil fn drops everything.
func NewCallback(fn func(ctx context.Context, ev event.Event) error) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, ev event.Event) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, ev)
}

func (c *Callback) Close() error { return nil }
