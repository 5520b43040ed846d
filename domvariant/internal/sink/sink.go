// Package sink delivers plugin events to output backends.
package sink

import (
	"context"

	"github.com/hazyhaar/abdom/domvariant/event"
)

// Sink receives events. Implementations must be safe for concurrent use:
// exposure events arrive from the firing goroutine's loop post while change
// events arrive from the loop itself.
type Sink interface {
	Send(ctx context.Context, ev event.Event) error
	Close() error
}

type envelope struct {
	Type string      `json:"type"`
	Data event.Event `json:"data"`
}
