// Package event defines the structured records emitted by the domvariant
// plugin. These are the public contract for sinks and any consumer that
// wants to follow what happened to a page: changes applied, deferred,
// reverted or failed, placeholders synthesised and exposures recorded.
package event

import (
	"encoding/json"
	"time"
)

// Type is the kind of event.
type Type string

const (
	TypeApplied     Type = "applied"     // change in effect on Elements elements
	TypePending     Type = "pending"     // target missing, waiting for it to appear
	TypeReverted    Type = "reverted"    // change undone
	TypeFailed      Type = "failed"      // selector, script or markup error
	TypeExposure    Type = "exposure"    // exposure recorded for the experiment
	TypePlaceholder Type = "placeholder" // placeholder inserted for another variant's move
)

// Trigger tells how an exposure was fired.
type Trigger string

const (
	TriggerImmediate Trigger = "immediate"
	TriggerViewport  Trigger = "viewport"
)

// Event is one observation. Variant is -1 when unknown.
type Event struct {
	ID         string  `json:"id"` // UUIDv7, evt_ prefix
	Type       Type    `json:"type"`
	Experiment string  `json:"experiment"`
	Variant    int     `json:"variant"`
	Selector   string  `json:"selector,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Elements   int     `json:"elements,omitempty"`
	Trigger    Trigger `json:"trigger,omitempty"`
	XPath      string  `json:"xpath,omitempty"`
	Error      string  `json:"error,omitempty"`
	Timestamp  int64   `json:"timestamp"` // epoch milliseconds
}

// Time returns the event timestamp.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Marshal serialises an Event to JSON.
func Marshal(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserialises an Event from JSON.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Func receives events. Implementations must not block.
type Func func(Event)
