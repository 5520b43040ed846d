package changes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("changes: invalid change")

// rawChange is the wire shape of a change. "type" is the canonical key,
// "kind" is accepted as an alias; view triggering accepts both spellings.
type rawChange struct {
	Selector       string          `json:"selector"`
	Type           string          `json:"type"`
	Kind           string          `json:"kind"`
	Value          json.RawMessage `json:"value"`
	Enabled        *bool           `json:"enabled"`
	TriggerOnView  *bool           `json:"trigger_on_view"`
	TriggerOnView2 *bool           `json:"triggerOnView"`
	WaitForElement bool            `json:"waitForElement"`
	ObserverRoot   string          `json:"observerRoot"`
	PersistStyle   bool            `json:"persistStyle"`
	Add            []string        `json:"add"`
	Remove         []string        `json:"remove"`
	TargetSelector string          `json:"targetSelector"`
	Position       string          `json:"position"`
	Element        string          `json:"element"`
	States         json.RawMessage `json:"states"`
	Important      *bool           `json:"important"`
}

// Invalid describes one dropped entry.
type Invalid struct {
	Index int
	Err   error
}

// Parse decodes a variant payload: either a bare array of changes or an
// object {changes, urlFilter}. Invalid entries are skipped and reported in
// the returned slice; a malformed document is an error.
func Parse(data []byte) (VariantChanges, []Invalid, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return VariantChanges{}, nil, nil
	}

	var entries []json.RawMessage
	var filter *URLFilter

	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &entries); err != nil {
			return VariantChanges{}, nil, fmt.Errorf("changes: decode array: %w", err)
		}
	case '{':
		var wrapper struct {
			Changes   []json.RawMessage `json:"changes"`
			URLFilter json.RawMessage   `json:"urlFilter"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return VariantChanges{}, nil, fmt.Errorf("changes: decode object: %w", err)
		}
		entries = wrapper.Changes
		if len(wrapper.URLFilter) > 0 {
			f, err := ParseURLFilter(wrapper.URLFilter)
			if err != nil {
				return VariantChanges{}, nil, err
			}
			filter = f
		}
	default:
		return VariantChanges{}, nil, fmt.Errorf("changes: unexpected payload starting with %q", data[0])
	}

	out := VariantChanges{URLFilter: filter}
	var invalid []Invalid
	for i, raw := range entries {
		ch, err := parseOne(raw)
		if err != nil {
			invalid = append(invalid, Invalid{Index: i, Err: err})
			continue
		}
		out.Changes = append(out.Changes, ch)
	}
	return out, invalid, nil
}

func parseOne(raw json.RawMessage) (Change, error) {
	var rc rawChange
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	kind := rc.Type
	if kind == "" {
		kind = rc.Kind
	}
	ch := Change{
		Selector:       strings.TrimSpace(rc.Selector),
		Kind:           Kind(kind),
		Add:            rc.Add,
		Remove:         rc.Remove,
		TargetSelector: strings.TrimSpace(rc.TargetSelector),
		Position:       Position(rc.Position),
		Element:        rc.Element,
		Enabled:        rc.Enabled == nil || *rc.Enabled,
		WaitForElement: rc.WaitForElement,
		ObserverRoot:   rc.ObserverRoot,
		PersistStyle:   rc.PersistStyle,
	}
	if rc.TriggerOnView != nil {
		ch.TriggerOnView = *rc.TriggerOnView
	} else if rc.TriggerOnView2 != nil {
		ch.TriggerOnView = *rc.TriggerOnView2
	}

	value := bytes.TrimSpace(rc.Value)
	switch ch.Kind {
	case KindStyle, KindAttribute:
		if len(value) == 0 || value[0] != '{' {
			return Change{}, fmt.Errorf("%w: %s change on %q needs an object value", ErrInvalid, ch.Kind, ch.Selector)
		}
		props, err := decodeProperties(value)
		if err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if ch.Kind == KindStyle {
			ch.Style = props
		} else {
			ch.Attributes = props
		}
	case KindStyleRules:
		states := bytes.TrimSpace(rc.States)
		if len(states) == 0 && len(value) > 0 && value[0] == '{' {
			states = value
		}
		rules, err := decodeRules(states)
		if err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		rules.Important = rc.Important == nil || *rc.Important
		ch.Rules = rules
	case KindText, KindHTML, KindJavaScript:
		s, err := scalarString(value)
		if err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		ch.Value = s
	case KindMove, KindCreate:
		// Older payloads nest the placement inside value.
		if len(value) > 0 && value[0] == '{' {
			var nested struct {
				TargetSelector string `json:"targetSelector"`
				Position       string `json:"position"`
				Element        string `json:"element"`
			}
			if err := json.Unmarshal(value, &nested); err != nil {
				return Change{}, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if ch.TargetSelector == "" {
				ch.TargetSelector = strings.TrimSpace(nested.TargetSelector)
			}
			if ch.Position == "" {
				ch.Position = Position(nested.Position)
			}
			if ch.Element == "" {
				ch.Element = nested.Element
			}
		}
	}

	if err := Validate(ch); err != nil {
		return Change{}, err
	}
	return ch, nil
}

// decodeProperties reads a flat JSON object preserving key order. Scalars
// become strings, null becomes a nil Value.
func decodeProperties(data []byte) ([]Property, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object")
	}

	props := []Property{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)

		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		p := Property{Name: key}
		switch x := v.(type) {
		case nil:
		case string:
			p.Value = StrPtr(x)
		case json.Number:
			p.Value = StrPtr(x.String())
		case bool:
			p.Value = StrPtr(strconv.FormatBool(x))
		default:
			return nil, fmt.Errorf("property %q: unsupported value %T", key, v)
		}
		props = append(props, p)
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, err
	}
	return props, nil
}

func decodeRules(data []byte) (*StyleRules, error) {
	rules := &StyleRules{States: make(map[State][]Property)}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return rules, nil
	}
	var groups map[string]json.RawMessage
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("states: %w", err)
	}
	for name, raw := range groups {
		state := State(name)
		switch state {
		case StateNormal, StateHover, StateActive, StateFocus:
		default:
			return nil, fmt.Errorf("states: unknown state %q", name)
		}
		props, err := decodeProperties(raw)
		if err != nil {
			return nil, fmt.Errorf("states.%s: %w", name, err)
		}
		rules.States[state] = props
	}
	return rules, nil
}

func scalarString(data []byte) (string, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	return "", fmt.Errorf("value: expected a scalar, got %T", v)
}
