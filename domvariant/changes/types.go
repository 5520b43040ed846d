// Package changes defines the declarative DOM change model attached to
// experiment variants, and extracts it from the experimentation context's
// raw variant variables.
//
// A Change is a tagged union keyed by Kind. Kind-specific required fields are
// enforced when changes are parsed, so consumers can rely on them.
package changes

// Kind is the category of DOM mutation.
type Kind string

const (
	KindText       Kind = "text"
	KindHTML       Kind = "html"
	KindStyle      Kind = "style"
	KindStyleRules Kind = "styleRules"
	KindClass      Kind = "class"
	KindAttribute  Kind = "attribute"
	KindJavaScript Kind = "javascript"
	KindMove       Kind = "move"
	KindCreate     Kind = "create"
	KindDelete     Kind = "delete"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindText, KindHTML, KindStyle, KindStyleRules, KindClass,
	KindAttribute, KindJavaScript, KindMove, KindCreate, KindDelete,
}

// Position is where a moved or created element goes relative to its target.
type Position string

const (
	PositionBefore     Position = "before"
	PositionAfter      Position = "after"
	PositionFirstChild Position = "firstChild"
	PositionLastChild  Position = "lastChild"
)

// State is a style-rules pseudo-state group.
type State string

const (
	StateNormal State = "normal"
	StateHover  State = "hover"
	StateActive State = "active"
	StateFocus  State = "focus"
)

// States lists the style-rules groups in the order rules are written.
var States = []State{StateNormal, StateHover, StateActive, StateFocus}

// Property is a named value. A nil Value means "remove".
type Property struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
}

// StyleRules are stylesheet declarations per pseudo-state.
type StyleRules struct {
	States    map[State][]Property `json:"states"`
	Important bool                 `json:"important"`
}

// Change is one declarative DOM mutation. It is immutable once extracted.
type Change struct {
	Selector string `json:"selector" validate:"required"`
	Kind     Kind   `json:"type" validate:"required,oneof=text html style styleRules class attribute javascript move create delete"`

	// Value carries the payload of text, html and javascript changes.
	Value string `json:"value,omitempty"`
	// Style and Attributes keep the order of the source object.
	Style      []Property  `json:"style,omitempty"`
	Attributes []Property  `json:"attributes,omitempty"`
	Rules      *StyleRules `json:"rules,omitempty"`

	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`

	TargetSelector string   `json:"targetSelector,omitempty"`
	Position       Position `json:"position,omitempty" validate:"omitempty,oneof=before after firstChild lastChild"`
	Element        string   `json:"element,omitempty"`

	Enabled        bool   `json:"enabled"`
	TriggerOnView  bool   `json:"triggerOnView,omitempty"`
	WaitForElement bool   `json:"waitForElement,omitempty"`
	ObserverRoot   string `json:"observerRoot,omitempty"`
	PersistStyle   bool   `json:"persistStyle,omitempty"`
}

// ViewGated reports whether exposure for this change waits for visibility.
func (c Change) ViewGated() bool { return c.TriggerOnView }

// EffectivePosition returns Position, defaulting to lastChild.
func (c Change) EffectivePosition() Position {
	if c.Position == "" {
		return PositionLastChild
	}
	return c.Position
}

// VariantChanges is the parsed payload of one variant.
type VariantChanges struct {
	Changes   []Change   `json:"changes"`
	URLFilter *URLFilter `json:"urlFilter,omitempty"`
}

// Matrix maps experiment name to the per-variant change lists, indexed by
// variant number.
type Matrix map[string][]VariantChanges

// Experiment is the raw experiment data exposed by the experimentation context.
type Experiment struct {
	Name     string    `json:"name"`
	Variants []Variant `json:"variants"`
}

// Variant holds the raw variables of one variant. The change payload lives
// under a configured variable name and may be a JSON string, raw bytes or an
// already decoded value.
type Variant struct {
	Variables map[string]any `json:"variables"`
}

// Source is the part of the experimentation context the Extractor reads.
type Source interface {
	Experiments() []Experiment
	Variant(experiment string) (int, bool)
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }
