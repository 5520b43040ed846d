package changes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// changeValidate checks struct tags plus the kind-specific rules registered
// in init.
var changeValidate *validator.Validate

func init() {
	changeValidate = validator.New()
	changeValidate.RegisterStructValidation(validateKindFields, Change{})
}

// validateKindFields enforces the fields each kind requires.
func validateKindFields(sl validator.StructLevel) {
	ch := sl.Current().Interface().(Change)

	switch ch.Kind {
	case KindClass:
		if len(ch.Add) == 0 && len(ch.Remove) == 0 {
			sl.ReportError(ch.Add, "Add", "add", "add_or_remove", "")
		}
	case KindMove:
		if ch.TargetSelector == "" {
			sl.ReportError(ch.TargetSelector, "TargetSelector", "targetSelector", "required", "")
		}
	case KindCreate:
		if ch.TargetSelector == "" {
			sl.ReportError(ch.TargetSelector, "TargetSelector", "targetSelector", "required", "")
		}
		if strings.TrimSpace(ch.Element) == "" {
			sl.ReportError(ch.Element, "Element", "element", "required", "")
		}
	case KindStyle:
		if ch.Style == nil {
			sl.ReportError(ch.Style, "Style", "value", "object", "")
		}
	case KindAttribute:
		if ch.Attributes == nil {
			sl.ReportError(ch.Attributes, "Attributes", "value", "object", "")
		}
	}
}

// Validate checks a change and returns an error wrapping ErrInvalid that
// names every failing field.
func Validate(ch Change) error {
	err := changeValidate.Struct(ch)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w (selector %q, type %q): %s", ErrInvalid, ch.Selector, ch.Kind, strings.Join(parts, ", "))
}
