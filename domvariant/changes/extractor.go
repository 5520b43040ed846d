package changes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultVariableName is the variant variable carrying DOM changes.
const DefaultVariableName = "__dom_changes"

// Extractor turns the context's raw experiment data into a Matrix. The
// result is cached until ClearCache.
type Extractor struct {
	src      Source
	variable string
	logger   *slog.Logger

	mu     sync.Mutex
	matrix Matrix
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithVariableName sets the variable read from each variant.
func WithVariableName(name string) ExtractorOption {
	return func(e *Extractor) {
		if name != "" {
			e.variable = name
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExtractor creates an Extractor reading from src.
func NewExtractor(src Source, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		src:      src,
		variable: DefaultVariableName,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// VariableName returns the configured variable name.
func (e *Extractor) VariableName() string { return e.variable }

// ExtractAll parses every experiment carrying the change variable in at
// least one variant. Invalid data never fails the pass: the offending entry
// is logged and dropped.
func (e *Extractor) ExtractAll() Matrix {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.matrix != nil {
		return e.matrix
	}

	m := make(Matrix)
	for _, exp := range e.src.Experiments() {
		variants, found := e.extractExperiment(exp)
		if found {
			m[exp.Name] = variants
		}
	}
	e.matrix = m
	return m
}

// ClearCache forces the next call to re-parse.
func (e *Extractor) ClearCache() {
	e.mu.Lock()
	e.matrix = nil
	e.mu.Unlock()
}

// ChangesFor returns the changes of the variant currently assigned to
// experiment, or nil when there is no assignment or no data.
func (e *Extractor) ChangesFor(experiment string) []Change {
	variant, ok := e.src.Variant(experiment)
	if !ok {
		return nil
	}
	variants, ok := e.ExtractAll()[experiment]
	if !ok || variant < 0 || variant >= len(variants) {
		return nil
	}
	return variants[variant].Changes
}

// AllVariantChanges returns the change lists of every variant, indexed by
// variant number.
func (e *Extractor) AllVariantChanges(experiment string) [][]Change {
	variants, ok := e.ExtractAll()[experiment]
	if !ok {
		return nil
	}
	out := make([][]Change, len(variants))
	for i, v := range variants {
		out[i] = v.Changes
	}
	return out
}

// URLFilter returns the filter attached to one variant, if any.
func (e *Extractor) URLFilter(experiment string, variant int) *URLFilter {
	variants, ok := e.ExtractAll()[experiment]
	if !ok || variant < 0 || variant >= len(variants) {
		return nil
	}
	return variants[variant].URLFilter
}

func (e *Extractor) extractExperiment(exp Experiment) ([]VariantChanges, bool) {
	out := make([]VariantChanges, len(exp.Variants))
	found := false
	for i, v := range exp.Variants {
		raw, ok := v.Variables[e.variable]
		if !ok || raw == nil {
			continue
		}
		found = true
		out[i] = e.extractVariant(exp.Name, i, raw)
	}
	return out, found
}

func (e *Extractor) extractVariant(experiment string, variant int, raw any) (vc VariantChanges) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("changes: extraction panicked",
				"experiment", experiment, "variant", variant, "panic", r)
			vc = VariantChanges{}
		}
	}()

	data, err := payloadBytes(raw)
	if err != nil {
		e.logger.Warn("changes: unreadable variant payload",
			"experiment", experiment, "variant", variant, "error", err)
		return VariantChanges{}
	}

	vc, invalid, err := Parse(data)
	if err != nil {
		e.logger.Warn("changes: malformed variant payload",
			"experiment", experiment, "variant", variant, "error", err)
		return VariantChanges{}
	}
	for _, inv := range invalid {
		e.logger.Warn("changes: invalid change dropped",
			"experiment", experiment, "variant", variant, "index", inv.Index, "error", inv.Err)
	}
	return vc
}

func payloadBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("changes: re-encode payload: %w", err)
		}
		return data, nil
	}
}
