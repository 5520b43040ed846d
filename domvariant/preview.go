package domvariant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hazyhaar/abdom/dom"
	"github.com/hazyhaar/abdom/domvariant/changes"
	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/browser"
	"github.com/hazyhaar/abdom/domvariant/internal/metrics"
	"github.com/hazyhaar/abdom/horosafe"
	"github.com/hazyhaar/abdom/idgen"
	"github.com/hazyhaar/abdom/kit"
	"github.com/hazyhaar/abdom/viewport"
)

// ErrInvalidPreview marks malformed preview requests.
var ErrInvalidPreview = fmt.Errorf("domvariant: invalid preview: %w", kit.ErrBadRequest)

// PreviewRequest renders HTML for one assignment. Visibility is simulated
// from the Visible selectors, or measured in Chrome when Browser is set and
// the browser is enabled in the configuration.
type PreviewRequest struct {
	HTML        string               `json:"html" validate:"required"`
	URL         string               `json:"url,omitempty" validate:"omitempty,url"`
	Experiments []changes.Experiment `json:"experiments" validate:"required,min=1"`
	Assignment  map[string]int       `json:"assignment" validate:"dive,gte=0"`
	Visible     []string             `json:"visible,omitempty" validate:"dive,required"`
	Browser     bool                 `json:"browser,omitempty"`
	ScrollY     int                  `json:"scroll_y,omitempty" validate:"gte=0"`
	Session     string               `json:"session,omitempty"`
}

// PlaceholderInfo describes a placeholder inserted during a preview.
type PlaceholderInfo struct {
	ID       string           `json:"id"`
	Selector string           `json:"selector"`
	Target   string           `json:"target"`
	Position changes.Position `json:"position"`
	Variant  int              `json:"variant"`
	XPath    string           `json:"xpath"`
}

// ExperimentResult is the outcome of one experiment in a preview.
type ExperimentResult struct {
	Variant      int               `json:"variant"`
	Applied      int               `json:"applied"`
	Pending      int               `json:"pending"`
	Triggered    bool              `json:"triggered"`
	State        ExposureState     `json:"state,omitempty"`
	Selectors    []string          `json:"selectors,omitempty"`
	Placeholders []PlaceholderInfo `json:"placeholders,omitempty"`
}

// PreviewResult is the transformed page and everything that happened.
type PreviewResult struct {
	Session     string                      `json:"session"`
	HTML        string                      `json:"html"`
	Geometry    string                      `json:"geometry"`
	Experiments map[string]ExperimentResult `json:"experiments"`
	Exposures   []string                    `json:"exposures"`
	Events      []event.Event               `json:"events"`
	DurationMS  int64                       `json:"duration_ms"`
}

// Previewer runs previews. Sinks and metrics are shared across previews and
// stay open until Close.
type Previewer struct {
	cfg     *Config
	logger  *slog.Logger
	sinks   []Sink
	metrics *metrics.Metrics
	browser *browser.Manager
	newID   idgen.Generator
}

// PreviewOption configures a Previewer.
type PreviewOption func(*Previewer)

// WithPreviewLogger sets a custom logger.
func WithPreviewLogger(l *slog.Logger) PreviewOption {
	return func(p *Previewer) { p.logger = l }
}

// WithPreviewSinks forwards every preview's events to sinks.
func WithPreviewSinks(sinks ...Sink) PreviewOption {
	return func(p *Previewer) { p.sinks = append(p.sinks, sinks...) }
}

var requestValidator = validator.New()

// NewPreviewer creates a Previewer. A nil cfg uses DefaultConfig.
func NewPreviewer(cfg *Config, opts ...PreviewOption) *Previewer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Previewer{
		cfg:     cfg,
		metrics: metrics.New(),
		newID:   idgen.Prefixed("prv_", idgen.UUIDv7()),
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if b := cfg.Browser; b.Enabled {
		p.browser = browser.NewManager(browser.Config{
			RemoteURL:        b.Remote,
			Bin:              b.Bin,
			Headful:          b.Headful,
			Stealth:          b.Stealth,
			ResourceBlocking: b.ResourceBlocking,
			Logger:           p.logger,
		})
	}
	return p
}

// Metrics returns the collectors fed by previews.
func (pv *Previewer) Metrics() *metrics.Metrics { return pv.metrics }

// Preview parses req.HTML, applies the assigned variants, simulates
// visibility and returns the resulting page. Created elements and
// placeholders are numbered from 1 so identical requests render identical
// HTML; event ids stay unique for the shared sinks. The document is
// discarded afterwards; nothing is reverted in the returned HTML.
func (pv *Previewer) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	start := time.Now()
	if err := requestValidator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreview, err)
	}
	if req.Session != "" {
		if err := horosafe.ValidateIdentifier(req.Session); err != nil {
			return nil, fmt.Errorf("%w: session: %v", ErrInvalidPreview, err)
		}
	}

	loop := dom.NewLoop(pv.logger)
	doc, err := dom.ParseString(req.HTML, loop)
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", ErrInvalidPreview, err)
	}

	session := req.Session
	if session == "" {
		session = pv.newID()
	}

	var (
		geom     viewport.Geometry
		static   *viewport.Static
		chrome   *browser.Geometry
		geomName = "static"
	)
	if req.Browser && pv.browser != nil {
		chrome, err = browser.NewGeometry(ctx, pv.browser, doc,
			browser.WithViewport(pv.cfg.Browser.Width, pv.cfg.Browser.Height))
		if err != nil {
			return nil, fmt.Errorf("domvariant: preview browser: %w", err)
		}
		defer chrome.Close()
		geom, geomName = chrome, "browser"
	} else {
		static = viewport.NewStatic()
		geom = static
	}

	src := NewStaticContext(req.Experiments, req.Assignment)
	var events []event.Event
	sinks := []Sink{pv.metrics}
	for _, s := range pv.sinks {
		sinks = append(sinks, shared{s})
	}
	p := New(doc, src, pv.cfg,
		WithLogger(pv.logger),
		WithGeometry(geom),
		WithPageURL(req.URL),
		WithSession(session),
		WithContext(ctx),
		WithDeterministicIDs(),
		WithEventIDs(idgen.Default),
		WithSinks(sinks...),
		WithEventHandler(func(ev event.Event) { events = append(events, ev) }),
	)
	defer p.Destroy()

	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("domvariant: preview: %w", err)
	}
	settle(loop, p)

	names := slices.Sorted(maps.Keys(p.ExtractAllChanges()))
	res := &PreviewResult{
		Session:     session,
		Geometry:    geomName,
		Experiments: make(map[string]ExperimentResult, len(names)),
	}
	for _, name := range names {
		v, ok := src.Variant(name)
		if !ok {
			continue
		}
		er := ExperimentResult{Variant: v, Selectors: p.ObservedSelectors(name)}
		for _, ph := range p.Placeholders(name) {
			er.Placeholders = append(er.Placeholders, PlaceholderInfo{
				ID:       ph.ID,
				Selector: ph.Selector,
				Target:   ph.Target,
				Position: ph.Position,
				Variant:  ph.Variant,
				XPath:    dom.XPath(ph.Node),
			})
		}
		res.Experiments[name] = er
	}

	if chrome != nil {
		if err := chrome.Sync(); err != nil {
			return nil, err
		}
		if req.ScrollY > 0 {
			if err := chrome.ScrollTo(req.ScrollY); err != nil {
				return nil, err
			}
		}
	} else if err := showSelectors(doc, static, req.Visible); err != nil {
		return nil, err
	}
	p.CheckVisibility()
	settle(loop, p)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.HTML, err = doc.Render()
	if err != nil {
		return nil, fmt.Errorf("domvariant: preview render: %w", err)
	}
	for name, er := range res.Experiments {
		er.Applied = len(p.AppliedChanges(name))
		er.Pending = len(p.PendingChanges(name))
		er.Triggered = p.IsTriggered(name)
		er.State = p.ExposureState(name)
		res.Experiments[name] = er
	}
	res.Exposures = src.Exposures()
	res.Events = events

	elapsed := time.Since(start)
	res.DurationMS = elapsed.Milliseconds()
	pv.metrics.ObservePreview(geomName, elapsed.Seconds())
	pv.logger.Info("domvariant: preview",
		"session", session, "geometry", geomName,
		"experiments", len(res.Experiments), "exposures", len(res.Exposures), "duration", elapsed)
	return res, nil
}

// Close closes the shared sinks and the browser.
func (pv *Previewer) Close() error {
	var errs []error
	if pv.browser != nil {
		errs = append(errs, pv.browser.Close())
	}
	for _, s := range pv.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// showSelectors marks every element matching selectors fully visible.
func showSelectors(doc *dom.Document, geom *viewport.Static, selectors []string) error {
	for _, sel := range selectors {
		nodes, err := doc.QueryAll(sel)
		if err != nil {
			return fmt.Errorf("%w: visible selector %q: %v", ErrInvalidPreview, sel, err)
		}
		for _, n := range nodes {
			geom.Show(n)
		}
	}
	return nil
}

// settle runs the loop until exposure recordings and their follow-ups are
// done.
func settle(loop *dom.Loop, p *Plugin) {
	loop.Drain()
	p.Wait()
	loop.Drain()
}

// shared keeps a Previewer-owned sink open when a preview's plugin closes.
type shared struct{ Sink }

func (shared) Close() error { return nil }
