package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/dom"
)

// Default emulated viewport.
const (
	DefaultWidth  = 1280
	DefaultHeight = 800
)

// ratioJS resolves an XPath and returns the visible fraction of its box.
const ratioJS = `(xp) => {
	const el = document.evaluate(xp, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	if (!el || !el.getBoundingClientRect) return 0;
	const r = el.getBoundingClientRect();
	const area = r.width * r.height;
	if (area <= 0) return 0;
	const w = window.innerWidth, h = window.innerHeight;
	const iw = Math.max(0, Math.min(r.right, w) - Math.max(r.left, 0));
	const ih = Math.max(0, Math.min(r.bottom, h) - Math.max(r.top, 0));
	return (iw * ih) / area;
}`

// Geometry implements viewport.Geometry against a Chrome page holding a
// copy of the document. Sync must run after mutations for the copy to
// match.
type Geometry struct {
	page   *rod.Page
	router *rod.HijackRouter
	doc    *dom.Document
	mgr    *Manager
	ctx    context.Context
}

// GeometryOption configures a Geometry.
type GeometryOption func(*geometryConfig)

type geometryConfig struct {
	width, height int
}

// WithViewport sets the emulated viewport size in CSS pixels.
func WithViewport(width, height int) GeometryOption {
	return func(c *geometryConfig) {
		if width > 0 {
			c.width = width
		}
		if height > 0 {
			c.height = height
		}
	}
}

// NewGeometry opens a page on mgr's browser, sized to the viewport, and
// loads doc into it.
func NewGeometry(ctx context.Context, mgr *Manager, doc *dom.Document, opts ...GeometryOption) (*Geometry, error) {
	cfg := geometryConfig{width: DefaultWidth, height: DefaultHeight}
	for _, o := range opts {
		o(&cfg)
	}

	b, err := mgr.Start(ctx)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	g := &Geometry{page: page, doc: doc, mgr: mgr, ctx: ctx}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		g.router = blockResources(page, mgr.cfg.ResourceBlocking)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.width,
		Height:            cfg.height,
		DeviceScaleFactor: 1,
	}); err != nil {
		g.Close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}
	if err := g.Sync(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// Sync replaces the page content with the current document markup.
func (g *Geometry) Sync() error {
	markup, err := g.doc.Render()
	if err != nil {
		return fmt.Errorf("browser: render: %w", err)
	}
	if err := g.page.Context(g.ctx).SetDocumentContent(markup); err != nil {
		return fmt.Errorf("browser: set content: %w", err)
	}
	return nil
}

// ScrollTo scrolls the page to the vertical offset y.
func (g *Geometry) ScrollTo(y int) error {
	if _, err := g.page.Context(g.ctx).Eval(`(y) => window.scrollTo(0, y)`, y); err != nil {
		return fmt.Errorf("browser: scroll: %w", err)
	}
	return nil
}

// IntersectionRatio reports the visible fraction of n in the page. Nodes
// outside the document or failed evaluations count as hidden.
func (g *Geometry) IntersectionRatio(n *html.Node) float64 {
	if n == nil || !g.doc.Contains(n) {
		return 0
	}
	res, err := g.page.Context(g.ctx).Eval(ratioJS, dom.XPath(n))
	if err != nil {
		g.mgr.cfg.Logger.Debug("browser: ratio eval failed", "xpath", dom.XPath(n), "error", err)
		return 0
	}
	return res.Value.Num()
}

// Close closes the page.
func (g *Geometry) Close() error {
	if g.router != nil {
		g.router.Stop()
	}
	return g.page.Close()
}
