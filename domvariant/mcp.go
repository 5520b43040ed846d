package domvariant

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/abdom/kit"
)

// RegisterMCP registers the abdom_preview tool on srv.
func (pv *Previewer) RegisterMCP(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "abdom_preview",
		Description: "Apply experiment variants to an HTML page for a given assignment and report " +
			"the resulting markup, applied changes, placeholders and fired exposures.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"html":        map[string]any{"type": "string", "description": "Page markup"},
				"url":         map[string]any{"type": "string", "description": "Page URL for variant URL filters"},
				"experiments": map[string]any{"type": "array", "description": "Experiments with per-variant variables"},
				"assignment":  map[string]any{"type": "object", "description": "Experiment name to variant number"},
				"visible":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Selectors treated as visible"},
				"browser":     map[string]any{"type": "boolean", "description": "Measure visibility in Chrome"},
				"scroll_y":    map[string]any{"type": "integer", "description": "Vertical scroll offset in Chrome"},
				"session":     map[string]any{"type": "string", "description": "Event log session"},
			},
			"required": []string{"html", "experiments"},
		},
	}
	kit.RegisterMCPTool(srv, tool, pv.endpoint(), kit.DecodeJSON[PreviewRequest]())
}

// endpoint adapts Preview to kit. The session falls back to the transport's
// session id.
func (pv *Previewer) endpoint() kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*PreviewRequest)
		if !ok || r == nil {
			return nil, ErrInvalidPreview
		}
		if r.Session == "" {
			r.Session = kit.GetSessionID(ctx)
		}
		return pv.Preview(ctx, *r)
	}
}
