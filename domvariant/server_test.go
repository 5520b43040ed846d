package domvariant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/abdom/domvariant/changes"
	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/store"
	"github.com/hazyhaar/abdom/kit"
)

func previewRequest() PreviewRequest {
	return PreviewRequest{
		HTML: page,
		URL:  "https://example.com/shop",
		Experiments: []changes.Experiment{
			experiment("cta", "[]", ctaStyle),
			experiment("e1", "[]", itemMove),
		},
		Assignment: map[string]int{"cta": 1, "e1": 0},
		Visible:    []string{"[data-abdom-placeholder]"},
	}
}

func TestPreview_StaticVisibility(t *testing.T) {
	pv := NewPreviewer(nil)
	defer pv.Close()

	res, err := pv.Preview(context.Background(), previewRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Geometry != "static" || res.Session == "" {
		t.Errorf("result header: geometry=%q session=%q", res.Geometry, res.Session)
	}
	if !strings.Contains(res.HTML, "background-color: red") {
		t.Errorf("cta variant not rendered")
	}
	if strings.Contains(res.HTML, "data-abdom-placeholder") {
		t.Errorf("placeholder should be gone once e1 is exposed")
	}
	if len(res.Exposures) != 2 {
		t.Errorf("exposures: got %v", res.Exposures)
	}

	e1 := res.Experiments["e1"]
	if !e1.Triggered || e1.Variant != 0 || e1.State != "cleaned_up" {
		t.Errorf("e1: %+v", e1)
	}
	if len(e1.Placeholders) != 1 || e1.Placeholders[0].ID != "abdom-ph-1" || e1.Placeholders[0].XPath == "" {
		t.Errorf("e1 placeholders: %+v", e1.Placeholders)
	}
	if cta := res.Experiments["cta"]; cta.Applied != 1 || !cta.Triggered {
		t.Errorf("cta: %+v", cta)
	}

	var kinds []event.Type
	for _, ev := range res.Events {
		kinds = append(kinds, ev.Type)
		if !strings.HasPrefix(ev.ID, "evt_") {
			t.Errorf("event id %q", ev.ID)
		}
	}
	if len(kinds) != 4 {
		t.Errorf("events: got %v", kinds)
	}
}

func TestPreview_NothingVisible(t *testing.T) {
	pv := NewPreviewer(nil)
	defer pv.Close()

	req := previewRequest()
	req.Visible = nil
	res, err := pv.Preview(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Experiments["e1"].Triggered {
		t.Errorf("e1 must not fire without a visible element")
	}
	if !strings.Contains(res.HTML, `data-abdom-placeholder="abdom-ph-1"`) {
		t.Errorf("pending placeholder should be rendered")
	}
}

func TestPreview_Deterministic(t *testing.T) {
	pv := NewPreviewer(nil)
	defer pv.Close()

	req := previewRequest()
	req.Visible = nil
	a, err := pv.Preview(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := pv.Preview(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if a.HTML != b.HTML {
		t.Errorf("identical requests rendered differently")
	}
	if a.Events[0].ID == b.Events[0].ID {
		t.Errorf("event ids must stay unique across previews")
	}
}

func TestPreview_InvalidRequest(t *testing.T) {
	pv := NewPreviewer(nil)
	defer pv.Close()

	cases := []struct {
		name   string
		mutate func(*PreviewRequest)
	}{
		{"no html", func(r *PreviewRequest) { r.HTML = "" }},
		{"no experiments", func(r *PreviewRequest) { r.Experiments = nil }},
		{"bad url", func(r *PreviewRequest) { r.URL = "not a url" }},
		{"negative variant", func(r *PreviewRequest) { r.Assignment["cta"] = -1 }},
		{"bad visible selector", func(r *PreviewRequest) { r.Visible = []string{"[[nope"} }},
		{"bad session", func(r *PreviewRequest) { r.Session = "ses 1; drop" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := previewRequest()
			tc.mutate(&req)
			_, err := pv.Preview(context.Background(), req)
			if !errors.Is(err, ErrInvalidPreview) || !errors.Is(err, kit.ErrBadRequest) {
				t.Fatalf("got %v, want invalid preview", err)
			}
		})
	}
}

func TestPreview_MetricsObserved(t *testing.T) {
	pv := NewPreviewer(nil)
	defer pv.Close()
	if _, err := pv.Preview(context.Background(), previewRequest()); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	pv.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`abdom_preview_duration_seconds_count{geometry="static"} 1`,
		`abdom_exposures_total{outcome="recorded",trigger="viewport"} 1`,
		`abdom_placeholders_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", "ses_http")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Preview(t *testing.T) {
	_, ts := newTestServer(t, nil)

	body, err := json.Marshal(previewRequest())
	if err != nil {
		t.Fatal(err)
	}
	resp := postJSON(t, ts.URL+"/v1/preview", body)
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, data)
	}
	var res PreviewResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Session != "ses_http" {
		t.Errorf("session: got %q", res.Session)
	}
	if len(res.Exposures) != 2 || !strings.Contains(res.HTML, "background-color: red") {
		t.Errorf("result: exposures=%v", res.Exposures)
	}
}

func TestServer_PreviewErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)

	if resp := postJSON(t, ts.URL+"/v1/preview", []byte(`{not json`)); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: status %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/v1/preview", []byte(`{"experiments": []}`)); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid request: status %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/v1/preview")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET preview: status %d", resp.StatusCode)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]string
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" || health["version"] != Version {
		t.Errorf("healthz: %d %v", resp.StatusCode, health)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "abdom_") {
		t.Errorf("metrics: %d", resp.StatusCode)
	}
}

func TestServer_ShieldHeaders(t *testing.T) {
	_, ts := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "req_client-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req_client-1" {
		t.Errorf("X-Request-Id = %q", got)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("security headers missing: %v", resp.Header)
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.RateLimit = RateLimit{Requests: 2, Window: time.Hour}
	_, ts := newTestServer(t, cfg)

	body, _ := json.Marshal(previewRequest())
	for i := 0; i < 2; i++ {
		if resp := postJSON(t, ts.URL+"/v1/preview", body); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, resp.StatusCode)
		}
	}
	resp := postJSON(t, ts.URL+"/v1/preview", body)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("third request: status %d", resp.StatusCode)
	}

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz limited: %d", health.StatusCode)
	}
}

func TestServer_SQLiteSink(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Store.Retention = 24 * time.Hour
	cfg.Sinks = []SinkConfig{{Type: "sqlite"}}
	s, _ := newTestServer(t, cfg)

	for range 2 {
		if _, err := s.Previewer().Preview(context.Background(), previewRequest()); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	evs, err := s.store.ListEvents(ctx, store.Filter{Type: event.TypeExposure})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 4 {
		t.Errorf("stored exposures: got %d, want 4", len(evs))
	}
	if n := s.Prune(ctx); n != 0 {
		t.Errorf("fresh events pruned: %d", n)
	}
}

func TestMCP_Preview(t *testing.T) {
	pv := NewPreviewer(nil)
	defer pv.Close()

	impl := &mcp.Implementation{Name: "abdom-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	pv.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "abdom_preview", Arguments: previewRequest()})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent")
	}
	var res PreviewResult
	if err := json.Unmarshal([]byte(tc.Text), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Exposures) != 2 {
		t.Errorf("exposures: %v", res.Exposures)
	}

	bad, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "abdom_preview", Arguments: map[string]any{"html": ""}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !bad.IsError {
		t.Errorf("empty html should be a tool error")
	}
}
