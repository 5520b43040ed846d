package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/abdom/domvariant/event"
)

func TestMetrics_CountsEvents(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.Send(ctx, event.Event{Type: event.TypeApplied, Kind: "style"})
	m.Send(ctx, event.Event{Type: event.TypeApplied, Kind: "style"})
	m.Send(ctx, event.Event{Type: event.TypeFailed, Kind: "javascript"})
	m.Send(ctx, event.Event{Type: event.TypeExposure, Trigger: event.TriggerViewport})
	m.Send(ctx, event.Event{Type: event.TypeExposure, Trigger: event.TriggerImmediate, Error: "not ready"})
	m.Send(ctx, event.Event{Type: event.TypePlaceholder})
	m.ObservePreview("static", 0.02)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`abdom_change_events_total{kind="style",type="applied"} 2`,
		`abdom_change_events_total{kind="javascript",type="failed"} 1`,
		`abdom_exposures_total{outcome="recorded",trigger="viewport"} 1`,
		`abdom_exposures_total{outcome="failed",trigger="immediate"} 1`,
		`abdom_placeholders_total 1`,
		`abdom_preview_duration_seconds_count{geometry="static"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in\n%s", want, text)
		}
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.Send(context.Background(), event.Event{Type: event.TypePlaceholder})
	fams, err := b.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range fams {
		if f.GetName() == "abdom_placeholders_total" && f.GetMetric()[0].GetCounter().GetValue() != 0 {
			t.Fatal("registries share state")
		}
	}
}
