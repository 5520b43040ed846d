package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/abdom/dbopen"
	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/store"
)

func sample() event.Event {
	return event.Event{ID: "evt_1", Type: event.TypeExposure, Experiment: "e1", Variant: 1, Trigger: event.TriggerViewport, Timestamp: 42}
}

func TestStdout(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	if err := s.Send(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), event.Event{ID: "evt_2", Type: event.TypeApplied, Experiment: "e1"}); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var env struct {
		Type string      `json:"type"`
		Data event.Event `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "exposure" || env.Data.Trigger != event.TriggerViewport || env.Data.Variant != 1 {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var got event.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "t0k" {
			t.Errorf("missing header")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var env struct {
			Data event.Event `json:"data"`
		}
		json.NewDecoder(r.Body).Decode(&env)
		got = env.Data
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookHeader("X-Token", "t0k"))
	if err := w.Send(context.Background(), sample()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if got.ID != "evt_1" {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestWebhook_Exhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookRetries(2), WithWebhookBackoff(time.Millisecond))
	if err := w.Send(context.Background(), sample()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond))
	if err := w.Send(context.Background(), sample()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

type failing struct{ closed bool }

func (f *failing) Send(context.Context, event.Event) error { return errors.New("down") }
func (f *failing) Close() error                            { f.closed = true; return nil }

func TestRouter_FanOut(t *testing.T) {
	var seen []string
	cb := NewCallback(func(_ context.Context, ev event.Event) error {
		seen = append(seen, ev.ID)
		return nil
	})
	bad := &failing{}
	r := NewRouter(nil, bad, cb)

	err := r.Send(context.Background(), sample())
	if err == nil || err.Error() != "down" {
		t.Fatalf("err = %v, want down", err)
	}
	if len(seen) != 1 || seen[0] != "evt_1" {
		t.Fatalf("callback saw %v", seen)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !bad.closed {
		t.Fatal("sink not closed")
	}
}

func TestSQLite(t *testing.T) {
	st := &store.Store{DB: dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))}
	s := NewSQLite(st, "sess")
	ctx := context.Background()
	if err := s.Send(ctx, sample()); err != nil {
		t.Fatal(err)
	}
	xs, err := st.Exposures(ctx, "sess")
	if err != nil {
		t.Fatal(err)
	}
	if len(xs) != 1 || xs[0].Experiment != "e1" {
		t.Fatalf("exposures = %+v", xs)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.DB.Ping(); err != nil {
		t.Fatalf("borrowed store closed: %v", err)
	}
}
