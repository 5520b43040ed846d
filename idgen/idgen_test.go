package idgen

import (
	"strings"
	"sync"
	"testing"
)

func TestNanoID(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if len(id) != 12 {
			t.Fatalf("len(%q) = %d, want 12", id, len(id))
		}
		if strings.Trim(id, alphabet) != "" {
			t.Fatalf("unexpected character in %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate %q at %d", id, i)
		}
		seen[id] = true
	}
}

func TestPrefixed_UUIDv7(t *testing.T) {
	gen := Prefixed("evt_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("id %q lacks prefix", id)
	}
	if !Valid(id, "evt_") {
		t.Fatalf("Valid(%q) = false", id)
	}
	if Valid(id, "aud_") {
		t.Fatal("Valid accepted wrong prefix")
	}
	if Valid("evt_nope", "evt_") {
		t.Fatal("Valid accepted non-UUID")
	}
}

func TestSequence(t *testing.T) {
	gen := Prefixed("abdom-ph-", Sequence())
	if got := gen(); got != "abdom-ph-1" {
		t.Fatalf("first = %q", got)
	}
	if got := gen(); got != "abdom-ph-2" {
		t.Fatalf("second = %q", got)
	}

	seq := Sequence()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := seq()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Fatalf("unique ids = %d, want 800", len(seen))
	}
}

func TestDefault(t *testing.T) {
	if !Valid(New(), "evt_") {
		t.Fatal("New() is not an evt_ UUID")
	}
}
