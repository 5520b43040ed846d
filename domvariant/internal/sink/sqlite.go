package sink

import (
	"context"

	"github.com/hazyhaar/abdom/domvariant/event"
	"github.com/hazyhaar/abdom/domvariant/internal/store"
)

// SQLite appends events to the store under one session.
type SQLite struct {
	store   *store.Store
	session string
	owned   bool
}

// NewSQLite writes to an already opened store. Close leaves it open.
func NewSQLite(s *store.Store, session string) *SQLite {
	return &SQLite{store: s, session: session}
}

// OpenSQLite opens the store at path; Close closes it.
func OpenSQLite(path, session string) (*SQLite, error) {
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLite{store: s, session: session, owned: true}, nil
}

func (s *SQLite) Send(ctx context.Context, ev event.Event) error {
	_, err := s.store.InsertEvent(ctx, s.session, ev)
	return err
}

// Store returns the underlying store.
func (s *SQLite) Store() *store.Store { return s.store }

func (s *SQLite) Close() error {
	if s.owned {
		return s.store.Close()
	}
	return nil
}
