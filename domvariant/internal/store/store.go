// Package store persists plugin events and exposures in SQLite.
package store

import (
	"database/sql"

	"github.com/hazyhaar/abdom/dbopen"
)

// Store is the event log database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the event log at path and applies Schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
