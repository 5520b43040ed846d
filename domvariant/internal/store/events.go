package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hazyhaar/abdom/dbopen"
	"github.com/hazyhaar/abdom/domvariant/event"
)

// Exposure is the first recorded exposure of an experiment in a session.
type Exposure struct {
	Session    string        `json:"session"`
	Experiment string        `json:"experiment"`
	Variant    int           `json:"variant"`
	Trigger    event.Trigger `json:"trigger"`
	EventID    string        `json:"event_id"`
	RecordedAt int64         `json:"recorded_at"`
}

// Filter narrows ListEvents. Zero fields match everything.
type Filter struct {
	Session    string
	Experiment string
	Type       event.Type
	Limit      int
}

// InsertEvent stores ev for session. An event id already stored is ignored,
// so sinks sharing a store may all write the same event. A newly stored
// successful exposure event also claims the session's exposure row for the
// experiment; the return value reports whether this event was the first
// exposure.
func (s *Store) InsertEvent(ctx context.Context, session string, ev event.Event) (bool, error) {
	first := false
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO events
				(id, session, type, experiment, variant, selector, kind, elements, fired_by, xpath, error, ts)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			ev.ID, session, string(ev.Type), ev.Experiment, ev.Variant, ev.Selector, ev.Kind,
			ev.Elements, string(ev.Trigger), ev.XPath, ev.Error, ev.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if ev.Type != event.TypeExposure || ev.Error != "" {
			return nil
		}
		res, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO exposures (session, experiment, variant, fired_by, event_id, recorded_at)
			VALUES (?,?,?,?,?,?)`,
			session, ev.Experiment, ev.Variant, string(ev.Trigger), ev.ID, ev.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("store: insert exposure: %w", err)
		}
		n, _ := res.RowsAffected()
		first = n == 1
		return nil
	})
	return first, err
}

// ListEvents returns the events matching f, oldest first.
func (s *Store) ListEvents(ctx context.Context, f Filter) ([]event.Event, error) {
	var where []string
	var args []any
	if f.Session != "" {
		where = append(where, "session = ?")
		args = append(args, f.Session)
	}
	if f.Experiment != "" {
		where = append(where, "experiment = ?")
		args = append(args, f.Experiment)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}

	q := `SELECT id, type, experiment, variant, selector, kind, elements, fired_by, xpath, error, ts FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts, rowid"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var typ, trig string
		if err := rows.Scan(&ev.ID, &typ, &ev.Experiment, &ev.Variant, &ev.Selector, &ev.Kind,
			&ev.Elements, &trig, &ev.XPath, &ev.Error, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Type = event.Type(typ)
		ev.Trigger = event.Trigger(trig)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Exposures returns the exposures recorded for session, by experiment name.
func (s *Store) Exposures(ctx context.Context, session string) ([]Exposure, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT session, experiment, variant, fired_by, event_id, recorded_at
		FROM exposures WHERE session = ? ORDER BY experiment`, session)
	if err != nil {
		return nil, fmt.Errorf("store: list exposures: %w", err)
	}
	defer rows.Close()

	var out []Exposure
	for rows.Next() {
		var x Exposure
		var trig string
		if err := rows.Scan(&x.Session, &x.Experiment, &x.Variant, &trig, &x.EventID, &x.RecordedAt); err != nil {
			return nil, fmt.Errorf("store: scan exposure: %w", err)
		}
		x.Trigger = event.Trigger(trig)
		out = append(out, x)
	}
	return out, rows.Err()
}

// CountByType tallies the events of experiment across sessions.
func (s *Store) CountByType(ctx context.Context, experiment string) (map[event.Type]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM events WHERE experiment = ? GROUP BY type`, experiment)
	if err != nil {
		return nil, fmt.Errorf("store: count events: %w", err)
	}
	defer rows.Close()

	out := make(map[event.Type]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[event.Type(typ)] = n
	}
	return out, rows.Err()
}

// Prune deletes events older than before (epoch ms). Exposures go with
// their events.
func (s *Store) Prune(ctx context.Context, before int64) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM events WHERE ts < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}
