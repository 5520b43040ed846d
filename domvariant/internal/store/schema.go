package store

// Schema is the DDL of the event log.
const Schema = `
-- Every event emitted by a plugin session, in emission order.
CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    session     TEXT NOT NULL,
    type        TEXT NOT NULL,
    experiment  TEXT NOT NULL,
    variant     INTEGER NOT NULL DEFAULT -1,
    selector    TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT '',
    elements    INTEGER NOT NULL DEFAULT 0,
    fired_by    TEXT NOT NULL DEFAULT '',
    xpath       TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session, ts);
CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment, type);

-- First exposure per experiment and session.
CREATE TABLE IF NOT EXISTS exposures (
    session     TEXT NOT NULL,
    experiment  TEXT NOT NULL,
    variant     INTEGER NOT NULL,
    fired_by    TEXT NOT NULL,
    event_id    TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    PRIMARY KEY (session, experiment),
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);
`
