// Package store manages the SQLite journal (WAL mode) of radio lifecycle
// transitions and link counters.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/ant-wireless/Linux-ant-hal/internal/mux"
)

// DB wraps *sql.DB with journal helpers.
type DB struct {
	*sql.DB
}

// Transition is one journaled state change.
type Transition struct {
	ID    int64     `json:"id"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlTransitions,
		ddlLinkStats,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// RecordTransition journals state at time at.
func (db *DB) RecordTransition(state string, at time.Time) (int64, error) {
	res, err := db.Exec(`INSERT INTO transitions (state, at) VALUES (?, ?)`,
		state, at.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: record transition: %w", err)
	}
	return res.LastInsertId()
}

// Transitions returns the newest limit transitions, newest first.
func (db *DB) Transitions(limit int) ([]Transition, error) {
	rows, err := db.Query(`SELECT id, state, at FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var (
			t  Transition
			ms int64
		)
		if err := rows.Scan(&t.ID, &t.State, &ms); err != nil {
			return nil, fmt.Errorf("store: scan transition: %w", err)
		}
		t.At = time.UnixMilli(ms).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordStats journals one snapshot of per-channel counters.
func (db *DB) RecordStats(s mux.LinkStats, at time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: record stats: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ms := at.UTC().UnixMilli()
	for _, row := range []struct {
		ch mux.ChannelID
		st mux.Stats
	}{{mux.Command, s.Command}, {mux.Data, s.Data}} {
		_, err := tx.Exec(`INSERT INTO link_stats
			(at, channel, frames_in, frames_out, bytes_in, bytes_out, flow_control, keepalives, resends, timeouts, dropped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ms, row.ch.String(),
			row.st.FramesIn, row.st.FramesOut, row.st.BytesIn, row.st.BytesOut,
			row.st.FlowControl, row.st.Keepalives, row.st.Resends, row.st.Timeouts, s.Dropped,
		)
		if err != nil {
			return fmt.Errorf("store: record stats: %w", err)
		}
	}
	return tx.Commit()
}

// LatestStats returns the most recent journaled snapshot, or false when
// none was recorded.
func (db *DB) LatestStats() (mux.LinkStats, time.Time, bool, error) {
	var ms int64
	err := db.QueryRow(`SELECT at FROM link_stats ORDER BY id DESC LIMIT 1`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return mux.LinkStats{}, time.Time{}, false, nil
	}
	if err != nil {
		return mux.LinkStats{}, time.Time{}, false, fmt.Errorf("store: latest stats: %w", err)
	}

	rows, err := db.Query(`SELECT channel, frames_in, frames_out, bytes_in, bytes_out, flow_control, keepalives, resends, timeouts, dropped
		FROM link_stats WHERE at = ?`, ms)
	if err != nil {
		return mux.LinkStats{}, time.Time{}, false, fmt.Errorf("store: latest stats: %w", err)
	}
	defer rows.Close()

	var out mux.LinkStats
	for rows.Next() {
		var (
			ch string
			st mux.Stats
		)
		if err := rows.Scan(&ch, &st.FramesIn, &st.FramesOut, &st.BytesIn, &st.BytesOut,
			&st.FlowControl, &st.Keepalives, &st.Resends, &st.Timeouts, &out.Dropped); err != nil {
			return mux.LinkStats{}, time.Time{}, false, fmt.Errorf("store: scan stats: %w", err)
		}
		switch ch {
		case mux.Command.String():
			out.Command = st
		case mux.Data.String():
			out.Data = st
		}
	}
	return out, time.UnixMilli(ms).UTC(), true, rows.Err()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlTransitions = `
CREATE TABLE IF NOT EXISTS transitions (
    id    INTEGER PRIMARY KEY AUTOINCREMENT,
    state TEXT    NOT NULL,   -- DISABLED, ENABLING, ...
    at    INTEGER NOT NULL    -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions (at DESC);
`

const ddlLinkStats = `
CREATE TABLE IF NOT EXISTS link_stats (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    at         INTEGER NOT NULL,  -- Unix milliseconds
    channel    TEXT    NOT NULL,  -- command | data
    frames_in  INTEGER NOT NULL DEFAULT 0,
    frames_out INTEGER NOT NULL DEFAULT 0,
    bytes_in   INTEGER NOT NULL DEFAULT 0,
    bytes_out  INTEGER NOT NULL DEFAULT 0,
    flow_control INTEGER NOT NULL DEFAULT 0,
    keepalives INTEGER NOT NULL DEFAULT 0,
    resends    INTEGER NOT NULL DEFAULT 0,
    timeouts   INTEGER NOT NULL DEFAULT 0,
    dropped    INTEGER NOT NULL DEFAULT 0  -- frames discarded across the link
);
CREATE INDEX IF NOT EXISTS idx_link_stats_at ON link_stats (at DESC);
`
