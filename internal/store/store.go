// Package store provides the SQLite-backed event store: the append-only
// event log, payment entries, agent credentials, and world snapshots.
// All writes are serialized by an internal mutex (the db lock); callers
// must never hold the world lock while calling in here.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection for event-sourced persistence. mu is
// the db lock from the concurrency design: one writer at a time, always
// acquired after the world lock has been released.
type Store struct {
	mu   sync.Mutex
	conn *sqlx.DB
}

// Open opens or creates the database at path and runs migrations.
func Open(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		api_key TEXT NOT NULL,
		state_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_ref TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		paid_asset TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		type TEXT NOT NULL,
		agent_id TEXT,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_snapshots (
		tick INTEGER PRIMARY KEY,
		state_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);
	CREATE INDEX IF NOT EXISTS idx_events_type_tick ON events(type, tick);
	CREATE INDEX IF NOT EXISTS idx_agents_api_key ON agents(api_key);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// StoredEvent is one persisted event row.
type StoredEvent struct {
	ID        int64           `db:"id" json:"id"`
	Tick      int             `db:"tick" json:"tick"`
	Type      string          `db:"type" json:"type"`
	AgentID   string          `db:"agent_id" json:"agent_id,omitempty"`
	Payload   json.RawMessage `db:"payload_json" json:"payload"`
	CreatedAt string          `db:"created_at" json:"created_at"`
}

// AppendEvent appends one event row. An empty agentID is stored as NULL.
func (s *Store) AppendEvent(tick int, typ, agentID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	var agent any
	if agentID != "" {
		agent = agentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.Exec(
		"INSERT INTO events (tick, type, agent_id, payload_json, created_at) VALUES (?, ?, ?, ?, ?)",
		tick, typ, agent, string(raw), utcNow(),
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", typ, err)
	}
	return nil
}

// RecentEvents returns the newest events, most recent first.
func (s *Store) RecentEvents(limit int) ([]StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := []struct {
		ID        int64          `db:"id"`
		Tick      int            `db:"tick"`
		Type      string         `db:"type"`
		AgentID   sql.NullString `db:"agent_id"`
		Payload   string         `db:"payload_json"`
		CreatedAt string         `db:"created_at"`
	}{}
	err := s.conn.Select(&rows,
		"SELECT id, tick, type, agent_id, payload_json, created_at FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	out := make([]StoredEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, StoredEvent{
			ID:        r.ID,
			Tick:      r.Tick,
			Type:      r.Type,
			AgentID:   r.AgentID.String,
			Payload:   json.RawMessage(r.Payload),
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// ActionsForTick returns the ACTION_SUBMITTED events targeting a tick, in
// append order. Replay buckets them by agent with last-write-wins, which
// matches the live slot map's overwrite semantics.
func (s *Store) ActionsForTick(tick int) ([]StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := []struct {
		ID      int64          `db:"id"`
		AgentID sql.NullString `db:"agent_id"`
		Payload string         `db:"payload_json"`
	}{}
	err := s.conn.Select(&rows,
		"SELECT id, agent_id, payload_json FROM events WHERE tick = ? AND type = 'ACTION_SUBMITTED' ORDER BY id ASC",
		tick,
	)
	if err != nil {
		return nil, fmt.Errorf("actions for tick %d: %w", tick, err)
	}

	out := make([]StoredEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, StoredEvent{
			ID:      r.ID,
			Tick:    tick,
			Type:    "ACTION_SUBMITTED",
			AgentID: r.AgentID.String,
			Payload: json.RawMessage(r.Payload),
		})
	}
	return out, nil
}

// MaxResolvedTick returns the highest tick with a TICK_RESOLVED event, or
// zero when none exists.
func (s *Store) MaxResolvedTick() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t sql.NullInt64
	err := s.conn.Get(&t, "SELECT MAX(tick) FROM events WHERE type = 'TICK_RESOLVED'")
	if err != nil {
		return 0, fmt.Errorf("max resolved tick: %w", err)
	}
	return int(t.Int64), nil
}

// UpsertSnapshot writes the snapshot row for a tick, replacing any
// previous state for the same tick.
func (s *Store) UpsertSnapshot(tick int, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO world_snapshots (tick, state_json, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(tick) DO UPDATE SET state_json=excluded.state_json, created_at=excluded.created_at`,
		tick, string(state), utcNow(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %d: %w", tick, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot, or ok=false when the table
// is empty.
func (s *Store) LatestSnapshot() (tick int, state []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := struct {
		Tick  int    `db:"tick"`
		State string `db:"state_json"`
	}{}
	err = s.conn.Get(&row, "SELECT tick, state_json FROM world_snapshots ORDER BY tick DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return row.Tick, []byte(row.State), true, nil
}

// UpsertAgent writes an agent credential row and its serialized state.
func (s *Store) UpsertAgent(agentID, apiKey string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.Exec(
		`INSERT INTO agents (agent_id, api_key, state_json, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET api_key=excluded.api_key, state_json=excluded.state_json`,
		agentID, apiKey, string(raw), utcNow(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agentID, err)
	}
	return nil
}

// AgentIDByKey resolves an api key to an agent id for authentication.
func (s *Store) AgentIDByKey(apiKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.conn.Get(&id, "SELECT agent_id FROM agents WHERE api_key = ? LIMIT 1", apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("agent by key: %w", err)
	}
	return id, true, nil
}

// AgentKey returns the api key for an agent id, used to decide whether a
// replayed agent still has a credential row worth refreshing.
func (s *Store) AgentKey(agentID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	err := s.conn.Get(&key, "SELECT api_key FROM agents WHERE agent_id = ? LIMIT 1", agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("agent key: %w", err)
	}
	return key, true, nil
}

// InsertEntry records a payment entry.
func (s *Store) InsertEntry(txRef, agentID, paidAsset, paidAmount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		"INSERT INTO entries (tx_ref, agent_id, paid_asset, paid_amount, created_at) VALUES (?, ?, ?, ?, ?)",
		txRef, agentID, paidAsset, paidAmount, utcNow(),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// ResetRegistry deletes all agent credentials and payment entries. Used by
// the admin world reset; the event log is kept for history.
func (s *Store) ResetRegistry() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM agents"); err != nil {
		return fmt.Errorf("clear agents: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM entries"); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return tx.Commit()
}

// ResetAll truncates the event log, snapshots, credentials, and payment
// entries. Only the admin world reset uses it; everything restarts from a
// genesis snapshot afterwards.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "world_snapshots", "agents", "entries"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
