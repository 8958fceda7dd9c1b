package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// DefaultMaxStateBytes caps a plugin's persisted state blob.
const DefaultMaxStateBytes = 1 << 20 // 1 MiB

// Store persists per-plugin state blobs. Plugins receive their state in
// every request envelope and return shallow updates in the response; the
// host owns persistence so plugin processes stay stateless between spawns.
type Store struct {
	db            *sql.DB
	maxStateBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		maxStateBytes: DefaultMaxStateBytes,
	}
}

// Get returns the full state blob for a plugin, or {} if missing.
func (s *Store) Get(ctx context.Context, plugin string) (json.RawMessage, error) {
	if plugin == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM plugin_state WHERE plugin_name = ?;", plugin).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored plugin state is invalid JSON for plugin=%q", plugin)
	}
	return json.RawMessage(raw), nil
}

// GetMap returns the state blob decoded into a map, for the request envelope.
func (s *Store) GetMap(ctx context.Context, plugin string) (map[string]any, error) {
	raw, err := s.Get(ctx, plugin)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode plugin state: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// ApplyUpdates shallow-merges a response's state_updates into the stored
// blob (top-level keys replaced) and returns the merged state.
func (s *Store) ApplyUpdates(ctx context.Context, plugin string, updates map[string]any) (json.RawMessage, error) {
	if plugin == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}
	if len(updates) == 0 {
		return s.Get(ctx, plugin)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT state FROM plugin_state WHERE plugin_name = ?;", plugin).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read plugin state: %w", err)
	}

	var cur map[string]any
	if err := json.Unmarshal([]byte(curRaw), &cur); err != nil {
		return nil, fmt.Errorf("decode stored state: %w", err)
	}
	if cur == nil {
		cur = map[string]any{}
	}

	maps.Copy(cur, updates)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	if len(merged) > s.maxStateBytes {
		return nil, fmt.Errorf("plugin state exceeds max size (%d bytes)", s.maxStateBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO plugin_state(plugin_name, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, plugin, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert plugin state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}
