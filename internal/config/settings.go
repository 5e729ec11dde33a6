package config

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
)

// SettingsStore reads and writes runtime key/value settings, backed by the
// runtime_settings table. Stored values are not merged into the static
// Config loaded at startup.
type SettingsStore struct {
	pool *pgxpool.Pool
}

// NewSettingsStore constructs a SettingsStore over an existing pool, shared
// with catalog.Store so both read/write the same transactional database.
func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// Get unmarshals the value stored under key into dest. It returns
// kberrors.NotFound when no row exists for key.
func (s *SettingsStore) Get(ctx context.Context, key string, dest any) error {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM runtime_settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return kberrors.New(kberrors.NotFound, "runtime setting %q not found", key)
		}
		return kberrors.Wrap(kberrors.Storage, err, "fetching runtime setting %q", key)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return kberrors.Wrap(kberrors.BadInput, err, "decoding runtime setting %q", key)
	}
	return nil
}

// Set upserts key with value, marshaled to JSON.
func (s *SettingsStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return kberrors.Wrap(kberrors.BadInput, err, "encoding runtime setting %q", key)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runtime_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, raw)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "saving runtime setting %q", key)
	}
	return nil
}

// All returns every runtime setting as raw JSON, for an operator dump or
// admin panel listing.
func (s *SettingsStore) All(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM runtime_settings ORDER BY key`)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "listing runtime settings")
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, kberrors.Wrap(kberrors.Storage, err, "scanning runtime setting row")
		}
		out[key] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

// Delete removes key, if present.
func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM runtime_settings WHERE key = $1`, key)
	if err != nil {
		return kberrors.Wrap(kberrors.Storage, err, "deleting runtime setting %q", key)
	}
	return nil
}
