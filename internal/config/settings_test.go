package config

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("KB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KB_TEST_POSTGRES_DSN not set, skipping settings integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if _, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS runtime_settings (
			key        TEXT PRIMARY KEY,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		t.Fatalf("create runtime_settings: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestSettingsStoreSetGetRoundTrip(t *testing.T) {
	pool := testPool(t)
	s := NewSettingsStore(pool)
	ctx := context.Background()

	if err := s.Set(ctx, "vector_similarity_floor", 0.2); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got float64
	if err := s.Get(ctx, "vector_similarity_floor", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 0.2 {
		t.Errorf("Get = %v, want 0.2", got)
	}
}

func TestSettingsStoreGetMissingKeyNotFound(t *testing.T) {
	pool := testPool(t)
	s := NewSettingsStore(pool)

	var dest string
	err := s.Get(context.Background(), "does_not_exist", &dest)
	if err == nil {
		t.Fatal("expected an error for a missing key")
	}
}

func TestSettingsStoreDeleteRemovesKey(t *testing.T) {
	pool := testPool(t)
	s := NewSettingsStore(pool)
	ctx := context.Background()

	if err := s.Set(ctx, "to_delete", "value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "to_delete"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var dest string
	if err := s.Get(ctx, "to_delete", &dest); err == nil {
		t.Fatal("expected deleted key to be not found")
	}
}
