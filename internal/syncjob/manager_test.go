package syncjob

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
		t.Skip("KB_TEST_POSTGRES_DSN not set, skipping integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestLoggerTallySummarizesByItemType(t *testing.T) {
	l := &Logger{results: []ItemResult{
		{ItemType: ItemDocument, Status: "success"},
		{ItemType: ItemDocument, Status: "failed"},
		{ItemType: ItemWebsite, Status: "success"},
		{ItemType: ItemWebsite, Status: "success"},
	}}

	docs := l.tally(ItemDocument)
	if docs.total != 2 || docs.ok != 1 || docs.failed != 1 {
		t.Errorf("docs tally = %+v", docs)
	}

	sites := l.tally(ItemWebsite)
	if sites.total != 2 || sites.ok != 2 || sites.failed != 0 {
		t.Errorf("sites tally = %+v", sites)
	}
}

func TestManagerClaimAndFinalize(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS document_sync (
		job_name TEXT PRIMARY KEY, state TEXT NOT NULL, trigger_source TEXT, triggered_by TEXT,
		started_at TIMESTAMPTZ, finished_at TIMESTAMPTZ, runtime_seconds DOUBLE PRECISION,
		result JSONB, error TEXT, updated_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		t.Fatalf("creating document_sync: %v", err)
	}
	defer pool.Exec(ctx, `DELETE FROM document_sync WHERE job_name = 'test_job'`)

	m := NewManager(pool, "test_job")

	claimed, status, err := m.Claim(ctx, "api", "tester")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to succeed")
	}
	if status.State != "running" {
		t.Errorf("state = %q, want running", status.State)
	}

	m2 := NewManager(pool, "test_job")
	claimed2, _, err := m2.Claim(ctx, "cron", "system")
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if claimed2 {
		t.Fatal("expected second claim to be rejected while job is running")
	}

	final, err := m.Finalize(ctx, "succeeded", 1.5, map[string]any{"files": 3}, "")
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if final.State != "succeeded" {
		t.Errorf("final state = %q", final.State)
	}

	claimed3, _, err := m2.Claim(ctx, "cron", "system")
	if err != nil {
		t.Fatalf("third Claim failed: %v", err)
	}
	if !claimed3 {
		t.Fatal("expected claim to succeed once job finished")
	}
	m2.Finalize(ctx, "succeeded", 0.1, nil, "")
}
