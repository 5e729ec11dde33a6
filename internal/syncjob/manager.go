// Package syncjob implements the single-flight Sync Job Manager: a
// DB-claimed named job slot that prevents overlapping portal/website sync
// runs, plus the Sync Logger that records per-run and per-item outcomes.
package syncjob

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

// Status is a snapshot of a named job's state in document_sync.
type Status struct {
	JobName        string
	State          string // "idle" (no row yet), "running", "succeeded", "failed"
	TriggerSource  string
	TriggeredBy    string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	RuntimeSeconds *float64
	Result         map[string]any
	Error          string
}

// Manager serializes runs of a single named job against the document_sync
// table's conditional upsert, so only one instance of the job runs at a
// time across the whole process (and, via the DB row, across replicas).
type Manager struct {
	pool    *pgxpool.Pool
	jobName string
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewManager constructs a Manager for jobName (config.SyncConfig.JobName).
func NewManager(pool *pgxpool.Pool, jobName string) *Manager {
	return &Manager{
		pool:    pool,
		jobName: jobName,
		logger:  observability.Logger("syncjob.manager"),
	}
}

// Claim attempts to transition the job from any non-"running" state (or no
// row at all) into "running", atomically, via an INSERT ... ON CONFLICT DO
// UPDATE ... WHERE state <> 'running'. It returns claimed=false without
// error when another run already holds the slot.
func (m *Manager) Claim(ctx context.Context, triggerSource, triggeredBy string) (claimed bool, status Status, err error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		status, err = m.Fetch(ctx)
		return false, status, err
	}
	m.mu.Unlock()

	if triggerSource == "" {
		triggerSource = "unknown"
	}

	row := m.pool.QueryRow(ctx, `
		INSERT INTO document_sync (job_name, state, trigger_source, triggered_by, started_at, finished_at, runtime_seconds, result, error, updated_at)
		VALUES ($1, 'running', $2, $3, now(), NULL, NULL, NULL, NULL, now())
		ON CONFLICT (job_name) DO UPDATE
		SET state = 'running',
		    trigger_source = EXCLUDED.trigger_source,
		    triggered_by = EXCLUDED.triggered_by,
		    started_at = now(),
		    finished_at = NULL,
		    runtime_seconds = NULL,
		    result = NULL,
		    error = NULL,
		    updated_at = now()
		WHERE document_sync.state <> 'running'
		RETURNING job_name, state, trigger_source, triggered_by, started_at, finished_at, runtime_seconds, result, error`,
		m.jobName, triggerSource, nullableString(triggeredBy))

	s, scanErr := scanStatus(row)
	if scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			existing, fetchErr := m.Fetch(ctx)
			return false, existing, fetchErr
		}
		return false, Status{}, kberrors.Wrap(kberrors.Storage, scanErr, "claiming sync job %s", m.jobName)
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	return true, s, nil
}

// Finalize transitions a claimed job to "succeeded" or "failed", recording
// runtime and either a JSON result or an error message.
func (m *Manager) Finalize(ctx context.Context, state string, runtimeSeconds float64, result map[string]any, errMsg string) (Status, error) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return Status{}, kberrors.Wrap(kberrors.BadInput, err, "marshaling sync job result")
		}
	}

	row := m.pool.QueryRow(ctx, `
		UPDATE document_sync
		SET state = $1, finished_at = now(), runtime_seconds = $2, result = $3, error = $4, updated_at = now()
		WHERE job_name = $5
		RETURNING job_name, state, trigger_source, triggered_by, started_at, finished_at, runtime_seconds, result, error`,
		state, runtimeSeconds, resultJSON, nullableString(errMsg), m.jobName)

	s, err := scanStatus(row)
	if err != nil {
		return Status{}, kberrors.Wrap(kberrors.Storage, err, "finalizing sync job %s", m.jobName)
	}
	return s, nil
}

// Fetch returns the current row for the job, or an idle zero-state Status
// if no row exists yet.
func (m *Manager) Fetch(ctx context.Context) (Status, error) {
	row := m.pool.QueryRow(ctx, `
		SELECT job_name, state, trigger_source, triggered_by, started_at, finished_at, runtime_seconds, result, error
		FROM document_sync WHERE job_name = $1`, m.jobName)

	s, err := scanStatus(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Status{JobName: m.jobName, State: "idle"}, nil
		}
		return Status{}, kberrors.Wrap(kberrors.Storage, err, "fetching sync job %s", m.jobName)
	}
	return s, nil
}

// Run claims the job, invokes fn, and finalizes the job's state based on
// whether fn returned an error, recording elapsed wall time. It returns
// claimed=false without calling fn when the job is already running.
func (m *Manager) Run(ctx context.Context, triggerSource, triggeredBy string, fn func(ctx context.Context) (map[string]any, error)) (claimed bool, final Status, err error) {
	claimed, _, err = m.Claim(ctx, triggerSource, triggeredBy)
	if err != nil || !claimed {
		return claimed, Status{}, err
	}

	start := time.Now()
	result, runErr := fn(ctx)
	runtime := time.Since(start).Seconds()

	state := "succeeded"
	errMsg := ""
	if runErr != nil {
		state = "failed"
		errMsg = runErr.Error()
		m.logger.Error().Err(runErr).Str("job", m.jobName).Msg("sync job failed")
	}

	final, finalizeErr := m.Finalize(ctx, state, runtime, result, errMsg)
	if finalizeErr != nil {
		return true, Status{}, finalizeErr
	}
	return true, final, nil
}

func scanStatus(row pgx.Row) (Status, error) {
	var s Status
	var triggerSource, triggeredBy, errMsg *string
	var resultJSON []byte

	if err := row.Scan(&s.JobName, &s.State, &triggerSource, &triggeredBy,
		&s.StartedAt, &s.FinishedAt, &s.RuntimeSeconds, &resultJSON, &errMsg); err != nil {
		return Status{}, err
	}

	if triggerSource != nil {
		s.TriggerSource = *triggerSource
	}
	if triggeredBy != nil {
		s.TriggeredBy = *triggeredBy
	}
	if errMsg != nil {
		s.Error = *errMsg
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &s.Result); err != nil {
			return Status{}, err
		}
	}
	return s, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
