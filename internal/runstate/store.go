package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite3 driver

	"github.com/antigravity-dev/gpec/internal/plan"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`
)

const runsSchema = `CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	case_id TEXT NOT NULL DEFAULT '',
	spawn_plan TEXT NOT NULL,
	spawn_plan_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	current_node TEXT NOT NULL DEFAULT '',
	gate_state TEXT,
	worker_results TEXT NOT NULL DEFAULT '{}',
	evidence_bundle_id TEXT NOT NULL DEFAULT '',
	evidence_bundle_json TEXT NOT NULL DEFAULT '',
	caps_used TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	gate_resolutions TEXT NOT NULL DEFAULT '[]',
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);`

const documentsSchema = `CREATE TABLE IF NOT EXISTS pipeline_documents (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	case_id TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	uploaded_at DATETIME NOT NULL,
	FOREIGN KEY (run_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
);`

const runColumns = `id, tenant_id, case_id, spawn_plan, spawn_plan_hash, status, current_node,
	gate_state, worker_results, evidence_bundle_id, caps_used, error, gate_resolutions,
	started_at, completed_at, created_at, updated_at`

// Store is the SQLite-backed RunStateStore. All operations are
// tenant-scoped and use parameterized statements; every state transition
// is enforced by a WHERE-guarded UPDATE so concurrent resume/resolve
// attempts cannot double-execute, per spec.md §9.
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB as a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the pipeline_runs and pipeline_documents tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("runstate: store is not initialized")
	}
	ctx = sanitizeContext(ctx)
	if _, err := s.db.ExecContext(ctx, pragmaJournalModeWAL); err != nil {
		return fmt.Errorf("set journal mode WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pragmaForeignKeysOn); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, runsSchema); err != nil {
		return fmt.Errorf("create pipeline_runs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, documentsSchema); err != nil {
		return fmt.Errorf("create pipeline_documents table: %w", err)
	}
	return nil
}

func sanitizeContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// ErrNotFound is returned when a run or document does not exist for the
// given tenant.
var ErrNotFound = errors.New("runstate: not found")

// CreateRun inserts a new run in pending status, owned from here on by the
// RunStateStore per spec.md §3's lifecycle-and-ownership rule.
func (s *Store) CreateRun(ctx context.Context, run *PipelineRun) error {
	if run.ID == "" || run.TenantID == "" {
		return fmt.Errorf("runstate: create run requires id and tenantId")
	}
	planJSON, err := json.Marshal(run.SpawnPlan)
	if err != nil {
		return fmt.Errorf("runstate: marshal spawn plan: %w", err)
	}
	now := time.Now().UTC()
	run.Status = StatusPending
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.WorkerResults == nil {
		run.WorkerResults = map[string]plan.WorkerOutput{}
	}

	resultsJSON, _ := json.Marshal(run.WorkerResults)
	capsJSON, _ := json.Marshal(run.CapsUsed)
	resolutionsJSON, _ := json.Marshal(run.GateResolutions)

	_, err = s.db.ExecContext(sanitizeContext(ctx), `
		INSERT INTO pipeline_runs (
			id, tenant_id, case_id, spawn_plan, spawn_plan_hash, status, current_node,
			gate_state, worker_results, evidence_bundle_id, caps_used, error, gate_resolutions,
			started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, '', NULL, ?, '', ?, '', ?, NULL, NULL, ?, ?);`,
		run.ID, run.TenantID, run.CaseID, string(planJSON), run.SpawnPlanHash, run.Status,
		string(resultsJSON), string(capsJSON), string(resolutionsJSON), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("runstate: create run: %w", err)
	}
	return nil
}

// GetRun loads a run scoped to tenantID.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*PipelineRun, error) {
	row := s.db.QueryRowContext(sanitizeContext(ctx),
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ? AND tenant_id = ?;`, runID, tenantID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runstate: get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs for a tenant, optionally filtered by caseId and/or
// status, most recently created first.
func (s *Store) ListRuns(ctx context.Context, tenantID, caseID string, status Status, limit, offset int) ([]*PipelineRun, int, error) {
	var conds []string
	var args []any
	conds = append(conds, "tenant_id = ?")
	args = append(args, tenantID)
	if caseID != "" {
		conds = append(conds, "case_id = ?")
		args = append(args, caseID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	where := strings.Join(conds, " AND ")

	var count int
	if err := s.db.QueryRowContext(sanitizeContext(ctx),
		`SELECT COUNT(*) FROM pipeline_runs WHERE `+where, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("runstate: count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE ` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	rows, err := s.db.QueryContext(sanitizeContext(ctx), query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("runstate: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("runstate: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("runstate: list runs: %w", err)
	}
	return runs, count, nil
}

// StartRun transitions pending -> running. Per P7 (idempotent status
// guards), calling StartRun on a run already past pending is a no-op: the
// WHERE-guarded UPDATE simply affects zero rows and no error is returned.
func (s *Store) StartRun(ctx context.Context, tenantID, runID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?;`,
		string(StatusRunning), now, now, runID, tenantID, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("runstate: start run: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// UpdateProgress persists one worker's validated output and the run's
// cumulative caps, keeping status at running.
func (s *Store) UpdateProgress(ctx context.Context, tenantID, runID, nodeID string, output plan.WorkerOutput, caps CapsUsed) error {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.WorkerResults == nil {
		run.WorkerResults = map[string]plan.WorkerOutput{}
	}
	run.WorkerResults[nodeID] = output
	resultsJSON, err := json.Marshal(run.WorkerResults)
	if err != nil {
		return fmt.Errorf("runstate: marshal worker results: %w", err)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("runstate: marshal caps used: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET worker_results = ?, caps_used = ?, current_node = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?;`,
		string(resultsJSON), string(capsJSON), nodeID, now, runID, tenantID, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("runstate: update progress: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// PauseAtGate is the durable stop: once this commits, workerResults and
// capsUsed in the row are sufficient for ResolveGate+a later
// Supervisor.resumeAfterGate call to continue without any in-memory
// supervisor state (spec.md §4.4's durability guarantee).
func (s *Store) PauseAtGate(ctx context.Context, tenantID, runID, gateID, afterNode string, caps CapsUsed) error {
	gateState := GateState{GateID: gateID, AfterNode: afterNode, WaitingSince: time.Now().UTC()}
	gateJSON, err := json.Marshal(gateState)
	if err != nil {
		return fmt.Errorf("runstate: marshal gate state: %w", err)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("runstate: marshal caps used: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET status = ?, gate_state = ?, caps_used = ?, current_node = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?;`,
		string(StatusPausedAtGate), string(gateJSON), string(capsJSON), afterNode, now,
		runID, tenantID, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("runstate: pause at gate: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// ResolveGate appends a GateResolution and, in the same statement,
// transitions paused_at_gate -> running (approved) or -> failed
// (rejected). Per P7, resolving an already-resolved gate id is a no-op.
func (s *Store) ResolveGate(ctx context.Context, tenantID, runID, gateID string, approved bool, resolvedBy, rationale string) error {
	run, err := s.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status != StatusPausedAtGate {
		return nil
	}
	for _, existing := range run.GateResolutions {
		if existing.GateID == gateID {
			return nil
		}
	}

	resolution := GateResolution{
		GateID:     gateID,
		Approved:   approved,
		ResolvedAt: time.Now().UTC(),
		ResolvedBy: resolvedBy,
		Rationale:  rationale,
	}
	run.GateResolutions = append(run.GateResolutions, resolution)
	resolutionsJSON, err := json.Marshal(run.GateResolutions)
	if err != nil {
		return fmt.Errorf("runstate: marshal gate resolutions: %w", err)
	}

	nextStatus := StatusRunning
	errMsg := ""
	if !approved {
		nextStatus = StatusFailed
		errMsg = fmt.Sprintf("gate %s rejected by %s: %s", gateID, resolvedBy, rationale)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if nextStatus == StatusFailed {
		completedAt = &now
	}

	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET status = ?, gate_state = NULL, gate_resolutions = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?;`,
		string(nextStatus), string(resolutionsJSON), errMsg, completedAt, now,
		runID, tenantID, string(StatusPausedAtGate),
	)
	if err != nil {
		return fmt.Errorf("runstate: resolve gate: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// CompleteRun transitions running -> completed, recording the sealed
// evidence bundle id. Idempotent per P7.
func (s *Store) CompleteRun(ctx context.Context, tenantID, runID, bundleID string, results map[string]plan.WorkerOutput, caps CapsUsed) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("runstate: marshal worker results: %w", err)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("runstate: marshal caps used: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET status = ?, evidence_bundle_id = ?, worker_results = ?, caps_used = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?;`,
		string(StatusCompleted), bundleID, string(resultsJSON), string(capsJSON), now, now,
		runID, tenantID, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("runstate: complete run: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// SealRun transitions completed -> sealed. Idempotent per P7. Once sealed
// the run (and its bundle) is immutable — no further mutating method on
// this Store will affect a sealed row, since every UPDATE above guards on
// a pre-sealed status.
func (s *Store) SealRun(ctx context.Context, tenantID, runID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET status = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?;`,
		string(StatusSealed), now, runID, tenantID, string(StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("runstate: seal run: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// FailRun transitions any non-terminal status to failed. Sealed and
// completed runs are excluded by the WHERE clause, per spec.md invariant 7.
func (s *Store) FailRun(ctx context.Context, tenantID, runID, errMsg string, results map[string]plan.WorkerOutput, caps CapsUsed) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("runstate: marshal worker results: %w", err)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("runstate: marshal caps used: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET status = ?, error = ?, worker_results = ?, caps_used = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status NOT IN (?, ?);`,
		string(StatusFailed), errMsg, string(resultsJSON), string(capsJSON), now, now,
		runID, tenantID, string(StatusCompleted), string(StatusSealed),
	)
	if err != nil {
		return fmt.Errorf("runstate: fail run: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// SaveEvidenceBundle persists the sealed evidence.Bundle's own JSON
// encoding verbatim, so internal/api's evidence endpoint can reload and
// re-verify the exact bundle the Supervisor sealed rather than attempting
// a lossy reconstruction from worker_results (artifact ids, hashes, and
// sealedAt are all generated once at seal time and cannot be replayed).
func (s *Store) SaveEvidenceBundle(ctx context.Context, tenantID, runID, bundleJSON string) error {
	res, err := s.db.ExecContext(sanitizeContext(ctx), `
		UPDATE pipeline_runs SET evidence_bundle_json = ? WHERE id = ? AND tenant_id = ?;`,
		bundleJSON, runID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("runstate: save evidence bundle: %w", err)
	}
	return checkExists(res, s, ctx, tenantID, runID)
}

// GetEvidenceBundle loads the sealed evidence bundle's JSON encoding for a
// run, scoped to tenantID. Returns ErrNotFound if the run has not yet
// completed (no bundle has been sealed and saved).
func (s *Store) GetEvidenceBundle(ctx context.Context, tenantID, runID string) (string, error) {
	var bundleJSON string
	err := s.db.QueryRowContext(sanitizeContext(ctx),
		`SELECT evidence_bundle_json FROM pipeline_runs WHERE id = ? AND tenant_id = ?;`, runID, tenantID,
	).Scan(&bundleJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("runstate: get evidence bundle: %w", err)
	}
	if bundleJSON == "" {
		return "", ErrNotFound
	}
	return bundleJSON, nil
}

func checkExists(res sql.Result, s *Store, ctx context.Context, tenantID, runID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runstate: rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, tenantID, runID); err != nil {
		return err
	}
	return nil
}

// CreateDocument records an uploaded document.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	doc.UploadedAt = time.Now().UTC()
	_, err := s.db.ExecContext(sanitizeContext(ctx), `
		INSERT INTO pipeline_documents (id, run_id, tenant_id, case_id, filename, mime_type, size_bytes, content_hash, storage_key, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		doc.ID, doc.RunID, doc.TenantID, doc.CaseID, doc.Filename, doc.MimeType, doc.SizeBytes, doc.ContentHash, doc.StorageKey, doc.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("runstate: create document: %w", err)
	}
	return nil
}

// GetDocument loads one document's storage metadata, scoped to tenantID,
// so a worker's ReadDocument call can be resolved to a filesystem path
// without the caller needing direct database access.
func (s *Store) GetDocument(ctx context.Context, tenantID, docID string) (*Document, error) {
	row := s.db.QueryRowContext(sanitizeContext(ctx), `
		SELECT id, run_id, tenant_id, case_id, filename, mime_type, size_bytes, content_hash, storage_key, uploaded_at
		FROM pipeline_documents WHERE id = ? AND tenant_id = ?;`, docID, tenantID)

	var doc Document
	if err := row.Scan(&doc.ID, &doc.RunID, &doc.TenantID, &doc.CaseID, &doc.Filename, &doc.MimeType,
		&doc.SizeBytes, &doc.ContentHash, &doc.StorageKey, &doc.UploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runstate: get document: %w", err)
	}
	return &doc, nil
}

func scanRun(scanner interface{ Scan(...any) error }) (*PipelineRun, error) {
	var run PipelineRun
	var planJSON, resultsJSON, capsJSON, resolutionsJSON string
	var gateJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	var status string

	if err := scanner.Scan(
		&run.ID, &run.TenantID, &run.CaseID, &planJSON, &run.SpawnPlanHash, &status, &run.CurrentNode,
		&gateJSON, &resultsJSON, &run.EvidenceBundleID, &capsJSON, &run.Error, &resolutionsJSON,
		&startedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.Status = Status(status)

	if err := json.Unmarshal([]byte(planJSON), &run.SpawnPlan); err != nil {
		return nil, fmt.Errorf("decode spawn plan: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &run.WorkerResults); err != nil {
		return nil, fmt.Errorf("decode worker results: %w", err)
	}
	if err := json.Unmarshal([]byte(capsJSON), &run.CapsUsed); err != nil {
		return nil, fmt.Errorf("decode caps used: %w", err)
	}
	if err := json.Unmarshal([]byte(resolutionsJSON), &run.GateResolutions); err != nil {
		return nil, fmt.Errorf("decode gate resolutions: %w", err)
	}
	if gateJSON.Valid && strings.TrimSpace(gateJSON.String) != "" {
		var gs GateState
		if err := json.Unmarshal([]byte(gateJSON.String), &gs); err != nil {
			return nil, fmt.Errorf("decode gate state: %w", err)
		}
		run.GateState = &gs
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	return &run, nil
}
