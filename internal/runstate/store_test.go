package runstate

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/gpec/internal/plan"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func testRun(id string) *PipelineRun {
	return &PipelineRun{
		ID:            id,
		TenantID:      "tenant-a",
		SpawnPlan:     plan.SpawnPlan{PlanID: "plan-1", Version: plan.Version},
		SpawnPlanHash: "deadbeef",
	}
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := testRun("run-1")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, "deadbeef", got.SpawnPlanHash)
}

func TestGetRunWrongTenantNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))

	_, err := s.GetRun(ctx, "tenant-b", "run-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStartRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))

	require.NoError(t, s.StartRun(ctx, "tenant-a", "run-1"))
	got, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)

	// Second call is a no-op: status stays running, no error.
	require.NoError(t, s.StartRun(ctx, "tenant-a", "run-1"))
	got2, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got2.Status)
}

func TestPauseAtGateThenResolveApprovedResumesRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, s.StartRun(ctx, "tenant-a", "run-1"))

	require.NoError(t, s.PauseAtGate(ctx, "tenant-a", "run-1", "gate-1", "node-b2", CapsUsed{Tokens: 10}))
	got, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusPausedAtGate, got.Status)
	require.NotNil(t, got.GateState)
	require.Equal(t, "gate-1", got.GateState.GateID)

	require.NoError(t, s.ResolveGate(ctx, "tenant-a", "run-1", "gate-1", true, "reviewer-a", ""))
	got2, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got2.Status)
	require.Nil(t, got2.GateState)
	require.Len(t, got2.GateResolutions, 1)
}

func TestResolveGateRejectedFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, s.StartRun(ctx, "tenant-a", "run-1"))
	require.NoError(t, s.PauseAtGate(ctx, "tenant-a", "run-1", "gate-1", "node-b2", CapsUsed{}))

	require.NoError(t, s.ResolveGate(ctx, "tenant-a", "run-1", "gate-1", false, "reviewer-a", "insufficient evidence"))
	got, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Contains(t, got.Error, "insufficient evidence")
}

func TestResolveGateIsIdempotentPerGateID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, s.StartRun(ctx, "tenant-a", "run-1"))
	require.NoError(t, s.PauseAtGate(ctx, "tenant-a", "run-1", "gate-1", "node-b2", CapsUsed{}))
	require.NoError(t, s.ResolveGate(ctx, "tenant-a", "run-1", "gate-1", true, "reviewer-a", ""))

	// Resolving the same gate id again (run already resumed to running,
	// not paused_at_gate) is a no-op, not an error.
	require.NoError(t, s.ResolveGate(ctx, "tenant-a", "run-1", "gate-1", true, "reviewer-b", ""))
	got, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Len(t, got.GateResolutions, 1)
}

func TestCompleteThenSealRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, s.StartRun(ctx, "tenant-a", "run-1"))

	results := map[string]plan.WorkerOutput{"node-a1": {NodeID: "node-a1", Status: plan.OutputSuccess}}
	require.NoError(t, s.CompleteRun(ctx, "tenant-a", "run-1", "bundle-1", results, CapsUsed{Tokens: 5}))

	got, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "bundle-1", got.EvidenceBundleID)

	require.NoError(t, s.SealRun(ctx, "tenant-a", "run-1"))
	sealed, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusSealed, sealed.Status)

	// Sealed runs are immutable: FailRun must not affect them.
	require.NoError(t, s.FailRun(ctx, "tenant-a", "run-1", "should not apply", nil, CapsUsed{}))
	stillSealed, err := s.GetRun(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusSealed, stillSealed.Status)
}

func TestCreateAndGetDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))

	doc := &Document{ID: "doc-1", RunID: "run-1", TenantID: "tenant-a", Filename: "intake.pdf", MimeType: "application/pdf", SizeBytes: 10, ContentHash: "abc", StorageKey: "run/run-1/uploads/doc-1_intake.pdf"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "tenant-a", "doc-1")
	require.NoError(t, err)
	require.Equal(t, "intake.pdf", got.Filename)

	_, err = s.GetDocument(ctx, "tenant-b", "doc-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateRun(ctx, testRun("run-1")))
	require.NoError(t, s.CreateRun(ctx, testRun("run-2")))
	require.NoError(t, s.StartRun(ctx, "tenant-a", "run-2"))

	runs, count, err := s.ListRuns(ctx, "tenant-a", "", StatusPending, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, runs, 1)
	require.Equal(t, "run-1", runs[0].ID)
}
