// Package supervisor implements the Supervisor: the execution engine that
// drives one PipelineRun node-by-node to completed, paused_at_gate, or
// failed. Its two public entry points, StartExecution and
// ResumeAfterGate, each take one run (a PipelineRun, or a tenant and run
// ID) and return an ExecutionResult — this is never modeled as a long-lived in-memory
// actor (see DESIGN.md's Temporal discussion); all authoritative state
// lives in the RunStateStore between calls.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/antigravity-dev/gpec/internal/docstore"
	"github.com/antigravity-dev/gpec/internal/evidence"
	"github.com/antigravity-dev/gpec/internal/modelproxy"
	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/runstate"
)

// ExecutionResult is the shape both public entry points return
// (spec.md §4.3).
type ExecutionResult struct {
	RunID          string
	Status         runstate.Status
	CurrentNode    string
	GateID         string
	Error          string
	EvidenceBundle *evidence.Bundle
	CapsUsed       runstate.CapsUsed
	WorkerResults  map[string]plan.WorkerOutput
}

// Supervisor holds only read-only/shared collaborators; it keeps no
// authoritative per-run state between calls.
type Supervisor struct {
	store  *runstate.Store
	docs   *docstore.Store
	proxy  modelproxy.Proxy
	logger *slog.Logger
}

// New builds a Supervisor. proxy may be modelproxy.Unconfigured{} if no
// backend is wired, in which case any worker that calls ModelProxy fails
// with modelproxy.ErrUnconfigured (mapped to HTTP 503 by internal/api).
func New(store *runstate.Store, docs *docstore.Store, proxy modelproxy.Proxy, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{store: store, docs: docs, proxy: proxy, logger: logger}
}

// StartExecution runs preflight, transitions the run to running, and
// drives the execution loop from index 0.
func (s *Supervisor) StartExecution(ctx context.Context, run *runstate.PipelineRun) (ExecutionResult, error) {
	if run.Status != runstate.StatusPending {
		return ExecutionResult{}, fmt.Errorf("supervisor: start refused: run %s is %s, not pending", run.ID, run.Status)
	}
	if err := s.preflight(&run.SpawnPlan); err != nil {
		return s.failRun(ctx, run, err)
	}
	if err := s.store.StartRun(ctx, run.TenantID, run.ID); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: start run: %w", err)
	}
	bundle := evidence.New(run.ID, run.SpawnPlanHash)
	return s.execLoop(ctx, run, bundle, 0)
}

// ResumeAfterGate reconstructs state entirely from the RunStateStore — it
// holds no authoritative in-memory state from the pause — and continues
// the loop one node past the gated node.
func (s *Supervisor) ResumeAfterGate(ctx context.Context, tenantID, runID string) (ExecutionResult, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if run.Status != runstate.StatusRunning {
		return ExecutionResult{}, fmt.Errorf("supervisor: resume refused: run %s is %s, not running", runID, run.Status)
	}

	idx := run.SpawnPlan.NodeIndex(run.CurrentNode)
	if idx < 0 {
		return ExecutionResult{}, fmt.Errorf("supervisor: resume refused: current node %q not found in plan", run.CurrentNode)
	}

	bundle := evidence.New(run.ID, run.SpawnPlanHash)
	for nodeID, output := range run.WorkerResults {
		if _, err := bundle.AddArtifact(evidence.ArtifactWorkerOutput, nodeID+".json", "restored worker output", nodeID, output.Data); err != nil {
			return ExecutionResult{}, fmt.Errorf("supervisor: restore bundle artifacts: %w", err)
		}
	}

	return s.execLoop(ctx, run, bundle, idx+1)
}

// preflight re-checks the plan's structural invariants independently of
// PackCompiler, per spec.md §4.3.
func (s *Supervisor) preflight(p *plan.SpawnPlan) error {
	if p.Caps.MaxWorkers > 0 && len(p.Nodes) > p.Caps.MaxWorkers {
		return &CapExceededError{Dimension: "maxWorkers"}
	}
	for _, n := range p.Nodes {
		if !plan.IsAllowedType(n.Type) {
			return &ForbiddenTypeError{NodeID: n.ID, Type: string(n.Type)}
		}
	}
	if len(p.Nodes) == 0 || p.Nodes[0].Type != plan.WorkerGateway {
		return fmt.Errorf("PlanInvalid: first node must be type gateway")
	}
	if p.Nodes[len(p.Nodes)-1].Type != plan.WorkerTelemetry {
		return fmt.Errorf("PlanInvalid: last node must be type telemetry")
	}
	for _, g := range p.Gates {
		if _, ok := p.NodeByID(g.AfterNode); !ok {
			return fmt.Errorf("PlanInvalid: gate %s.afterNode %q does not resolve", g.ID, g.AfterNode)
		}
	}
	return nil
}

func (s *Supervisor) failRun(ctx context.Context, run *runstate.PipelineRun, cause error) (ExecutionResult, error) {
	errMsg := cause.Error()
	if err := s.store.FailRun(ctx, run.TenantID, run.ID, errMsg, run.WorkerResults, run.CapsUsed); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: persist failure: %w", err)
	}
	s.logger.Error("run failed", "runId", run.ID, "error", errMsg)
	return ExecutionResult{
		RunID:         run.ID,
		Status:        runstate.StatusFailed,
		Error:         errMsg,
		CapsUsed:      run.CapsUsed,
		WorkerResults: run.WorkerResults,
	}, nil
}

// capCents matches spec.md §4.3 step 7's cost accrual formula.
func capCents(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return (tokens + 999) / 1000
}

func elapsedMs(start time.Time) int {
	return int(time.Since(start).Milliseconds())
}
