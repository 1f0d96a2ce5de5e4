package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/gpec/internal/compiler"
	"github.com/antigravity-dev/gpec/internal/evidence"
	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
	"github.com/antigravity-dev/gpec/internal/runstate"
	"github.com/antigravity-dev/gpec/internal/workers"
)

// execLoop drives run's SpawnPlan from startIndex to completion, a gate
// pause, or a failure. It is the sole place node execution happens; the
// rest of the Supervisor's public surface only sets up or tears down
// around a call to this.
func (s *Supervisor) execLoop(ctx context.Context, run *runstate.PipelineRun, bundle *evidence.Bundle, startIndex int) (ExecutionResult, error) {
	start := time.Now()
	caps := run.CapsUsed
	if run.WorkerResults == nil {
		run.WorkerResults = map[string]plan.WorkerOutput{}
	}

	for i := startIndex; i < len(run.SpawnPlan.Nodes); i++ {
		node := run.SpawnPlan.Nodes[i]

		// 1. Cumulative cap precheck.
		if c := run.SpawnPlan.Caps; (c.MaxWorkers > 0 && caps.WorkersSpawned >= c.MaxWorkers) ||
			(c.MaxTokens > 0 && caps.Tokens >= c.MaxTokens) ||
			(c.MaxRuntimeMs > 0 && elapsedMs(start) >= c.MaxRuntimeMs) {
			dim := "maxRuntimeMs"
			switch {
			case c.MaxWorkers > 0 && caps.WorkersSpawned >= c.MaxWorkers:
				dim = "maxWorkers"
			case c.MaxTokens > 0 && caps.Tokens >= c.MaxTokens:
				dim = "maxTokens"
			}
			return s.failRun(ctx, run, &CapExceededError{Dimension: dim})
		}

		// 2. Type check.
		if !plan.IsAllowedType(node.Type) {
			return s.failRun(ctx, run, &ForbiddenTypeError{NodeID: node.ID, Type: string(node.Type)})
		}
		module, ok := registry.Get(node.Type)
		if !ok {
			return s.failRun(ctx, run, &ForbiddenTypeError{NodeID: node.ID, Type: string(node.Type)})
		}

		// 3. Assemble worker input.
		input := s.assembleInput(run, node)

		// 4. Build scoped WorkerContext.
		wctx := workers.NewContext(ctx, run.ID, s.proxy, s.docs, s.docLookup(run.TenantID), registry.PolicyView{
			PIIPolicy:       run.SpawnPlan.PIIPolicy,
			GovernanceLevel: run.SpawnPlan.GovernanceLevel,
			Constraints:     node.Instruction.Constraints,
		})

		// 5. Execute with per-worker timeout.
		output, err := s.spawnWorker(ctx, module, node, input, wctx)
		if err != nil {
			return s.failRun(ctx, run, err)
		}

		// 6. Output validation.
		if err := validateOutput(node, output); err != nil {
			return s.failRun(ctx, run, err)
		}
		if err := compiler.ValidateWorkerOutputShape(output.Data); err != nil {
			return s.failRun(ctx, run, &SchemaViolationError{Path: node.ID + ".data", Reason: err.Error()})
		}
		if path, found := plan.FindForbiddenKey(output.Data); found {
			return s.failRun(ctx, run, &ForbiddenKeyError{Path: node.ID + ".data" + path})
		}

		// 10. Worker-reported error (checked ahead of recording so a failed
		// node is never recorded as if it succeeded).
		if output.Status == plan.OutputError {
			return s.failRun(ctx, run, &WorkerErrorError{NodeID: node.ID, Summary: output.Summary})
		}

		// 7. Record.
		output.NodeID = node.ID
		output.Type = node.Type
		run.WorkerResults[node.ID] = output
		caps.Tokens += output.TokensUsed
		caps.RuntimeMs += output.DurationMs
		caps.WorkersSpawned++
		caps.CostCents += capCents(output.TokensUsed)
		run.CapsUsed = caps
		if err := s.store.UpdateProgress(ctx, run.TenantID, run.ID, node.ID, output, caps); err != nil {
			return ExecutionResult{}, fmt.Errorf("supervisor: persist progress: %w", err)
		}
		if _, err := bundle.AddArtifact(evidence.ArtifactWorkerOutput, node.ID+".json", node.Label, node.ID, output.Data); err != nil {
			return ExecutionResult{}, fmt.Errorf("supervisor: append evidence artifact: %w", err)
		}

		// 8. Per-worker cap postcheck.
		if node.PerWorkerCaps.MaxTokens > 0 && output.TokensUsed > node.PerWorkerCaps.MaxTokens {
			s.logger.Warn("worker exceeded per-worker token cap", "runId", run.ID, "nodeId", node.ID,
				"tokensUsed", output.TokensUsed, "maxTokens", node.PerWorkerCaps.MaxTokens)
			if run.SpawnPlan.GovernanceLevel != plan.GovernanceAdvisory {
				return s.failRun(ctx, run, &CapExceededError{Dimension: fmt.Sprintf("node %s maxTokens", node.ID)})
			}
		}

		// 9. Gate check — durable stop.
		for _, g := range run.SpawnPlan.Gates {
			if g.AfterNode == node.ID && g.RequiresApproval {
				if err := s.store.PauseAtGate(ctx, run.TenantID, run.ID, g.ID, node.ID, caps); err != nil {
					return ExecutionResult{}, fmt.Errorf("supervisor: persist gate pause: %w", err)
				}
				return ExecutionResult{
					RunID:         run.ID,
					Status:        runstate.StatusPausedAtGate,
					CurrentNode:   node.ID,
					GateID:        g.ID,
					CapsUsed:      caps,
					WorkerResults: run.WorkerResults,
				}, nil
			}
		}
	}

	return s.completeRun(ctx, run, bundle, caps)
}

func (s *Supervisor) completeRun(ctx context.Context, run *runstate.PipelineRun, bundle *evidence.Bundle, caps runstate.CapsUsed) (ExecutionResult, error) {
	gateRecords := make([]map[string]any, 0, len(run.GateResolutions))
	for _, r := range run.GateResolutions {
		gateRecords = append(gateRecords, map[string]any{
			"gateId": r.GateID, "approved": r.Approved, "resolvedBy": r.ResolvedBy, "rationale": r.Rationale,
		})
	}
	if _, err := bundle.AddArtifact(evidence.ArtifactGateRecord, "gate_records.json", "gate resolution history", "", gateRecords); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: append gate records artifact: %w", err)
	}
	summary := fmt.Sprintf("%d node(s) executed, %d gate(s) resolved", len(run.WorkerResults), len(run.GateResolutions))
	if _, err := bundle.AddArtifact(evidence.ArtifactMetadata, "execution_summary.json", summary, "", map[string]any{
		"nodeCount": len(run.WorkerResults), "capsUsed": caps,
	}); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: append execution summary artifact: %w", err)
	}
	if err := bundle.MarkComplete(summary); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: mark bundle complete: %w", err)
	}
	if err := bundle.Seal(); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: seal bundle: %w", err)
	}

	if err := s.store.CompleteRun(ctx, run.TenantID, run.ID, bundle.BundleID, run.WorkerResults, caps); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: persist completion: %w", err)
	}
	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: marshal sealed bundle: %w", err)
	}
	if err := s.store.SaveEvidenceBundle(ctx, run.TenantID, run.ID, string(bundleJSON)); err != nil {
		return ExecutionResult{}, fmt.Errorf("supervisor: persist sealed bundle: %w", err)
	}

	return ExecutionResult{
		RunID:          run.ID,
		Status:         runstate.StatusCompleted,
		EvidenceBundle: bundle,
		CapsUsed:       caps,
		WorkerResults:  run.WorkerResults,
	}, nil
}

// spawnWorker is never exported: workers cannot call back into it, and it
// is the only place a WorkerModule.Execute call happens. It races the
// worker against the node's per-worker timeout.
func (s *Supervisor) spawnWorker(ctx context.Context, module registry.WorkerModule, node plan.SpawnNode, input map[string]any, wctx registry.WorkerContext) (plan.WorkerOutput, error) {
	timeout := time.Duration(node.PerWorkerCaps.MaxRuntimeMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	type result struct {
		output plan.WorkerOutput
		err    error
	}
	done := make(chan result, 1)
	go func() {
		out, err := module.Execute(runCtx, node.Instruction, input, wctx)
		done <- result{output: out, err: err}
	}()

	select {
	case <-runCtx.Done():
		return plan.WorkerOutput{}, &WorkerTimeoutError{NodeID: node.ID}
	case r := <-done:
		if r.err != nil {
			return plan.WorkerOutput{}, fmt.Errorf("worker %s: %w", node.ID, r.err)
		}
		r.output.DurationMs = int(time.Since(started).Milliseconds())
		return r.output, nil
	}
}

// assembleInput implements spec.md §4.3 step 3. Document references are
// attached to every node (workers that don't need them simply ignore the
// key), since documents are a run-level concept rather than something
// only the gateway node can see. Telemetry additionally receives the
// full map of every prior node's output data, overriding the normal
// edge-based assembly. For every other node, each incoming edge's
// producer output is flattened (its Data fields merged directly) into
// the input map, since every built-in worker expects flat keys matching
// the Data shape its upstream neighbor actually produces.
func (s *Supervisor) assembleInput(run *runstate.PipelineRun, node plan.SpawnNode) map[string]any {
	input := map[string]any{"documentRefs": documentRefsAsAny(run.SpawnPlan.DocumentRefs)}

	if node.Type == plan.WorkerTelemetry {
		all := map[string]any{"documentRefs": input["documentRefs"]}
		for id, out := range run.WorkerResults {
			all[id] = out.Data
		}
		return all
	}

	for _, e := range run.SpawnPlan.Edges {
		if e.To != node.ID {
			continue
		}
		producer, ok := run.WorkerResults[e.From]
		if !ok {
			continue
		}
		for k, v := range producer.Data {
			input[k] = v
		}
	}
	return input
}

func documentRefsAsAny(refs []plan.DocumentRef) []any {
	out := make([]any, len(refs))
	for i, r := range refs {
		out[i] = map[string]any{
			"docId": r.DocID, "filename": r.Filename, "mimeType": r.MimeType,
			"contentHash": r.ContentHash, "sizeBytes": r.SizeBytes,
		}
	}
	return out
}

func (s *Supervisor) docLookup(tenantID string) workers.DocumentLookup {
	return func(docID string) (string, string, string, error) {
		doc, err := s.store.GetDocument(context.Background(), tenantID, docID)
		if err != nil {
			return "", "", "", err
		}
		return doc.StorageKey, doc.Filename, doc.MimeType, nil
	}
}

// validateOutput is the schema half of output validation (spec.md §4.3
// step 6): fields present, types correct, summary within bound, counters
// non-negative.
func validateOutput(node plan.SpawnNode, output plan.WorkerOutput) error {
	if len(output.Summary) > plan.MaxSummaryLen {
		return &SchemaViolationError{Path: node.ID + ".summary", Reason: "exceeds MaxSummaryLen"}
	}
	if output.TokensUsed < 0 {
		return &SchemaViolationError{Path: node.ID + ".tokensUsed", Reason: "negative counter"}
	}
	if output.DurationMs < 0 {
		return &SchemaViolationError{Path: node.ID + ".durationMs", Reason: "negative counter"}
	}
	switch output.Status {
	case plan.OutputSuccess, plan.OutputError, plan.OutputPartial:
	default:
		return &SchemaViolationError{Path: node.ID + ".status", Reason: fmt.Sprintf("unrecognized status %q", output.Status)}
	}
	return nil
}
