package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
)

func init() {
	registry.Register(gatewayWorker{})
}

// AllowedUploadMimeTypes is the upload acceptance list from spec.md §6.
// internal/api enforces the same list at /pipeline/upload so a document
// can never enter the system through one boundary and be rejected by the
// other.
var AllowedUploadMimeTypes = map[string]struct{}{
	"application/pdf": {}, "image/png": {}, "image/jpeg": {}, "image/tiff": {},
	"text/plain": {}, "text/csv": {}, "application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
}

type gatewayWorker struct{}

func (gatewayWorker) Type() plan.WorkerType { return plan.WorkerGateway }

// Execute validates the uploaded document inventory and produces a
// readiness verdict: OK_TO_PROCEED, NEED_DOCS (nothing uploaded), or
// NEED_HUMAN_REVIEW (an upload with an unrecognized mime type).
func (gatewayWorker) Execute(ctx context.Context, instruction plan.Instruction, input map[string]any, wctx registry.WorkerContext) (plan.WorkerOutput, error) {
	raw, _ := input["documentRefs"].([]any)

	inventory := make([]map[string]any, 0, len(raw))
	needsReview := false
	for _, entry := range raw {
		doc, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		inventory = append(inventory, doc)
		mimeType, _ := doc["mimeType"].(string)
		if _, allowed := AllowedUploadMimeTypes[mimeType]; !allowed {
			needsReview = true
		}
	}

	verdict := "OK_TO_PROCEED"
	switch {
	case len(inventory) == 0:
		verdict = "NEED_DOCS"
	case needsReview:
		verdict = "NEED_HUMAN_REVIEW"
	}

	note, tokensIn, tokensOut, err := wctx.ModelProxy(instruction.SystemPrompt,
		fmt.Sprintf("%s\nVerdict: %s\nDocument count: %d\nSummarize the intake readiness in one sentence.",
			instruction.TaskDescription, verdict, len(inventory)))
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("gateway: model proxy: %w", err)
	}

	snapshot := map[string]any{
		"verdict":       verdict,
		"inventory":     inventory,
		"documentCount": len(inventory),
		"intakeNote":    note,
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("gateway: marshal run snapshot: %w", err)
	}
	path, err := wctx.WriteArtifact("run_snapshot.json", encoded)
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("gateway: write run snapshot: %w", err)
	}

	return plan.WorkerOutput{
		Status: plan.OutputSuccess,
		Data: map[string]any{
			"verdict":       verdict,
			"documentCount": len(inventory),
			"intakeNote":    note,
		},
		Summary:       fmt.Sprintf("gateway: %d document(s) inventoried, verdict=%s", len(inventory), verdict),
		TokensUsed:    tokensIn + tokensOut,
		ArtifactPaths: []string{path},
	}, nil
}
