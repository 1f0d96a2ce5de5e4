package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
)

func init() {
	registry.Register(writerWorker{})
}

type writerWorker struct{}

func (writerWorker) Type() plan.WorkerType { return plan.WorkerWriter }

// Execute synthesizes a markdown report from every upstream output
// present in input, writing ecv_report.md and report_metadata.json.
func (writerWorker) Execute(ctx context.Context, instruction plan.Instruction, input map[string]any, wctx registry.WorkerContext) (plan.WorkerOutput, error) {
	var facts strings.Builder
	if verdict, ok := input["verdict"].(string); ok {
		fmt.Fprintf(&facts, "Gateway verdict: %s\n", verdict)
	}
	if count, ok := input["documentCount"].(int); ok {
		fmt.Fprintf(&facts, "Documents inventoried: %d\n", count)
	}
	if factCount, ok := input["factCount"].(int); ok {
		fmt.Fprintf(&facts, "Facts extracted: %d\n", factCount)
	}
	if score, ok := input["score"].(float64); ok {
		fmt.Fprintf(&facts, "Validation score: %.2f\n", score)
	}
	if flags, ok := input["flags"].([]any); ok && len(flags) > 0 {
		fmt.Fprintf(&facts, "Validation flags: %v\n", flags)
	}
	if action, ok := input["piiPolicyAction"].(string); ok && action != "" {
		fmt.Fprintf(&facts, "PII policy action: %s\n", action)
	}

	narrative, tokensIn, tokensOut, err := wctx.ModelProxy(instruction.SystemPrompt,
		fmt.Sprintf("%s\nSynthesize the evidence and compliance report body from these upstream facts:\n%s",
			instruction.TaskDescription, facts.String()))
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("writer: model proxy: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Evidence & Compliance Report\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%s\n\n## Upstream Facts\n\n%s", narrative, facts.String())

	path, err := wctx.WriteArtifact("ecv_report.md", []byte(b.String()))
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("writer: write ecv report: %w", err)
	}

	metadata := map[string]any{
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
		"lengthBytes": b.Len(),
	}
	encodedMeta, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("writer: marshal report metadata: %w", err)
	}
	metaPath, err := wctx.WriteArtifact("report_metadata.json", encodedMeta)
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("writer: write report metadata: %w", err)
	}

	return plan.WorkerOutput{
		Status:        plan.OutputSuccess,
		Data:          map[string]any{"reportLengthBytes": b.Len()},
		Summary:       fmt.Sprintf("writer: produced %d-byte report", b.Len()),
		TokensUsed:    tokensIn + tokensOut,
		ArtifactPaths: []string{path, metaPath},
	}, nil
}
