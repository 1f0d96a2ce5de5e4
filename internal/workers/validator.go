package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
)

func init() {
	registry.Register(validatorWorker{})
}

type validatorWorker struct{}

func (validatorWorker) Type() plan.WorkerType { return plan.WorkerValidator }

// Execute cross-checks the extractor's output for internal consistency —
// every fact must carry a non-empty docId and filename, and the run must
// have extracted at least one fact — and writes validation_report.json
// with an overall score and a flag list.
func (validatorWorker) Execute(ctx context.Context, instruction plan.Instruction, input map[string]any, wctx registry.WorkerContext) (plan.WorkerOutput, error) {
	facts, _ := input["facts"].([]any)

	var flags []string
	checked := 0
	for i, entry := range facts {
		fact, ok := entry.(map[string]any)
		if !ok {
			flags = append(flags, fmt.Sprintf("fact[%d]: malformed entry", i))
			continue
		}
		checked++
		if docID, _ := fact["docId"].(string); docID == "" {
			flags = append(flags, fmt.Sprintf("fact[%d]: missing docId", i))
		}
		if filename, _ := fact["filename"].(string); filename == "" {
			flags = append(flags, fmt.Sprintf("fact[%d]: missing filename", i))
		}
		if nonEmpty, _ := fact["nonEmpty"].(bool); !nonEmpty {
			flags = append(flags, fmt.Sprintf("fact[%d]: empty document content", i))
		}
	}
	if len(facts) == 0 {
		flags = append(flags, "no extracted facts to validate")
	}

	score := 1.0
	if len(facts) > 0 {
		score = 1.0 - float64(len(flags))/float64(len(facts)+len(flags))
	} else if len(flags) > 0 {
		score = 0.0
	}

	assessment, tokensIn, tokensOut, err := wctx.ModelProxy(instruction.SystemPrompt,
		fmt.Sprintf("%s\nScore=%.2f, checked=%d, flags=%v. Assess whether this run is fit to proceed to compliance review.",
			instruction.TaskDescription, score, checked, flags))
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("validator: model proxy: %w", err)
	}

	report := map[string]any{
		"score":      score,
		"flags":      flags,
		"checked":    checked,
		"assessment": assessment,
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("validator: marshal validation report: %w", err)
	}
	path, err := wctx.WriteArtifact("validation_report.json", encoded)
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("validator: write validation report: %w", err)
	}

	return plan.WorkerOutput{
		Status: plan.OutputSuccess,
		Data: map[string]any{
			"score":      score,
			"flags":      flags,
			"assessment": assessment,
		},
		Summary:       fmt.Sprintf("validator: score=%.2f, %d flag(s)", score, len(flags)),
		TokensUsed:    tokensIn + tokensOut,
		ArtifactPaths: []string{path},
	}, nil
}
