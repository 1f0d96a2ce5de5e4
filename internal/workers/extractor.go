package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
)

func init() {
	registry.Register(extractorWorker{})
}

type extractorWorker struct{}

func (extractorWorker) Type() plan.WorkerType { return plan.WorkerExtractor }

// Execute reads each referenced document's contents via ctx.readDocument
// and extracts a structured fact per document, then writes
// extracted_evidence.json.
func (extractorWorker) Execute(ctx context.Context, instruction plan.Instruction, input map[string]any, wctx registry.WorkerContext) (plan.WorkerOutput, error) {
	refs, _ := input["documentRefs"].([]any)

	facts := make([]map[string]any, 0, len(refs))
	for _, entry := range refs {
		ref, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		docID, _ := ref["docId"].(string)
		if docID == "" {
			continue
		}
		content, filename, mimeType, err := wctx.ReadDocument(docID)
		if err != nil {
			return plan.WorkerOutput{}, fmt.Errorf("extractor: read document %q: %w", docID, err)
		}
		facts = append(facts, map[string]any{
			"docId":      docID,
			"filename":   filename,
			"mimeType":   mimeType,
			"sizeBytes":  len(content),
			"nonEmpty":   len(content) > 0,
		})
	}

	summary, tokensIn, tokensOut, err := wctx.ModelProxy(instruction.SystemPrompt,
		fmt.Sprintf("%s\n%d document(s) yielded %d fact(s). Summarize what was extracted in one or two sentences.",
			instruction.TaskDescription, len(refs), len(facts)))
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("extractor: model proxy: %w", err)
	}

	evidence := map[string]any{
		"facts":            facts,
		"factCount":        len(facts),
		"narrativeSummary": summary,
	}
	encoded, err := json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("extractor: marshal extracted evidence: %w", err)
	}
	path, err := wctx.WriteArtifact("extracted_evidence.json", encoded)
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("extractor: write extracted evidence: %w", err)
	}

	return plan.WorkerOutput{
		Status: plan.OutputSuccess,
		Data: map[string]any{
			"facts":            facts,
			"factCount":        len(facts),
			"narrativeSummary": summary,
		},
		Summary:       fmt.Sprintf("extractor: %d fact(s) extracted from %d document(s)", len(facts), len(refs)),
		TokensUsed:    tokensIn + tokensOut,
		ArtifactPaths: []string{path},
	}, nil
}
