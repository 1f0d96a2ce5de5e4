package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/antigravity-dev/gpec/internal/canon"
	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
)

func init() {
	registry.Register(telemetryWorker{})
}

type telemetryWorker struct{}

func (telemetryWorker) Type() plan.WorkerType { return plan.WorkerTelemetry }

// Execute makes no model call. It hashes every upstream output it was
// handed, builds a sorted inner manifest of "<key>:<hash>" entries (the
// same shape the EvidenceBundler uses for its own seal, so the two can be
// compared independently), and writes evidence_manifest.json.
func (telemetryWorker) Execute(ctx context.Context, instruction plan.Instruction, input map[string]any, wctx registry.WorkerContext) (plan.WorkerOutput, error) {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	hashes := make(map[string]string, len(keys))
	for _, k := range keys {
		h, err := canon.Hash(input[k])
		if err != nil {
			return plan.WorkerOutput{}, fmt.Errorf("telemetry: hash upstream output %q: %w", k, err)
		}
		hashes[k] = h
		entries = append(entries, k+":"+h)
	}

	manifest := map[string]any{
		"entries": entries,
		"hashes":  hashes,
	}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("telemetry: marshal evidence manifest: %w", err)
	}
	path, err := wctx.WriteArtifact("evidence_manifest.json", encoded)
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("telemetry: write evidence manifest: %w", err)
	}

	return plan.WorkerOutput{
		Status:        plan.OutputSuccess,
		Data:          map[string]any{"entryCount": len(entries)},
		Summary:       fmt.Sprintf("telemetry: manifest of %d upstream output(s)", len(entries)),
		ArtifactPaths: []string{path},
	}, nil
}
