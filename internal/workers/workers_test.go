package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/gpec/internal/docstore"
	"github.com/antigravity-dev/gpec/internal/modelproxy"
	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
)

func newTestContext(t *testing.T, docs map[string]docstore.Document) *Context {
	t.Helper()
	store := docstore.New(t.TempDir())
	lookup := func(docID string) (string, string, string, error) {
		d, ok := docs[docID]
		if !ok {
			return "", "", "", docstore.ErrNotFound
		}
		key, err := store.PutDocument("run-1", docID, d.Filename, d.Content)
		if err != nil {
			return "", "", "", err
		}
		return key, d.Filename, d.MimeType, nil
	}
	policy := registry.PolicyView{PIIPolicy: plan.NoRawPII, GovernanceLevel: plan.GovernanceStrict}
	return NewContext(context.Background(), "run-1", modelproxy.Fixture{Content: "ok"}, store, lookup, policy)
}

func TestGatewayNeedsDocsWhenEmpty(t *testing.T) {
	wctx := newTestContext(t, nil)
	out, err := gatewayWorker{}.Execute(context.Background(), plan.Instruction{}, map[string]any{}, wctx)
	require.NoError(t, err)
	assert.Equal(t, "NEED_DOCS", out.Data["verdict"])
}

func TestGatewayOKToProceed(t *testing.T) {
	wctx := newTestContext(t, nil)
	input := map[string]any{
		"documentRefs": []any{
			map[string]any{"docId": "doc-1", "filename": "intake.pdf", "mimeType": "application/pdf"},
		},
	}
	out, err := gatewayWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Equal(t, "OK_TO_PROCEED", out.Data["verdict"])
	assert.NotEmpty(t, out.ArtifactPaths)
	assert.Equal(t, "ok", out.Data["intakeNote"])
	assert.Greater(t, out.TokensUsed, 0)
}

func TestGatewayNeedsHumanReviewOnUnknownMime(t *testing.T) {
	wctx := newTestContext(t, nil)
	input := map[string]any{
		"documentRefs": []any{
			map[string]any{"docId": "doc-1", "filename": "x.exe", "mimeType": "application/octet-stream"},
		},
	}
	out, err := gatewayWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Equal(t, "NEED_HUMAN_REVIEW", out.Data["verdict"])
}

func TestExtractorReadsDocuments(t *testing.T) {
	docs := map[string]docstore.Document{
		"doc-1": {Content: []byte("hello world"), Filename: "intake.pdf", MimeType: "application/pdf"},
	}
	wctx := newTestContext(t, docs)
	input := map[string]any{
		"documentRefs": []any{map[string]any{"docId": "doc-1"}},
	}
	out, err := extractorWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Data["factCount"])
	assert.Equal(t, "ok", out.Data["narrativeSummary"])
	assert.Greater(t, out.TokensUsed, 0)
}

func TestValidatorFlagsEmptyFacts(t *testing.T) {
	wctx := newTestContext(t, nil)
	out, err := validatorWorker{}.Execute(context.Background(), plan.Instruction{}, map[string]any{}, wctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Data["score"])
}

func TestValidatorScoresCleanFacts(t *testing.T) {
	wctx := newTestContext(t, nil)
	input := map[string]any{
		"facts": []any{
			map[string]any{"docId": "doc-1", "filename": "a.pdf", "nonEmpty": true},
		},
	}
	out, err := validatorWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Data["score"])
	assert.Equal(t, "ok", out.Data["assessment"])
	assert.Greater(t, out.TokensUsed, 0)
}

func TestComplianceFlagsPIIUnderNoRawPIIPolicy(t *testing.T) {
	wctx := newTestContext(t, nil)
	input := map[string]any{
		"facts": []any{
			map[string]any{"filename": "jane.doe@example.com.pdf"},
		},
	}
	out, err := complianceWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Equal(t, "REDACTION_REQUIRED", out.Data["piiPolicyAction"])
	assert.Greater(t, out.TokensUsed, 0)
}

func TestComplianceNoFindingsIsNone(t *testing.T) {
	wctx := newTestContext(t, nil)
	input := map[string]any{
		"facts": []any{map[string]any{"filename": "report.pdf"}},
	}
	out, err := complianceWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Equal(t, "NONE", out.Data["piiPolicyAction"])
}

func TestWriterProducesReport(t *testing.T) {
	wctx := newTestContext(t, nil)
	input := map[string]any{"verdict": "OK_TO_PROCEED", "documentCount": 1}
	out, err := writerWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Len(t, out.ArtifactPaths, 2)
	assert.Greater(t, out.TokensUsed, 0)
}

func TestTelemetryHashesUpstreamOutputs(t *testing.T) {
	wctx := newTestContext(t, nil)
	input := map[string]any{
		"gateway":   map[string]any{"verdict": "OK_TO_PROCEED"},
		"extractor": map[string]any{"factCount": 1},
	}
	out, err := telemetryWorker{}.Execute(context.Background(), plan.Instruction{}, input, wctx)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Data["entryCount"])
}

func TestRegistryContainsAllSixBuiltins(t *testing.T) {
	for _, typ := range []plan.WorkerType{
		plan.WorkerGateway, plan.WorkerExtractor, plan.WorkerValidator,
		plan.WorkerCompliance, plan.WorkerWriter, plan.WorkerTelemetry,
	} {
		assert.True(t, registry.IsAllowed(typ), "expected %s to be registered", typ)
	}
}
