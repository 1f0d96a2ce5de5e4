package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/gpec/internal/compiler"
	"github.com/antigravity-dev/gpec/internal/config"
	"github.com/antigravity-dev/gpec/internal/docstore"
	"github.com/antigravity-dev/gpec/internal/modelproxy"
	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/runstate"
	"github.com/antigravity-dev/gpec/internal/supervisor"
	_ "github.com/antigravity-dev/gpec/internal/workers"
)

const testToken = "test-bearer-token-aaaa"

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := runstate.New(db)
	require.NoError(t, store.EnsureSchema(context.Background()))

	docs := docstore.New(t.TempDir())
	sup := supervisor.New(store, docs, modelproxy.Unconfigured{}, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := &config.Config{
		API: config.API{
			Bind: "127.0.0.1:0",
			Security: config.APISecurity{
				Enabled:      true,
				TenantTokens: map[string]string{testToken: "tenant-a"},
			},
		},
	}

	srv, err := NewServer(cfg, store, docs, sup, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func (s *Server) serveAuthed(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	s.authMiddleware.RequireAuth(s.cfg, h)(w, r)
}

func multipartUploadBody(t *testing.T, filename, content, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="files"; filename="` + filename + `"`},
		"Content-Type":        {contentType},
	})
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestHandleUploadRejectsUnauthenticatedRequest(t *testing.T) {
	srv := setupTestServer(t)
	body, contentType := multipartUploadBody(t, "intake.txt", "hello", "text/plain")
	req := httptest.NewRequest(http.MethodPost, "/pipeline/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.handleUpload)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unauthenticated upload, got %d", w.Code)
	}
}

func TestHandleUploadRejectsDisallowedMimeType(t *testing.T) {
	srv := setupTestServer(t)
	body, contentType := multipartUploadBody(t, "payload.bin", "binary", "application/octet-stream")
	req := authed(httptest.NewRequest(http.MethodPost, "/pipeline/upload", body))
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.handleUpload)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for disallowed mime type, got %d", w.Code)
	}
}

func TestHandleUploadAcceptsValidFile(t *testing.T) {
	srv := setupTestServer(t)
	body, contentType := multipartUploadBody(t, "intake.txt", "hello world", "text/plain; charset=utf-8")
	req := authed(httptest.NewRequest(http.MethodPost, "/pipeline/upload", body))
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.handleUpload)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Uploaded []uploadedDoc `json:"uploaded"`
		Count    int           `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	if resp.Count != 1 || len(resp.Uploaded) != 1 {
		t.Fatalf("expected 1 uploaded doc, got %+v", resp)
	}
	if resp.Uploaded[0].MimeType != "text/plain" {
		t.Fatalf("expected charset param stripped, got %q", resp.Uploaded[0].MimeType)
	}
}

func TestHandleCompileRejectsInvalidPlan(t *testing.T) {
	srv := setupTestServer(t)
	reqBody := compiler.CompileRequest{
		Pipeline: compiler.PipelineSpec{Domain: "generic-intake", GovernanceLevel: "NotARealLevel"},
	}
	payload, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodPost, "/pipeline/compile", bytes.NewReader(payload)))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.handleCompile)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid governance level, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCompileRejectsDocumentThatWasNeverUploaded(t *testing.T) {
	srv := setupTestServer(t)
	reqBody := compiler.CompileRequest{
		Pipeline: compiler.PipelineSpec{Domain: "generic-intake", GovernanceLevel: plan.GovernanceAdvisory},
		CaseID:   "case-1",
		Documents: []plan.DocumentRef{
			{DocID: "never-uploaded", Filename: "ghost.pdf", MimeType: "application/pdf", ContentHash: "x", SizeBytes: 1},
		},
	}
	payload, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodPost, "/pipeline/compile", bytes.NewReader(payload)))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.handleCompile)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unadoptable document, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleExecuteUnknownRunReturns404(t *testing.T) {
	srv := setupTestServer(t)
	payload, err := json.Marshal(executeRequest{RunID: "does-not-exist"})
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodPost, "/pipeline/execute", bytes.NewReader(payload)))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.handleExecute)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleEvidenceBeforeCompletionReturns403(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	res, err := compiler.Compile(compiler.CompileRequest{
		Pipeline: compiler.PipelineSpec{Domain: "generic-intake", GovernanceLevel: plan.GovernanceAdvisory, Constraints: []string{"no-pii"}},
		CaseID:   "case-1",
	})
	require.NoError(t, err)

	run := &runstate.PipelineRun{ID: "run-pending", CaseID: "case-1", TenantID: "tenant-a", SpawnPlan: res.Plan, SpawnPlanHash: res.PlanHash}
	require.NoError(t, srv.store.CreateRun(ctx, run))

	req := authed(httptest.NewRequest(http.MethodGet, "/pipeline/run-pending/evidence", nil))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, func(w http.ResponseWriter, r *http.Request) { srv.handleEvidence(w, r, "run-pending") })

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before completion, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleListRunsScopesToTenant(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	res, err := compiler.Compile(compiler.CompileRequest{
		Pipeline: compiler.PipelineSpec{Domain: "generic-intake", GovernanceLevel: plan.GovernanceAdvisory, Constraints: []string{"no-pii"}},
		CaseID:   "case-1",
	})
	require.NoError(t, err)

	require.NoError(t, srv.store.CreateRun(ctx, &runstate.PipelineRun{
		ID: "run-a", CaseID: "case-1", TenantID: "tenant-a", SpawnPlan: res.Plan, SpawnPlanHash: res.PlanHash,
	}))
	require.NoError(t, srv.store.CreateRun(ctx, &runstate.PipelineRun{
		ID: "run-b", CaseID: "case-1", TenantID: "tenant-other", SpawnPlan: res.Plan, SpawnPlanHash: res.PlanHash,
	}))

	req := authed(httptest.NewRequest(http.MethodGet, "/pipeline/runs", nil))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.handleListRuns)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Runs  []*runstate.PipelineRun `json:"runs"`
		Count int                     `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	if resp.Count != 1 || len(resp.Runs) != 1 || resp.Runs[0].ID != "run-a" {
		t.Fatalf("expected only tenant-a's run, got %+v", resp)
	}
}

func TestHandleGateResolveRejectionRequiresRationale(t *testing.T) {
	srv := setupTestServer(t)
	payload, err := json.Marshal(gateResolveRequest{Approved: false, ResolvedBy: "reviewer-1"})
	require.NoError(t, err)

	req := authed(httptest.NewRequest(http.MethodPost, "/pipeline/run-1/gate/gate-1/resolve", bytes.NewReader(payload)))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, func(w http.ResponseWriter, r *http.Request) { srv.handleGateResolve(w, r, "run-1", "gate-1") })

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when rejecting a gate without rationale, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRoutePipelineIDDispatchesToStatus(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	res, err := compiler.Compile(compiler.CompileRequest{
		Pipeline: compiler.PipelineSpec{Domain: "generic-intake", GovernanceLevel: plan.GovernanceAdvisory, Constraints: []string{"no-pii"}},
	})
	require.NoError(t, err)
	require.NoError(t, srv.store.CreateRun(ctx, &runstate.PipelineRun{
		ID: "run-status", TenantID: "tenant-a", SpawnPlan: res.Plan, SpawnPlanHash: res.PlanHash,
	}))

	req := authed(httptest.NewRequest(http.MethodGet, "/pipeline/run-status/status", nil))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.routePipelineID)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	if resp["runId"] != "run-status" {
		t.Fatalf("expected runId in response, got %+v", resp)
	}
}

func TestRoutePipelineIDUnknownSuffixReturns404(t *testing.T) {
	srv := setupTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/pipeline/run-1/nonsense", nil))
	w := httptest.NewRecorder()

	srv.serveAuthed(w, req, srv.routePipelineID)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unrecognized suffix, got %d", w.Code)
	}
}
