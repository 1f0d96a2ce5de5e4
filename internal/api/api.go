// Package api implements the tenant-authenticated HTTP boundary GPEC
// exposes around internal/compiler and internal/supervisor (spec.md §6):
// a bare net/http.ServeMux, no router dependency, manual path parsing, a
// pair of writeJSON/writeError helpers, and graceful shutdown via
// http.Server.BaseContext plus a goroutine watching ctx.Done().
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/gpec/internal/canon"
	"github.com/antigravity-dev/gpec/internal/compiler"
	"github.com/antigravity-dev/gpec/internal/config"
	"github.com/antigravity-dev/gpec/internal/docstore"
	"github.com/antigravity-dev/gpec/internal/evidence"
	"github.com/antigravity-dev/gpec/internal/runstate"
	"github.com/antigravity-dev/gpec/internal/supervisor"
	"github.com/antigravity-dev/gpec/internal/workers"
)

const (
	maxUploadFiles    = 10
	maxUploadFileSize = 10 << 20 // 10MB
)

// Server is the GPEC HTTP API server.
type Server struct {
	cfg            *config.Config
	store          *runstate.Store
	docs           *docstore.Store
	supervisor     *supervisor.Supervisor
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
}

// NewServer builds a Server. cfg is a snapshot held for the Server's
// lifetime; cmd/gpecd does not re-create the Server on
// config.ConfigManager.Reload, so bind address or security changes take
// effect only after a restart.
func NewServer(cfg *config.Config, store *runstate.Store, docs *docstore.Store, sup *supervisor.Supervisor, logger *slog.Logger) (*Server, error) {
	authMiddleware, err := NewAuthMiddleware(&cfg.API.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth middleware: %w", err)
	}
	return &Server{
		cfg:            cfg,
		store:          store,
		docs:           docs,
		supervisor:     sup,
		logger:         logger,
		startTime:      time.Now(),
		authMiddleware: authMiddleware,
	}, nil
}

// Close releases the server's own resources (the audit log file).
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on the configured bind address. Blocks until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authMiddleware.RequireAuth(s.cfg, h)
	}

	mux.HandleFunc("/pipeline/upload", auth(s.handleUpload))
	mux.HandleFunc("/pipeline/compile", auth(s.handleCompile))
	mux.HandleFunc("/pipeline/execute", auth(s.handleExecute))
	mux.HandleFunc("/pipeline/runs", auth(s.handleListRuns))
	mux.HandleFunc("/pipeline/", auth(s.routePipelineID))

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code per spec.md §7's taxonomy and
// writes it as {"error": "..."}. badStatus is used for errors that carry
// no more specific taxonomy (a body-decode failure, a bad query param).
func writeError(w http.ResponseWriter, badStatus int, err error) {
	status := badStatus
	var planInvalid *compiler.PlanInvalidError
	var notTenant *supervisor.NotTenantError
	var notFound *supervisor.NotFoundError
	var forbiddenKey *supervisor.ForbiddenKeyError
	var forbiddenType *supervisor.ForbiddenTypeError
	var capExceeded *supervisor.CapExceededError
	var schemaViolation *supervisor.SchemaViolationError

	switch {
	case errors.As(err, &planInvalid), errors.As(err, &schemaViolation):
		status = http.StatusBadRequest
	case errors.As(err, &notTenant):
		status = http.StatusForbidden
	case errors.As(err, &forbiddenKey), errors.As(err, &forbiddenType), errors.As(err, &capExceeded):
		status = http.StatusForbidden
	case errors.As(err, &notFound), errors.Is(err, runstate.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func tenantOrForbidden(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, &supervisor.NotTenantError{What: "no tenant resolved for request"})
		return "", false
	}
	return tenantID, true
}

// uploadedDoc is one entry of POST /pipeline/upload's response.
type uploadedDoc struct {
	DocID       string `json:"docId"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	ContentHash string `json:"contentHash"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// POST /pipeline/upload — multipart/form-data, field "files", up to
// maxUploadFiles entries of at most maxUploadFileSize bytes each, mime
// type from workers.AllowedUploadMimeTypes. Documents are written to a
// run-independent staging area (internal/docstore.PutStaged) since no
// PipelineRun exists until /pipeline/compile creates one.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := tenantOrForbidden(w, r); !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(maxUploadFiles)*(maxUploadFileSize+4096))
	if err := r.ParseMultipartForm(maxUploadFileSize); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing multipart upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no files provided under form field \"files\""))
		return
	}
	if len(files) > maxUploadFiles {
		writeError(w, http.StatusBadRequest, fmt.Errorf("too many files: %d exceeds limit of %d", len(files), maxUploadFiles))
		return
	}

	uploaded := make([]uploadedDoc, 0, len(files))
	for _, fh := range files {
		doc, err := s.receiveUpload(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		uploaded = append(uploaded, doc)
	}

	writeJSON(w, http.StatusOK, map[string]any{"uploaded": uploaded, "count": len(uploaded)})
}

func (s *Server) receiveUpload(fh *multipart.FileHeader) (uploadedDoc, error) {
	if fh.Size > maxUploadFileSize {
		return uploadedDoc{}, fmt.Errorf("file %q exceeds %d byte limit", fh.Filename, int64(maxUploadFileSize))
	}
	f, err := fh.Open()
	if err != nil {
		return uploadedDoc{}, fmt.Errorf("opening upload %q: %w", fh.Filename, err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxUploadFileSize+1))
	if err != nil {
		return uploadedDoc{}, fmt.Errorf("reading upload %q: %w", fh.Filename, err)
	}
	if len(content) > maxUploadFileSize {
		return uploadedDoc{}, fmt.Errorf("file %q exceeds %d byte limit", fh.Filename, int64(maxUploadFileSize))
	}

	mimeType := fh.Header.Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}
	if _, allowed := workers.AllowedUploadMimeTypes[mimeType]; !allowed {
		return uploadedDoc{}, fmt.Errorf("file %q has disallowed mime type %q", fh.Filename, mimeType)
	}

	docID := uuid.NewString()
	if _, err := s.docs.PutStaged(docID, fh.Filename, content); err != nil {
		return uploadedDoc{}, fmt.Errorf("storing upload %q: %w", fh.Filename, err)
	}

	return uploadedDoc{
		DocID:       docID,
		Filename:    fh.Filename,
		MimeType:    mimeType,
		ContentHash: canon.HashBytes(content),
		SizeBytes:   fh.Size,
	}, nil
}

// POST /pipeline/compile — decodes a compiler.CompileRequest, compiles
// and validates the SpawnPlan, creates the pending PipelineRun, and
// adopts every referenced document from staging into the run's uploads
// directory.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	tenantID, ok := tenantOrForbidden(w, r)
	if !ok {
		return
	}

	var req compiler.CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding compile request: %w", err))
		return
	}

	result, err := compiler.Compile(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run := &runstate.PipelineRun{
		ID:            uuid.NewString(),
		CaseID:        req.CaseID,
		TenantID:      tenantID,
		SpawnPlan:     result.Plan,
		SpawnPlanHash: result.PlanHash,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	for _, docRef := range req.Documents {
		storageKey, err := s.docs.AdoptStaged(run.ID, docRef.DocID, docRef.Filename)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("document %s was not uploaded: %w", docRef.DocID, err))
			return
		}
		doc := &runstate.Document{
			ID:          docRef.DocID,
			RunID:       run.ID,
			TenantID:    tenantID,
			CaseID:      req.CaseID,
			Filename:    docRef.Filename,
			MimeType:    docRef.MimeType,
			SizeBytes:   docRef.SizeBytes,
			ContentHash: docRef.ContentHash,
			StorageKey:  storageKey,
		}
		if err := s.store.CreateDocument(r.Context(), doc); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":    run.ID,
		"planHash": result.PlanHash,
		"plan":     result.Plan,
		"status":   run.Status,
	})
}

type executeRequest struct {
	RunID string `json:"runId"`
}

// POST /pipeline/execute — loads the pending run and drives it through
// StartExecution. The response is the ExecutionResult whether the run
// completed, paused at a gate, or failed outright: a failed run is not an
// HTTP-layer error, it is a successful report of an unsuccessful run.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	tenantID, ok := tenantOrForbidden(w, r)
	if !ok {
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding execute request: %w", err))
		return
	}

	run, err := s.store.GetRun(r.Context(), tenantID, req.RunID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	result, err := s.supervisor.StartExecution(r.Context(), run)
	if err != nil {
		if strings.Contains(err.Error(), "start refused") {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeExecutionResult(w, result)
}

// writeExecutionResult reports 503 when a run failed specifically because
// no ModelProxy backend is configured (spec.md §7), and 200 otherwise —
// the run's own Status/Error fields carry the business-level outcome.
func writeExecutionResult(w http.ResponseWriter, result supervisor.ExecutionResult) {
	status := http.StatusOK
	if result.Status == runstate.StatusFailed && strings.Contains(result.Error, "no backend configured") {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// GET /pipeline/runs?caseId=&status=&limit=&offset=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	tenantID, ok := tenantOrForbidden(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, offset := 50, 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	runs, count, err := s.store.ListRuns(r.Context(), tenantID, q.Get("caseId"), runstate.Status(q.Get("status")), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": count})
}

// routePipelineID dispatches /pipeline/{id}/status, /pipeline/{id}/evidence,
// and /pipeline/{id}/gate/{gateId}/resolve by manually trimming and
// splitting the path, the same suffix-routing style used for every
// {id}/action path under this mux.
func (s *Server) routePipelineID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/pipeline/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 2 && parts[1] == "status":
		s.handleStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "evidence":
		s.handleEvidence(w, r, parts[0])
	case len(parts) == 4 && parts[1] == "gate" && parts[3] == "resolve":
		s.handleGateResolve(w, r, parts[0], parts[2])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	}
}

// GET /pipeline/{id}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	tenantID, ok := tenantOrForbidden(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":           run.ID,
		"status":          run.Status,
		"currentNode":     run.CurrentNode,
		"gateState":       run.GateState,
		"gateResolutions": run.GateResolutions,
		"capsUsed":        run.CapsUsed,
		"error":           run.Error,
		"plan":            run.SpawnPlan,
	})
}

type gateResolveRequest struct {
	Approved   bool   `json:"approved"`
	ResolvedBy string `json:"resolvedBy"`
	Rationale  string `json:"rationale,omitempty"`
}

// POST /pipeline/{id}/gate/{gateId}/resolve
func (s *Server) handleGateResolve(w http.ResponseWriter, r *http.Request, runID, gateID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	tenantID, ok := tenantOrForbidden(w, r)
	if !ok {
		return
	}

	var req gateResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding gate resolution: %w", err))
		return
	}
	if !req.Approved && strings.TrimSpace(req.Rationale) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("rationale is required to reject a gate"))
		return
	}

	if err := s.store.ResolveGate(r.Context(), tenantID, runID, gateID, req.Approved, req.ResolvedBy, req.Rationale); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	if !req.Approved {
		run, err := s.store.GetRun(r.Context(), tenantID, runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeExecutionResult(w, supervisor.ExecutionResult{
			RunID: run.ID, Status: run.Status, Error: run.Error,
			CapsUsed: run.CapsUsed, WorkerResults: run.WorkerResults,
		})
		return
	}

	result, err := s.supervisor.ResumeAfterGate(r.Context(), tenantID, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeExecutionResult(w, result)
}

// GET /pipeline/{id}/evidence — only for runs that reached completed or
// sealed; any other status means no bundle was ever sealed.
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	tenantID, ok := tenantOrForbidden(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if run.Status != runstate.StatusCompleted && run.Status != runstate.StatusSealed {
		writeError(w, http.StatusForbidden, fmt.Errorf("run %s has status %s, no evidence bundle has been sealed", runID, run.Status))
		return
	}

	bundleJSON, err := s.store.GetEvidenceBundle(r.Context(), tenantID, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var bundle evidence.Bundle
	if err := json.Unmarshal([]byte(bundleJSON), &bundle); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("decoding sealed bundle: %w", err))
		return
	}

	if run.Status == runstate.StatusCompleted {
		if err := s.store.SealRun(r.Context(), tenantID, runID); err != nil {
			s.logger.Warn("failed to transition run to sealed on evidence fetch", "runId", runID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runId":         run.ID,
		"plan":          run.SpawnPlan,
		"workerResults": run.WorkerResults,
		"bundle":        bundle,
		"verify":        bundle.Verify(),
	})
}
