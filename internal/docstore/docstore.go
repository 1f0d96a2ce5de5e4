// Package docstore implements the DocStore external-collaborator contract
// (spec.md §6: "DocStore.get(docId, tenantId) -> {content, filename,
// mimeType} | null") plus the writer half the Supervisor and workers use
// to persist uploaded documents and artifacts: plain
// os.MkdirAll/os.WriteFile/os.ReadFile against a workspace directory
// rather than a database blob store.
package docstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrIllegalName is returned when a caller-supplied filename would escape
// the run's workspace directory (spec.md §6 IOSafety).
var ErrIllegalName = errors.New("docstore: illegal artifact or document name")

// ErrNotFound is returned when a document id has no corresponding file.
var ErrNotFound = errors.New("docstore: not found")

// Document is a stored upload with its content loaded.
type Document struct {
	Content  []byte
	Filename string
	MimeType string
}

// Store is a filesystem-backed document and artifact store rooted at one
// workspace directory. Layout (spec.md §6):
//
//	<workspace>/run/<runId>/uploads/<docId>_<filename>
//	<workspace>/run/<runId>/artifacts/<name>
type Store struct {
	workspaceRoot string
}

// New returns a Store rooted at workspaceRoot. The caller (cmd/gpecd) is
// responsible for ensuring workspaceRoot exists.
func New(workspaceRoot string) *Store {
	return &Store{workspaceRoot: workspaceRoot}
}

func validateName(name string) error {
	if name == "" {
		return ErrIllegalName
	}
	if strings.Contains(name, "..") || strings.ContainsRune(name, '\\') || strings.HasPrefix(name, "/") {
		return ErrIllegalName
	}
	return nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.workspaceRoot, "run", runID)
}

// UploadsDir returns the uploads directory for a run, creating it if
// necessary.
func (s *Store) UploadsDir(runID string) (string, error) {
	dir := filepath.Join(s.runDir(runID), "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("docstore: create uploads dir: %w", err)
	}
	return dir, nil
}

// ArtifactsDir returns the artifacts directory for a run, creating it if
// necessary.
func (s *Store) ArtifactsDir(runID string) (string, error) {
	dir := filepath.Join(s.runDir(runID), "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("docstore: create artifacts dir: %w", err)
	}
	return dir, nil
}

// PutDocument writes an uploaded document under
// uploads/<docId>_<filename> and returns the storage key (path relative
// to workspaceRoot) to persist in pipeline_documents.storage_key.
func (s *Store) PutDocument(runID, docID, filename string, content []byte) (storageKey string, err error) {
	if err := validateName(filename); err != nil {
		return "", err
	}
	dir, err := s.UploadsDir(runID)
	if err != nil {
		return "", err
	}
	name := docID + "_" + filename
	full := filepath.Join(dir, name)
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", fmt.Errorf("docstore: write document: %w", err)
	}
	rel, err := filepath.Rel(s.workspaceRoot, full)
	if err != nil {
		return "", fmt.Errorf("docstore: relativize storage key: %w", err)
	}
	return rel, nil
}

// GetDocument loads a previously stored document by its storage key,
// mime type, and filename (as recorded in pipeline_documents).
func (s *Store) GetDocument(storageKey, filename, mimeType string) (Document, error) {
	full := filepath.Join(s.workspaceRoot, filepath.Clean(storageKey))
	content, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("docstore: read document: %w", err)
	}
	return Document{Content: content, Filename: filename, MimeType: mimeType}, nil
}

// stagingDir returns the workspace-root-level holding area for documents
// uploaded before a run exists (spec.md §6: /pipeline/upload is called
// ahead of /pipeline/compile, with no runId in scope yet).
func (s *Store) stagingDir() string {
	return filepath.Join(s.workspaceRoot, "uploads")
}

// PutStaged writes an uploaded document under <workspace>/uploads/<docId>_<filename>,
// independent of any run, and returns its storage key.
func (s *Store) PutStaged(docID, filename string, content []byte) (storageKey string, err error) {
	if err := validateName(filename); err != nil {
		return "", err
	}
	dir := s.stagingDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("docstore: create staging dir: %w", err)
	}
	name := docID + "_" + filename
	full := filepath.Join(dir, name)
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", fmt.Errorf("docstore: write staged document: %w", err)
	}
	rel, err := filepath.Rel(s.workspaceRoot, full)
	if err != nil {
		return "", fmt.Errorf("docstore: relativize storage key: %w", err)
	}
	return rel, nil
}

// AdoptStaged moves a previously staged document into runID's uploads
// directory once /pipeline/compile has created the run the document
// belongs to, and returns the new storage key. Missing staged files (a
// docId the caller never uploaded) report docstore.ErrNotFound.
func (s *Store) AdoptStaged(runID, docID, filename string) (storageKey string, err error) {
	if err := validateName(filename); err != nil {
		return "", err
	}
	stagedPath := filepath.Join(s.stagingDir(), docID+"_"+filename)
	content, err := os.ReadFile(stagedPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("docstore: read staged document: %w", err)
	}
	key, err := s.PutDocument(runID, docID, filename, content)
	if err != nil {
		return "", err
	}
	_ = os.Remove(stagedPath)
	return key, nil
}

// WriteArtifact writes a worker-produced artifact under
// <workspace>/run/<runId>/artifacts/<name>, rejecting any name that could
// escape the run's artifacts directory, and returns the path to record on
// WorkerOutput.ArtifactPaths.
func (s *Store) WriteArtifact(runID, name string, data []byte) (path string, err error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	dir, err := s.ArtifactsDir(runID)
	if err != nil {
		return "", err
	}
	full := filepath.Join(dir, name)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("docstore: write artifact: %w", err)
	}
	rel, err := filepath.Rel(s.workspaceRoot, full)
	if err != nil {
		return "", fmt.Errorf("docstore: relativize artifact path: %w", err)
	}
	return rel, nil
}
