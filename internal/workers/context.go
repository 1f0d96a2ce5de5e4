// Package workers implements the built-in WorkerModules (spec.md §4.6)
// and the concrete WorkerContext they execute against. Each module is a
// pure function of (instruction, input, ctx) and is added to the registry
// by its file's init through registry.Register; none imports the
// Supervisor, keeping the pluggable unit separate from its caller.
package workers

import (
	"context"
	"fmt"

	"github.com/antigravity-dev/gpec/internal/docstore"
	"github.com/antigravity-dev/gpec/internal/modelproxy"
	"github.com/antigravity-dev/gpec/internal/registry"
)

// DocumentLookup resolves a docId to where it was stored, so ReadDocument
// can load it without the workers package knowing about RunStateStore.
type DocumentLookup func(docID string) (storageKey, filename, mimeType string, err error)

// Context is the Supervisor-constructed, per-node implementation of
// registry.WorkerContext. One Context is built fresh for each worker
// invocation, scoped to that run.
type Context struct {
	ctx    context.Context
	runID  string
	proxy  modelproxy.Proxy
	store  *docstore.Store
	lookup DocumentLookup
	policy registry.PolicyView
}

// NewContext builds a WorkerContext for one node execution.
func NewContext(ctx context.Context, runID string, proxy modelproxy.Proxy, store *docstore.Store, lookup DocumentLookup, policy registry.PolicyView) *Context {
	return &Context{ctx: ctx, runID: runID, proxy: proxy, store: store, lookup: lookup, policy: policy}
}

// ModelProxy satisfies registry.WorkerContext.
func (c *Context) ModelProxy(systemPrompt, userMessage string) (string, int, int, error) {
	resp, err := c.proxy.Complete(c.ctx, systemPrompt, userMessage)
	if err != nil {
		return "", 0, 0, err
	}
	return resp.Content, resp.TokensUsed.Input, resp.TokensUsed.Output, nil
}

// WriteArtifact satisfies registry.WorkerContext.
func (c *Context) WriteArtifact(name string, data []byte) (string, error) {
	path, err := c.store.WriteArtifact(c.runID, name, data)
	if err != nil {
		return "", fmt.Errorf("worker context: write artifact %q: %w", name, err)
	}
	return path, nil
}

// ReadDocument satisfies registry.WorkerContext.
func (c *Context) ReadDocument(docID string) ([]byte, string, string, error) {
	storageKey, filename, mimeType, err := c.lookup(docID)
	if err != nil {
		return nil, "", "", fmt.Errorf("worker context: resolve document %q: %w", docID, err)
	}
	doc, err := c.store.GetDocument(storageKey, filename, mimeType)
	if err != nil {
		return nil, "", "", fmt.Errorf("worker context: read document %q: %w", docID, err)
	}
	return doc.Content, doc.Filename, doc.MimeType, nil
}

// Policy satisfies registry.WorkerContext.
func (c *Context) Policy() registry.PolicyView {
	return c.policy
}
