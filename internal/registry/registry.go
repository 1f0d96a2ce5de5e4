// Package registry implements the WorkerRegistry: a process-wide,
// read-only table mapping WorkerType to WorkerModule, grounded on the
// teacher's dispatch.Backend pluggable-interface pattern
// (internal/dispatch/backend.go) and its closed knownBackends map
// (internal/config/config.go's ValidateDispatchConfig). The table is
// filled by the exported Register, which internal/workers calls from
// its init functions; Register rejects types outside the allowlist, but
// nothing stops any importing package from calling it. WorkerModule
// implementations are handed no reference to the table or the Supervisor.
package registry

import (
	"context"

	"github.com/antigravity-dev/gpec/internal/plan"
)

// WorkerContext is the scoped set of capabilities a worker receives for
// one execution. See internal/workers for the concrete implementation;
// this package only needs the shape to define WorkerModule.
type WorkerContext interface {
	ModelProxy(systemPrompt, userMessage string) (content string, tokensIn, tokensOut int, err error)
	WriteArtifact(name string, data []byte) (path string, err error)
	ReadDocument(docID string) (content []byte, filename, mimeType string, err error)
	Policy() PolicyView
}

// PolicyView is the read-only governance view a worker may inspect.
type PolicyView struct {
	PIIPolicy       plan.PIIPolicy
	GovernanceLevel plan.GovernanceLevel
	Constraints     []string
}

// WorkerModule is a pure async unit: it receives an instruction, a
// pre-assembled input map, and a scoped WorkerContext, and returns a
// WorkerOutput (or partial — the Supervisor fills in NodeID/Type/timing).
type WorkerModule interface {
	Type() plan.WorkerType
	Execute(ctx context.Context, instruction plan.Instruction, input map[string]any, wctx WorkerContext) (plan.WorkerOutput, error)
}

// table is the set of built-in workers, a package-level map filled by
// Register; in this module only internal/workers' init functions (and
// this package's tests) call Register.
var table = map[plan.WorkerType]WorkerModule{}

// Register adds a module to the process-wide table. It is intended to be
// called only from package-level init() in internal/workers; nothing in
// the Supervisor or HTTP boundary may call it, and no WorkerModule
// implementation is handed a reference to this function.
func Register(m WorkerModule) {
	if !plan.IsAllowedType(m.Type()) {
		panic("registry: attempted to register a type outside the worker allowlist: " + string(m.Type()))
	}
	table[m.Type()] = m
}

// IsAllowed reports whether t both belongs to the WorkerTypeAllowlist and
// has a registered implementation.
func IsAllowed(t plan.WorkerType) bool {
	_, ok := table[t]
	return ok
}

// Get returns the module registered for t, if any.
func Get(t plan.WorkerType) (WorkerModule, bool) {
	m, ok := table[t]
	return m, ok
}
