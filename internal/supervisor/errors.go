package supervisor

import "fmt"

// The error taxonomy from spec.md §7, each mapped to a run status by the
// caller (the loop always fails the run on any of these; NotFound/NotTenant
// are boundary errors surfaced directly by the HTTP layer and never reach
// RunStateStore).

// ForbiddenTypeError is returned when a node's type is outside the closed
// WorkerTypeAllowlist at execution time.
type ForbiddenTypeError struct {
	NodeID string
	Type   string
}

func (e *ForbiddenTypeError) Error() string {
	return fmt.Sprintf("ForbiddenType: node %s has disallowed type %q", e.NodeID, e.Type)
}

// CapExceededError is returned when any cumulative cap is reached.
type CapExceededError struct {
	Dimension string
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("CapExceeded: %s", e.Dimension)
}

// SchemaViolationError is returned when a worker's output fails output
// validation.
type SchemaViolationError struct {
	Path   string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("SchemaViolation: %s: %s", e.Path, e.Reason)
}

// ForbiddenKeyError is returned when a worker output smuggles a
// spawn-directive key. Treated as a security event (spec.md §7).
type ForbiddenKeyError struct {
	Path string
}

func (e *ForbiddenKeyError) Error() string {
	return fmt.Sprintf("ForbiddenKey: %s", e.Path)
}

// WorkerErrorError is returned when a worker reports status=error itself.
type WorkerErrorError struct {
	NodeID  string
	Summary string
}

func (e *WorkerErrorError) Error() string {
	return fmt.Sprintf("WorkerError: node %s: %s", e.NodeID, e.Summary)
}

// WorkerTimeoutError is returned when a worker exceeds its per-worker
// runtime cap.
type WorkerTimeoutError struct {
	NodeID string
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("WorkerTimeout: node %s", e.NodeID)
}

// GateRejectedError is returned when a human rejects a gate.
type GateRejectedError struct {
	GateID     string
	ResolvedBy string
	Rationale  string
}

func (e *GateRejectedError) Error() string {
	return fmt.Sprintf("GateRejected: gate %s rejected by %s: %s", e.GateID, e.ResolvedBy, e.Rationale)
}

// IOSafetyError is returned when a worker attempts an illegal artifact name.
type IOSafetyError struct {
	Filename string
}

func (e *IOSafetyError) Error() string {
	return fmt.Sprintf("IOSafety: illegal artifact name %q", e.Filename)
}

// NotFoundError and NotTenantError are boundary errors mapped to HTTP
// 404/403 by internal/api; only internal/api constructs them, and the
// Supervisor never returns them or transitions a run to failed for them.
type NotFoundError struct{ What string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("NotFound: %s", e.What) }

type NotTenantError struct{ What string }

func (e *NotTenantError) Error() string { return fmt.Sprintf("NotTenant: %s", e.What) }
