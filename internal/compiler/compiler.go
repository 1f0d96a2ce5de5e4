// Package compiler implements the PackCompiler: it turns a pipeline
// description plus case/document metadata into a validated, hashed
// SpawnPlan. Plan topology is always compiler-controlled and
// deterministic given its inputs — a model never chooses structure, only
// (optionally templated) instruction text.
package compiler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/gpec/internal/plan"
)

// PipelineSpec is the caller-supplied shape of the pipeline to compile.
type PipelineSpec struct {
	Roles           []string            `json:"roles"`
	Domain          string              `json:"domain"`
	GovernanceLevel plan.GovernanceLevel `json:"governanceLevel"`
	Constraints     []string            `json:"constraints"`
	Inputs          []string            `json:"inputs"`
	Outputs         []string            `json:"outputs"`
}

// CompileRequest is the full input to Compile.
type CompileRequest struct {
	Pipeline  PipelineSpec        `json:"pipeline"`
	CaseID    string              `json:"caseId,omitempty"`
	Documents []plan.DocumentRef  `json:"documents,omitempty"`
}

// CompileResult is returned on success.
type CompileResult struct {
	Plan           plan.SpawnPlan `json:"plan"`
	PlanHash       string         `json:"planHash"`
	NormalizedJSON string         `json:"normalizedJson"`
}

// PlanInvalidError wraps a structural validation failure from plan.Validate
// with the PlanInvalid taxonomy name from spec.md §7. The compiled run is
// never created when this is returned.
type PlanInvalidError struct {
	Validation *plan.ValidationError
}

func (e *PlanInvalidError) Error() string {
	return fmt.Sprintf("PlanInvalid: %s", e.Validation.Error())
}

func (e *PlanInvalidError) Unwrap() error { return e.Validation }

// defaultPerWorkerCaps is the baseline per-worker budget (spec.md §4.1);
// the writer node gets a larger token budget since it synthesizes from
// every prior output.
const (
	defaultMaxTokens    = 32_000
	defaultMaxRuntimeMs = 60_000
	writerMaxTokens     = 64_000
)

// Compile selects a domain PlanBuilder, assembles and validates a
// SpawnPlan, validates it against the embedded JSON Schema as a second
// structural check, then normalizes and hashes it.
func Compile(req CompileRequest) (CompileResult, error) {
	builder := selectBuilder(req.Pipeline.Domain)

	p := builder.Build(req)
	p.PlanID = uuid.NewString()
	p.Version = plan.Version
	p.CreatedAt = time.Now().UTC()
	p.CaseID = req.CaseID
	p.DocumentRefs = req.Documents
	p.PIIPolicy = derivePIIPolicy(req.Pipeline.Constraints, req.Pipeline.GovernanceLevel)
	p.GovernanceLevel = req.Pipeline.GovernanceLevel
	p.Caps = capsForGovernance(req.Pipeline.GovernanceLevel)

	if err := plan.Validate(&p); err != nil {
		ve, ok := err.(*plan.ValidationError)
		if !ok {
			return CompileResult{}, fmt.Errorf("compiler: unexpected validation error type: %w", err)
		}
		return CompileResult{}, &PlanInvalidError{Validation: ve}
	}

	if err := validateAgainstSchema(p); err != nil {
		return CompileResult{}, &PlanInvalidError{Validation: &plan.ValidationError{
			Issues: []plan.ValidationIssue{{FieldPath: "$", Message: err.Error(), Suggestion: "conform the plan to spawn-plan.schema.json"}},
		}}
	}

	normalizedJSON, hash, err := hashPlan(p)
	if err != nil {
		return CompileResult{}, fmt.Errorf("compiler: hash plan: %w", err)
	}

	return CompileResult{Plan: p, PlanHash: hash, NormalizedJSON: normalizedJSON}, nil
}

// derivePIIPolicy implements spec.md §4.1's constraint→policy mapping:
// "no-pii" wins outright; otherwise Regulated governance defaults to
// encrypted handling, and everything else allows raw PII.
func derivePIIPolicy(constraints []string, governance plan.GovernanceLevel) plan.PIIPolicy {
	for _, c := range constraints {
		if c == "no-pii" {
			return plan.NoRawPII
		}
	}
	if governance == plan.GovernanceRegulated {
		return plan.PIIEncrypted
	}
	return plan.PIIAllowed
}

// capsForGovernance selects the run-level cap defaults for a governance
// level. Advisory is the least restrictive; Regulated the most.
func capsForGovernance(level plan.GovernanceLevel) plan.Caps {
	switch level {
	case plan.GovernanceRegulated:
		return plan.Caps{MaxWorkers: 12, MaxTokens: 300_000, MaxCostCents: 2_000, MaxRuntimeMs: 20 * 60 * 1000, MaxParallel: 1}
	case plan.GovernanceStrict:
		return plan.Caps{MaxWorkers: 12, MaxTokens: 500_000, MaxCostCents: 5_000, MaxRuntimeMs: 30 * 60 * 1000, MaxParallel: 1}
	default: // Advisory
		return plan.Caps{MaxWorkers: 12, MaxTokens: 1_000_000, MaxCostCents: 10_000, MaxRuntimeMs: 60 * 60 * 1000, MaxParallel: 2}
	}
}
