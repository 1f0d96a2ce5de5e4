package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/antigravity-dev/gpec/internal/plan"
	"github.com/antigravity-dev/gpec/internal/registry"
)

func init() {
	registry.Register(complianceWorker{})
}

// piiPatterns is a deliberately small, high-precision set of PII shapes:
// email addresses and US Social Security Numbers. It is not a general PII
// detector; it is the minimum the compliance worker needs to demonstrate
// the redaction-required policy path.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

type complianceWorker struct{}

func (complianceWorker) Type() plan.WorkerType { return plan.WorkerCompliance }

// Execute scans the filename of each extracted fact for PII (email and
// SSN shapes); no other fact field is scanned. It computes no regulatory
// eligibility flag: its rationale is the ModelProxy's one-sentence reply.
// When the run's piiPolicy is NO_RAW_PII and any
// finding is present, it annotates the output with
// piiPolicyAction=REDACTION_REQUIRED and writes compliance_report.json.
func (complianceWorker) Execute(ctx context.Context, instruction plan.Instruction, input map[string]any, wctx registry.WorkerContext) (plan.WorkerOutput, error) {
	facts, _ := input["facts"].([]any)

	var findings []string
	for i, entry := range facts {
		fact, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		filename, _ := fact["filename"].(string)
		for _, pat := range piiPatterns {
			if pat.MatchString(filename) {
				findings = append(findings, fmt.Sprintf("fact[%d]: possible PII in filename", i))
			}
		}
	}

	policy := wctx.Policy()
	piiPolicyAction := "NONE"
	if policy.PIIPolicy == plan.NoRawPII && len(findings) > 0 {
		piiPolicyAction = "REDACTION_REQUIRED"
	}

	rationale, tokensIn, tokensOut, err := wctx.ModelProxy(instruction.SystemPrompt,
		fmt.Sprintf("%s\n%d PII finding(s) under policy %s, action=%s. State the regulatory rationale in one sentence.",
			instruction.TaskDescription, len(findings), policy.PIIPolicy, piiPolicyAction))
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("compliance: model proxy: %w", err)
	}

	report := map[string]any{
		"findings":        findings,
		"piiPolicyAction": piiPolicyAction,
		"piiPolicy":       policy.PIIPolicy,
		"rationale":       rationale,
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("compliance: marshal compliance report: %w", err)
	}
	path, err := wctx.WriteArtifact("compliance_report.json", encoded)
	if err != nil {
		return plan.WorkerOutput{}, fmt.Errorf("compliance: write compliance report: %w", err)
	}

	return plan.WorkerOutput{
		Status: plan.OutputSuccess,
		Data: map[string]any{
			"findings":        findings,
			"piiPolicyAction": piiPolicyAction,
			"rationale":       rationale,
		},
		Summary:       fmt.Sprintf("compliance: %d finding(s), action=%s", len(findings), piiPolicyAction),
		TokensUsed:    tokensIn + tokensOut,
		ArtifactPaths: []string{path},
	}, nil
}
