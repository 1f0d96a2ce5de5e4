package compiler

import (
	"fmt"

	"github.com/antigravity-dev/gpec/internal/plan"
)

// PlanBuilder produces the node/edge/gate topology for a domain. Topology
// is always deterministic given req — a model is never consulted for
// structure, only for the (optionally templated) instruction text inside
// each node.
type PlanBuilder interface {
	Build(req CompileRequest) plan.SpawnPlan
}

// vaClaimsDomain selects the VA-claims builder (spec.md §4.1): the
// 6-node plan gateway→extractor→validator→compliance→writer→telemetry
// with gates after validator and after writer.
const vaClaimsDomain = "va-claims"

func selectBuilder(domain string) PlanBuilder {
	if domain == vaClaimsDomain {
		return vaClaimsBuilder{}
	}
	return defaultBuilder{}
}

func instructionFor(workerType plan.WorkerType, req CompileRequest) plan.Instruction {
	return plan.Instruction{
		SystemPrompt:    fmt.Sprintf("You are the %s stage of a %s pipeline.", workerType, req.Pipeline.Domain),
		TaskDescription: fmt.Sprintf("Process inputs for case %q using roles %v.", req.CaseID, req.Pipeline.Roles),
		Constraints:     req.Pipeline.Constraints,
		OutputFormat:    "json",
	}
}

func capsFor(workerType plan.WorkerType) plan.WorkerCaps {
	if workerType == plan.WorkerWriter {
		return plan.WorkerCaps{MaxTokens: writerMaxTokens, MaxRuntimeMs: defaultMaxRuntimeMs}
	}
	return plan.WorkerCaps{MaxTokens: defaultMaxTokens, MaxRuntimeMs: defaultMaxRuntimeMs}
}

func node(id string, workerType plan.WorkerType, label string, req CompileRequest, authority plan.AuthorityLevel, dependsOn ...string) plan.SpawnNode {
	return plan.SpawnNode{
		ID:             id,
		Type:           workerType,
		Label:          label,
		Instruction:    instructionFor(workerType, req),
		AuthorityLevel: authority,
		PerWorkerCaps:  capsFor(workerType),
		DependsOn:      dependsOn,
	}
}

// vaClaimsBuilder builds the 6-node VA-claims pipeline.
type vaClaimsBuilder struct{}

func (vaClaimsBuilder) Build(req CompileRequest) plan.SpawnPlan {
	nodes := []plan.SpawnNode{
		node("node-gateway", plan.WorkerGateway, "Intake gateway", req, plan.Informational),
		node("node-extractor", plan.WorkerExtractor, "Evidence extractor", req, plan.Advisory, "node-gateway"),
		node("node-validator", plan.WorkerValidator, "Consistency validator", req, plan.Advisory, "node-extractor"),
		node("node-compliance", plan.WorkerCompliance, "Compliance scan", req, plan.Mandatory, "node-validator"),
		node("node-writer", plan.WorkerWriter, "Report writer", req, plan.Advisory, "node-compliance"),
		node("node-telemetry", plan.WorkerTelemetry, "Evidence telemetry", req, plan.Informational, "node-writer"),
	}
	edges := []plan.Edge{
		{From: "node-gateway", To: "node-extractor", DataKey: "documentRefs"},
		{From: "node-extractor", To: "node-validator", DataKey: "facts"},
		{From: "node-validator", To: "node-compliance", DataKey: "facts"},
		{From: "node-compliance", To: "node-writer", DataKey: "findings"},
		{From: "node-writer", To: "node-telemetry", DataKey: "reportLengthBytes"},
	}
	gates := []plan.Gate{
		{ID: "gate-validation-review", AfterNode: "node-validator", Label: "Validation review", Description: "Human review of extraction consistency before compliance scan.", RequiresApproval: true, AuthorityLevel: plan.Mandatory},
		{ID: "gate-final-approval", AfterNode: "node-writer", Label: "Report approval", Description: "Human sign-off on the synthesized report before sealing.", RequiresApproval: true, AuthorityLevel: plan.Mandatory},
	}
	return plan.SpawnPlan{Domain: req.Pipeline.Domain, Nodes: nodes, Edges: edges, Gates: gates}
}

// defaultBuilder builds a minimal 4-node plan for any domain without a
// dedicated builder. Per spec.md §8 scenario 1, the non-VA path carries no
// gates: a minimal run is expected to reach completed without pausing.
type defaultBuilder struct{}

func (defaultBuilder) Build(req CompileRequest) plan.SpawnPlan {
	nodes := []plan.SpawnNode{
		node("node-gateway", plan.WorkerGateway, "Intake gateway", req, plan.Informational),
		node("node-extractor", plan.WorkerExtractor, "Evidence extractor", req, plan.Advisory, "node-gateway"),
		node("node-writer", plan.WorkerWriter, "Report writer", req, plan.Advisory, "node-extractor"),
		node("node-telemetry", plan.WorkerTelemetry, "Evidence telemetry", req, plan.Informational, "node-writer"),
	}
	edges := []plan.Edge{
		{From: "node-gateway", To: "node-extractor", DataKey: "documentRefs"},
		{From: "node-extractor", To: "node-writer", DataKey: "facts"},
		{From: "node-writer", To: "node-telemetry", DataKey: "reportLengthBytes"},
	}
	return plan.SpawnPlan{Domain: req.Pipeline.Domain, Nodes: nodes, Edges: edges, Gates: []plan.Gate{}}
}
