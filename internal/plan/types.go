// Package plan defines the SpawnPlan data model: the immutable,
// content-addressable description of one executable governed-pipeline run.
package plan

import "time"

// WorkerType is a closed enumeration of the worker kinds GPEC may spawn.
type WorkerType string

// WorkerTypeAllowlist enumerates every WorkerType GPEC will ever execute.
// It is a compile-time constant: nothing outside this set may be spawned,
// at compile time or at spawn time.
const (
	WorkerGateway    WorkerType = "gateway"
	WorkerIntake     WorkerType = "intake"
	WorkerExtractor  WorkerType = "extractor"
	WorkerAnalyzer   WorkerType = "analyzer"
	WorkerCompliance WorkerType = "compliance"
	WorkerScorer     WorkerType = "scorer"
	WorkerWriter     WorkerType = "writer"
	WorkerBuilder    WorkerType = "builder"
	WorkerValidator  WorkerType = "validator"
	WorkerQA         WorkerType = "qa"
	WorkerSupervisor WorkerType = "supervisor"
	WorkerTelemetry  WorkerType = "telemetry"
)

var allowlist = map[WorkerType]struct{}{
	WorkerGateway:    {},
	WorkerIntake:     {},
	WorkerExtractor:  {},
	WorkerAnalyzer:   {},
	WorkerCompliance: {},
	WorkerScorer:     {},
	WorkerWriter:     {},
	WorkerBuilder:    {},
	WorkerValidator:  {},
	WorkerQA:         {},
	WorkerSupervisor: {},
	WorkerTelemetry:  {},
}

// IsAllowedType reports whether t is a member of WorkerTypeAllowlist.
func IsAllowedType(t WorkerType) bool {
	_, ok := allowlist[t]
	return ok
}

// AuthorityLevel tags the governance weight of a node's output.
type AuthorityLevel string

const (
	Informational AuthorityLevel = "INFORMATIONAL"
	Advisory       AuthorityLevel = "ADVISORY"
	Mandatory      AuthorityLevel = "MANDATORY"
)

// PIIPolicy is the declarative stance on personal data for a run.
type PIIPolicy string

const (
	NoRawPII     PIIPolicy = "NO_RAW_PII"
	PIIAllowed   PIIPolicy = "PII_ALLOWED"
	PIIEncrypted PIIPolicy = "PII_ENCRYPTED"
)

// GovernanceLevel selects the default cap set for a run.
type GovernanceLevel string

const (
	GovernanceAdvisory  GovernanceLevel = "Advisory"
	GovernanceStrict    GovernanceLevel = "Strict"
	GovernanceRegulated GovernanceLevel = "Regulated"
)

// Instruction is the prompt-shaping payload handed to a worker.
type Instruction struct {
	SystemPrompt    string   `json:"systemPrompt"`
	TaskDescription string   `json:"taskDescription"`
	Constraints     []string `json:"constraints,omitempty"`
	OutputFormat    string   `json:"outputFormat,omitempty"`
}

// WorkerCaps bounds a single worker's resource consumption.
type WorkerCaps struct {
	MaxTokens    int `json:"maxTokens"`
	MaxRuntimeMs int `json:"maxRuntimeMs"`
}

// SpawnNode is one vertex of the executable DAG.
type SpawnNode struct {
	ID             string         `json:"id"`
	Type           WorkerType     `json:"type"`
	Label          string         `json:"label"`
	Instruction    Instruction    `json:"instruction"`
	AuthorityLevel AuthorityLevel `json:"authorityLevel"`
	PerWorkerCaps  WorkerCaps     `json:"perWorkerCaps"`
	DependsOn      []string       `json:"dependsOn,omitempty"`
}

// Edge wires nodeFrom's output dataKey into nodeTo's input.
type Edge struct {
	From    string `json:"from"`
	To      string `json:"to"`
	DataKey string `json:"dataKey"`
}

// Gate is a named runtime stop attached to a node.
type Gate struct {
	ID               string         `json:"id"`
	AfterNode        string         `json:"afterNode"`
	Label            string         `json:"label"`
	Description      string         `json:"description"`
	RequiresApproval bool           `json:"requiresApproval"`
	AuthorityLevel   AuthorityLevel `json:"authorityLevel"`
}

// Caps are the hard limits for an entire run.
type Caps struct {
	MaxWorkers    int `json:"maxWorkers"`
	MaxTokens     int `json:"maxTokens"`
	MaxCostCents  int `json:"maxCostCents"`
	MaxRuntimeMs  int `json:"maxRuntimeMs"`
	MaxParallel   int `json:"maxParallel"`
}

// DocumentRef references an uploaded document by content hash.
type DocumentRef struct {
	DocID       string `json:"docId"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	ContentHash string `json:"contentHash"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Version is the fixed SpawnPlan schema version.
const Version = "1.0.0"

// SpawnPlan is an immutable, content-addressable description of one run.
type SpawnPlan struct {
	PlanID          string          `json:"planId"`
	Version         string          `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	Domain          string          `json:"domain"`
	CaseID          string          `json:"caseId,omitempty"`
	Nodes           []SpawnNode     `json:"nodes"`
	Edges           []Edge          `json:"edges"`
	Gates           []Gate          `json:"gates"`
	Caps            Caps            `json:"caps"`
	PIIPolicy       PIIPolicy       `json:"piiPolicy"`
	GovernanceLevel GovernanceLevel `json:"governanceLevel"`
	DocumentRefs    []DocumentRef   `json:"documentRefs,omitempty"`
}

// NodeByID returns the node with the given id, if present.
func (p *SpawnPlan) NodeByID(id string) (SpawnNode, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return SpawnNode{}, false
}

// NodeIndex returns the position of id within Nodes, or -1.
func (p *SpawnPlan) NodeIndex(id string) int {
	for i, n := range p.Nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}
