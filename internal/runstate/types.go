// Package runstate implements the RunStateStore: the durability core that
// owns every PipelineRun and enforces its state machine in the WHERE
// clause of every UPDATE, guarding state transitions the same way a
// dispatch or bead-stage table guards its own.
package runstate

import (
	"time"

	"github.com/antigravity-dev/gpec/internal/plan"
)

// Status is a PipelineRun lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusPausedAtGate  Status = "paused_at_gate"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusSealed        Status = "sealed"
)

// CapsUsed tracks cumulative resource consumption for a run.
type CapsUsed struct {
	Tokens         int `json:"tokens"`
	CostCents      int `json:"costCents"`
	RuntimeMs      int `json:"runtimeMs"`
	WorkersSpawned int `json:"workersSpawned"`
}

// GateState records which gate a run is currently paused at.
type GateState struct {
	GateID       string    `json:"gateId"`
	AfterNode    string    `json:"afterNode"`
	WaitingSince time.Time `json:"waitingSince"`
}

// GateResolution records a human/API decision on a gate.
type GateResolution struct {
	GateID     string    `json:"gateId"`
	Approved   bool      `json:"approved"`
	ResolvedAt time.Time `json:"resolvedAt"`
	ResolvedBy string    `json:"resolvedBy"`
	Rationale  string    `json:"rationale,omitempty"`
}

// PipelineRun is the persistent record of one execution of one SpawnPlan.
type PipelineRun struct {
	ID                string                         `json:"id"`
	CaseID            string                         `json:"caseId,omitempty"`
	TenantID          string                         `json:"tenantId"`
	SpawnPlan         plan.SpawnPlan                 `json:"spawnPlan"`
	SpawnPlanHash     string                         `json:"spawnPlanHash"`
	Status            Status                         `json:"status"`
	CurrentNode       string                         `json:"currentNode,omitempty"`
	GateState         *GateState                     `json:"gateState,omitempty"`
	WorkerResults     map[string]plan.WorkerOutput   `json:"workerResults"`
	EvidenceBundleID  string                         `json:"evidenceBundleId,omitempty"`
	CapsUsed          CapsUsed                       `json:"capsUsed"`
	Error             string                         `json:"error,omitempty"`
	GateResolutions   []GateResolution               `json:"gateResolutions"`
	StartedAt         *time.Time                     `json:"startedAt,omitempty"`
	CompletedAt       *time.Time                     `json:"completedAt,omitempty"`
	CreatedAt         time.Time                      `json:"createdAt"`
	UpdatedAt         time.Time                      `json:"updatedAt"`
}

// Document is a persisted record of an uploaded document.
type Document struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	TenantID    string    `json:"tenantId"`
	CaseID      string    `json:"caseId,omitempty"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mimeType"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentHash string    `json:"contentHash"`
	StorageKey  string    `json:"storageKey"`
	UploadedAt  time.Time `json:"uploadedAt"`
}
