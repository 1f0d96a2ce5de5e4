// Package evidence implements the EvidenceBundler: the accumulating,
// tamper-evident record of one run that becomes immutable once sealed.
package evidence

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/gpec/internal/canon"
)

// ArtifactType is one of the five kinds of evidence GPEC collects.
type ArtifactType string

const (
	ArtifactWorkerOutput      ArtifactType = "WORKER_OUTPUT"
	ArtifactGateRecord        ArtifactType = "GATE_RECORD"
	ArtifactPlan              ArtifactType = "PLAN"
	ArtifactMetadata          ArtifactType = "METADATA"
	ArtifactPolicyCompliance  ArtifactType = "POLICY_COMPLIANCE"
)

// Artifact is one entry in a bundle's manifest.
type Artifact struct {
	ArtifactID   string       `json:"artifactId"`
	ArtifactType ArtifactType `json:"artifactType"`
	Filename     string       `json:"filename"`
	ContentHash  string       `json:"contentHash"`
	CapturedAt   time.Time    `json:"capturedAt"`
	Description  string       `json:"description"`
	SourceNode   string       `json:"sourceNode,omitempty"`
}

// Status is the EvidenceBundle lifecycle state.
type Status string

const (
	StatusCollecting Status = "COLLECTING"
	StatusComplete   Status = "COMPLETE"
	StatusSealed     Status = "SEALED"
)

// Bundle accumulates artifacts in-memory during a run. It is owned by the
// Supervisor; once Seal succeeds, every mutating method rejects.
type Bundle struct {
	mu sync.Mutex

	BundleID     string     `json:"bundleId"`
	RunID        string     `json:"runId"`
	PlanHash     string     `json:"planHash"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	SealedAt     *time.Time `json:"sealedAt,omitempty"`
	Status       Status     `json:"status"`
	Artifacts    []Artifact `json:"artifacts"`
	Summary      string     `json:"summary,omitempty"`
	ManifestHash string     `json:"manifestHash,omitempty"`
	SealHash     string     `json:"sealHash,omitempty"`
}

// New starts a fresh, empty, COLLECTING bundle for a run.
func New(runID, planHash string) *Bundle {
	return &Bundle{
		BundleID:  uuid.NewString(),
		RunID:     runID,
		PlanHash:  planHash,
		StartedAt: time.Now().UTC(),
		Status:    StatusCollecting,
		Artifacts: []Artifact{},
	}
}

// AddArtifact appends one artifact computed from payload's canonical JSON
// hash. It returns the new artifact's id.
func (b *Bundle) AddArtifact(artifactType ArtifactType, filename, description, sourceNode string, payload any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status == StatusSealed {
		return "", fmt.Errorf("evidence: bundle %s is sealed, no further mutation permitted", b.BundleID)
	}

	hash, err := canon.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("evidence: hash artifact payload: %w", err)
	}

	artifact := Artifact{
		ArtifactID:   uuid.NewString(),
		ArtifactType: artifactType,
		Filename:     filename,
		ContentHash:  hash,
		CapturedAt:   time.Now().UTC(),
		Description:  description,
		SourceNode:   sourceNode,
	}
	b.Artifacts = append(b.Artifacts, artifact)
	return artifact.ArtifactID, nil
}

// MarkComplete records CompletedAt and flips status to COMPLETE, the step
// right before Seal.
func (b *Bundle) MarkComplete(summary string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Status == StatusSealed {
		return fmt.Errorf("evidence: bundle %s is sealed, no further mutation permitted", b.BundleID)
	}
	now := time.Now().UTC()
	b.CompletedAt = &now
	b.Summary = summary
	b.Status = StatusComplete
	return nil
}

// Seal executes the exact, bit-stable seal protocol from spec.md §4.5:
//  1. sort artifacts by artifactId
//  2. manifest = join("<artifactId>:<contentHash>", "|")
//  3. manifestHash = SHA-256(manifest)
//  4. sealedAt = now(), persisted
//  5. sealPreimage = join([bundleId, runId, planHash, manifestHash, sealedAt], "|")
//  6. sealHash = SHA-256(sealPreimage)
//  7. status = SEALED; further mutation rejected
func (b *Bundle) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Status == StatusSealed {
		return nil // P7: sealRun is idempotent
	}

	sort.Slice(b.Artifacts, func(i, j int) bool {
		return b.Artifacts[i].ArtifactID < b.Artifacts[j].ArtifactID
	})

	manifest := buildManifest(b.Artifacts)
	manifestHash := canon.HashBytes([]byte(manifest))

	sealedAt := time.Now().UTC()
	sealedAtStr := sealedAt.Format(time.RFC3339Nano)
	preimage := strings.Join([]string{b.BundleID, b.RunID, b.PlanHash, manifestHash, sealedAtStr}, "|")
	sealHash := canon.HashBytes([]byte(preimage))

	b.ManifestHash = manifestHash
	b.SealHash = sealHash
	b.SealedAt = &sealedAt
	b.Status = StatusSealed
	return nil
}

func buildManifest(artifacts []Artifact) string {
	entries := make([]string, len(artifacts))
	for i, a := range artifacts {
		entries[i] = a.ArtifactID + ":" + a.ContentHash
	}
	return strings.Join(entries, "|")
}

// VerifyChecks is the auditor-facing breakdown of a verification pass.
type VerifyChecks struct {
	IsSealed          bool `json:"isSealed"`
	HasRequiredFields bool `json:"hasRequiredFields"`
	ManifestIntegrity bool `json:"manifestIntegrity"`
	SealIntegrity     bool `json:"sealIntegrity"`
}

// VerifyResult is the outcome of an independent re-verification of a
// sealed bundle.
type VerifyResult struct {
	Valid  bool         `json:"valid"`
	Reason string       `json:"reason,omitempty"`
	Checks VerifyChecks `json:"checks"`
}

// Verify independently recomputes the manifest and seal hashes from the
// bundle's own stored fields and compares them to what was persisted. Any
// mutation of an artifact's contentHash/artifactId, or of bundleId, runId,
// planHash, or sealedAt, causes verification to fail (P5).
func (b *Bundle) Verify() VerifyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	checks := VerifyChecks{}

	if b.Status != StatusSealed {
		checks.IsSealed = false
		return VerifyResult{Valid: false, Reason: "bundle is not sealed", Checks: checks}
	}
	checks.IsSealed = true

	if b.SealedAt == nil || b.ManifestHash == "" || b.SealHash == "" || b.BundleID == "" || b.RunID == "" || b.PlanHash == "" {
		checks.HasRequiredFields = false
		return VerifyResult{Valid: false, Reason: "sealed bundle is missing required fields", Checks: checks}
	}
	checks.HasRequiredFields = true

	sorted := make([]Artifact, len(b.Artifacts))
	copy(sorted, b.Artifacts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ArtifactID < sorted[j].ArtifactID })

	recomputedManifestHash := canon.HashBytes([]byte(buildManifest(sorted)))
	if recomputedManifestHash != b.ManifestHash {
		checks.ManifestIntegrity = false
		return VerifyResult{Valid: false, Reason: "Manifest hash mismatch", Checks: checks}
	}
	checks.ManifestIntegrity = true

	sealedAtStr := b.SealedAt.Format(time.RFC3339Nano)
	preimage := strings.Join([]string{b.BundleID, b.RunID, b.PlanHash, recomputedManifestHash, sealedAtStr}, "|")
	recomputedSealHash := canon.HashBytes([]byte(preimage))
	if recomputedSealHash != b.SealHash {
		checks.SealIntegrity = false
		return VerifyResult{Valid: false, Reason: "Seal hash mismatch", Checks: checks}
	}
	checks.SealIntegrity = true

	return VerifyResult{Valid: true, Checks: checks}
}
