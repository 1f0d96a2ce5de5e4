package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealThenVerifySucceeds(t *testing.T) {
	b := New("run-1", "planhash123")
	_, err := b.AddArtifact(ArtifactWorkerOutput, "node-a1.json", "worker output", "node-a1", map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = b.AddArtifact(ArtifactPlan, "plan.json", "plan snapshot", "", map[string]any{"nodes": 4})
	require.NoError(t, err)

	require.NoError(t, b.MarkComplete("2 artifacts, 0 gates"))
	require.NoError(t, b.Seal())
	assert.Equal(t, StatusSealed, b.Status)
	assert.NotEmpty(t, b.ManifestHash)
	assert.NotEmpty(t, b.SealHash)

	result := b.Verify()
	assert.True(t, result.Valid)
	assert.True(t, result.Checks.IsSealed)
	assert.True(t, result.Checks.ManifestIntegrity)
	assert.True(t, result.Checks.SealIntegrity)
}

func TestBuildManifestIsOrderIndependent(t *testing.T) {
	a := Artifact{ArtifactID: "artifact-a", ContentHash: "hash-a"}
	b := Artifact{ArtifactID: "artifact-b", ContentHash: "hash-b"}

	m1 := buildManifest(sortedCopy([]Artifact{a, b}))
	m2 := buildManifest(sortedCopy([]Artifact{b, a}))
	assert.Equal(t, m1, m2)
}

func sortedCopy(artifacts []Artifact) []Artifact {
	sorted := append([]Artifact{}, artifacts...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].ArtifactID < sorted[j-1].ArtifactID; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

func TestTamperedContentHashFailsVerification(t *testing.T) {
	b := New("run-1", "planhash123")
	_, err := b.AddArtifact(ArtifactWorkerOutput, "a.json", "a", "node-a", map[string]any{"v": 1})
	require.NoError(t, err)
	require.NoError(t, b.MarkComplete("summary"))
	require.NoError(t, b.Seal())

	b.Artifacts[0].ContentHash = "0000000000000000000000000000000000000000000000000000000000000"

	result := b.Verify()
	assert.False(t, result.Valid)
	assert.Equal(t, "Manifest hash mismatch", result.Reason)
	assert.False(t, result.Checks.ManifestIntegrity)
}

func TestTamperedSealedAtFailsVerification(t *testing.T) {
	b := New("run-1", "planhash123")
	_, err := b.AddArtifact(ArtifactWorkerOutput, "a.json", "a", "node-a", map[string]any{"v": 1})
	require.NoError(t, err)
	require.NoError(t, b.MarkComplete("summary"))
	require.NoError(t, b.Seal())

	tampered := b.SealedAt.Add(time.Hour)
	b.SealedAt = &tampered

	result := b.Verify()
	assert.False(t, result.Valid)
	assert.Equal(t, "Seal hash mismatch", result.Reason)
	assert.False(t, result.Checks.SealIntegrity)
}

func TestUnsealedBundleFailsVerification(t *testing.T) {
	b := New("run-1", "planhash123")
	result := b.Verify()
	assert.False(t, result.Valid)
	assert.False(t, result.Checks.IsSealed)
}

func TestMutationAfterSealRejected(t *testing.T) {
	b := New("run-1", "planhash123")
	require.NoError(t, b.MarkComplete("summary"))
	require.NoError(t, b.Seal())

	_, err := b.AddArtifact(ArtifactMetadata, "late.json", "late add", "", map[string]any{"x": 1})
	assert.Error(t, err)
}

func TestSealIsIdempotent(t *testing.T) {
	b := New("run-1", "planhash123")
	_, _ = b.AddArtifact(ArtifactPlan, "plan.json", "plan", "", map[string]any{"x": 1})
	require.NoError(t, b.Seal())
	hash1 := b.SealHash
	require.NoError(t, b.Seal())
	assert.Equal(t, hash1, b.SealHash)
}
