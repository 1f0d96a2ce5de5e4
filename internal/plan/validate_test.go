package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalValidPlan() *SpawnPlan {
	return &SpawnPlan{
		PlanID:  "p1",
		Version: Version,
		Domain:  "default",
		Nodes: []SpawnNode{
			{ID: "node-a1", Type: WorkerGateway},
			{ID: "node-b2", Type: WorkerTelemetry, DependsOn: []string{"node-a1"}},
		},
		Edges: []Edge{{From: "node-a1", To: "node-b2", DataKey: "documentRefs"}},
		Gates: []Gate{{ID: "gate-1", AfterNode: "node-b2"}},
		Caps:  Caps{MaxWorkers: 4},
	}
}

func TestValidateAcceptsMinimalPlan(t *testing.T) {
	err := Validate(minimalValidPlan())
	require.NoError(t, err)
}

func TestValidateRejectsWrongFirstLastType(t *testing.T) {
	p := minimalValidPlan()
	p.Nodes[0].Type = WorkerExtractor
	err := Validate(p)
	require.Error(t, err)
	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	found := false
	for _, issue := range verr.Issues {
		if issue.FieldPath == "nodes[0].type" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateCollectsMultipleIssues(t *testing.T) {
	p := minimalValidPlan()
	p.Nodes[0].Type = WorkerExtractor
	p.Edges = append(p.Edges, Edge{From: "node-a1", To: "node-missing"})
	err := Validate(p)
	require.Error(t, err)
	verr := err.(*ValidationError)
	assert.GreaterOrEqual(t, len(verr.Issues), 2)
}

func TestValidateRejectsForbiddenType(t *testing.T) {
	p := minimalValidPlan()
	p.Nodes[0].Type = "rogue"
	err := Validate(p)
	require.Error(t, err)
}

func TestValidateRejectsUnknownDependsOn(t *testing.T) {
	p := minimalValidPlan()
	p.Nodes[1].DependsOn = []string{"node-zzzzz"}
	err := Validate(p)
	require.Error(t, err)
}

func TestValidateRejectsBadNodeIDPattern(t *testing.T) {
	p := minimalValidPlan()
	p.Nodes[0].ID = "Node_A"
	err := Validate(p)
	require.Error(t, err)
}

func TestFindForbiddenKeyDetectsNestedKey(t *testing.T) {
	data := map[string]any{
		"report": "ok",
		"nested": map[string]any{
			"nodes": []any{map[string]any{"id": "x"}},
		},
	}
	path, found := FindForbiddenKey(data)
	assert.True(t, found)
	assert.Contains(t, path, "nodes")
}

func TestFindForbiddenKeyCleanData(t *testing.T) {
	data := map[string]any{"report": "ok", "count": 3}
	_, found := FindForbiddenKey(data)
	assert.False(t, found)
}
