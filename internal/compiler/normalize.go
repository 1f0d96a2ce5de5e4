package compiler

import (
	"sort"

	"github.com/antigravity-dev/gpec/internal/canon"
	"github.com/antigravity-dev/gpec/internal/plan"
)

// normalizedPlan is the structural-only projection of a SpawnPlan used
// for hashing (spec.md §4.1): planId and createdAt are excluded since
// they vary per compile of otherwise-identical inputs, and every slice is
// sorted into a canonical order so "same structural inputs ⇒ same hash"
// holds across independent processes.
type normalizedPlan struct {
	Version         string              `json:"version"`
	Domain          string              `json:"domain"`
	CaseID          string              `json:"caseId,omitempty"`
	Nodes           []plan.SpawnNode    `json:"nodes"`
	Edges           []plan.Edge         `json:"edges"`
	Gates           []plan.Gate         `json:"gates"`
	Caps            plan.Caps           `json:"caps"`
	PIIPolicy       plan.PIIPolicy      `json:"piiPolicy"`
	GovernanceLevel plan.GovernanceLevel `json:"governanceLevel"`
	DocumentRefs    []plan.DocumentRef  `json:"documentRefs,omitempty"`
}

func normalize(p plan.SpawnPlan) normalizedPlan {
	nodes := append([]plan.SpawnNode{}, p.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := append([]plan.Edge{}, p.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	gates := append([]plan.Gate{}, p.Gates...)
	sort.Slice(gates, func(i, j int) bool { return gates[i].AfterNode < gates[j].AfterNode })

	docs := append([]plan.DocumentRef{}, p.DocumentRefs...)
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })

	return normalizedPlan{
		Version:         p.Version,
		Domain:          p.Domain,
		CaseID:          p.CaseID,
		Nodes:           nodes,
		Edges:           edges,
		Gates:           gates,
		Caps:            p.Caps,
		PIIPolicy:       p.PIIPolicy,
		GovernanceLevel: p.GovernanceLevel,
		DocumentRefs:    docs,
	}
}

// hashPlan returns the normalized plan's canonical JSON string and its
// SHA-256 hash.
func hashPlan(p plan.SpawnPlan) (normalizedJSON string, hash string, err error) {
	n := normalize(p)
	encoded, err := canon.Marshal(n)
	if err != nil {
		return "", "", err
	}
	return string(encoded), canon.HashBytes(encoded), nil
}
