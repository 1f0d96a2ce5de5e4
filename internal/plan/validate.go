package plan

import (
	"fmt"
	"strings"
)

// ValidationIssue is a single structural plan violation.
type ValidationIssue struct {
	FieldPath  string
	Message    string
	Suggestion string
}

// ValidationError aggregates every violated invariant found while
// validating a SpawnPlan: report everything wrong in one pass instead of
// failing on the first issue.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) add(fieldPath, message, suggestion string) {
	e.Issues = append(e.Issues, ValidationIssue{FieldPath: fieldPath, Message: message, Suggestion: suggestion})
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("plan invalid")
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		if issue.FieldPath != "" {
			b.WriteString(issue.FieldPath)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
		if strings.TrimSpace(issue.Suggestion) != "" {
			b.WriteString(" (suggestion: ")
			b.WriteString(issue.Suggestion)
			b.WriteString(")")
		}
	}
	return b.String()
}

// validNodeID reports whether id matches "node-<lowercase alnum>".
func validNodeID(id string) bool {
	const prefix = "node-"
	if !strings.HasPrefix(id, prefix) || len(id) == len(prefix) {
		return false
	}
	for _, r := range id[len(prefix):] {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Validate checks every structural invariant in spec.md §3 (invariants
// 1-3) plus the node/edge/gate/dependency id resolution rules from §4.1
// and §3. It returns a *ValidationError listing every violation found,
// or nil if the plan is structurally sound. Invariant 4 (cumulative caps)
// and 5 (forbidden keys) are runtime concerns checked by the Supervisor,
// not at compile time.
func Validate(p *SpawnPlan) error {
	verr := &ValidationError{}

	if len(p.Nodes) < 2 || len(p.Nodes) > 12 {
		verr.add("nodes", fmt.Sprintf("plan must have between 2 and 12 nodes, got %d", len(p.Nodes)), "adjust the PlanBuilder output")
	}
	if p.Caps.MaxWorkers > 0 && len(p.Nodes) > p.Caps.MaxWorkers {
		verr.add("nodes", fmt.Sprintf("node count %d exceeds caps.maxWorkers %d", len(p.Nodes), p.Caps.MaxWorkers), "raise caps.maxWorkers or shrink the plan")
	}

	if len(p.Nodes) > 0 {
		if p.Nodes[0].Type != WorkerGateway {
			verr.add("nodes[0].type", fmt.Sprintf("first node must be type %q, got %q", WorkerGateway, p.Nodes[0].Type), "")
		}
		last := p.Nodes[len(p.Nodes)-1]
		if last.Type != WorkerTelemetry {
			verr.add(fmt.Sprintf("nodes[%d].type", len(p.Nodes)-1), fmt.Sprintf("last node must be type %q, got %q", WorkerTelemetry, last.Type), "")
		}
	}

	ids := make(map[string]struct{}, len(p.Nodes))
	for i, n := range p.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if !validNodeID(n.ID) {
			verr.add(field+".id", fmt.Sprintf("node id %q does not match pattern node-<lowercase-alnum>", n.ID), "")
		}
		if _, dup := ids[n.ID]; dup {
			verr.add(field+".id", fmt.Sprintf("duplicate node id %q", n.ID), "")
		}
		ids[n.ID] = struct{}{}
		if !IsAllowedType(n.Type) {
			verr.add(field+".type", fmt.Sprintf("node type %q is not in the worker allowlist", n.Type), "use one of the WorkerTypeAllowlist members")
		}
		if len(n.Instruction.Constraints) > 10 {
			verr.add(field+".instruction.constraints", fmt.Sprintf("constraints list has %d entries, max is 10", len(n.Instruction.Constraints)), "")
		}
	}
	for i, n := range p.Nodes {
		field := fmt.Sprintf("nodes[%d].dependsOn", i)
		for _, dep := range n.DependsOn {
			if _, ok := ids[dep]; !ok {
				verr.add(field, fmt.Sprintf("depends on unknown node id %q", dep), "")
			}
		}
	}

	for i, e := range p.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if _, ok := ids[e.From]; !ok {
			verr.add(field+".from", fmt.Sprintf("edge references unknown node id %q", e.From), "")
		}
		if _, ok := ids[e.To]; !ok {
			verr.add(field+".to", fmt.Sprintf("edge references unknown node id %q", e.To), "")
		}
	}

	gateIDs := make(map[string]struct{}, len(p.Gates))
	for i, g := range p.Gates {
		field := fmt.Sprintf("gates[%d]", i)
		if _, ok := ids[g.AfterNode]; !ok {
			verr.add(field+".afterNode", fmt.Sprintf("gate references unknown node id %q", g.AfterNode), "")
		}
		if _, dup := gateIDs[g.ID]; dup {
			verr.add(field+".id", fmt.Sprintf("duplicate gate id %q", g.ID), "")
		}
		gateIDs[g.ID] = struct{}{}
	}

	if len(verr.Issues) == 0 {
		return nil
	}
	return verr
}
