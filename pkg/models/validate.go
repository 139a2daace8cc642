package models

import (
	"fmt"

	"github.com/voxline/voxline/pkg/expression"
)

// Severity distinguishes hard validation failures from advisories.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Validation error codes.
const (
	CodeDanglingEdge    = "dangling_edge"
	CodeCycle           = "cycle"
	CodeMissingEntry    = "missing_entry"
	CodeEntryHasInputs  = "entry_has_inputs"
	CodeUnreachableNode = "unreachable_node"
	CodeBadCondition    = "bad_condition"
	CodeDuplicateNode   = "duplicate_node"
)

// ValidationError describes one structural problem in a workflow graph.
type ValidationError struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasErrors reports whether any of the findings is a hard failure.
// Warnings (e.g. unreachable nodes while editing) do not block saving
// or scheduling.
func HasErrors(findings []ValidationError) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}

	return false
}

// Validate checks the structural invariants of a workflow graph. It
// runs at save time and again before scheduling, so a definition
// mutated between save and run cannot crash the engine.
func Validate(w *Workflow) []ValidationError {
	var findings []ValidationError

	nodes := make(map[string]*Node, len(w.Nodes))

	for _, n := range w.Nodes {
		if _, dup := nodes[n.ID]; dup {
			findings = append(findings, ValidationError{
				Code:     CodeDuplicateNode,
				Severity: SeverityError,
				Message:  fmt.Sprintf("node id %q is declared more than once", n.ID),
				NodeID:   n.ID,
			})

			continue
		}

		nodes[n.ID] = n
	}

	// 1. Every edge must reference existing nodes.
	outgoing := make(map[string][]*Edge)
	inDegree := make(map[string]int)

	for _, e := range w.Edges {
		valid := true

		if _, ok := nodes[e.SourceID]; !ok {
			findings = append(findings, ValidationError{
				Code:     CodeDanglingEdge,
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references unknown source node %q", e.SourceID),
				NodeID:   e.SourceID,
			})

			valid = false
		}

		if _, ok := nodes[e.TargetID]; !ok {
			findings = append(findings, ValidationError{
				Code:     CodeDanglingEdge,
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references unknown target node %q", e.TargetID),
				NodeID:   e.TargetID,
			})

			valid = false
		}

		if valid {
			outgoing[e.SourceID] = append(outgoing[e.SourceID], e)
			inDegree[e.TargetID]++
		}
	}

	// Collect trigger entry nodes; every trigger needs a real entry.
	entries := make([]string, 0, len(w.Triggers))

	for _, t := range w.Triggers {
		if _, ok := nodes[t.NodeID]; !ok {
			findings = append(findings, ValidationError{
				Code:     CodeMissingEntry,
				Severity: SeverityError,
				Message:  fmt.Sprintf("trigger %q references unknown entry node %q", t.ID, t.NodeID),
				NodeID:   t.NodeID,
			})

			continue
		}

		entries = append(entries, t.NodeID)
	}

	// 2. The graph reachable from any trigger entry must be acyclic.
	reachable := reachableFrom(entries, outgoing)
	if cycleNode, found := findCycle(entries, outgoing); found {
		findings = append(findings, ValidationError{
			Code:     CodeCycle,
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph contains a cycle through node %q", cycleNode),
			NodeID:   cycleNode,
		})
	}

	// 3. Trigger entry nodes must have in-degree zero.
	for _, entry := range entries {
		if inDegree[entry] > 0 {
			findings = append(findings, ValidationError{
				Code:     CodeEntryHasInputs,
				Severity: SeverityError,
				Message:  fmt.Sprintf("entry node %q has incoming edges", entry),
				NodeID:   entry,
			})
		}
	}

	// 4. Non-entry nodes outside the reachable subgraph are tolerated
	// while editing, but flagged.
	for _, n := range w.Nodes {
		if _, ok := reachable[n.ID]; ok {
			continue
		}

		findings = append(findings, ValidationError{
			Code:     CodeUnreachableNode,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("node %q is not reachable from any trigger", n.ID),
			NodeID:   n.ID,
		})
	}

	// 5. Edge conditions must parse. Type mismatches against variables
	// surface at execution time, not here.
	for _, e := range w.Edges {
		if err := expression.Validate(e.Condition); err != nil {
			findings = append(findings, ValidationError{
				Code:     CodeBadCondition,
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge %s -> %s: %v", e.SourceID, e.TargetID, err),
				NodeID:   e.SourceID,
			})
		}
	}

	return findings
}

func reachableFrom(entries []string, outgoing map[string][]*Edge) map[string]struct{} {
	seen := make(map[string]struct{})
	stack := append([]string(nil), entries...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}

		for _, e := range outgoing[id] {
			stack = append(stack, e.TargetID)
		}
	}

	return seen
}

// findCycle runs a colored depth-first search from the trigger entries
// and returns a node on the first back edge found.
func findCycle(entries []string, outgoing map[string][]*Edge) (string, bool) {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)

	color := make(map[string]int)

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = grey

		for _, e := range outgoing[id] {
			switch color[e.TargetID] {
			case grey:
				return e.TargetID, true
			case white:
				if n, found := visit(e.TargetID); found {
					return n, found
				}
			}
		}

		color[id] = black

		return "", false
	}

	for _, entry := range entries {
		if color[entry] == white {
			if n, found := visit(entry); found {
				return n, true
			}
		}
	}

	return "", false
}
