// Package scheduler turns a workflow graph into a branch-aware dispatch
// plan for one execution. Ordering is computed lazily: edges can be
// conditional, so the true path is only known as nodes complete. The
// engine repeatedly asks the plan which nodes are ready instead of
// precomputing a full topological order up front.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/voxline/voxline/pkg/expression"
	"github.com/voxline/voxline/pkg/models"
)

// ErrInvalidWorkflow is returned when planning is attempted on a graph
// that fails structural validation.
var ErrInvalidWorkflow = errors.New("workflow failed validation")

// ErrUnknownEntry is returned when the entry node does not exist.
var ErrUnknownEntry = errors.New("entry node not found")

type edgeVerdict int

const (
	verdictUnknown edgeVerdict = iota
	verdictSatisfied
	verdictUnsatisfied
)

// Plan tracks dispatch progress for the subgraph reachable from one
// trigger entry node. A plan belongs to a single execution and is
// driven from the engine's dispatch loop, so it needs no locking.
type Plan struct {
	entry      string
	logger     *slog.Logger
	nodes      map[string]*models.Node
	incoming   map[string][]*models.Edge
	outgoing   map[string][]*models.Edge
	conditions map[*models.Edge]*expression.Condition

	verdicts   map[*models.Edge]edgeVerdict
	resolution map[string]models.NodeStatus
	dispatched map[string]bool
}

// New validates the workflow and builds a plan for the subgraph
// reachable from entryNode. Validation runs again here even though the
// definition was checked at save time: a workflow mutated in between
// must not crash the engine.
func New(workflow *models.Workflow, entryNode string, logger *slog.Logger) (*Plan, error) {
	if findings := models.Validate(workflow); models.HasErrors(findings) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, findings[0])
	}

	if workflow.NodeByID(entryNode) == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, entryNode)
	}

	p := &Plan{
		entry:      entryNode,
		logger:     logger.With("module", "scheduler", "entry_node", entryNode),
		nodes:      make(map[string]*models.Node),
		incoming:   make(map[string][]*models.Edge),
		outgoing:   make(map[string][]*models.Edge),
		conditions: make(map[*models.Edge]*expression.Condition),
		verdicts:   make(map[*models.Edge]edgeVerdict),
		resolution: make(map[string]models.NodeStatus),
		dispatched: make(map[string]bool),
	}

	byID := make(map[string]*models.Node, len(workflow.Nodes))
	for _, n := range workflow.Nodes {
		byID[n.ID] = n
	}

	out := make(map[string][]*models.Edge)
	for _, e := range workflow.Edges {
		out[e.SourceID] = append(out[e.SourceID], e)
	}

	// Restrict the plan to nodes reachable from the entry; the rest of
	// the definition does not participate in this run.
	stack := []string{entryNode}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := p.nodes[id]; seen {
			continue
		}

		p.nodes[id] = byID[id]

		for _, e := range out[id] {
			p.outgoing[id] = append(p.outgoing[id], e)
			p.incoming[e.TargetID] = append(p.incoming[e.TargetID], e)
			stack = append(stack, e.TargetID)
		}
	}

	// Conditions were parse-checked by Validate; compile failures here
	// would mean the definition changed underneath us.
	for _, edges := range p.outgoing {
		for _, e := range edges {
			cond, err := expression.Compile(e.Condition)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
			}

			p.conditions[e] = cond
		}
	}

	return p, nil
}

// Entry returns the node the plan starts from.
func (p *Plan) Entry() string {
	return p.entry
}

// Size returns the number of nodes participating in this run.
func (p *Plan) Size() int {
	return len(p.nodes)
}

// Node returns a participating node by id, or nil.
func (p *Plan) Node(id string) *models.Node {
	return p.nodes[id]
}

// MarkResolved records a completed node result and decides the verdict
// of each of its outgoing edges against the current context. Each edge
// is evaluated exactly once, which keeps the final result set
// deterministic under concurrent branches.
func (p *Plan) MarkResolved(result *models.NodeResult, executionCtx *models.ExecutionContext) {
	p.resolution[result.NodeID] = result.Status

	env := executionCtx.Env(result.NodeID)

	for _, e := range p.outgoing[result.NodeID] {
		if p.verdicts[e] != verdictUnknown {
			continue
		}

		p.verdicts[e] = p.decideEdge(e, result, env)
	}
}

func (p *Plan) decideEdge(e *models.Edge, result *models.NodeResult, env map[string]any) edgeVerdict {
	// A skipped source satisfies nothing downstream.
	if result.Status == models.NodeStatusSkipped {
		return verdictUnsatisfied
	}

	// An unconditional edge carries the success path.
	if e.Condition == "" {
		if result.Status == models.NodeStatusSuccess {
			return verdictSatisfied
		}

		return verdictUnsatisfied
	}

	// Conditional edges are evaluated whether the source succeeded or
	// failed; conditions on source.failed implement error branches.
	ok, err := p.conditions[e].Evaluate(env)
	if err != nil {
		// A condition that fails at runtime (type mismatch against the
		// live context) cannot be satisfied; the run continues on the
		// remaining edges.
		p.logger.Warn("edge condition evaluation failed",
			"source", e.SourceID, "target", e.TargetID, "error", err)

		return verdictUnsatisfied
	}

	if ok {
		return verdictSatisfied
	}

	return verdictUnsatisfied
}

// NextReady returns the nodes whose every incoming edge has resolved
// with at least one satisfied, plus the nodes newly proven unreachable
// (all paths to them evaluated false), which the caller records as
// skipped. A node with multiple incoming edges is a merge point: it
// becomes ready only once every predecessor has completed or been
// proven unreachable. Skip-marking cascades until a fixpoint so whole
// dead branches resolve in one call. Ready nodes count as dispatched
// and are never returned twice.
func (p *Plan) NextReady() (ready []string, skipped []string) {
	for {
		progressed := false

		for id := range p.nodes {
			if p.dispatched[id] {
				continue
			}

			if _, done := p.resolution[id]; done {
				continue
			}

			edges := p.incoming[id]

			allResolved := true
			anySatisfied := id == p.entry // the entry has no incoming edges

			for _, e := range edges {
				switch p.verdicts[e] {
				case verdictUnknown:
					allResolved = false
				case verdictSatisfied:
					anySatisfied = true
				case verdictUnsatisfied:
				}
			}

			if !allResolved {
				continue
			}

			if anySatisfied {
				ready = append(ready, id)
				p.dispatched[id] = true
			} else {
				// Structurally unreachable in this run: skipped, never
				// an error. Resolve it so downstream merges unblock.
				skipped = append(skipped, id)
				p.resolution[id] = models.NodeStatusSkipped

				for _, e := range p.outgoing[id] {
					if p.verdicts[e] == verdictUnknown {
						p.verdicts[e] = verdictUnsatisfied
					}
				}

				progressed = true
			}
		}

		if !progressed {
			break
		}
	}

	sort.Strings(ready)
	sort.Strings(skipped)

	return ready, skipped
}

// Exhausted reports whether every participating node has resolved.
func (p *Plan) Exhausted() bool {
	return len(p.resolution) == len(p.nodes)
}

// DeadEnds returns the failed nodes with no satisfied outgoing edge.
// A node error only fails the whole execution when the workflow defines
// no route (including error-designated edges) out of it.
func (p *Plan) DeadEnds() []string {
	var dead []string

	for id, status := range p.resolution {
		if status != models.NodeStatusError {
			continue
		}

		routed := false

		for _, e := range p.outgoing[id] {
			if p.verdicts[e] == verdictSatisfied {
				routed = true

				break
			}
		}

		if !routed {
			dead = append(dead, id)
		}
	}

	sort.Strings(dead)

	return dead
}
