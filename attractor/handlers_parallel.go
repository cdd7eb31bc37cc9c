// ABOUTME: Fan-out handler for the "component"-shaped parallel split node.
// ABOUTME: Resolves outgoing edges into a branch list the engine then runs concurrently.
package attractor

import (
	"context"
	"strconv"
)

const (
	defaultJoinPolicy  = "wait_all"
	defaultErrorPolicy = "continue"
	defaultMaxParallel = "4"
)

// ParallelHandler does not itself run branches concurrently; it resolves
// which branches exist and publishes them, plus the node's join/error/
// concurrency policy, to context for the engine's fan-out loop to consume.
// The graph itself isn't part of the Handler interface, so the engine
// stashes it under the "_graph" context key before dispatch.
type ParallelHandler struct{}

// Type identifies this handler to the registry.
func (h *ParallelHandler) Type() string {
	return "parallel"
}

// Execute looks up this node's outgoing edges via the graph reference
// published in context and fails if there are none to branch into.
func (h *ParallelHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	branchIDs := h.resolveBranches(pctx, node.ID)
	if len(branchIDs) == 0 {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "parallel node " + node.ID + " has no outgoing branches",
		}, nil
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "fanning out from " + node.ID + " into " + strconv.Itoa(len(branchIDs)) + " branch(es)",
		ContextUpdates: map[string]any{
			"last_stage":            node.ID,
			"parallel.branches":     branchIDs,
			"parallel.join_policy":  attrOrDefault(node, "join_policy", defaultJoinPolicy),
			"parallel.error_policy": attrOrDefault(node, "error_policy", defaultErrorPolicy),
			"parallel.max_parallel": attrOrDefault(node, "max_parallel", defaultMaxParallel),
		},
	}, nil
}

func (h *ParallelHandler) resolveBranches(pctx *Context, nodeID string) []string {
	g, ok := pctx.Get("_graph").(*Graph)
	if !ok {
		return nil
	}
	var branches []string
	for _, e := range g.OutgoingEdges(nodeID) {
		branches = append(branches, e.To)
	}
	return branches
}

func attrOrDefault(node *Node, key, fallback string) string {
	if v := node.Attr(key).String(); v != "" {
		return v
	}
	return fallback
}
