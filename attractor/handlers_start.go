// ABOUTME: Entry-point handler for the Mdiamond start node.
// ABOUTME: Stamps the pipeline's launch time into context and hands off to the first edge.
package attractor

import (
	"context"
	"time"
)

// startTimestampKey is the context key the engine (and resume logic) reads
// back to learn when a run began.
const startTimestampKey = "_started_at"

// StartHandler is the handler registered for nodes shaped "Mdiamond". A
// pipeline has exactly one, and it does no domain work: it exists so the
// engine has a well-defined first Execute call to make.
type StartHandler struct{}

// Type identifies this handler to the registry.
func (h *StartHandler) Type() string {
	return "start"
}

// Execute records the wall-clock time the run entered this node and reports
// success unconditionally, aside from an already-cancelled context.
func (h *StartHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "entered start node " + node.ID,
		ContextUpdates: map[string]any{
			startTimestampKey: time.Now().Format(time.RFC3339Nano),
		},
	}, nil
}
