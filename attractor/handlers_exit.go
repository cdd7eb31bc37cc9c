// ABOUTME: Terminal-node handler for the Msquare exit shape.
// ABOUTME: Runs an optional pre-exit verification command before closing out the run.
package attractor

import (
	"context"
	"fmt"
	"time"
)

// ExitHandler handles the single pipeline exit node. Success/failure of the
// overall run against its goal is decided by the engine's goal-gate logic,
// not here; this handler's only domain behavior is an optional final check.
type ExitHandler struct{}

// Type identifies this handler to the registry.
func (h *ExitHandler) Type() string {
	return "exit"
}

// Execute runs the node's verify_command, if one is set, and always stamps
// a finish time into context regardless of outcome.
func (h *ExitHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	finishedUpdate := map[string]any{
		"_finished_at": time.Now().Format(time.RFC3339Nano),
	}

	cmd := node.Attr("verify_command").String()
	if cmd == "" {
		return &Outcome{
			Status:         StatusSuccess,
			Notes:          "reached exit node " + node.ID,
			ContextUpdates: finishedUpdate,
		}, nil
	}

	result := h.runPreExitCheck(ctx, node, store, cmd)
	if store != nil {
		summary := fmt.Sprintf("exit_code=%d\nstdout:\n%s\nstderr:\n%s", result.ExitCode, result.Stdout, result.Stderr)
		_, _ = store.Store(node.ID+".verify_output", "verify_output", []byte(summary))
	}
	if !result.Success {
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  fmt.Sprintf("exit verify_command failed (exit %d): %s", result.ExitCode, result.Stderr),
			ContextUpdates: finishedUpdate,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          "exit verify_command passed for " + node.ID,
		ContextUpdates: finishedUpdate,
	}, nil
}

func (h *ExitHandler) runPreExitCheck(ctx context.Context, node *Node, store *ArtifactStore, cmd string) VerifyResult {
	dir := ""
	if store != nil {
		dir = store.BaseDir()
	}
	return runVerifyCommand(ctx, cmd, dir, defaultVerifyTimeout)
}
