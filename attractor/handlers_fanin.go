// ABOUTME: Fan-in handler for the tripleoctagon join node following a parallel split.
// ABOUTME: Requires prior branch results in context and optionally re-verifies the merge.
package attractor

import (
	"context"
	"fmt"
)

const parallelResultsKey = "parallel.results"

// FanInHandler joins branches previously fanned out by ParallelHandler. It
// does no merging of its own beyond checking that branch results were
// recorded; combining branch outputs into a single value is left to
// whatever node runs after the join.
type FanInHandler struct{}

// Type identifies this handler to the registry.
func (h *FanInHandler) Type() string {
	return "parallel.fan_in"
}

// Execute fails immediately if no upstream branch wrote parallel.results,
// then runs an optional post-merge verify_command before reporting success.
func (h *FanInHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if pctx.Get(parallelResultsKey) == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "fan-in node " + node.ID + " has no parallel.results to join",
		}, nil
	}

	if cmd := node.Attr("verify_command").String(); cmd != "" {
		if outcome := h.verifyMerge(ctx, node, store, cmd); outcome != nil {
			return outcome, nil
		}
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "joined parallel branches at " + node.ID,
		ContextUpdates: map[string]any{
			"last_stage":                node.ID,
			"parallel.fan_in.completed": true,
		},
	}, nil
}

// verifyMerge runs cmd and, on failure, returns the Outcome to report;
// it returns nil when verification passes so the caller falls through.
func (h *FanInHandler) verifyMerge(ctx context.Context, node *Node, store *ArtifactStore, cmd string) *Outcome {
	dir := ""
	if store != nil {
		dir = store.BaseDir()
	}
	result := runVerifyCommand(ctx, cmd, dir, defaultVerifyTimeout)

	if store != nil {
		summary := fmt.Sprintf("exit_code=%d\nstdout:\n%s\nstderr:\n%s", result.ExitCode, result.Stdout, result.Stderr)
		_, _ = store.Store(node.ID+".verify_output", "verify_output", []byte(summary))
	}
	if result.Success {
		return nil
	}
	return &Outcome{
		Status:        StatusFail,
		FailureReason: fmt.Sprintf("fan-in verify_command failed (exit %d): %s", result.ExitCode, result.Stderr),
		ContextUpdates: map[string]any{
			"last_stage": node.ID,
		},
	}
}
