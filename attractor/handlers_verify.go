// ABOUTME: Deterministic shell-command handler for octagon-shaped verify nodes.
// ABOUTME: Pass/fail is the command's exit code; no LLM involved, zero token cost.
package attractor

import (
	"context"
	"fmt"
	"time"
)

// VerifyHandler runs a single shell command and turns its exit status into
// a pipeline Outcome. It never calls an LLM backend, which makes it the
// cheapest way to gate a pipeline on a build, lint, or test command.
type VerifyHandler struct{}

// Type identifies this handler to the registry.
func (h *VerifyHandler) Type() string {
	return "verify"
}

// Execute runs the node's "command" attribute; a missing command is itself a
// failure. Exit 0 maps to StatusSuccess, anything else to StatusFail, and
// "outcome" is set in ContextUpdates so conditional edges can branch on it.
func (h *VerifyHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	command := node.Attr("command").String()
	if command == "" {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "verify node " + node.ID + " has no command attribute",
			ContextUpdates: map[string]any{
				"outcome":    "fail",
				"last_stage": node.ID,
			},
		}, nil
	}

	timeout := h.resolveTimeout(node)
	workDir := h.resolveWorkDir(node, store)

	result := runVerifyCommand(ctx, command, workDir, timeout)

	if store != nil {
		output := fmt.Sprintf("exit_code=%d\nstdout:\n%s\nstderr:\n%s", result.ExitCode, result.Stdout, result.Stderr)
		_, _ = store.Store(node.ID+".output", "verify_output", []byte(output))
	}

	if result.Success {
		return &Outcome{
			Status: StatusSuccess,
			Notes:  result.Stdout,
			ContextUpdates: map[string]any{
				"outcome":    "success",
				"last_stage": node.ID,
			},
		}, nil
	}

	reason := fmt.Sprintf("verify command failed (exit %d): %s", result.ExitCode, result.Stderr)
	if result.TimedOut {
		reason = fmt.Sprintf("verify command timed out after %s", timeout)
	}
	return &Outcome{
		Status:        StatusFail,
		Notes:         result.Stdout,
		FailureReason: reason,
		ContextUpdates: map[string]any{
			"outcome":    "fail",
			"last_stage": node.ID,
		},
	}, nil
}

func (h *VerifyHandler) resolveTimeout(node *Node) time.Duration {
	if raw := node.Attr("timeout").String(); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			return parsed
		}
	}
	return defaultVerifyTimeout
}

func (h *VerifyHandler) resolveWorkDir(node *Node, store *ArtifactStore) string {
	if dir := node.Attr("working_dir").String(); dir != "" {
		return dir
	}
	if store != nil {
		return store.BaseDir()
	}
	return ""
}
