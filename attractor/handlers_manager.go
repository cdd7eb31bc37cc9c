// ABOUTME: Stack manager loop handler for shape=house nodes.
// ABOUTME: Runs an observe/guard/steer supervision cycle via an injected ManagerBackend, bounded by max_iterations.
package attractor

import (
	"context"
	"fmt"
	"strconv"
)

// ManagerBackend performs the observe/guard/steer primitives for a manager
// loop node. A concrete backend typically polls a child pipeline's
// checkpoint and/or consults an LLM to decide whether supervised work is on
// track; no default backend is wired, so ManagerLoopHandler runs in stub
// mode until a caller sets Backend.
type ManagerBackend interface {
	// Observe gathers the current state of the supervised work for the
	// given iteration and returns a textual observation.
	Observe(ctx context.Context, nodeID string, iteration int, pctx *Context) (string, error)
	// Guard decides, from the observation and the node's guard_condition
	// attribute, whether the work is still on track.
	Guard(ctx context.Context, nodeID string, iteration int, observation string, guardCondition string, pctx *Context) (bool, error)
	// Steer issues a correction when Guard reports the work is off track.
	Steer(ctx context.Context, nodeID string, iteration int, steerPrompt string, pctx *Context) (string, error)
}

// ManagerLoopHandler handles stack manager loop nodes (shape=house).
// With a Backend configured it runs an observe/guard/steer cycle for up to
// max_iterations rounds, steering whenever Guard reports the work has
// drifted. Without a Backend it falls back to a stub that only records the
// loop's configuration, for pipelines staged before supervision is wired in.
type ManagerLoopHandler struct {
	Backend ManagerBackend
}

// Type returns the handler type string "stack.manager_loop".
func (h *ManagerLoopHandler) Type() string {
	return "stack.manager_loop"
}

const defaultManagerMaxIterations = 10

// Execute runs the supervision loop, or the stub path when no Backend is set.
func (h *ManagerLoopHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if h.Backend == nil {
		return h.executeStub(node, pctx), nil
	}

	maxIterations := defaultManagerMaxIterations
	if v := node.Attr("max_iterations").String(); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			maxIterations = parsed
		}
	}

	guardCondition := node.Attr("guard_condition").String()
	steerPrompt := node.Attr("steer_prompt").String()

	var lastObservation string
	iterationsCompleted := 0
	steersApplied := 0

	for i := 1; i <= maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		observation, err := h.Backend.Observe(ctx, node.ID, i, pctx)
		if err != nil {
			return &Outcome{
				Status:         StatusFail,
				FailureReason:  fmt.Sprintf("manager loop observe failed at iteration %d: %v", i, err),
				ContextUpdates: map[string]any{"last_stage": node.ID},
			}, nil
		}
		lastObservation = observation

		onTrack, err := h.Backend.Guard(ctx, node.ID, i, observation, guardCondition, pctx)
		if err != nil {
			return &Outcome{
				Status:         StatusFail,
				FailureReason:  fmt.Sprintf("manager loop guard failed at iteration %d: %v", i, err),
				ContextUpdates: map[string]any{"last_stage": node.ID},
			}, nil
		}

		if !onTrack {
			if _, err := h.Backend.Steer(ctx, node.ID, i, steerPrompt, pctx); err != nil {
				return &Outcome{
					Status:         StatusFail,
					FailureReason:  fmt.Sprintf("manager loop steer failed at iteration %d: %v", i, err),
					ContextUpdates: map[string]any{"last_stage": node.ID},
				}, nil
			}
			steersApplied++
		}

		iterationsCompleted++
	}

	updates := map[string]any{
		"last_stage":                   node.ID,
		"manager.iterations_completed": iterationsCompleted,
		"manager.steers_applied":       steersApplied,
		"manager.last_observation":     lastObservation,
	}
	if subPipeline := node.Attr("sub_pipeline").String(); subPipeline != "" {
		updates["manager.sub_pipeline"] = subPipeline
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          fmt.Sprintf("manager loop completed %d iteration(s), %d steering correction(s)", iterationsCompleted, steersApplied),
		ContextUpdates: updates,
	}, nil
}

// executeStub records the loop's configuration without running any cycles,
// for nodes reached before a ManagerBackend is wired in.
func (h *ManagerLoopHandler) executeStub(node *Node, pctx *Context) *Outcome {
	pollInterval := node.Attr("manager.poll_interval").String()
	if pollInterval == "" {
		pollInterval = "45s"
	}

	maxCycles := node.Attr("manager.max_cycles").String()
	if maxCycles == "" {
		maxCycles = "1000"
	}

	stopCondition := node.Attr("manager.stop_condition").String()
	actions := node.Attr("manager.actions").String()
	if actions == "" {
		actions = "observe,wait"
	}

	childDotfile := ""
	if graphVal := pctx.Get("_graph"); graphVal != nil {
		if g, ok := graphVal.(*Graph); ok {
			childDotfile = g.Attr("stack.child_dotfile").String()
		}
	}

	updates := map[string]any{
		"last_stage":            node.ID,
		"manager.poll_interval": pollInterval,
		"manager.max_cycles":    maxCycles,
		"manager.actions":       actions,
	}
	if childDotfile != "" {
		updates["manager.child_dotfile"] = childDotfile
	}
	if stopCondition != "" {
		updates["manager.stop_condition"] = stopCondition
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          "manager loop stub (no backend configured) at node: " + node.ID,
		ContextUpdates: updates,
	}
}
