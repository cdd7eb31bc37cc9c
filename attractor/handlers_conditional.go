// ABOUTME: Conditional branching handler for the attractor pipeline runner.
// ABOUTME: Evaluates a prompt via an LLM backend when set, otherwise passes through the prior node's outcome.
package attractor

import (
	"context"
	"fmt"
	"strconv"
)

// ConditionalHandler handles conditional routing nodes (shape=diamond).
//
// When the node carries a "prompt" attribute, the handler runs that prompt
// through Backend and derives the branch outcome from an OUTCOME:PASS/FAIL
// marker in the agent's output (falling back to the agent's own Success flag
// when no marker is present).
//
// When there is no prompt, the handler falls back to pass-through mode: it
// reads the outcome status set by the preceding node so that edge conditions
// like "outcome=FAIL" evaluate against the real upstream result rather than a
// hard-coded success.
type ConditionalHandler struct {
	// Backend is the agent execution backend for prompt-driven evaluation.
	// Only consulted when the node has a non-empty "prompt" attribute.
	Backend CodergenBackend

	// BaseURL is the default API base URL for nodes that don't set base_url
	// themselves and have no context-level override. Set by the engine from
	// EngineConfig.BaseURL.
	BaseURL string

	// EventHandler receives agent-level events for observability. Set by the
	// engine to its own event emitter.
	EventHandler func(EngineEvent)
}

// Type returns the handler type string "conditional".
func (h *ConditionalHandler) Type() string {
	return "conditional"
}

// Execute runs prompt-driven evaluation when the node has a prompt, otherwise
// passes through the current context outcome.
func (h *ConditionalHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prompt := node.Attr("prompt").String()
	if prompt == "" {
		return h.executePassThrough(node, pctx), nil
	}

	if h.Backend == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("no LLM backend configured for node %q", node.ID),
			ContextUpdates: map[string]any{
				"last_stage": node.ID,
			},
		}, nil
	}

	maxTurns := 20
	if maxTurnsStr := node.Attr("max_turns").String(); maxTurnsStr != "" {
		if parsed, err := strconv.Atoi(maxTurnsStr); err == nil && parsed > 0 {
			maxTurns = parsed
		}
	}

	goal := ""
	if goalVal := pctx.Get("goal"); goalVal != nil {
		if goalStr, ok := goalVal.(string); ok {
			goal = goalStr
		}
	}

	// base_url resolution order: node attribute, then a context-level
	// override, then the handler's configured default.
	baseURL := h.BaseURL
	if ctxBaseURL, ok := pctx.Get("base_url").(string); ok && ctxBaseURL != "" {
		baseURL = ctxBaseURL
	}
	if nodeBaseURL := node.Attr("base_url").String(); nodeBaseURL != "" {
		baseURL = nodeBaseURL
	}

	config := AgentRunConfig{
		Prompt:       prompt,
		Model:        node.Attr("llm_model").String(),
		Provider:     node.Attr("llm_provider").String(),
		BaseURL:      baseURL,
		Goal:         goal,
		NodeID:       node.ID,
		MaxTurns:     maxTurns,
		EventHandler: h.EventHandler,
	}

	result, err := h.Backend.RunAgent(ctx, config)
	if err != nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("agent backend error: %v", err),
			ContextUpdates: map[string]any{
				"last_stage": node.ID,
			},
		}, nil
	}

	if result.Output != "" {
		artifactID := node.ID + ".output"
		if _, storeErr := store.Store(artifactID, "agent_output", []byte(result.Output)); storeErr != nil {
			pctx.AppendLog(fmt.Sprintf("warning: failed to store agent output artifact: %v", storeErr))
		}
	}

	status := StatusSuccess
	if marker, found := DetectOutcomeMarker(result.Output); found {
		if marker == "fail" {
			status = StatusFail
		}
	} else if !result.Success {
		status = StatusFail
	}

	outcomeStr := "success"
	if status == StatusFail {
		outcomeStr = "fail"
	}

	return &Outcome{
		Status: status,
		Notes:  "Conditional node evaluated via agent: " + node.ID,
		ContextUpdates: map[string]any{
			"last_stage": node.ID,
			"outcome":    outcomeStr,
		},
	}, nil
}

// executePassThrough reads the outcome status set by the preceding node and
// returns it as this node's status. This lets the engine's edge selection
// algorithm evaluate conditions against the real upstream result rather than
// a hard-coded success.
func (h *ConditionalHandler) executePassThrough(node *Node, pctx *Context) *Outcome {
	status := StatusSuccess
	if prev, ok := pctx.Get("outcome").(string); ok && prev != "" {
		status = StageStatus(prev)
	}

	return &Outcome{
		Status: status,
		Notes:  "Conditional node evaluated: " + node.ID,
		ContextUpdates: map[string]any{
			"last_stage": node.ID,
		},
	}
}
