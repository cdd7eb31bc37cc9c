// ABOUTME: Codergen (LLM coding agent) handler for the attractor pipeline runner.
// ABOUTME: Delegates to a CodergenBackend for actual LLM execution; fails clearly when no backend is wired.
package attractor

import (
	"context"
	"fmt"
	"strconv"
)

// CodergenHandler handles LLM-powered coding task nodes (shape=box).
// This is the default handler for nodes without an explicit type.
type CodergenHandler struct {
	// Backend is the agent execution backend. A nil Backend is a configuration
	// error: the node fails rather than silently stubbing out the LLM call.
	Backend CodergenBackend

	// BaseURL is the default API base URL for nodes that don't set base_url
	// themselves. Set by the engine from EngineConfig.BaseURL.
	BaseURL string

	// EventHandler receives agent-level events (LLM turns, tool calls) for
	// observability. Set by the engine to its own event emitter.
	EventHandler func(EngineEvent)
}

// Type returns the handler type string "codergen".
func (h *CodergenHandler) Type() string {
	return "codergen"
}

// Execute processes a codergen node by reading its prompt, label, model, and provider,
// then running the agent loop via Backend.
func (h *CodergenHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Read prompt, falling back to label, then node ID.
	prompt := node.Attr("prompt").String()
	if prompt == "" {
		prompt = node.Attr("label").String()
	}
	if prompt == "" {
		prompt = node.ID
	}

	llmModel := node.Attr("llm_model").String()
	llmProvider := node.Attr("llm_provider").String()

	if h.Backend == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("no LLM backend configured for node %q", node.ID),
			ContextUpdates: map[string]any{
				"last_stage":      node.ID,
				"codergen.prompt": prompt,
			},
		}, nil
	}

	// Build agent run configuration
	maxTurns := 20
	if maxTurnsStr := node.Attr("max_turns").String(); maxTurnsStr != "" {
		if parsed, err := strconv.Atoi(maxTurnsStr); err == nil && parsed > 0 {
			maxTurns = parsed
		}
	}

	// Extract the pipeline goal from the context
	goal := ""
	if goalVal := pctx.Get("goal"); goalVal != nil {
		if goalStr, ok := goalVal.(string); ok {
			goal = goalStr
		}
	}

	// Resolve fidelity mode: node attribute takes precedence over pipeline context
	fidelityMode := ""
	if f := node.Attr("fidelity").String(); f != "" && IsValidFidelity(f) {
		fidelityMode = f
	} else if fVal := pctx.Get("_fidelity_mode"); fVal != nil {
		if fStr, ok := fVal.(string); ok && IsValidFidelity(fStr) {
			fidelityMode = fStr
		}
	}

	// Resolve working directory: explicit attr > artifact store base > temp dir (in backend)
	workDir := node.Attr("workdir").String()
	if workDir == "" && store != nil && store.BaseDir() != "" {
		workDir = store.BaseDir()
	}

	// Resolve base URL: node attribute overrides the handler's configured default
	baseURL := h.BaseURL
	if nodeBaseURL := node.Attr("base_url").String(); nodeBaseURL != "" {
		baseURL = nodeBaseURL
	}

	config := AgentRunConfig{
		Prompt:       prompt,
		Model:        llmModel,
		Provider:     llmProvider,
		BaseURL:      baseURL,
		WorkDir:      workDir,
		Goal:         goal,
		NodeID:       node.ID,
		MaxTurns:     maxTurns,
		FidelityMode: fidelityMode,
		EventHandler: h.EventHandler,
	}

	if rd, ok := pctx.Get("_rundir").(*RunDirectory); ok && rd != nil {
		if writeErr := rd.WritePrompt(node.ID, prompt); writeErr != nil {
			pctx.AppendLog(fmt.Sprintf("warning: failed to write prompt for node %s: %v", node.ID, writeErr))
		}
	}

	// Run the agent
	result, err := h.Backend.RunAgent(ctx, config)
	if err != nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("agent backend error: %v", err),
			ContextUpdates: map[string]any{
				"last_stage":      node.ID,
				"codergen.prompt": prompt,
			},
		}, nil
	}

	// Build context updates
	updates := map[string]any{
		"last_stage":      node.ID,
		"codergen.prompt": prompt,
	}
	if llmModel != "" {
		updates["codergen.model"] = llmModel
	}
	if llmProvider != "" {
		updates["codergen.provider"] = llmProvider
	}
	updates["codergen.tool_calls"] = result.ToolCalls
	updates["codergen.tokens_used"] = result.TokensUsed
	updates["codergen.turn_count"] = result.TurnCount
	updates["codergen.input_tokens"] = result.Usage.InputTokens
	updates["codergen.output_tokens"] = result.Usage.OutputTokens
	updates["codergen.reasoning_tokens"] = result.Usage.ReasoningTokens
	updates["codergen.cache_read_tokens"] = result.Usage.CacheReadTokens
	updates["codergen.cache_write_tokens"] = result.Usage.CacheWriteTokens

	// Store agent output as an artifact
	if result.Output != "" {
		artifactID := node.ID + ".output"
		if _, storeErr := store.Store(artifactID, "agent_output", []byte(result.Output)); storeErr != nil {
			// Log but do not fail the node
			pctx.AppendLog(fmt.Sprintf("warning: failed to store agent output artifact: %v", storeErr))
		}
		if rd, ok := pctx.Get("_rundir").(*RunDirectory); ok && rd != nil {
			if writeErr := rd.WriteResponse(node.ID, result.Output); writeErr != nil {
				pctx.AppendLog(fmt.Sprintf("warning: failed to write response for node %s: %v", node.ID, writeErr))
			}
		}
	}

	if !result.Success {
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  fmt.Sprintf("agent did not complete successfully: %s", result.Output),
			ContextUpdates: updates,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          fmt.Sprintf("Stage completed: %s (tools: %d, tokens: %d)", node.ID, result.ToolCalls, result.TokensUsed),
		ContextUpdates: updates,
	}, nil
}
