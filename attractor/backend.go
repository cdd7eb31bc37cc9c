// ABOUTME: Interface boundary between CodergenHandler and whatever LLM agent loop runs behind it.
// ABOUTME: Also defines the config/result/usage types that cross that boundary.
package attractor

import (
	"context"
	"strings"
	"time"
)

// CodergenBackend is the seam CodergenHandler dispatches through. Keeping
// the agent loop behind an interface means the handler, and everything
// that tests it, never needs a real LLM provider wired in.
type CodergenBackend interface {
	RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
}

// AgentRunConfig is everything a CodergenBackend needs to run one
// codergen node's agent turn.
type AgentRunConfig struct {
	Prompt       string
	Model        string
	Provider     string
	BaseURL      string
	WorkDir      string
	Goal         string
	NodeID       string
	MaxTurns     int
	FidelityMode string
	SystemPrompt string
	EventHandler func(EngineEvent)
}

// TokenUsage is a per-category token count that two runs can be merged by
// simple addition — input/output/reasoning/cache read/cache write, plus
// the pre-computed total.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Add returns the field-wise sum of u and other, for folding per-turn
// usage into a running pipeline-level total.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		ReasoningTokens:  u.ReasoningTokens + other.ReasoningTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// ToolCallEntry is one tool invocation made during an agent run, kept for
// the run's audit trail.
type ToolCallEntry struct {
	ToolName string        `json:"tool_name"`
	CallID   string        `json:"call_id"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output"`
}

// AgentRunResult is what a CodergenBackend hands back after one RunAgent
// call completes (or fails).
type AgentRunResult struct {
	Output      string
	ToolCalls   int
	TokensUsed  int
	Success     bool
	ToolCallLog []ToolCallEntry
	TurnCount   int
	Usage       TokenUsage
}

// outcomeMarkers pairs each recognized "OUTCOME:"/"OUTCOME=" marker token
// with the canonical outcome it maps to. FAIL markers are checked before
// PASS/SUCCESS ones so a transcript containing both resolves to failure.
var outcomeMarkers = []struct {
	token   string
	outcome string
}{
	{"OUTCOME:FAIL", "fail"},
	{"OUTCOME=FAIL", "fail"},
	{"OUTCOME:PASS", "success"},
	{"OUTCOME=PASS", "success"},
	{"OUTCOME:SUCCESS", "success"},
	{"OUTCOME=SUCCESS", "success"},
}

// DetectOutcomeMarker scans agent output text for an explicit outcome
// marker ("OUTCOME:FAIL", "outcome=success", etc., case-insensitive) and
// returns the canonical outcome ("fail" or "success") plus true if one was
// found. A FAIL marker always takes priority over a PASS/SUCCESS marker in
// the same text, since treating a late failure notice as overridden by an
// earlier success claim would be the wrong default.
func DetectOutcomeMarker(text string) (string, bool) {
	upper := strings.ToUpper(text)

	found := ""
	for _, m := range outcomeMarkers {
		if !strings.Contains(upper, m.token) {
			continue
		}
		if m.outcome == "fail" {
			return "fail", true
		}
		found = m.outcome
	}
	if found != "" {
		return found, true
	}
	return "", false
}
