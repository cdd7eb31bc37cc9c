// ABOUTME: Tests for the HandlerRegistry and the start/exit/codergen/conditional/parallel/fan-in/tool handlers.
// ABOUTME: Manager-loop and human-gate handlers have their own dedicated test files; this one covers everything else.
package attractor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// --- Helper functions for building test fixtures ---
//
// These wrap the strAttrs/node/edge helpers from subpipeline_test.go behind
// an incremental, mutate-a-graph API, since handler tests tend to build their
// fixture node-by-node and edge-by-edge rather than all at once.

func newTestGraph() *Graph {
	return buildGraph("test", nil, nil, nil)
}

func addNode(g *Graph, id string, attrs map[string]string) *Node {
	n := node(id, attrs)
	g.Nodes[id] = n
	return n
}

func addEdge(g *Graph, from, to string, attrs map[string]string) *Edge {
	e := edge(from, to, attrs)
	g.Edges = append(g.Edges, e)
	return e
}

// newContextWithGraph creates a pipeline context with the graph stored for handler access.
func newContextWithGraph(g *Graph) *Context {
	pctx := NewContext()
	pctx.Set("_graph", g)
	return pctx
}

// stubInterviewer is a test double for the Interviewer interface that returns a preset answer.
type stubInterviewer struct {
	answer string
	err    error
}

func (s *stubInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	return s.answer, s.err
}

// --- HandlerRegistry tests ---

func TestNewHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	if reg == nil {
		t.Fatal("NewHandlerRegistry returned nil")
	}
	if got := reg.Get("start"); got != nil {
		t.Errorf("expected a fresh registry to have no handlers, got %v for 'start'", got)
	}
}

func TestHandlerRegistryRegisterAndGet(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.Register(&StartHandler{})

	got := reg.Get("start")
	if got == nil {
		t.Fatal("expected handler for 'start', got nil")
	}
	if got.Type() != "start" {
		t.Errorf("expected type 'start', got %q", got.Type())
	}
}

func TestHandlerRegistryGetMissing(t *testing.T) {
	reg := NewHandlerRegistry()
	if got := reg.Get("nonexistent"); got != nil {
		t.Errorf("expected nil for missing handler, got %v", got)
	}
}

func TestHandlerRegistryRegisterOverwrites(t *testing.T) {
	reg := NewHandlerRegistry()
	h1, h2 := &StartHandler{}, &StartHandler{}
	reg.Register(h1)
	reg.Register(h2)
	if got := reg.Get("start"); got != h2 {
		t.Error("expected second registered handler to overwrite first")
	}
}

// --- Handler type identity and shape resolution, table-driven ---

func TestDefaultHandlerRegistryHasAllHandlersByTypeAndShape(t *testing.T) {
	reg := DefaultHandlerRegistry()

	tests := []struct {
		shape    string
		wantType string
	}{
		{"Mdiamond", "start"},
		{"Msquare", "exit"},
		{"box", "codergen"},
		{"diamond", "conditional"},
		{"component", "parallel"},
		{"tripleoctagon", "parallel.fan_in"},
		{"parallelogram", "tool"},
		{"house", "stack.manager_loop"},
		{"hexagon", "wait.human"},
	}

	for _, tt := range tests {
		t.Run(tt.shape, func(t *testing.T) {
			handlerType := ShapeToHandlerType(tt.shape)
			if handlerType != tt.wantType {
				t.Fatalf("ShapeToHandlerType(%q) = %q, want %q", tt.shape, handlerType, tt.wantType)
			}
			h := reg.Get(handlerType)
			if h == nil {
				t.Fatalf("DefaultHandlerRegistry missing handler for type %q", handlerType)
			}
			if h.Type() != tt.wantType {
				t.Errorf("handler for %q returned Type() = %q", tt.wantType, h.Type())
			}
		})
	}
}

func TestShapeToHandlerTypeUnknownShapeFallsBackToCodergen(t *testing.T) {
	if got := ShapeToHandlerType("unknown_shape"); got != "codergen" {
		t.Errorf("expected codergen for unknown shape, got %q", got)
	}
}

// --- Start handler tests ---

func TestStartHandlerExecuteStampsStartedAt(t *testing.T) {
	h := &StartHandler{}
	g := newTestGraph()
	n := addNode(g, "start", map[string]string{"shape": "Mdiamond"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("expected status success, got %v", outcome.Status)
	}

	startedAt, ok := outcome.ContextUpdates["_started_at"].(string)
	if !ok {
		t.Fatalf("expected _started_at to be a string, got %T", outcome.ContextUpdates["_started_at"])
	}
	if _, parseErr := time.Parse(time.RFC3339Nano, startedAt); parseErr != nil {
		t.Errorf("_started_at is not a valid RFC3339Nano timestamp: %v", parseErr)
	}
}

func TestStartHandlerRespectsContextCancellation(t *testing.T) {
	h := &StartHandler{}
	g := newTestGraph()
	n := addNode(g, "start", map[string]string{"shape": "Mdiamond"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Execute(ctx, n, pctx, store); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// --- Exit handler tests ---

func TestExitHandlerExecuteWithoutVerifyCommand(t *testing.T) {
	h := &ExitHandler{}
	g := newTestGraph()
	n := addNode(g, "exit", map[string]string{"shape": "Msquare"})
	pctx := NewContext()
	pctx.Set("some_key", "some_value")
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("expected status success, got %v", outcome.Status)
	}
	if outcome.Notes == "" {
		t.Error("expected non-empty notes on exit")
	}

	finishedAt, ok := outcome.ContextUpdates["_finished_at"].(string)
	if !ok {
		t.Fatalf("expected _finished_at to be a string, got %T", outcome.ContextUpdates["_finished_at"])
	}
	if _, parseErr := time.Parse(time.RFC3339Nano, finishedAt); parseErr != nil {
		t.Errorf("_finished_at is not a valid RFC3339Nano timestamp: %v", parseErr)
	}
}

func TestExitHandlerVerifyCommand(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		wantStatus StageStatus
	}{
		{"passing verify_command succeeds", "exit 0", StatusSuccess},
		{"failing verify_command fails", "exit 1", StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ExitHandler{}
			g := newTestGraph()
			n := addNode(g, "exit", map[string]string{"shape": "Msquare", "verify_command": tt.command})
			pctx := NewContext()
			store := NewArtifactStore(t.TempDir())

			outcome, err := h.Execute(context.Background(), n, pctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Status != tt.wantStatus {
				t.Errorf("expected status %v, got %v", tt.wantStatus, outcome.Status)
			}
			// _finished_at is recorded regardless of verify outcome.
			if _, ok := outcome.ContextUpdates["_finished_at"]; !ok {
				t.Error("expected _finished_at in context updates even on verify failure")
			}
		})
	}
}

// --- Codergen handler tests ---

func TestCodergenHandlerNoBackendFails(t *testing.T) {
	h := &CodergenHandler{}
	g := newTestGraph()
	n := addNode(g, "codegen1", map[string]string{"shape": "box", "prompt": "write a function"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected status fail with no backend configured, got %v", outcome.Status)
	}
	if outcome.FailureReason == "" {
		t.Error("expected a failure reason explaining the missing backend")
	}
}

func TestCodergenHandlerExecuteWithBackend(t *testing.T) {
	h := &CodergenHandler{Backend: &fakeBackend{}}
	g := newTestGraph()
	n := addNode(g, "codegen1", map[string]string{
		"shape":        "box",
		"prompt":       "Write a function that adds two numbers",
		"label":        "Add Function",
		"llm_model":    "claude-opus-4-20250514",
		"llm_provider": "anthropic",
	})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("expected status success, got %v", outcome.Status)
	}
	if outcome.ContextUpdates["last_stage"] != "codegen1" {
		t.Errorf("expected last_stage = codegen1, got %v", outcome.ContextUpdates["last_stage"])
	}
	if outcome.ContextUpdates["codergen.model"] != "claude-opus-4-20250514" {
		t.Errorf("expected codergen.model recorded, got %v", outcome.ContextUpdates["codergen.model"])
	}
	if outcome.ContextUpdates["codergen.provider"] != "anthropic" {
		t.Errorf("expected codergen.provider recorded, got %v", outcome.ContextUpdates["codergen.provider"])
	}
}

func TestCodergenHandlerPromptFallback(t *testing.T) {
	tests := []struct {
		name       string
		attrs      map[string]string
		wantPrompt string
	}{
		{"explicit prompt wins", map[string]string{"shape": "box", "prompt": "do X", "label": "ignored"}, "do X"},
		{"label used when prompt absent", map[string]string{"shape": "box", "label": "My Label Prompt"}, "My Label Prompt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{}
			h := &CodergenHandler{Backend: backend}
			g := newTestGraph()
			n := addNode(g, "codegen", tt.attrs)
			pctx := NewContext()
			store := NewArtifactStore(t.TempDir())

			outcome, err := h.Execute(context.Background(), n, pctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Status != StatusSuccess {
				t.Errorf("expected status success, got %v", outcome.Status)
			}
			if len(backend.calls) != 1 {
				t.Fatalf("expected 1 backend call, got %d", len(backend.calls))
			}
			if backend.calls[0].Prompt != tt.wantPrompt {
				t.Errorf("expected prompt %q, got %q", tt.wantPrompt, backend.calls[0].Prompt)
			}
		})
	}
}

func TestCodergenHandlerFallsBackToNodeIDWhenNoPromptOrLabel(t *testing.T) {
	backend := &fakeBackend{}
	h := &CodergenHandler{Backend: backend}
	g := newTestGraph()
	n := addNode(g, "codegen_bare", map[string]string{"shape": "box"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	if _, err := h.Execute(context.Background(), n, pctx, store); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backend.calls[0].Prompt != "codegen_bare" {
		t.Errorf("expected prompt to fall back to node ID, got %q", backend.calls[0].Prompt)
	}
}

func TestCodergenHandlerBackendFailurePropagates(t *testing.T) {
	backend := &fakeBackend{
		runAgentFn: func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
			return &AgentRunResult{Output: "did not finish", Success: false}, nil
		},
	}
	h := &CodergenHandler{Backend: backend}
	g := newTestGraph()
	n := addNode(g, "codegen_fail", map[string]string{"shape": "box", "prompt": "do work"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected status fail when agent reports failure, got %v", outcome.Status)
	}
}

func TestCodergenHandlerRespectsContextCancellation(t *testing.T) {
	h := &CodergenHandler{Backend: &fakeBackend{}}
	g := newTestGraph()
	n := addNode(g, "codegen", map[string]string{"shape": "box", "prompt": "Do work"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Execute(ctx, n, pctx, store); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// --- Conditional handler tests ---

func TestConditionalHandlerPassThroughUsesUpstreamOutcome(t *testing.T) {
	tests := []struct {
		name          string
		upstream      string
		wantStatus    StageStatus
		wantEdgeLabel string
	}{
		{"pass-through success", "success", StatusSuccess, "A"},
		{"pass-through fail", "fail", StatusFail, "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ConditionalHandler{}
			g := newTestGraph()
			n := addNode(g, "branch", map[string]string{"shape": "diamond"})
			addNode(g, "path_a", map[string]string{})
			addNode(g, "path_b", map[string]string{})
			addEdge(g, "branch", "path_a", map[string]string{"label": "A", "condition": "outcome = success"})
			addEdge(g, "branch", "path_b", map[string]string{"label": "B", "condition": "outcome = fail"})

			pctx := NewContext()
			pctx.Set("outcome", tt.upstream)
			store := NewArtifactStore(t.TempDir())

			outcome, err := h.Execute(context.Background(), n, pctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Status != tt.wantStatus {
				t.Errorf("expected status %v, got %v", tt.wantStatus, outcome.Status)
			}
			nextEdge := SelectEdge(n, outcome, pctx, g)
			if nextEdge == nil {
				t.Fatal("expected an edge to be selected")
			}
			if nextEdge.Attr("label").String() != tt.wantEdgeLabel {
				t.Errorf("expected edge labeled %q, got %q", tt.wantEdgeLabel, nextEdge.Attr("label").String())
			}
		})
	}
}

func TestConditionalHandlerPassThroughDefaultsToSuccessWithNoPriorOutcome(t *testing.T) {
	h := &ConditionalHandler{}
	g := newTestGraph()
	n := addNode(g, "gate", map[string]string{"shape": "diamond"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("expected default status success, got %v", outcome.Status)
	}
}

func TestConditionalHandlerPromptDrivenEvaluationUsesOutcomeMarker(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		success    bool
		wantStatus StageStatus
	}{
		{"explicit pass marker", "work done\nOUTCOME:PASS", true, StatusSuccess},
		{"explicit fail marker overrides agent success flag", "work done\nOUTCOME:FAIL", true, StatusFail},
		{"no marker falls back to agent success flag", "work done, no marker", true, StatusSuccess},
		{"no marker and agent reports failure", "broken", false, StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{
				runAgentFn: func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
					return &AgentRunResult{Output: tt.output, Success: tt.success}, nil
				},
			}
			h := &ConditionalHandler{Backend: backend}
			g := newTestGraph()
			n := addNode(g, "gate", map[string]string{"shape": "diamond", "prompt": "Did it work?"})
			pctx := NewContext()
			store := NewArtifactStore(t.TempDir())

			outcome, err := h.Execute(context.Background(), n, pctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Status != tt.wantStatus {
				t.Errorf("expected status %v, got %v", tt.wantStatus, outcome.Status)
			}
		})
	}
}

func TestConditionalHandlerPromptDrivenNoBackendFails(t *testing.T) {
	h := &ConditionalHandler{}
	g := newTestGraph()
	n := addNode(g, "gate", map[string]string{"shape": "diamond", "prompt": "Did it work?"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected status fail with no backend for a prompt-driven node, got %v", outcome.Status)
	}
}

// --- Parallel handler tests ---

func TestParallelHandlerListsBranches(t *testing.T) {
	h := &ParallelHandler{}
	g := newTestGraph()
	n := addNode(g, "fanout", map[string]string{"shape": "component"})
	addNode(g, "branch1", map[string]string{})
	addNode(g, "branch2", map[string]string{})
	addNode(g, "branch3", map[string]string{})
	addEdge(g, "fanout", "branch1", map[string]string{"label": "b1"})
	addEdge(g, "fanout", "branch2", map[string]string{"label": "b2"})
	addEdge(g, "fanout", "branch3", map[string]string{"label": "b3"})

	pctx := newContextWithGraph(g)
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("expected status success, got %v", outcome.Status)
	}
	branchList, ok := outcome.ContextUpdates["parallel.branches"].([]string)
	if !ok {
		t.Fatalf("expected []string for parallel.branches, got %T", outcome.ContextUpdates["parallel.branches"])
	}
	if len(branchList) != 3 {
		t.Errorf("expected 3 branches, got %d", len(branchList))
	}
}

func TestParallelHandlerNoBranchesFails(t *testing.T) {
	h := &ParallelHandler{}
	g := newTestGraph()
	n := addNode(g, "fanout", map[string]string{"shape": "component"})

	pctx := newContextWithGraph(g)
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected status fail for no branches, got %v", outcome.Status)
	}
}

func TestParallelHandlerPolicyAttributes(t *testing.T) {
	tests := []struct {
		name           string
		attrs          map[string]string
		wantJoin       string
		wantErrPolicy  string
		wantMaxPar     string
	}{
		{
			"explicit policy attributes are recorded",
			map[string]string{"shape": "component", "join_policy": "first_success", "error_policy": "fail_fast", "max_parallel": "8"},
			"first_success", "fail_fast", "8",
		},
		{
			"missing attributes fall back to defaults",
			map[string]string{"shape": "component"},
			defaultJoinPolicy, defaultErrorPolicy, defaultMaxParallel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ParallelHandler{}
			g := newTestGraph()
			n := addNode(g, "fanout", tt.attrs)
			addNode(g, "b1", map[string]string{})
			addEdge(g, "fanout", "b1", map[string]string{})

			pctx := newContextWithGraph(g)
			store := NewArtifactStore(t.TempDir())

			outcome, err := h.Execute(context.Background(), n, pctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.ContextUpdates["parallel.join_policy"] != tt.wantJoin {
				t.Errorf("join_policy: got %v, want %v", outcome.ContextUpdates["parallel.join_policy"], tt.wantJoin)
			}
			if outcome.ContextUpdates["parallel.error_policy"] != tt.wantErrPolicy {
				t.Errorf("error_policy: got %v, want %v", outcome.ContextUpdates["parallel.error_policy"], tt.wantErrPolicy)
			}
			if outcome.ContextUpdates["parallel.max_parallel"] != tt.wantMaxPar {
				t.Errorf("max_parallel: got %v, want %v", outcome.ContextUpdates["parallel.max_parallel"], tt.wantMaxPar)
			}
		})
	}
}

func TestParallelHandlerWithoutGraphInContextHasNoBranches(t *testing.T) {
	h := &ParallelHandler{}
	g := newTestGraph()
	n := addNode(g, "fanout", map[string]string{"shape": "component"})
	addNode(g, "b1", map[string]string{})
	addEdge(g, "fanout", "b1", map[string]string{})

	// _graph deliberately not stashed in context.
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected fail when the graph isn't published to context, got %v", outcome.Status)
	}
}

// --- Fan-in handler tests ---

func TestFanInHandlerRequiresParallelResults(t *testing.T) {
	tests := []struct {
		name       string
		seedResult bool
		wantStatus StageStatus
	}{
		{"fan-in succeeds once branch results exist", true, StatusSuccess},
		{"fan-in fails without branch results", false, StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &FanInHandler{}
			g := newTestGraph()
			n := addNode(g, "fanin", map[string]string{"shape": "tripleoctagon"})

			pctx := NewContext()
			if tt.seedResult {
				pctx.Set(parallelResultsKey, "branch1:success,branch2:success")
			}
			store := NewArtifactStore(t.TempDir())

			outcome, err := h.Execute(context.Background(), n, pctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Status != tt.wantStatus {
				t.Errorf("expected status %v, got %v", tt.wantStatus, outcome.Status)
			}
			if tt.wantStatus == StatusFail && outcome.FailureReason == "" {
				t.Error("expected a failure reason for missing results")
			}
		})
	}
}

func TestFanInHandlerVerifyCommand(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		wantStatus StageStatus
	}{
		{"passing verify_command succeeds", "exit 0", StatusSuccess},
		{"failing verify_command fails merge", "exit 1", StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &FanInHandler{}
			g := newTestGraph()
			n := addNode(g, "fanin", map[string]string{"shape": "tripleoctagon", "verify_command": tt.command})

			pctx := NewContext()
			pctx.Set(parallelResultsKey, "branch1:success")
			store := NewArtifactStore(t.TempDir())

			outcome, err := h.Execute(context.Background(), n, pctx, store)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Status != tt.wantStatus {
				t.Errorf("expected status %v, got %v", tt.wantStatus, outcome.Status)
			}
		})
	}
}

// --- Tool handler tests ---

func TestToolHandlerRunsCommand(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	n := addNode(g, "run_tool", map[string]string{"shape": "parallelogram", "command": "echo hello"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("expected status success, got %v", outcome.Status)
	}
	stdout, ok := outcome.ContextUpdates["tool.stdout"].(string)
	if !ok {
		t.Fatalf("expected tool.stdout to be a string, got %T", outcome.ContextUpdates["tool.stdout"])
	}
	if !strings.Contains(stdout, "hello") {
		t.Errorf("expected 'hello' in tool.stdout, got %q", stdout)
	}
	if outcome.ContextUpdates["outcome"] != "success" {
		t.Errorf("expected outcome=success recorded, got %v", outcome.ContextUpdates["outcome"])
	}
}

func TestToolHandlerNoCommandFails(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	n := addNode(g, "run_tool", map[string]string{"shape": "parallelogram"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected status fail for missing command, got %v", outcome.Status)
	}
}

func TestToolHandlerUsesPromptAsCommandFallback(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	n := addNode(g, "run_tool", map[string]string{"shape": "parallelogram", "prompt": "echo from_prompt"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("expected status success, got %v", outcome.Status)
	}
	stdout := outcome.ContextUpdates["tool.stdout"].(string)
	if !strings.Contains(stdout, "from_prompt") {
		t.Errorf("expected 'from_prompt' in tool.stdout, got %q", stdout)
	}
}

func TestToolHandlerNonZeroExitFails(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	n := addNode(g, "run_tool", map[string]string{"shape": "parallelogram", "command": "exit 3"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected status fail for nonzero exit, got %v", outcome.Status)
	}
	if outcome.ContextUpdates["tool.exit_code"] != 3 {
		t.Errorf("expected tool.exit_code = 3, got %v", outcome.ContextUpdates["tool.exit_code"])
	}
}

func TestToolHandlerStoreAttributeCapturesStdout(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	n := addNode(g, "run_tool", map[string]string{"shape": "parallelogram", "command": "echo captured", "store": "tool_output_var"})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := outcome.ContextUpdates["tool_output_var"].(string)
	if !ok || !strings.Contains(got, "captured") {
		t.Errorf("expected tool_output_var to capture stdout, got %v", outcome.ContextUpdates["tool_output_var"])
	}
}

func TestToolHandlerEnvOverridesReachTheCommand(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	n := addNode(g, "run_tool", map[string]string{
		"shape":        "parallelogram",
		"command":      "echo $GREETING",
		"env_GREETING": "hi_from_attrs",
	})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stdout := outcome.ContextUpdates["tool.stdout"].(string)
	if !strings.Contains(stdout, "hi_from_attrs") {
		t.Errorf("expected env_ attribute to be exported into the command, got stdout %q", stdout)
	}
}

func TestToolHandlerInvalidWorkingDirFails(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	n := addNode(g, "run_tool", map[string]string{
		"shape":       "parallelogram",
		"command":     "echo hi",
		"working_dir": "/path/that/does/not/exist/anywhere",
	})
	pctx := NewContext()
	store := NewArtifactStore(t.TempDir())

	outcome, err := h.Execute(context.Background(), n, pctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("expected status fail for a nonexistent working_dir, got %v", outcome.Status)
	}
}

// --- Manager loop and wait-for-human handlers: Type() only; behavior is
// covered in handlers_manager_test.go and handlers_human_test.go. ---

func TestManagerLoopHandlerType(t *testing.T) {
	if got := (&ManagerLoopHandler{}).Type(); got != "stack.manager_loop" {
		t.Errorf("expected type 'stack.manager_loop', got %q", got)
	}
}

func TestWaitForHumanHandlerType(t *testing.T) {
	if got := (&WaitForHumanHandler{}).Type(); got != "wait.human" {
		t.Errorf("expected type 'wait.human', got %q", got)
	}
}

// --- Sanity check that stubInterviewer satisfies Interviewer and that an
// error from it surfaces as a failed outcome, not a Go error, from a handler
// that isn't covered elsewhere (FanIn/Tool/etc. don't use an Interviewer). ---

func TestStubInterviewerReturnsConfiguredAnswerAndError(t *testing.T) {
	ok := &stubInterviewer{answer: "yes"}
	answer, err := ok.Ask(context.Background(), "q", []string{"yes", "no"})
	if err != nil || answer != "yes" {
		t.Fatalf("expected (\"yes\", nil), got (%q, %v)", answer, err)
	}

	failing := &stubInterviewer{err: fmt.Errorf("boom")}
	if _, err := failing.Ask(context.Background(), "q", nil); err == nil {
		t.Error("expected configured error to propagate")
	}
}
