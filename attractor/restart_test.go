// ABOUTME: Tests for loop_restart edge attribute handling and engine restart behavior.
// ABOUTME: Covers ErrLoopRestart sentinel, restart wrapper, fresh context, max restart limits, and checkpointing.
package attractor

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestErrLoopRestart(t *testing.T) {
	err := &ErrLoopRestart{TargetNode: "node_b"}

	if err.TargetNode != "node_b" {
		t.Errorf("TargetNode = %q, want node_b", err.TargetNode)
	}
	if !strings.Contains(err.Error(), "node_b") || !strings.Contains(err.Error(), "loop_restart") {
		t.Errorf("Error() = %q, want it to mention node_b and loop_restart", err.Error())
	}

	var target *ErrLoopRestart
	if !errors.As(err, &target) || target.TargetNode != "node_b" {
		t.Errorf("errors.As did not recover the wrapped ErrLoopRestart, got %v", target)
	}
}

// buildRestartGraph returns start -> a -> b -> exit with a->b marked loop_restart=true.
func buildRestartGraph() *Graph {
	g := &Graph{
		Name:         "restart_test",
		Nodes:        make(map[string]*Node),
		Edges:        make([]*Edge, 0),
		Attrs:        map[string]Value{},
		NodeDefaults: map[string]Value{},
		EdgeDefaults: map[string]Value{},
	}
	g.Nodes["start"] = &Node{ID: "start", Attrs: strAttrs(map[string]string{"shape": "Mdiamond"})}
	g.Nodes["a"] = &Node{ID: "a", Attrs: strAttrs(map[string]string{"shape": "box", "label": "Step A"})}
	g.Nodes["b"] = &Node{ID: "b", Attrs: strAttrs(map[string]string{"shape": "box", "label": "Step B"})}
	g.Nodes["exit"] = &Node{ID: "exit", Attrs: strAttrs(map[string]string{"shape": "Msquare"})}
	g.Edges = append(g.Edges,
		&Edge{From: "start", To: "a", Attrs: strAttrs(map[string]string{})},
		&Edge{From: "a", To: "b", Attrs: strAttrs(map[string]string{"loop_restart": "true"})},
		&Edge{From: "b", To: "exit", Attrs: strAttrs(map[string]string{})},
	)
	return g
}

func runRestartGraph(g *Graph, codergen *testHandler) (*EngineResult, error) {
	reg := buildTestRegistry(newSuccessHandler("start"), codergen, newSuccessHandler("exit"))
	engine := NewEngine(EngineConfig{Handlers: reg, DefaultRetry: RetryPolicyNone()})
	return engine.RunGraph(context.Background(), g)
}

func TestLoopRestartEdgeTriggersRestartFromTarget(t *testing.T) {
	result, err := runRestartGraph(buildRestartGraph(), newSuccessHandler("codergen"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	foundB := false
	for _, n := range result.CompletedNodes {
		if n == "b" {
			foundB = true
		}
	}
	if !foundB {
		t.Errorf("expected node 'b' in completed nodes after restart, got: %v", result.CompletedNodes)
	}
}

func TestLoopRestartStartsWithAFreshContext(t *testing.T) {
	codergenH := &testHandler{
		typeName: "codergen",
		executeFn: func(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
			if node.ID == "a" {
				return &Outcome{Status: StatusSuccess, ContextUpdates: map[string]any{"from_a": "should_be_cleared"}}, nil
			}
			if node.ID == "b" {
				val := pctx.GetString("from_a", "not_found")
				return &Outcome{Status: StatusSuccess, ContextUpdates: map[string]any{"b_saw_from_a": val}}, nil
			}
			return &Outcome{Status: StatusSuccess}, nil
		},
	}

	result, err := runRestartGraph(buildRestartGraph(), codergenH)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val := result.Context.GetString("b_saw_from_a", ""); val != "not_found" {
		t.Errorf("expected a fresh context after restart, b_saw_from_a = %q, want not_found", val)
	}
}

func TestLoopRestartGraphAttrsAreReMirroredAfterRestart(t *testing.T) {
	g := buildRestartGraph()
	g.Attrs["goal"] = NewStringValue("build widgets")

	codergenH := &testHandler{
		typeName: "codergen",
		executeFn: func(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
			if node.ID == "b" {
				goal := pctx.GetString("goal", "")
				return &Outcome{Status: StatusSuccess, ContextUpdates: map[string]any{"b_saw_goal": goal}}, nil
			}
			return &Outcome{Status: StatusSuccess}, nil
		},
	}

	result, err := runRestartGraph(g, codergenH)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val := result.Context.GetString("b_saw_goal", ""); val != "build widgets" {
		t.Errorf("expected graph attrs mirrored into the fresh context, b_saw_goal = %q, want 'build widgets'", val)
	}
}

func TestLoopRestartExceedingMaxRestartsFails(t *testing.T) {
	// b has two outgoing edges (b->a and b->exit); lexical ordering picks
	// b->a first, so a->b (loop_restart) keeps firing until the cap trips.
	g := &Graph{
		Name:         "infinite_restart",
		Nodes:        make(map[string]*Node),
		Edges:        make([]*Edge, 0),
		Attrs:        map[string]Value{},
		NodeDefaults: map[string]Value{},
		EdgeDefaults: map[string]Value{},
	}
	g.Nodes["start"] = &Node{ID: "start", Attrs: strAttrs(map[string]string{"shape": "Mdiamond"})}
	g.Nodes["a"] = &Node{ID: "a", Attrs: strAttrs(map[string]string{"shape": "box", "label": "Step A"})}
	g.Nodes["b"] = &Node{ID: "b", Attrs: strAttrs(map[string]string{"shape": "box", "label": "Step B"})}
	g.Nodes["exit"] = &Node{ID: "exit", Attrs: strAttrs(map[string]string{"shape": "Msquare"})}
	g.Edges = append(g.Edges,
		&Edge{From: "start", To: "a", Attrs: strAttrs(map[string]string{})},
		&Edge{From: "a", To: "b", Attrs: strAttrs(map[string]string{"loop_restart": "true"})},
		&Edge{From: "b", To: "a", Attrs: strAttrs(map[string]string{})},
		&Edge{From: "b", To: "exit", Attrs: strAttrs(map[string]string{})},
	)

	reg := buildTestRegistry(newSuccessHandler("start"), newSuccessHandler("codergen"), newSuccessHandler("exit"))
	engine := NewEngine(EngineConfig{
		Handlers:      reg,
		DefaultRetry:  RetryPolicyNone(),
		RestartConfig: &RestartConfig{MaxRestarts: 3},
	})

	_, err := engine.RunGraph(context.Background(), g)
	if err == nil || !strings.Contains(err.Error(), "restart") {
		t.Errorf("expected an error about the restart limit, got: %v", err)
	}
}

func TestLoopRestartDoesNotTrigger(t *testing.T) {
	t.Run("loop_restart=false", func(t *testing.T) {
		g := buildRestartGraph()
		g.Edges[1].Attrs["loop_restart"] = NewStringValue("false")

		result, err := runRestartGraph(g, newSuccessHandler("codergen"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.CompletedNodes) != 4 {
			t.Errorf("expected 4 completed nodes on normal traversal, got %d: %v", len(result.CompletedNodes), result.CompletedNodes)
		}
	})

	t.Run("loop_restart absent entirely", func(t *testing.T) {
		result, err := runRestartGraph(buildLinearGraph(), newSuccessHandler("codergen"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.CompletedNodes) != 4 {
			t.Errorf("expected 4 completed nodes, got %d: %v", len(result.CompletedNodes), result.CompletedNodes)
		}
	})
}

func TestLoopRestartSavesACheckpointBeforeRestarting(t *testing.T) {
	g := buildRestartGraph()
	cpDir := t.TempDir()

	reg := buildTestRegistry(newSuccessHandler("start"), newSuccessHandler("codergen"), newSuccessHandler("exit"))
	engine := NewEngine(EngineConfig{Handlers: reg, DefaultRetry: RetryPolicyNone(), CheckpointDir: cpDir})

	if _, err := engine.RunGraph(context.Background(), g); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := os.ReadDir(cpDir)
	if err != nil {
		t.Fatalf("error reading checkpoint dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected at least one checkpoint file written before the restart")
	}
}

func TestLoopRestartRespectsContextCancellation(t *testing.T) {
	codergenH := &testHandler{
		typeName: "codergen",
		executeFn: func(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			return &Outcome{Status: StatusSuccess}, nil
		},
	}

	reg := buildTestRegistry(newSuccessHandler("start"), codergenH, newSuccessHandler("exit"))
	engine := NewEngine(EngineConfig{Handlers: reg, DefaultRetry: RetryPolicyNone()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.RunGraph(ctx, buildRestartGraph()); err == nil {
		t.Fatal("expected an error for a context cancelled before the restart completes")
	}
}

func TestEdgeHasLoopRestart(t *testing.T) {
	cases := []struct {
		name  string
		attrs map[string]string
		want  bool
	}{
		{"true value", map[string]string{"loop_restart": "true"}, true},
		{"false value", map[string]string{"loop_restart": "false"}, false},
		{"attribute absent", map[string]string{}, false},
		{"nil attrs map", nil, false},
		{"empty string value", map[string]string{"loop_restart": ""}, false},
		{"non-canonical case is not recognized", map[string]string{"loop_restart": "TRUE"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			edge := &Edge{From: "a", To: "b", Attrs: strAttrs(tc.attrs)}
			if got := EdgeHasLoopRestart(edge); got != tc.want {
				t.Errorf("EdgeHasLoopRestart() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDefaultRestartConfigAllowsFiveRestarts(t *testing.T) {
	if cfg := DefaultRestartConfig(); cfg.MaxRestarts != 5 {
		t.Errorf("DefaultRestartConfig().MaxRestarts = %d, want 5", cfg.MaxRestarts)
	}
}
