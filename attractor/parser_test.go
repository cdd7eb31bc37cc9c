// ABOUTME: Tests for the DOT DSL recursive descent parser.
// ABOUTME: Covers digraph parsing, attributes, chained edges, defaults, subgraphs, and error rejection.
package attractor

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, input string) *Graph {
	t.Helper()
	g, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	return g
}

func TestParseSimpleDigraphProducesNodesAndEdgesInOrder(t *testing.T) {
	g := mustParse(t, `digraph Simple {
		start [shape=Mdiamond, label="Start"]
		exit  [shape=Msquare, label="Exit"]
		work  [label="Do Work"]
		start -> work -> exit
	}`)

	if g.Name != "Simple" {
		t.Errorf("graph name = %q, want %q", g.Name, "Simple")
	}
	if len(g.Nodes) != 3 {
		t.Errorf("got %d nodes, want 3", len(g.Nodes))
	}
	if len(g.Edges) != 2 {
		t.Errorf("got %d edges, want 2", len(g.Edges))
	}
	if g.Edges[0].From != "start" || g.Edges[0].To != "work" {
		t.Errorf("edge[0] = %s -> %s, want start -> work", g.Edges[0].From, g.Edges[0].To)
	}
	if g.Edges[1].From != "work" || g.Edges[1].To != "exit" {
		t.Errorf("edge[1] = %s -> %s, want work -> exit", g.Edges[1].From, g.Edges[1].To)
	}
}

// TestParseScalarAttributeValues covers the attribute value forms the DOT
// grammar accepts on a node: quoted strings, bare words, booleans and numbers.
func TestParseScalarAttributeValues(t *testing.T) {
	g := mustParse(t, `digraph Test {
		mynode [
			label="My Node", shape=box, timeout="900s", prompt="Do something",
			goal_gate=true, auto_status=false, max_retries=3, weight=-1
		]
	}`)

	node := g.FindNode("mynode")
	if node == nil {
		t.Fatal("node 'mynode' not found")
	}

	cases := []struct{ key, want string }{
		{"label", "My Node"},
		{"shape", "box"},
		{"timeout", "900s"},
		{"prompt", "Do something"},
		{"goal_gate", "true"},
		{"auto_status", "false"},
		{"max_retries", "3"},
		{"weight", "-1"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got, ok := node.Attrs[tc.key]
			if !ok {
				t.Fatalf("node missing attribute %q", tc.key)
			}
			if got.String() != tc.want {
				t.Errorf("node.Attrs[%q] = %q, want %q", tc.key, got.String(), tc.want)
			}
		})
	}
}

func TestParseMultilineAttributeBlock(t *testing.T) {
	g := mustParse(t, `digraph Test {
		mynode [
			label="My Node",
			shape=hexagon,
			type="wait.human"
		]
	}`)

	node := g.FindNode("mynode")
	if node == nil {
		t.Fatal("mynode not found")
	}
	if node.Attrs["label"].String() != "My Node" || node.Attrs["shape"].String() != "hexagon" || node.Attrs["type"].String() != "wait.human" {
		t.Errorf("unexpected attrs: %v", node.Attrs)
	}
}

func TestParseEdgeAttributes(t *testing.T) {
	g := mustParse(t, `digraph Test {
		A [label="A"]
		B [label="B"]
		A -> B [label="Yes", condition="outcome=success", weight=10]
	}`)

	if len(g.Edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(g.Edges))
	}
	edge := g.Edges[0]
	cases := []struct{ key, want string }{
		{"label", "Yes"},
		{"condition", "outcome=success"},
		{"weight", "10"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got, ok := edge.Attrs[tc.key]
			if !ok || got.String() != tc.want {
				t.Errorf("edge.Attrs[%q] = %q (ok=%v), want %q", tc.key, got.String(), ok, tc.want)
			}
		})
	}
}

func TestParseChainedEdgesExpandIntoPairwiseEdgesSharingAttrs(t *testing.T) {
	g := mustParse(t, `digraph Test {
		A [label="A"]
		B [label="B"]
		C [label="C"]
		A -> B -> C [label="next"]
	}`)

	if len(g.Edges) != 2 {
		t.Fatalf("got %d edges, want 2 (chained expansion)", len(g.Edges))
	}
	if g.Edges[0].From != "A" || g.Edges[0].To != "B" || g.Edges[0].Attrs["label"].String() != "next" {
		t.Errorf("edge[0] = %s -> %s (label=%q), want A -> B (label=next)", g.Edges[0].From, g.Edges[0].To, g.Edges[0].Attrs["label"].String())
	}
	if g.Edges[1].From != "B" || g.Edges[1].To != "C" || g.Edges[1].Attrs["label"].String() != "next" {
		t.Errorf("edge[1] = %s -> %s (label=%q), want B -> C (label=next)", g.Edges[1].From, g.Edges[1].To, g.Edges[1].Attrs["label"].String())
	}
}

func TestParseGraphLevelAttributes(t *testing.T) {
	g := mustParse(t, `digraph Test {
		graph [goal="Run tests and report"]
		rankdir=LR
		label="My Pipeline"
	}`)

	if g.Attrs["goal"].String() != "Run tests and report" {
		t.Errorf("graph goal = %q, want %q", g.Attrs["goal"].String(), "Run tests and report")
	}
	if g.Attrs["rankdir"].String() != "LR" {
		t.Errorf("graph rankdir = %q, want %q", g.Attrs["rankdir"].String(), "LR")
	}
	if g.Attrs["label"].String() != "My Pipeline" {
		t.Errorf("graph label = %q, want %q", g.Attrs["label"].String(), "My Pipeline")
	}
}

func TestParseNodeDefaultsApplyAndCanBeOverridden(t *testing.T) {
	g := mustParse(t, `digraph Test {
		node [shape=box, timeout="900s"]
		work [label="Work"]
		plan [label="Plan"]
	}`)

	if g.NodeDefaults["shape"].String() != "box" || g.NodeDefaults["timeout"].String() != "900s" {
		t.Errorf("unexpected node defaults: %v", g.NodeDefaults)
	}
	work := g.FindNode("work")
	if work == nil {
		t.Fatal("node 'work' not found")
	}
	if work.Attrs["shape"].String() != "box" || work.Attrs["timeout"].String() != "900s" {
		t.Errorf("work should inherit node defaults, got %v", work.Attrs)
	}

	g2 := mustParse(t, `digraph Test2 {
		node [shape=box, timeout="900s"]
		special [label="Special", shape=diamond, timeout="1800s"]
	}`)
	special := g2.FindNode("special")
	if special == nil {
		t.Fatal("node 'special' not found")
	}
	if special.Attrs["shape"].String() != "diamond" || special.Attrs["timeout"].String() != "1800s" {
		t.Errorf("special should override defaults explicitly, got %v", special.Attrs)
	}
}

func TestParseEdgeDefaultsApplyAndCanBeOverridden(t *testing.T) {
	g := mustParse(t, `digraph Test {
		edge [weight=0]
		A [label="A"]
		B [label="B"]
		C [label="C"]
		A -> B
		B -> C [weight=5]
	}`)

	if g.EdgeDefaults["weight"].String() != "0" {
		t.Errorf("edge default weight = %q, want %q", g.EdgeDefaults["weight"].String(), "0")
	}
	if g.Edges[0].Attrs["weight"].String() != "0" {
		t.Errorf("edge[0] weight = %q, want %q (from defaults)", g.Edges[0].Attrs["weight"].String(), "0")
	}
	if g.Edges[1].Attrs["weight"].String() != "5" {
		t.Errorf("edge[1] weight = %q, want %q (explicit override)", g.Edges[1].Attrs["weight"].String(), "5")
	}
}

func TestParseSubgraphNodesInheritDefaultsAndMembership(t *testing.T) {
	g := mustParse(t, `digraph Test {
		subgraph cluster_loop {
			label = "Loop A"
			node [thread_id="loop-a", timeout="900s"]
			Plan      [label="Plan next step"]
			Implement [label="Implement", timeout="1800s"]
		}
	}`)

	if len(g.Subgraphs) != 1 {
		t.Fatalf("got %d subgraphs, want 1", len(g.Subgraphs))
	}
	sg := g.Subgraphs[0]
	if sg.Name != "cluster_loop" {
		t.Errorf("subgraph name = %q, want %q", sg.Name, "cluster_loop")
	}
	if len(sg.Nodes) != 2 {
		t.Errorf("subgraph has %d nodes, want 2", len(sg.Nodes))
	}

	nodeSet := make(map[string]bool)
	for _, id := range sg.Nodes {
		nodeSet[id] = true
	}
	if !nodeSet["Plan"] || !nodeSet["Implement"] {
		t.Errorf("subgraph should contain Plan and Implement, got %v", sg.Nodes)
	}

	plan := g.FindNode("Plan")
	if plan == nil {
		t.Fatal("node 'Plan' not found in graph")
	}
	if plan.Attrs["thread_id"].String() != "loop-a" || plan.Attrs["timeout"].String() != "900s" {
		t.Errorf("Plan should inherit subgraph node defaults, got %v", plan.Attrs)
	}

	impl := g.FindNode("Implement")
	if impl == nil {
		t.Fatal("node 'Implement' not found in graph")
	}
	if impl.Attrs["thread_id"].String() != "loop-a" {
		t.Errorf("Implement should inherit thread_id, got %q", impl.Attrs["thread_id"].String())
	}
	if impl.Attrs["timeout"].String() != "1800s" {
		t.Errorf("Implement.timeout = %q, want %q (explicit override)", impl.Attrs["timeout"].String(), "1800s")
	}
}

func TestParseSubgraphClassDerivedFromLabel(t *testing.T) {
	g := mustParse(t, `digraph Test {
		subgraph cluster_loop {
			label = "Loop A"
			Plan [label="Plan"]
		}
	}`)

	if len(g.Subgraphs) != 1 {
		t.Fatalf("got %d subgraphs, want 1", len(g.Subgraphs))
	}
	plan := g.FindNode("Plan")
	if plan == nil {
		t.Fatal("node 'Plan' not found")
	}
	if plan.Attrs["class"].String() != "loop-a" {
		t.Errorf("Plan.class = %q, want %q (derived from subgraph label)", plan.Attrs["class"].String(), "loop-a")
	}
}

func TestParseComplexPipelineWiresDefaultsEdgesAndOverrides(t *testing.T) {
	g := mustParse(t, `digraph Branch {
		graph [goal="Implement and validate a feature"]
		rankdir=LR
		node [shape=box, timeout="900s"]

		start     [shape=Mdiamond, label="Start"]
		exit      [shape=Msquare, label="Exit"]
		plan      [label="Plan", prompt="Plan the implementation"]
		implement [label="Implement", prompt="Implement the plan"]
		validate  [label="Validate", prompt="Run tests"]
		gate      [shape=diamond, label="Tests passing?"]

		start -> plan -> implement -> validate -> gate
		gate -> exit      [label="Yes", condition="outcome=success"]
		gate -> implement [label="No", condition="outcome!=success"]
	}`)

	if g.Name != "Branch" {
		t.Errorf("graph name = %q, want %q", g.Name, "Branch")
	}
	if g.Attrs["goal"].String() != "Implement and validate a feature" {
		t.Errorf("graph goal = %q, want %q", g.Attrs["goal"].String(), "Implement and validate a feature")
	}
	if len(g.Nodes) != 6 {
		t.Errorf("got %d nodes, want 6", len(g.Nodes))
	}
	// 4 chained + 2 branch edges from gate.
	if len(g.Edges) != 6 {
		t.Errorf("got %d edges, want 6", len(g.Edges))
	}

	startNode := g.FindNode("start")
	if startNode == nil || startNode.Attrs["shape"].String() != "Mdiamond" {
		t.Errorf("start.shape should override default to Mdiamond, got %v", startNode)
	}
	planNode := g.FindNode("plan")
	if planNode == nil || planNode.Attrs["shape"].String() != "box" || planNode.Attrs["timeout"].String() != "900s" {
		t.Errorf("plan should inherit shape/timeout defaults, got %v", planNode)
	}
	gate := g.FindNode("gate")
	if gate == nil || gate.Attrs["shape"].String() != "diamond" {
		t.Errorf("gate.shape should override default to diamond, got %v", gate)
	}

	gateEdges := g.OutgoingEdges("gate")
	if len(gateEdges) != 2 {
		t.Fatalf("gate has %d outgoing edges, want 2", len(gateEdges))
	}
}

func TestParseHumanGateCreatesImplicitNodesFromEdgeTargets(t *testing.T) {
	g := mustParse(t, `digraph Review {
		rankdir=LR

		start [shape=Mdiamond, label="Start"]
		exit  [shape=Msquare, label="Exit"]

		review_gate [
			shape=hexagon,
			label="Review Changes",
			type="wait.human"
		]

		start -> review_gate
		review_gate -> ship_it [label="[A] Approve"]
		review_gate -> fixes   [label="[F] Fix"]
		ship_it -> exit
		fixes -> review_gate
	}`)

	if g.Name != "Review" {
		t.Errorf("graph name = %q, want %q", g.Name, "Review")
	}
	if len(g.Nodes) != 5 {
		t.Errorf("got %d nodes, want 5", len(g.Nodes))
	}

	rg := g.FindNode("review_gate")
	if rg == nil {
		t.Fatal("review_gate node not found")
	}
	if rg.Attrs["shape"].String() != "hexagon" || rg.Attrs["type"].String() != "wait.human" {
		t.Errorf("unexpected review_gate attrs: %v", rg.Attrs)
	}
	if len(g.Edges) != 5 {
		t.Errorf("got %d edges, want 5", len(g.Edges))
	}
	if g.FindNode("ship_it") == nil {
		t.Error("ship_it node not found (should be implicitly created)")
	}
	if g.FindNode("fixes") == nil {
		t.Error("fixes node not found (should be implicitly created)")
	}
}

// TestParseRejectsInvalidGrammar covers the forms the parser must reject outright.
func TestParseRejectsInvalidGrammar(t *testing.T) {
	cases := []struct {
		name        string
		input       string
		wantInError []string
	}{
		{"undirected edge operator", `digraph Test { A -- B }`, []string{"undirected", "--"}},
		{"a second digraph block", `digraph First { A [label="A"] } digraph Second { B [label="B"] }`, nil},
		{"the strict modifier", `strict digraph Test { A [label="A"] }`, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			if err == nil {
				t.Fatalf("expected Parse to reject %q", tc.name)
			}
			if tc.wantInError != nil {
				matched := false
				for _, want := range tc.wantInError {
					if strings.Contains(err.Error(), want) {
						matched = true
					}
				}
				if !matched {
					t.Errorf("expected error to mention one of %v, got: %v", tc.wantInError, err)
				}
			}
		})
	}
}

func TestParseEmptyDigraphHasNoNodes(t *testing.T) {
	g := mustParse(t, `digraph Empty {}`)
	if g.Name != "Empty" {
		t.Errorf("graph name = %q, want %q", g.Name, "Empty")
	}
	if len(g.Nodes) != 0 {
		t.Errorf("got %d nodes, want 0", len(g.Nodes))
	}
}

func TestParseToleratesTrailingSemicolons(t *testing.T) {
	g := mustParse(t, `digraph Test {
		A [label="A"];
		B [label="B"];
		A -> B;
	}`)
	if len(g.Nodes) != 2 {
		t.Errorf("got %d nodes, want 2", len(g.Nodes))
	}
	if len(g.Edges) != 1 {
		t.Errorf("got %d edges, want 1", len(g.Edges))
	}
}
