// ABOUTME: Tests for the parsed DOT graph AST and its node/edge lookup helpers.
// ABOUTME: Covers FindNode, edge traversal in both directions, start/exit detection by shape, and NodeIDs.
package attractor

import "testing"

func linearGraph() *Graph {
	return &Graph{
		Nodes: map[string]*Node{
			"A": {ID: "A", Attrs: strAttrs(map[string]string{})},
			"B": {ID: "B", Attrs: strAttrs(map[string]string{})},
			"C": {ID: "C", Attrs: strAttrs(map[string]string{})},
		},
		Edges: []*Edge{
			{From: "A", To: "B", Attrs: strAttrs(map[string]string{"label": "first"})},
			{From: "A", To: "C", Attrs: strAttrs(map[string]string{"label": "second"})},
			{From: "B", To: "C", Attrs: strAttrs(map[string]string{"label": "third"})},
		},
	}
}

func TestGraphFindNode(t *testing.T) {
	g := &Graph{
		Nodes: map[string]*Node{
			"start": {ID: "start", Attrs: strAttrs(map[string]string{"shape": "Mdiamond"})},
			"work":  {ID: "work", Attrs: strAttrs(map[string]string{"label": "Do Work"})},
			"exit":  {ID: "exit", Attrs: strAttrs(map[string]string{"shape": "Msquare"})},
		},
	}

	for _, tc := range []struct {
		nodeID  string
		present bool
	}{
		{"start", true},
		{"work", true},
		{"nonexistent", false},
		{"", false},
	} {
		t.Run(tc.nodeID, func(t *testing.T) {
			node := g.FindNode(tc.nodeID)
			if tc.present != (node != nil) {
				t.Fatalf("FindNode(%q) = %v, want present=%v", tc.nodeID, node, tc.present)
			}
			if node != nil && node.ID != tc.nodeID {
				t.Errorf("FindNode(%q).ID = %q", tc.nodeID, node.ID)
			}
		})
	}
}

func TestGraphOutgoingEdges(t *testing.T) {
	g := linearGraph()

	cases := []struct {
		nodeID  string
		wantTos []string
	}{
		{"A", []string{"B", "C"}},
		{"B", []string{"C"}},
		{"C", nil},
		{"Z", nil},
	}
	for _, tc := range cases {
		t.Run(tc.nodeID, func(t *testing.T) {
			edges := g.OutgoingEdges(tc.nodeID)
			if len(edges) != len(tc.wantTos) {
				t.Fatalf("OutgoingEdges(%q) returned %d edges, want %d", tc.nodeID, len(edges), len(tc.wantTos))
			}
			for i, e := range edges {
				if e.To != tc.wantTos[i] {
					t.Errorf("OutgoingEdges(%q)[%d].To = %q, want %q", tc.nodeID, i, e.To, tc.wantTos[i])
				}
			}
		})
	}
}

func TestGraphIncomingEdges(t *testing.T) {
	g := linearGraph()

	cases := map[string]int{"A": 0, "B": 1, "C": 2, "Z": 0}
	for nodeID, want := range cases {
		t.Run(nodeID, func(t *testing.T) {
			if got := len(g.IncomingEdges(nodeID)); got != want {
				t.Errorf("IncomingEdges(%q) returned %d edges, want %d", nodeID, got, want)
			}
		})
	}
}

func TestGraphFindStartNode(t *testing.T) {
	cases := []struct {
		name   string
		graph  *Graph
		wantID string
	}{
		{
			name: "Mdiamond shape is the start node",
			graph: &Graph{Nodes: map[string]*Node{
				"begin": {ID: "begin", Attrs: strAttrs(map[string]string{"shape": "Mdiamond"})},
				"work":  {ID: "work", Attrs: strAttrs(map[string]string{"shape": "box"})},
			}},
			wantID: "begin",
		},
		{
			name: "no Mdiamond node means no start node",
			graph: &Graph{Nodes: map[string]*Node{
				"work": {ID: "work", Attrs: strAttrs(map[string]string{"shape": "box"})},
			}},
		},
		{
			name:  "empty graph has no start node",
			graph: &Graph{Nodes: map[string]*Node{}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := tc.graph.FindStartNode()
			if tc.wantID == "" {
				if node != nil {
					t.Errorf("FindStartNode() = %v, want nil", node)
				}
				return
			}
			if node == nil || node.ID != tc.wantID {
				t.Errorf("FindStartNode() = %v, want ID %q", node, tc.wantID)
			}
		})
	}
}

func TestGraphFindExitNode(t *testing.T) {
	cases := []struct {
		name   string
		graph  *Graph
		wantID string
	}{
		{
			name: "Msquare shape is the exit node",
			graph: &Graph{Nodes: map[string]*Node{
				"start": {ID: "start", Attrs: strAttrs(map[string]string{"shape": "Mdiamond"})},
				"end":   {ID: "end", Attrs: strAttrs(map[string]string{"shape": "Msquare"})},
			}},
			wantID: "end",
		},
		{
			name: "no Msquare node means no exit node",
			graph: &Graph{Nodes: map[string]*Node{
				"work": {ID: "work", Attrs: strAttrs(map[string]string{"shape": "box"})},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := tc.graph.FindExitNode()
			if tc.wantID == "" {
				if node != nil {
					t.Errorf("FindExitNode() = %v, want nil", node)
				}
				return
			}
			if node == nil || node.ID != tc.wantID {
				t.Errorf("FindExitNode() = %v, want ID %q", node, tc.wantID)
			}
		})
	}
}

func TestGraphNodeIDs(t *testing.T) {
	t.Run("lists every node regardless of map order", func(t *testing.T) {
		g := &Graph{Nodes: map[string]*Node{
			"alpha": {ID: "alpha"}, "beta": {ID: "beta"}, "gamma": {ID: "gamma"},
		}}

		ids := g.NodeIDs()
		if len(ids) != 3 {
			t.Fatalf("NodeIDs() returned %d IDs, want 3", len(ids))
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			seen[id] = true
		}
		for _, want := range []string{"alpha", "beta", "gamma"} {
			if !seen[want] {
				t.Errorf("NodeIDs() missing %q", want)
			}
		}
	})

	t.Run("empty graph yields no IDs", func(t *testing.T) {
		if ids := (&Graph{Nodes: map[string]*Node{}}).NodeIDs(); len(ids) != 0 {
			t.Errorf("NodeIDs() = %v, want empty", ids)
		}
	})
}
