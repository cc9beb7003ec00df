// Package graph defines workflow graphs and executes them as checkpointed
// supersteps.
//
// A Graph is a static description: named nodes with declared input and
// output channels and static successor edges. Node behavior lives in a
// FuncMap bound at execution time, so the same graph shape can run with
// different implementations (production functions, test stubs).
//
// The Runner executes a graph pregel-style: each superstep runs the
// scheduled nodes against the state the superstep started from, collects
// their writes, persists a checkpoint, then derives the next superstep's
// schedule from the branch writes. Execution can stop mid-run on an
// interrupt and resume later from the persisted thread.
package graph

import "fmt"

// NodeSpec describes one node in a workflow graph.
type NodeSpec struct {
	// Name uniquely identifies the node within the graph.
	Name string

	// Inputs lists the state channels projected into the node's inputs.
	// Empty means the node receives the full filtered state.
	Inputs []string

	// Outputs lists the state channels the node may write. Declared
	// outputs act as an allowlist; returned keys outside it are dropped.
	// Empty means all returned keys are written.
	Outputs []string

	// Successors are the nodes scheduled after this one completes.
	Successors []string
}

// Graph is an immutable-after-build description of a workflow.
//
// Build with New, AddNode, SetEntry and SetReducer, then Validate before
// running:
//
//	g := graph.New().
//	    AddNode(graph.NodeSpec{Name: "Fetch", Outputs: []string{"pages"}, Successors: []string{"Summarize"}}).
//	    AddNode(graph.NodeSpec{Name: "Summarize", Inputs: []string{"pages"}, Outputs: []string{"summary"}}).
//	    SetEntry("Fetch")
//	if err := g.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Graph struct {
	nodes    map[string]NodeSpec
	order    []string
	entries  []string
	reducers map[string]Reducer
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]NodeSpec),
		reducers: make(map[string]Reducer),
	}
}

// AddNode registers a node. Re-adding a name replaces the earlier spec.
func (g *Graph) AddNode(spec NodeSpec) *Graph {
	if _, exists := g.nodes[spec.Name]; !exists {
		g.order = append(g.order, spec.Name)
	}
	g.nodes[spec.Name] = spec
	return g
}

// SetEntry declares the nodes scheduled in the first superstep.
func (g *Graph) SetEntry(names ...string) *Graph {
	g.entries = names
	return g
}

// SetReducer assigns a reducer to a state channel. Channels without a
// reducer are overwritten on each write.
func (g *Graph) SetReducer(channel string, r Reducer) *Graph {
	g.reducers[channel] = r
	return g
}

// Node returns the spec for a node name.
func (g *Graph) Node(name string) (NodeSpec, bool) {
	spec, ok := g.nodes[name]
	return spec, ok
}

// Nodes returns node names in registration order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Entries returns the entry node names.
func (g *Graph) Entries() []string {
	out := make([]string, len(g.entries))
	copy(out, g.entries)
	return out
}

// Validate checks the graph is runnable: at least one entry, every entry
// and every successor refers to a registered node.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if len(g.entries) == 0 {
		return fmt.Errorf("graph: %w", ErrNoEntry)
	}
	for _, e := range g.entries {
		if _, ok := g.nodes[e]; !ok {
			return fmt.Errorf("entry %q: %w", e, ErrUnknownNode)
		}
	}
	for _, name := range g.order {
		for _, succ := range g.nodes[name].Successors {
			if _, ok := g.nodes[succ]; !ok {
				return fmt.Errorf("node %q successor %q: %w", name, succ, ErrUnknownNode)
			}
		}
	}
	return nil
}

// reducer returns the reducer for a channel, defaulting to Overwrite.
func (g *Graph) reducer(channel string) Reducer {
	if r, ok := g.reducers[channel]; ok {
		return r
	}
	return Overwrite
}
