package main

import (
	"context"

	"github.com/dshills/wirlflow/graph"
)

// registerGraphs binds every workflow this worker can execute. A run's
// graph_name must match a registered ID or the run fails with
// "Template not found", so each *.wirl definition served by the backend
// needs a matching registration here.
func registerGraphs(reg *graph.Registry) error {
	return reg.Register("research", researchDefinition())
}

// researchDefinition is a small fetch/review/summarize workflow with a
// human approval gate.
func researchDefinition() graph.Definition {
	g := graph.New().
		AddNode(graph.NodeSpec{
			Name:       "Fetch",
			Inputs:     []string{"topic"},
			Outputs:    []string{"pages"},
			Successors: []string{"Review"},
		}).
		AddNode(graph.NodeSpec{
			Name:       "Review",
			Inputs:     []string{"pages"},
			Outputs:    []string{"approved"},
			Successors: []string{"Summarize"},
		}).
		AddNode(graph.NodeSpec{
			Name:    "Summarize",
			Inputs:  []string{"pages", "approved"},
			Outputs: []string{"summary"},
		}).
		SetEntry("Fetch")

	fns := graph.FuncMap{
		"Fetch": graph.NodeFunc(func(ctx context.Context, in map[string]interface{}, cfg graph.Config) (map[string]interface{}, error) {
			topic, _ := in["topic"].(string)
			return map[string]interface{}{
				"pages": []interface{}{"notes on " + topic},
			}, nil
		}),
		"Review": graph.NodeFunc(func(ctx context.Context, in map[string]interface{}, cfg graph.Config) (map[string]interface{}, error) {
			answer, err := graph.Interrupt(cfg, "Approve the fetched pages?")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"approved": answer}, nil
		}),
		"Summarize": graph.NodeFunc(func(ctx context.Context, in map[string]interface{}, cfg graph.Config) (map[string]interface{}, error) {
			pages, _ := in["pages"].([]interface{})
			return map[string]interface{}{
				"summary": map[string]interface{}{
					"page_count": len(pages),
					"approval":   in["approved"],
				},
			}, nil
		}),
	}

	return graph.Definition{Graph: g, Funcs: fns}
}
