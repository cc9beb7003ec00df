package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dshills/wirlflow/checkpoint"
)

func fn(f func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error)) Func {
	return NodeFunc(f)
}

// researchGraph is a two-node pipeline used across runner tests.
func researchGraph() (*Graph, FuncMap) {
	g := New().
		AddNode(NodeSpec{Name: "Fetch", Outputs: []string{"pages"}, Successors: []string{"Summarize"}}).
		AddNode(NodeSpec{Name: "Summarize", Inputs: []string{"pages"}, Outputs: []string{"summary"}}).
		SetEntry("Fetch")

	fns := FuncMap{
		"Fetch": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{"pages": []interface{}{"p1", "p2"}}, nil
		}),
		"Summarize": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			pages, _ := inputs["pages"].([]interface{})
			return map[string]interface{}{"summary": fmt.Sprintf("%d pages", len(pages))}, nil
		}),
	}
	return g, fns
}

func TestRunner_LinearRun(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemSaver()
	runner := NewRunner(saver)

	g, fns := researchGraph()
	result, err := runner.Run(ctx, g, fns, map[string]interface{}{"topic": "go"}, "run-1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result["topic"] != "go" {
		t.Errorf("topic = %v, want go", result["topic"])
	}
	if result["summary"] != "2 pages" {
		t.Errorf("summary = %v, want %q", result["summary"], "2 pages")
	}
	if _, ok := result[ChannelInterrupt]; ok {
		t.Error("completed run should not carry an interrupt")
	}

	cps, err := saver.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	// baseline + two supersteps
	if len(cps) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(cps))
	}
	if cps[2].Metadata.Step != -1 || cps[1].Metadata.Step != 0 || cps[0].Metadata.Step != 1 {
		t.Errorf("steps = %d,%d,%d, want 1,0,-1",
			cps[0].Metadata.Step, cps[1].Metadata.Step, cps[2].Metadata.Step)
	}

	// Baseline stores params and schedules the entry node.
	baseline := cps[2]
	if baseline.ChannelValues["topic"] != "go" {
		t.Errorf("baseline topic = %v", baseline.ChannelValues["topic"])
	}
	if len(baseline.PendingWrites) != 1 || baseline.PendingWrites[0].Channel != BranchTo("Fetch") {
		t.Errorf("baseline writes = %v", baseline.PendingWrites)
	}

	// Checkpoint k stores state entering superstep k: superstep 1's
	// channel values already include Fetch's pages write.
	if _, ok := cps[0].ChannelValues["pages"]; !ok {
		t.Error("superstep 1 checkpoint should hold pages at entry")
	}
	if _, ok := cps[0].ChannelValues["summary"]; ok {
		t.Error("superstep 1 checkpoint should not hold summary at entry")
	}
}

func TestRunner_InterruptAndResume(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemSaver()
	runner := NewRunner(saver)

	g := New().
		AddNode(NodeSpec{Name: "Draft", Outputs: []string{"draft"}, Successors: []string{"Review"}}).
		AddNode(NodeSpec{Name: "Review", Outputs: []string{"approved"}, Successors: []string{"Publish"}}).
		AddNode(NodeSpec{Name: "Publish", Outputs: []string{"published"}}).
		SetEntry("Draft")

	reviewRuns := 0
	fns := FuncMap{
		"Draft": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{"draft": "v1"}, nil
		}),
		"Review": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			reviewRuns++
			answer, err := Interrupt(cfg, "approve draft?")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"approved": answer}, nil
		}),
		"Publish": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{"published": true}, nil
		}),
	}

	// First run pauses at Review.
	result, err := runner.Run(ctx, g, fns, map[string]interface{}{"topic": "x"}, "run-ir", nil)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	interrupts, ok := result[ChannelInterrupt].([]interface{})
	if !ok || len(interrupts) != 1 {
		t.Fatalf("expected one interrupt in result, got %v", result[ChannelInterrupt])
	}
	info, _ := interrupts[0].(map[string]interface{})
	if info["node"] != "Review" || info["prompt"] != "approve draft?" {
		t.Errorf("interrupt info = %v", info)
	}
	if result["draft"] != "v1" {
		t.Errorf("draft should be visible in interrupted result, got %v", result["draft"])
	}
	if reviewRuns != 1 {
		t.Fatalf("Review ran %d times, want 1", reviewRuns)
	}

	// Latest checkpoint holds the pending interrupt write.
	latest, err := saver.Latest(ctx, "run-ir")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	foundInterrupt := false
	for _, w := range latest.PendingWrites {
		if w.Channel == ChannelInterrupt {
			foundInterrupt = true
		}
	}
	if !foundInterrupt {
		t.Error("latest checkpoint should hold the interrupt write")
	}

	// Resume answers the interrupt; Review re-executes with the answer.
	result, err = runner.Run(ctx, g, fns, nil, "run-ir", "ship it")
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if _, ok := result[ChannelInterrupt]; ok {
		t.Error("resumed run should complete without interrupt")
	}
	if result["approved"] != "ship it" {
		t.Errorf("approved = %v, want %q", result["approved"], "ship it")
	}
	if result["published"] != true {
		t.Errorf("published = %v, want true", result["published"])
	}
	if reviewRuns != 2 {
		t.Errorf("Review ran %d times, want 2", reviewRuns)
	}
}

func TestRunner_FanOutWithAppendReducer(t *testing.T) {
	ctx := context.Background()
	runner := NewRunner(checkpoint.NewMemSaver())

	g := New().
		AddNode(NodeSpec{Name: "Split", Successors: []string{"Left", "Right"}}).
		AddNode(NodeSpec{Name: "Left", Outputs: []string{"items"}, Successors: []string{"Join"}}).
		AddNode(NodeSpec{Name: "Right", Outputs: []string{"items"}, Successors: []string{"Join"}}).
		AddNode(NodeSpec{Name: "Join", Inputs: []string{"items"}, Outputs: []string{"count"}}).
		SetEntry("Split").
		SetReducer("items", Append)

	joinRuns := 0
	fns := FuncMap{
		"Split": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return nil, nil
		}),
		"Left": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{"items": "left"}, nil
		}),
		"Right": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{"items": "right"}, nil
		}),
		"Join": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			joinRuns++
			items, _ := inputs["items"].([]interface{})
			return map[string]interface{}{"count": len(items)}, nil
		}),
	}

	result, err := runner.Run(ctx, g, fns, nil, "run-fan", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Join is scheduled by both parents but runs once per superstep.
	if joinRuns != 1 {
		t.Errorf("Join ran %d times, want 1", joinRuns)
	}
	if result["count"] != 2 {
		t.Errorf("count = %v, want 2", result["count"])
	}
	items, _ := result["items"].([]interface{})
	if len(items) != 2 || items[0] != "left" || items[1] != "right" {
		t.Errorf("items = %v, want [left right]", items)
	}
}

func TestRunner_DynamicRouting(t *testing.T) {
	ctx := context.Background()
	runner := NewRunner(checkpoint.NewMemSaver())

	g := New().
		AddNode(NodeSpec{Name: "Router"}).
		AddNode(NodeSpec{Name: "Cold", Outputs: []string{"path"}}).
		AddNode(NodeSpec{Name: "Hot", Outputs: []string{"path"}}).
		SetEntry("Router")

	fns := FuncMap{
		"Router": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{BranchTo("Hot"): true}, nil
		}),
		"Cold": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{"path": "cold"}, nil
		}),
		"Hot": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return map[string]interface{}{"path": "hot"}, nil
		}),
	}

	result, err := runner.Run(ctx, g, fns, nil, "run-route", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result["path"] != "hot" {
		t.Errorf("path = %v, want hot", result["path"])
	}
}

func TestRunner_MaxSteps(t *testing.T) {
	ctx := context.Background()
	runner := NewRunner(checkpoint.NewMemSaver(), WithMaxSteps(5))

	g := New().
		AddNode(NodeSpec{Name: "Loop", Successors: []string{"Loop"}}).
		SetEntry("Loop")
	fns := FuncMap{
		"Loop": fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
			return nil, nil
		}),
	}

	_, err := runner.Run(ctx, g, fns, nil, "run-loop", nil)
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}
}

func TestRunner_NodeErrorRetriesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemSaver()
	runner := NewRunner(saver)

	g, fns := researchGraph()

	fetchRuns := 0
	fns["Fetch"] = fn(func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
		fetchRuns++
		if fetchRuns == 1 {
			return nil, errors.New("upstream unavailable")
		}
		return map[string]interface{}{"pages": []interface{}{"p1"}}, nil
	})

	// First attempt fails; the partial superstep is not checkpointed.
	if _, err := runner.Run(ctx, g, fns, map[string]interface{}{"topic": "go"}, "run-retry", nil); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	cps, err := saver.List(ctx, "run-retry")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("expected only the baseline checkpoint, got %d", len(cps))
	}

	// Retry continues from the baseline and completes.
	result, err := runner.Run(ctx, g, fns, nil, "run-retry", nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result["summary"] != "1 pages" {
		t.Errorf("summary = %v", result["summary"])
	}
	if result["topic"] != "go" {
		t.Errorf("topic lost across retry: %v", result["topic"])
	}
	if fetchRuns != 2 {
		t.Errorf("Fetch ran %d times, want 2", fetchRuns)
	}
}

func TestRunner_UnboundNodeFails(t *testing.T) {
	ctx := context.Background()
	runner := NewRunner(checkpoint.NewMemSaver())

	g := New().AddNode(NodeSpec{Name: "A"}).SetEntry("A")
	_, err := runner.Run(ctx, g, FuncMap{}, nil, "run-unbound", nil)
	if !errors.Is(err, ErrNoFunc) {
		t.Fatalf("expected ErrNoFunc, got %v", err)
	}
}

func TestRunner_CompletedThreadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemSaver()
	runner := NewRunner(saver)

	g, fns := researchGraph()
	if _, err := runner.Run(ctx, g, fns, map[string]interface{}{"topic": "go"}, "run-done", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	before, _ := saver.List(ctx, "run-done")

	// Running a finished thread again returns the final state without
	// writing new checkpoints.
	result, err := runner.Run(ctx, g, fns, nil, "run-done", nil)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if result["summary"] != "2 pages" {
		t.Errorf("summary = %v", result["summary"])
	}
	after, _ := saver.List(ctx, "run-done")
	if len(after) != len(before) {
		t.Errorf("checkpoint count changed from %d to %d", len(before), len(after))
	}
}
