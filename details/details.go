// Package details reconstructs a step-by-step execution trace of a run
// from its persisted checkpoints. The checkpoints alone hold everything
// needed: each one carries the state entering a superstep plus the
// writes the superstep produced, so replaying them oldest-first yields
// per-node input state, output changes, and routing decisions.
package details

import (
	"strings"
	"time"

	"github.com/dshills/wirlflow/checkpoint"
	"github.com/dshills/wirlflow/graph"
)

// Write kinds as exposed to API consumers.
const (
	KindBranch = "branch"
	KindSystem = "system"
	KindState  = "state"
)

// Write is one channel write a node produced, classified for display.
type Write struct {
	Channel string      `json:"channel"`
	Kind    string      `json:"kind"`
	Value   interface{} `json:"value"`
}

// Step is one node execution within a superstep.
type Step struct {
	Step         int                    `json:"step"`
	CheckpointID string                 `json:"checkpoint_id"`
	Timestamp    string                 `json:"timestamp"`
	Node         *string                `json:"node"`
	TaskID       string                 `json:"task_id"`
	InputState   map[string]interface{} `json:"input_state"`
	OutputState  map[string]interface{} `json:"output_state"`
	Branches     []string               `json:"branches"`
	Writes       []Write                `json:"writes"`
}

// RunDetails is the full reconstructed trace of one run.
type RunDetails struct {
	RunID        string                 `json:"run_id"`
	InitialState map[string]interface{} `json:"initial_state"`
	Steps        []Step                 `json:"steps"`
}

// taskGroup collects a node's writes. Consecutive writes sharing a
// task ID belong to one node execution.
type taskGroup struct {
	taskID string
	writes []checkpoint.Write
}

// Build replays checkpoints (oldest first) into a RunDetails.
//
// Node names are recovered by replaying routing: the baseline
// checkpoint's branch writes seed a queue of scheduled nodes, each task
// group consumes one name, and each branch write a group emits appends
// the target back onto the queue. An interrupt write moves its node to
// the front of the queue, mirroring the resume order. When the queue
// cannot supply a name, a "Node.field" state channel is used as a
// fallback.
func Build(runID string, checkpoints []checkpoint.Checkpoint) RunDetails {
	initialState := map[string]interface{}{}
	currentState := map[string]interface{}{}
	steps := []Step{}
	var pendingNodes []string

	for _, cp := range checkpoints {
		filtered := graph.FilterState(cp.ChannelValues)

		if cp.Metadata.Step < 0 {
			currentState = filtered
			initialState = filtered
			pendingNodes = append(pendingNodes, branchTargets(cp.PendingWrites)...)
			continue
		}

		groups := groupWrites(cp.PendingWrites)
		if len(groups) == 0 {
			currentState = filtered
			if len(initialState) == 0 {
				initialState = filtered
			}
			continue
		}

		// The checkpoint's channel values are authoritative for the
		// state entering this superstep; they already account for any
		// reducers the replay below approximates with overwrites.
		currentState = filtered
		if len(initialState) == 0 {
			initialState = filtered
		}

		for _, group := range groups {
			var node *string
			if len(pendingNodes) > 0 {
				name := pendingNodes[0]
				pendingNodes = pendingNodes[1:]
				node = &name
			}

			inputState := cloneState(currentState)
			stateAfter := cloneState(currentState)
			outputChanges := map[string]interface{}{}
			branches := []string{}
			writes := make([]Write, 0, len(group.writes))
			interrupted := ""

			for _, w := range group.writes {
				kind := classifyChannel(w.Channel)
				writes = append(writes, Write{Channel: w.Channel, Kind: kind, Value: w.Value})

				switch {
				case graph.IsBranch(w.Channel):
					target := graph.BranchTarget(w.Channel)
					branches = append(branches, target)
					pendingNodes = append(pendingNodes, target)
				case w.Channel == graph.ChannelInterrupt:
					if m, ok := w.Value.(map[string]interface{}); ok {
						interrupted, _ = m["node"].(string)
					}
				case kind == KindState:
					stateAfter[w.Channel] = w.Value
					outputChanges[w.Channel] = w.Value
					if node == nil {
						if i := strings.Index(w.Channel, "."); i > 0 {
							name := w.Channel[:i]
							node = &name
						}
					}
				}
			}

			// An interrupt reschedules its node first on resume, followed
			// by the carried-over nodes, each at most once.
			if interrupted != "" {
				pendingNodes = resumeSchedule(interrupted, pendingNodes)
			}

			currentState = stateAfter
			steps = append(steps, Step{
				Step:         cp.Metadata.Step,
				CheckpointID: cp.ID,
				Timestamp:    cp.CreatedAt.UTC().Format(time.RFC3339Nano),
				Node:         node,
				TaskID:       group.taskID,
				InputState:   inputState,
				OutputState:  outputChanges,
				Branches:     branches,
				Writes:       writes,
			})
		}
	}

	return RunDetails{RunID: runID, InitialState: initialState, Steps: steps}
}

// resumeSchedule rebuilds the pending queue after an interrupt: the
// interrupted node leads, then the remaining scheduled nodes, deduplicated.
func resumeSchedule(node string, pending []string) []string {
	queue := []string{node}
	seen := map[string]bool{node: true}
	for _, n := range pending {
		if !seen[n] {
			seen[n] = true
			queue = append(queue, n)
		}
	}
	return queue
}

// branchTargets extracts routing targets from writes in order.
func branchTargets(writes []checkpoint.Write) []string {
	var targets []string
	for _, w := range writes {
		if graph.IsBranch(w.Channel) {
			targets = append(targets, graph.BranchTarget(w.Channel))
		}
	}
	return targets
}

// groupWrites buckets consecutive writes by task ID.
func groupWrites(writes []checkpoint.Write) []taskGroup {
	var groups []taskGroup
	for _, w := range writes {
		if len(groups) == 0 || groups[len(groups)-1].taskID != w.TaskID {
			groups = append(groups, taskGroup{taskID: w.TaskID})
		}
		groups[len(groups)-1].writes = append(groups[len(groups)-1].writes, w)
	}
	return groups
}

func classifyChannel(channel string) string {
	switch {
	case graph.IsBranch(channel):
		return KindBranch
	case graph.IsSystem(channel):
		return KindSystem
	default:
		return KindState
	}
}

func cloneState(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
