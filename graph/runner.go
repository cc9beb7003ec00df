package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/wirlflow/checkpoint"
	"github.com/dshills/wirlflow/emit"
)

// DefaultMaxSteps caps supersteps per thread to stop cyclic graphs from
// running forever.
const DefaultMaxSteps = 25

// Runner executes graphs as checkpointed supersteps against a
// checkpoint.Saver.
//
// Every superstep is persisted before its effects are visible to the
// next one, so a crashed or interrupted run resumes from the last
// completed superstep with no work lost beyond it.
type Runner struct {
	saver    checkpoint.Saver
	emitter  emit.Emitter
	maxSteps int
}

// Option configures a Runner.
type Option func(*Runner)

// WithEmitter sets the observability emitter. Defaults to NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(r *Runner) { r.maxSteps = n }
}

// NewRunner creates a Runner persisting to the given saver.
func NewRunner(saver checkpoint.Saver, opts ...Option) *Runner {
	r := &Runner{
		saver:    saver,
		emitter:  emit.NewNullEmitter(),
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the graph on the given checkpoint thread until it
// completes, interrupts, or fails.
//
// A fresh thread starts from params: a baseline checkpoint (step -1)
// records params as the initial state and schedules the entry nodes. An
// existing thread ignores params and continues from its latest
// checkpoint; pass resume to answer a pending interrupt.
//
// On completion Run returns the filtered final state. On interrupt it
// returns the state so far plus a "__interrupt__" key holding
// [{"node": ..., "prompt": ...}]; the thread stays resumable. A node
// error fails the run without persisting the partial superstep, so a
// retry re-executes it from the last completed checkpoint.
func (r *Runner) Run(ctx context.Context, g *Graph, fns FuncMap, params map[string]interface{}, threadID string, resume interface{}) (map[string]interface{}, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	latest, err := r.saver.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		latest, err = r.writeBaseline(ctx, g, params, threadID)
	}
	if err != nil {
		return nil, err
	}

	state, queue, resumeNode := r.loadThread(g, latest)

	step := latest.Metadata.Step + 1
	firstSuperstep := true

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step >= r.maxSteps {
			return nil, fmt.Errorf("thread %s at superstep %d: %w", threadID, step, ErrMaxStepsExceeded)
		}

		r.emitter.Emit(emit.Event{RunID: threadID, Step: step, Msg: "superstep_start",
			Meta: map[string]interface{}{"nodes": len(queue)}})

		entering := cloneState(state)
		var writes []checkpoint.Write
		var interruptInfo map[string]interface{}

		for i, name := range queue {
			spec, ok := g.Node(name)
			if !ok {
				return nil, fmt.Errorf("scheduled node %q: %w", name, ErrUnknownNode)
			}
			fn, ok := fns[name]
			if !ok {
				return nil, fmt.Errorf("node %q: %w", name, ErrNoFunc)
			}

			taskID := uuid.NewString()
			cfg := Config{ThreadID: threadID, TaskID: taskID, Node: name}
			if firstSuperstep && name == resumeNode && resume != nil {
				cfg.resume = resume
				cfg.hasResume = true
			}

			r.emitter.Emit(emit.Event{RunID: threadID, Step: step, Node: name, Msg: "node_start"})
			started := time.Now()

			out, err := fn.Invoke(ctx, projectInputs(entering, spec.Inputs), cfg)

			var ie *InterruptError
			if errors.As(err, &ie) {
				interruptInfo = map[string]interface{}{"node": name, "prompt": ie.Prompt}
				writes = append(writes, checkpoint.Write{
					TaskID: taskID, Channel: ChannelInterrupt, Value: interruptInfo,
				})
				// Nodes scheduled after the interrupt carry over to the
				// resumed superstep.
				for _, rest := range queue[i+1:] {
					writes = append(writes, checkpoint.Write{
						TaskID: taskID, Channel: BranchTo(rest), Value: rest,
					})
				}
				r.emitter.Emit(emit.Event{RunID: threadID, Step: step, Node: name, Msg: "interrupt",
					Meta: map[string]interface{}{"prompt": fmt.Sprintf("%v", ie.Prompt)}})
				break
			}
			if err != nil {
				r.emitter.Emit(emit.Event{RunID: threadID, Step: step, Node: name, Msg: "node_error",
					Meta: map[string]interface{}{"error": err.Error()}})
				return nil, fmt.Errorf("node %s failed: %w", name, err)
			}

			writes = append(writes, taskWrites(taskID, spec, out)...)
			r.emitter.Emit(emit.Event{RunID: threadID, Step: step, Node: name, Msg: "node_end",
				Meta: map[string]interface{}{"duration_ms": time.Since(started).Milliseconds()}})
		}

		cp, err := r.saver.Put(ctx, threadID, checkpoint.Checkpoint{
			ChannelValues: entering,
			Metadata:      checkpoint.Metadata{Step: step},
			PendingWrites: writes,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to checkpoint superstep %d: %w", step, err)
		}
		r.emitter.Emit(emit.Event{RunID: threadID, Step: step, Msg: "checkpoint_saved",
			Meta: map[string]interface{}{"checkpoint_id": cp.ID}})

		state = applyStateWrites(g, entering, writes)

		if interruptInfo != nil {
			result := FilterState(state)
			result[ChannelInterrupt] = []interface{}{interruptInfo}
			return result, nil
		}

		queue = scheduleFromWrites(writes)
		firstSuperstep = false
		resumeNode = ""
		step++
	}

	r.emitter.Emit(emit.Event{RunID: threadID, Step: step - 1, Msg: "run_complete"})
	return FilterState(state), nil
}

// writeBaseline persists the step -1 checkpoint: initial params plus
// branch writes scheduling the entry nodes.
func (r *Runner) writeBaseline(ctx context.Context, g *Graph, params map[string]interface{}, threadID string) (checkpoint.Checkpoint, error) {
	if params == nil {
		params = map[string]interface{}{}
	}

	writes := make([]checkpoint.Write, 0, len(g.Entries()))
	for _, e := range g.Entries() {
		writes = append(writes, checkpoint.Write{
			TaskID: "input", Channel: BranchTo(e), Value: e,
		})
	}

	cp, err := r.saver.Put(ctx, threadID, checkpoint.Checkpoint{
		ChannelValues: FilterState(params),
		Metadata:      checkpoint.Metadata{Step: -1},
		PendingWrites: writes,
	})
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to write baseline checkpoint: %w", err)
	}
	return cp, nil
}

// loadThread reconstructs the state leaving the latest checkpoint and
// the nodes scheduled for the next superstep. When the checkpoint holds
// a pending interrupt, the interrupted node is scheduled first.
func (r *Runner) loadThread(g *Graph, latest checkpoint.Checkpoint) (state map[string]interface{}, queue []string, resumeNode string) {
	state = applyStateWrites(g, latest.ChannelValues, latest.PendingWrites)

	for _, w := range latest.PendingWrites {
		if w.Channel == ChannelInterrupt {
			if m, ok := w.Value.(map[string]interface{}); ok {
				resumeNode, _ = m["node"].(string)
			}
		}
	}

	queue = scheduleFromWrites(latest.PendingWrites)
	if resumeNode != "" {
		queue = prependUnique(resumeNode, queue)
	}
	return state, queue, resumeNode
}

// taskWrites converts a node's output map into checkpoint writes in a
// deterministic order: declared outputs in declaration order, dynamic
// branch keys sorted, then the static successor edges.
func taskWrites(taskID string, spec NodeSpec, out map[string]interface{}) []checkpoint.Write {
	var writes []checkpoint.Write

	appendState := func(key string) {
		val, ok := out[key]
		if !ok {
			return
		}
		writes = append(writes, checkpoint.Write{TaskID: taskID, Channel: key, Value: val})
	}

	if len(spec.Outputs) > 0 {
		for _, key := range spec.Outputs {
			appendState(key)
		}
	} else {
		keys := make([]string, 0, len(out))
		for key := range out {
			if IsBranch(key) || IsSystem(key) {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			appendState(key)
		}
	}

	// Dynamic routing: a returned branch:to:* key schedules its target.
	branchKeys := make([]string, 0)
	for key := range out {
		if IsBranch(key) {
			branchKeys = append(branchKeys, key)
		}
	}
	sort.Strings(branchKeys)
	for _, key := range branchKeys {
		writes = append(writes, checkpoint.Write{TaskID: taskID, Channel: key, Value: BranchTarget(key)})
	}

	for _, succ := range spec.Successors {
		writes = append(writes, checkpoint.Write{TaskID: taskID, Channel: BranchTo(succ), Value: succ})
	}

	return writes
}

// applyStateWrites folds state-channel writes into a copy of values
// using the graph's reducers. Branch and system writes are skipped.
func applyStateWrites(g *Graph, values map[string]interface{}, writes []checkpoint.Write) map[string]interface{} {
	state := cloneState(values)
	for _, w := range writes {
		if IsBranch(w.Channel) || IsSystem(w.Channel) {
			continue
		}
		state[w.Channel] = g.reducer(w.Channel)(state[w.Channel], w.Value)
	}
	return state
}

// scheduleFromWrites collects branch targets in write order, first
// occurrence wins.
func scheduleFromWrites(writes []checkpoint.Write) []string {
	seen := make(map[string]bool)
	var queue []string
	for _, w := range writes {
		if !IsBranch(w.Channel) {
			continue
		}
		target := BranchTarget(w.Channel)
		if target == "" {
			if s, ok := w.Value.(string); ok {
				target = s
			}
		}
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		queue = append(queue, target)
	}
	return queue
}

func prependUnique(name string, queue []string) []string {
	out := []string{name}
	for _, n := range queue {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func projectInputs(state map[string]interface{}, inputs []string) map[string]interface{} {
	if len(inputs) == 0 {
		return FilterState(state)
	}
	out := make(map[string]interface{}, len(inputs))
	for _, key := range inputs {
		if val, ok := state[key]; ok {
			out[key] = val
		}
	}
	return out
}

func cloneState(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
