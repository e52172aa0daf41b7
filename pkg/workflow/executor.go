// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node"
	"github.com/tombee/workflow-engine/pkg/taskcontext"
)

// ExecutorOption configures an Executor at construction time.
type ExecutorOption func(*Executor)

// WithTimeout bounds the total wall-clock time a single run may take. A
// zero timeout (the default) means no deadline is imposed beyond ctx.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithParallelConcurrency bounds how many branches of any single parallel
// fan-out run concurrently. A zero value (the default) means unbounded.
func WithParallelConcurrency(n int) ExecutorOption {
	return func(e *Executor) { e.parallelConcurrency = n }
}

// WithContinueOnError makes the executor tolerate a failing node: rather
// than aborting the run, it records {"error": message} under the node's
// key in node_outputs and proceeds to the node's successors as if it had
// produced that output.
func WithContinueOnError(continueOnError bool) ExecutorOption {
	return func(e *Executor) { e.continueOnError = continueOnError }
}

// WithLogger sets the structured logger the executor emits run progress
// to. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// Executor drives a Definition to completion against one TaskContext.
type Executor struct {
	def *Definition

	timeout             time.Duration
	parallelConcurrency int
	continueOnError     bool
	logger              *slog.Logger
}

// NewExecutor constructs an Executor bound to def.
func NewExecutor(def *Definition, opts ...ExecutorOption) *Executor {
	e := &Executor{def: def, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the workflow from its start node to completion, threading tc
// through every visited node in turn. It returns the final TaskContext
// (which may be partially populated on error) and the first terminal
// error encountered, unless WithContinueOnError was set, in which case
// node failures are recorded rather than propagated.
func (e *Executor) Run(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.logger.Debug("workflow run starting",
		"workflow", e.def.Name, "run_id", tc.RunID(), "start", string(e.def.Start))

	// Depth-first work stack: a plain node with several successors runs
	// them as a serial chain, each successor's own chain completing
	// before the next sibling starts.
	stack := []node.ID{e.def.Start}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("workflow run cancelled", "workflow", e.def.Name, "run_id", tc.RunID(), "cause", err)
			if stderrors.Is(err, context.DeadlineExceeded) {
				return tc, &engineerrors.TimeoutError{Operation: fmt.Sprintf("workflow %q", e.def.Name), Duration: e.timeout}
			}
			return tc, &engineerrors.CancelledError{Operation: fmt.Sprintf("run %q", e.def.Name)}
		}

		current := stack[0]
		stack = stack[1:]

		next, err := e.step(ctx, current, tc)
		if err != nil {
			return tc, engineerrors.WithContext(err, "workflow", e.def.Name)
		}
		stack = append(next, stack...)
	}

	e.logger.Debug("workflow run complete", "workflow", e.def.Name, "run_id", tc.RunID())
	return tc, nil
}

// step executes a single node and returns the node ids to visit next, in
// order. An empty slice means this chain has reached a terminal node.
func (e *Executor) step(ctx context.Context, id node.ID, tc *taskcontext.TaskContext) ([]node.ID, error) {
	n, ok := e.def.Nodes[id]
	if !ok {
		return nil, &engineerrors.UnknownNodeError{NodeID: string(id), Where: "execution"}
	}

	e.logger.Debug("node starting", "workflow", e.def.Name, "run_id", tc.RunID(), "node_id", string(id))

	start := time.Now()
	out, procErr := n.Process(ctx, tc)
	end := time.Now()

	if procErr != nil {
		return e.handleNodeFailure(id, tc, start, end, procErr)
	}
	tc = out
	if err := tc.RecordTiming(string(id), start, end); err != nil {
		return nil, err
	}

	if group, ok := e.def.ParallelGroups[id]; ok {
		if err := e.runParallel(ctx, id, group, tc); err != nil {
			return nil, err
		}
		// The join node executes as an ordinary node once every branch
		// has merged.
		return []node.ID{group.Join}, nil
	}

	if router, isRouter := n.(node.Router); isRouter {
		label, err := router.Route(ctx, tc)
		if err != nil {
			return e.handleNodeFailure(id, tc, start, end, err)
		}
		target, ok := e.def.Routing[RouteKey{Router: id, Label: label}]
		if !ok {
			err := engineerrors.WithContext(&engineerrors.UnknownRouteError{Router: string(id), Label: label}, "label", label)
			return nil, engineerrors.WithContext(err, "router", string(id))
		}
		e.logger.Debug("router dispatched",
			"workflow", e.def.Name, "run_id", tc.RunID(), "node_id", string(id), "label", label, "target", string(target))
		return []node.ID{target}, nil
	}

	return append([]node.ID(nil), e.def.Connections[id]...), nil
}

// handleNodeFailure applies the continue-on-error policy to a node
// failure: either it is wrapped and returned as a terminal error, or it
// is recorded as the node's output and execution proceeds. Either way
// the node started, so its timing lands in the TaskContext the caller
// receives.
func (e *Executor) handleNodeFailure(id node.ID, tc *taskcontext.TaskContext, start, end time.Time, cause error) ([]node.ID, error) {
	if _, exists := tc.Timing(string(id)); !exists {
		_ = tc.RecordTiming(string(id), start, end)
	}

	wrapped := &engineerrors.NodeProcessingError{NodeID: string(id), Cause: cause}
	if !e.continueOnError {
		e.logger.Error("node failed", "workflow", e.def.Name, "run_id", tc.RunID(), "node_id", string(id), "error", cause)
		return nil, wrapped
	}
	e.logger.Warn("node failed, continuing",
		"workflow", e.def.Name, "run_id", tc.RunID(), "node_id", string(id), "error", cause)
	tc.RecordOutput(string(id), map[string]any{"error": wrapped.Error()})
	return append([]node.ID(nil), e.def.Connections[id]...), nil
}

// runParallel fans tc out across group's branches, running each against
// an independent clone, then merges every clone's recorded outputs back
// into tc in deterministic branch order. A key recorded by more than one
// branch is a ParallelMergeConflictError.
func (e *Executor) runParallel(ctx context.Context, fanOut node.ID, group ParallelGroup, tc *taskcontext.TaskContext) error {
	limit := e.parallelConcurrency
	if limit <= 0 || limit > len(group.Branches) {
		limit = len(group.Branches)
	}
	sem := make(chan struct{}, limit)

	e.logger.Debug("parallel fan-out",
		"workflow", e.def.Name, "run_id", tc.RunID(), "node_id", string(fanOut),
		"branches", len(group.Branches), "concurrency", limit)

	results := make([]*taskcontext.TaskContext, len(group.Branches))
	errs := make([]error, len(group.Branches))

	var wg sync.WaitGroup
	for i, branch := range group.Branches {
		wg.Add(1)
		go func(i int, branch node.ID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			branchTC := tc.Clone()
			stack := []node.ID{branch}
			for len(stack) > 0 {
				if ctx.Err() != nil {
					errs[i] = &engineerrors.CancelledError{Operation: fmt.Sprintf("parallel branch %q", branch)}
					return
				}
				current := stack[0]
				stack = stack[1:]
				if current == group.Join {
					continue // the join runs once, after the merge
				}
				next, err := e.step(ctx, current, branchTC)
				if err != nil {
					errs[i] = err
					return
				}
				stack = append(next, stack...)
			}
			results[i] = branchTC
		}(i, branch)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return mergeBranchOutputs(tc, group.Branches, results)
}

// mergeBranchOutputs folds each branch result's newly recorded node
// outputs into tc, in branch declaration order, failing on the first key
// two branches both recorded.
func mergeBranchOutputs(tc *taskcontext.TaskContext, branches []node.ID, results []*taskcontext.TaskContext) error {
	preExisting := make(map[string]struct{}, len(tc.NodeOutputs()))
	for k := range tc.NodeOutputs() {
		preExisting[k] = struct{}{}
	}

	seenBy := make(map[string]node.ID, len(branches))
	pending := make(map[string]any)
	for i, branch := range branches {
		result := results[i]
		keys := make([]string, 0, len(result.NodeOutputs()))
		for k := range result.NodeOutputs() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := preExisting[k]; ok {
				continue // present before the fan-out; not a branch conflict
			}
			if owner, ok := seenBy[k]; ok && owner != branch {
				return &engineerrors.ParallelMergeConflictError{Key: k}
			}
			seenBy[k] = branch
			v, _ := result.Output(k)
			pending[k] = v
		}
	}

	for k, v := range pending {
		tc.RecordOutput(k, v)
	}

	// Branch node timings fold back too, so the caller's TaskContext
	// reflects every node that ran, not just those on the main chain.
	for _, result := range results {
		for key, t := range result.Timings() {
			if _, exists := tc.Timing(key); !exists {
				_ = tc.RecordTiming(key, t.Start, t.End)
			}
		}
	}
	return nil
}
