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

// Package taskcontext implements the run-scoped data envelope threaded
// through node execution: the event payload a run started with, the
// per-node outputs recorded along the way, free-form metadata, and node
// timing intervals.
package taskcontext

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
)

// Timing records the start and end instants of a single node's execution.
type Timing struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// TaskContext carries a single workflow run's state. The zero value is not
// usable; construct with New. A TaskContext is owned by exactly one
// traversal at a time; callers that fan out in parallel must Clone it
// first — see the workflow executor for the merge-back discipline.
type TaskContext struct {
	runID        string
	workflowName string
	createdAt    time.Time

	event       any
	nodeOutputs map[string]any
	metadata    map[string]any
	timings     map[string]*Timing
}

// New creates a fresh TaskContext for a run of workflowName, assigning a
// new run id and recording the creation instant.
func New(workflowName string, event any) *TaskContext {
	return &TaskContext{
		runID:        uuid.NewString(),
		workflowName: workflowName,
		createdAt:    time.Now(),
		event:        event,
		nodeOutputs:  make(map[string]any),
		metadata:     make(map[string]any),
		timings:      make(map[string]*Timing),
	}
}

// RunID returns the run's immutable unique identifier.
func (tc *TaskContext) RunID() string { return tc.runID }

// WorkflowName returns the name of the workflow definition that produced
// this run.
func (tc *TaskContext) WorkflowName() string { return tc.workflowName }

// CreatedAt returns the wall-clock instant the TaskContext was created.
func (tc *TaskContext) CreatedAt() time.Time { return tc.createdAt }

// Event returns the raw event payload the run was started with.
func (tc *TaskContext) Event() any { return tc.event }

// GetEventAs deserializes the event payload into the shape of T. It round
// trips through JSON so that callers can pass either a map[string]any
// payload (as an external caller would supply) or an already-typed struct.
func GetEventAs[T any](tc *TaskContext) (T, error) {
	var out T
	if err := coerce(tc.event, &out); err != nil {
		return out, &engineerrors.DeserializationError{Key: "event", Reason: err.Error()}
	}
	return out, nil
}

// GetOutputAs performs typed access to a prior node's recorded output. It
// returns (zero, false, nil) if the node key has not recorded an output.
func GetOutputAs[T any](tc *TaskContext, nodeKey string) (T, bool, error) {
	var out T
	raw, ok := tc.nodeOutputs[nodeKey]
	if !ok {
		return out, false, nil
	}
	if err := coerce(raw, &out); err != nil {
		return out, false, &engineerrors.DeserializationError{Key: nodeKey, Reason: err.Error()}
	}
	return out, true, nil
}

// coerce round-trips v through JSON into out, which must be a pointer.
// A nil v leaves out untouched, and a *any target takes v directly; every
// other target goes through the marshal/unmarshal round trip, even when v
// already has the target's type.
func coerce(v any, out any) error {
	if v == nil {
		return nil
	}
	if ptr, ok := out.(*any); ok {
		*ptr = v
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// RecordOutput inserts or overwrites a node's output. Overwriting is
// allowed and observable by subsequent readers of the same key.
func (tc *TaskContext) RecordOutput(nodeKey string, value any) {
	tc.nodeOutputs[nodeKey] = value
}

// Output returns the raw (untyped) output recorded for nodeKey, if any.
func (tc *TaskContext) Output(nodeKey string) (any, bool) {
	v, ok := tc.nodeOutputs[nodeKey]
	return v, ok
}

// NodeOutputs returns the full node-key -> output map. Callers must treat
// the returned map as read-only; it is not a copy.
func (tc *TaskContext) NodeOutputs() map[string]any {
	return tc.nodeOutputs
}

// RecordTiming records a monotonic start/end interval for nodeKey. A
// second call for the same key fails with DuplicateTimingError rather than
// silently overwriting, since timings are evidence of exactly one
// execution of a node within a run.
func (tc *TaskContext) RecordTiming(nodeKey string, start, end time.Time) error {
	if _, exists := tc.timings[nodeKey]; exists {
		return &engineerrors.DuplicateTimingError{NodeID: nodeKey}
	}
	tc.timings[nodeKey] = &Timing{Start: start, End: end, Duration: end.Sub(start)}
	return nil
}

// Timing returns the recorded timing for nodeKey, if the node has started.
func (tc *TaskContext) Timing(nodeKey string) (*Timing, bool) {
	t, ok := tc.timings[nodeKey]
	return t, ok
}

// Metadata returns the full annotation map. Callers must treat the
// returned map as read-only; it is not a copy.
func (tc *TaskContext) Metadata() map[string]any {
	return tc.metadata
}

// Timings returns the full node-key -> timing map. Callers must treat
// the returned map as read-only; it is not a copy.
func (tc *TaskContext) Timings() map[string]*Timing {
	return tc.timings
}

// MetadataSet attaches a free-form annotation (correlation id, user,
// tenant, ...) to the run.
func (tc *TaskContext) MetadataSet(key string, value any) {
	tc.metadata[key] = value
}

// MetadataGet retrieves a previously set annotation.
func (tc *TaskContext) MetadataGet(key string) (any, bool) {
	v, ok := tc.metadata[key]
	return v, ok
}

// Clone copies the TaskContext for the executor's parallel fan-out. The
// output, metadata and timing maps are fresh copies, so whatever a branch
// records stays in its own copy; the stored output and metadata values
// and the event payload are shared with the original, not copied.
func (tc *TaskContext) Clone() *TaskContext {
	clone := &TaskContext{
		runID:        tc.runID,
		workflowName: tc.workflowName,
		createdAt:    tc.createdAt,
		event:        tc.event,
		nodeOutputs:  make(map[string]any, len(tc.nodeOutputs)),
		metadata:     make(map[string]any, len(tc.metadata)),
		timings:      make(map[string]*Timing, len(tc.timings)),
	}
	for k, v := range tc.nodeOutputs {
		clone.nodeOutputs[k] = v
	}
	for k, v := range tc.metadata {
		clone.metadata[k] = v
	}
	for k, v := range tc.timings {
		t := *v
		clone.timings[k] = &t
	}
	return clone
}
