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

// Package route provides router nodes whose branch label is derived from
// the TaskContext: either a field of the event payload or an arbitrary
// expression evaluated against the run's state.
package route

import (
	"context"
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node"
	"github.com/tombee/workflow-engine/pkg/taskcontext"
)

// EventField returns a router node that reads a top-level string field
// of the event payload as its branch label.
func EventField(id node.ID, field string) node.RouterFunc {
	return node.RouterFunc{
		NodeID: id,
		RouteFn: func(ctx context.Context, tc *taskcontext.TaskContext) (string, error) {
			event, err := taskcontext.GetEventAs[map[string]any](tc)
			if err != nil {
				return "", err
			}
			raw, ok := event[field]
			if !ok {
				return "", &engineerrors.DeserializationError{
					Key:    field,
					Reason: "event has no such field",
				}
			}
			label, ok := raw.(string)
			if !ok {
				return "", &engineerrors.DeserializationError{
					Key:    field,
					Reason: fmt.Sprintf("branch label must be a string, got %T", raw),
				}
			}
			return label, nil
		},
	}
}

// Expression is a router node whose label comes from an expr program
// evaluated against {event, outputs, metadata}. The program must return
// a string.
type Expression struct {
	id      node.ID
	source  string
	program *vm.Program
}

// NewExpression compiles source once at construction. The expression
// evaluates with the event payload under `event`, prior node outputs
// under `outputs`, and run metadata under `metadata`.
func NewExpression(id node.ID, source string) (*Expression, error) {
	program, err := expr.Compile(source,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsKind(reflect.String),
	)
	if err != nil {
		return nil, &engineerrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile routing expression: %s", err),
			Suggestion: "check expression syntax; the program must return a string branch label",
		}
	}
	return &Expression{id: id, source: source, program: program}, nil
}

func (e *Expression) ID() node.ID     { return e.id }
func (e *Expression) Kind() node.Kind { return node.KindRouter }

// Process is a pass-through; the node's work happens in Route.
func (e *Expression) Process(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	return tc, nil
}

// Route evaluates the compiled program and returns the resulting label.
func (e *Expression) Route(ctx context.Context, tc *taskcontext.TaskContext) (string, error) {
	env := map[string]any{
		"event":    tc.Event(),
		"outputs":  tc.NodeOutputs(),
		"metadata": tc.Metadata(),
	}

	result, err := expr.Run(e.program, env)
	if err != nil {
		return "", &engineerrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("routing expression failed: %s", err),
			Suggestion: "verify the referenced fields exist in the event or prior outputs",
		}
	}
	label, ok := result.(string)
	if !ok {
		return "", &engineerrors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("routing expression must return a string label, got %T", result),
		}
	}
	return label, nil
}
