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

// Package mcptool implements the external-MCP node adapter (C14): a node
// that borrows a pooled connection, invokes a tool through the endpoint's
// circuit breaker, and retries transient failures per the configured
// policy. Breaker rejections are terminal for the retry loop, so a
// breaker that opens mid-retry cannot cause the loop to spin.
package mcptool

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/tombee/workflow-engine/pkg/breaker"
	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/mcp/client"
	"github.com/tombee/workflow-engine/pkg/mcp/pool"
	"github.com/tombee/workflow-engine/pkg/node"
	"github.com/tombee/workflow-engine/pkg/retry"
	"github.com/tombee/workflow-engine/pkg/taskcontext"
)

// Arguments computes the tool-call arguments from the current run state.
// The default derives them from the event payload when it is an object.
type Arguments func(tc *taskcontext.TaskContext) (map[string]any, error)

// EventArguments passes the event payload's top-level fields as the
// tool's arguments.
func EventArguments(tc *taskcontext.TaskContext) (map[string]any, error) {
	event, err := taskcontext.GetEventAs[map[string]any](tc)
	if err != nil {
		return nil, err
	}
	return event, nil
}

// StaticArguments always passes the same argument object.
func StaticArguments(args map[string]any) Arguments {
	return func(*taskcontext.TaskContext) (map[string]any, error) {
		return args, nil
	}
}

// Config wires the adapter's collaborators.
type Config struct {
	// ID is the node's identifier within the workflow.
	ID node.ID

	// Tool is the MCP tool name to invoke.
	Tool string

	// Arguments supplies the call arguments; nil means EventArguments.
	Arguments Arguments

	// Pool supplies connections to the configured endpoint. Required.
	Pool *pool.Pool

	// Breaker gates calls to the endpoint; shared with the pool's dial
	// path. Required.
	Breaker *breaker.Breaker

	// Retry schedules reattempts of transient failures. Zero value
	// means retry.Default.
	Retry retry.Policy

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Node is the external-MCP adapter node.
type Node struct {
	cfg Config
}

// New validates cfg and builds the adapter node.
func New(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, &engineerrors.ValidationError{Field: "id", Message: "mcp node id must not be empty"}
	}
	if cfg.Tool == "" {
		return nil, &engineerrors.ValidationError{Field: "tool", Message: "mcp node requires a tool name"}
	}
	if cfg.Pool == nil {
		return nil, &engineerrors.ValidationError{Field: "pool", Message: "mcp node requires a connection pool"}
	}
	if cfg.Breaker == nil {
		return nil, &engineerrors.ValidationError{Field: "breaker", Message: "mcp node requires a circuit breaker"}
	}
	if cfg.Arguments == nil {
		cfg.Arguments = EventArguments
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Node{cfg: cfg}, nil
}

func (n *Node) ID() node.ID     { return n.cfg.ID }
func (n *Node) Kind() node.Kind { return node.KindExternalMCP }

// retryable classifies which failures are worth reattempting. Each
// error kind carries its own verdict (transport failures, pool
// exhaustion, per-request timeouts, and the JSON-RPC server-defined
// range say yes; breaker rejections, unknown tools, invalid arguments,
// and auth failures say no); anything without a verdict is terminal.
func retryable(err error) bool {
	if verdict, ok := engineerrors.RetryableHint(err); ok {
		return verdict
	}
	return false
}

// Process acquires a connection, invokes the tool through the breaker
// inside the retry loop, and records the parsed result under the node's
// key. The lease spans retry attempts: a connection that survived a
// non-transport failure is reused for the next attempt, while a
// transport-implicated failure hands it back to the pool and the next
// attempt acquires a fresh one.
func (n *Node) Process(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	args, err := n.cfg.Arguments(tc)
	if err != nil {
		return nil, err
	}

	var guard *pool.Guard
	defer func() {
		if guard != nil {
			guard.Release()
		}
	}()

	var result *client.ToolResult
	err = retry.Do(ctx, n.cfg.Retry, retryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			n.cfg.Logger.Debug("retrying mcp tool call",
				"node_id", string(n.cfg.ID), "tool", n.cfg.Tool, "attempt", attempt)
		}

		if guard == nil {
			g, acqErr := n.cfg.Pool.Acquire(ctx)
			if acqErr != nil {
				return acqErr
			}
			guard = g
		}

		// A breaker rejection returns before the op runs, leaving the
		// held lease for the deferred release.
		r, callErr := breaker.Execute(ctx, n.cfg.Breaker, func(ctx context.Context) (*client.ToolResult, error) {
			return guard.Conn().CallTool(ctx, n.cfg.Tool, args)
		})
		if callErr != nil {
			var transport *engineerrors.TransportError
			if stderrors.As(callErr, &transport) {
				guard.MarkUnhealthy()
				guard.Release()
				guard = nil
			}
			return callErr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, engineerrors.WithContext(engineerrors.WithContext(err,
			"tool", n.cfg.Tool), "node_id", string(n.cfg.ID))
	}

	tc.RecordOutput(string(n.cfg.ID), decodeResult(result))
	return tc, nil
}

// decodeResult flattens a tool result into the node's output shape: a
// single text payload is parsed as JSON when possible, otherwise the
// text is kept verbatim; anything else passes through as content items.
func decodeResult(result *client.ToolResult) any {
	if result == nil {
		return nil
	}
	if len(result.Content) == 1 {
		if text, ok := result.Content[0]["text"].(string); ok {
			var parsed any
			if err := json.Unmarshal([]byte(text), &parsed); err == nil {
				return parsed
			}
			return map[string]any{"text": text}
		}
	}
	return map[string]any{"content": result.Content, "isError": result.IsError}
}
