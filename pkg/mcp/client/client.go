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

// Package client implements the MCP JSON-RPC protocol state machine
// (C13): request/response correlation over a transport.Transport,
// initialization handshake, tool invocation, and JSON-RPC error code
// mapping onto the engine's typed error kinds.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/mcp/transport"
)

// State is the client's position in the MCP session lifecycle.
type State int

const (
	Uninitialized State = iota
	Initialized
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// ToolResult is the decoded payload of a successful call_tool response.
type ToolResult struct {
	Content []map[string]any `json:"content"`
	IsError bool             `json:"isError"`
}

// Tool describes one tool a server exposes via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Client drives one MCP session over a Transport. A Client is not safe
// for concurrent Call invocations from multiple goroutines sharing one
// logical request sequence; the pool above hands out one Client per
// acquired connection.
type Client struct {
	tr     transport.Transport
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	nextID int64

	pending map[int64]chan rpcResponse
	readErr error

	// The read loop lives as long as the client, not as long as any one
	// call: a per-call deadline must not tear the connection down.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	readOnce   sync.Once
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger sets the structured logger for protocol-level events.
// Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New wraps tr in an uninitialized protocol client and starts its
// background reader.
func New(tr transport.Transport, opts ...Option) *Client {
	c := &Client{tr: tr, logger: slog.Default(), pending: make(map[int64]chan rpcResponse)}
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ensureReading() {
	c.readOnce.Do(func() { go c.readLoop() })
}

func (c *Client) readLoop() {
	for {
		frame, err := c.tr.Recv(c.lifeCtx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				delete(c.pending, id)
				close(ch)
			}
			c.mu.Unlock()
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue // malformed frame; the waiting caller will time out via ctx
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
			continue
		}
		// Server-initiated notifications and responses to cancelled or
		// timed-out requests land here.
		c.logger.Debug("discarding unmatched frame",
			"endpoint", c.tr.Endpoint(), "id", resp.ID)
	}
}

// call sends method with params and waits for the matching response, or
// for ctx to end. Ending removes the pending slot, so a late response
// for this id is discarded by readLoop as an unmatched frame.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.ensureReading()
	started := time.Now()

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if err := c.tr.Send(ctx, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &engineerrors.TimeoutError{
				Operation: fmt.Sprintf("mcp call %q", method),
				Duration:  time.Since(started),
				Cause:     ctx.Err(),
			}
		}
		return nil, &engineerrors.CancelledError{Operation: fmt.Sprintf("mcp call %q", method)}
	case resp, ok := <-ch:
		if !ok {
			return nil, c.readErr
		}
		if resp.Error != nil {
			return nil, mapRPCError(method, resp.Error)
		}
		return resp.Result, nil
	}
}

// mapRPCError translates a JSON-RPC error response into the engine's
// typed error kinds per the documented code mapping: -32601 unknown
// method/tool, -32602 invalid params, -32000..-32099 retryable server
// errors, anything else a terminal protocol error.
func mapRPCError(method string, e *rpcError) error {
	switch {
	case e.Code == -32601:
		return &engineerrors.UnknownToolError{Name: method}
	case e.Code == -32602:
		return &engineerrors.InvalidArgumentsError{Name: method, Reason: e.Message}
	case e.Code <= -32000 && e.Code >= -32099:
		return &engineerrors.MCPProtocolError{Code: e.Code, Message: e.Message}
	default:
		return &engineerrors.MCPProtocolError{Code: e.Code, Message: e.Message}
	}
}

// Initialize performs the MCP handshake. It must be called once before
// CallTool.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": clientName, "version": clientVersion},
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state = Initialized
	c.mu.Unlock()
	return nil
}

// State reports the client's current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CallTool invokes name with arguments and decodes the result. It
// returns an error (never a partial ToolResult) if the session has not
// been initialized.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	if c.State() == Uninitialized {
		return nil, &engineerrors.InvalidArgumentsError{Name: name, Reason: "client not initialized"}
	}

	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		// The JSON-RPC layer only knows the method; rebind method-level
		// "not found" / "bad params" errors to the tool that caused them.
		var unknownTool *engineerrors.UnknownToolError
		if stderrors.As(err, &unknownTool) {
			return nil, &engineerrors.UnknownToolError{Name: name}
		}
		var invalidArgs *engineerrors.InvalidArgumentsError
		if stderrors.As(err, &invalidArgs) {
			return nil, &engineerrors.InvalidArgumentsError{Name: name, Reason: invalidArgs.Reason}
		}
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &engineerrors.DeserializationError{Key: name, Reason: err.Error()}
	}
	return &result, nil
}

// ListTools asks the server which tools it exposes.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &engineerrors.DeserializationError{Key: "tools/list", Reason: err.Error()}
	}
	return result.Tools, nil
}

// Ping round-trips a ping request, verifying the session is live.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close tears down the read loop and the underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	c.lifeCancel()
	return c.tr.Close()
}

// Healthy reports whether the underlying transport is still usable.
func (c *Client) Healthy() bool {
	return c.State() != Closed && c.tr.IsHealthy()
}
