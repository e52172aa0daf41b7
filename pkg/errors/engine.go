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

package errors

import (
	"fmt"
	"strings"
)

// UnknownNodeError is raised when a connection, routing entry, or parallel
// group references a node id that was never registered with the builder.
type UnknownNodeError struct {
	NodeID string
	Where  string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node %q referenced in %s", e.NodeID, e.Where)
}

// CycleError is raised by the validator when a back-edge is found during
// the depth-first acyclicity check. Path lists node ids in traversal order,
// ending with the node that closes the cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// UnreachableNodeError is raised by the validator when a registered node
// cannot be reached by any path from the start node.
type UnreachableNodeError struct {
	NodeID string
}

func (e *UnreachableNodeError) Error() string {
	return fmt.Sprintf("node %q is unreachable from start", e.NodeID)
}

// UnknownRouteError is raised at run time when a router node returns a
// branch label with no matching entry in the routing table.
type UnknownRouteError struct {
	Router string
	Label  string
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("router %q returned unknown branch %q", e.Router, e.Label)
}

// ParallelMergeConflictError is raised when two branches of a parallel
// fan-out record the same output key during the join merge.
type ParallelMergeConflictError struct {
	Key string
}

func (e *ParallelMergeConflictError) Error() string {
	return fmt.Sprintf("parallel merge conflict on output key %q", e.Key)
}

// NodeProcessingError wraps an error returned by a node's process function,
// attaching the node id that produced it.
type NodeProcessingError struct {
	NodeID string
	Cause  error
}

func (e *NodeProcessingError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.NodeID, e.Cause)
}

func (e *NodeProcessingError) Unwrap() error { return e.Cause }

// DeserializationError is raised when a typed TaskContext accessor cannot
// coerce a stored value into the caller's requested shape.
type DeserializationError struct {
	Key    string
	Reason string
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("cannot deserialize %q: %s", e.Key, e.Reason)
}

// DuplicateTimingError is raised when record_timing is called twice for the
// same node key within a single TaskContext.
type DuplicateTimingError struct {
	NodeID string
}

func (e *DuplicateTimingError) Error() string {
	return fmt.Sprintf("timing already recorded for node %q", e.NodeID)
}

// TransportError represents an MCP transport-level read/write failure.
type TransportError struct {
	Endpoint string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %q: %v", e.Endpoint, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Retryable reports true: a failed read or write says nothing about the
// next attempt on a fresh connection.
func (e *TransportError) Retryable() bool { return true }

// MCPProtocolError represents a JSON-RPC error response from an MCP server.
type MCPProtocolError struct {
	Code    int
	Message string
}

func (e *MCPProtocolError) Error() string {
	return fmt.Sprintf("mcp protocol error %d: %s", e.Code, e.Message)
}

// Retryable reports whether this protocol error falls in the server-defined
// retryable range (-32000..-32099) per the JSON-RPC error code mapping.
func (e *MCPProtocolError) Retryable() bool {
	return e.Code <= -32000 && e.Code >= -32099
}

// UnknownToolError is raised when call_tool targets a tool name the server
// does not expose, mapped from JSON-RPC error code -32601.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Retryable reports false: the server will not grow the tool between
// attempts.
func (e *UnknownToolError) Retryable() bool { return false }

// InvalidArgumentsError is raised when call_tool arguments are rejected by
// the server, mapped from JSON-RPC error code -32602.
type InvalidArgumentsError struct {
	Name   string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Name, e.Reason)
}

// Retryable reports false: the same arguments will be rejected again.
func (e *InvalidArgumentsError) Retryable() bool { return false }

// AuthError is raised when an MCP server rejects a request for lack of
// authorization. Terminal: never retried.
type AuthError struct {
	Endpoint string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error on %q: %s", e.Endpoint, e.Reason)
}

// Retryable reports false.
func (e *AuthError) Retryable() bool { return false }

// PoolExhaustedError is raised when a connection pool's acquire call times
// out waiting for an available entry.
type PoolExhaustedError struct {
	Endpoint string
	Timeout  string
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool for %q exhausted after %s", e.Endpoint, e.Timeout)
}

// Retryable reports true: a lease may free up before the next attempt.
func (e *PoolExhaustedError) Retryable() bool { return true }

// CircuitOpenError is raised when a circuit breaker short-circuits a call
// because it is in the Open (or permit-exhausted HalfOpen) state.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Name)
}

// Retryable reports false: a breaker rejection is terminal for the
// retry loop, so a breaker opening mid-retry cannot make the loop spin
// until the breaker's own timeout elapses.
func (e *CircuitOpenError) Retryable() bool { return false }

// BudgetExceededError is raised when a token charge would push used_tokens
// past limit_tokens.
type BudgetExceededError struct {
	Requested uint64
	Used      uint64
	Limit     uint64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: requested %d, used %d of %d", e.Requested, e.Used, e.Limit)
}

// TemplateError represents a template parse, validation, or render failure.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
}

// MissingVariableError is raised by render when a required declared
// variable has no binding.
type MissingVariableError struct {
	Template string
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %q: missing required variable %q", e.Template, e.Variable)
}

// TypeMismatchError is raised when a helper receives an argument of a type
// it cannot operate on.
type TypeMismatchError struct {
	Template string
	Helper   string
	Reason   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("template %q: helper %q: %s", e.Template, e.Helper, e.Reason)
}

// CancelledError is returned alongside a partial TaskContext when execution
// observes cancellation at a suspension point.
type CancelledError struct {
	Operation string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Operation)
}
