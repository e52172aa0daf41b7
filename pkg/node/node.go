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

// Package node defines the Node capability abstraction, the typed node
// identifier, and the node registry (C7). A node is a polymorphic
// computation unit: it consumes a TaskContext and produces a new one, or
// fails with a typed error.
package node

import (
	"context"

	"github.com/tombee/workflow-engine/pkg/taskcontext"
)

// ID is a typed node handle. It is a distinct Go type (not a bare string)
// so that a node id cannot be confused with an arbitrary string at
// compile time.
type ID string

// Kind enumerates the node variants the executor dispatches differently.
type Kind int

const (
	KindPlain Kind = iota
	KindRouter
	KindParallel
	KindAgentAI
	KindExternalMCP
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindRouter:
		return "router"
	case KindParallel:
		return "parallel"
	case KindAgentAI:
		return "agent_ai"
	case KindExternalMCP:
		return "external_mcp"
	case KindTemplate:
		return "template"
	default:
		return "unknown"
	}
}

// Node is the capability set every node implements: it transforms a
// TaskContext, possibly doing I/O, and may fail. Process is invoked by
// the executor for every kind; Router nodes additionally implement
// Router below to select a branch label.
type Node interface {
	ID() ID
	Kind() Kind
	Process(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error)
}

// Router is implemented by nodes of Kind Router in addition to Node. The
// executor calls Route after Process to determine which branch label to
// look up in the workflow's routing table.
type Router interface {
	Node
	Route(ctx context.Context, tc *taskcontext.TaskContext) (string, error)
}

// Func adapts a plain function into a Node, the common case for simple,
// synchronous, stateless nodes.
type Func struct {
	NodeID   ID
	NodeKind Kind
	Fn       func(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error)
}

func (f Func) ID() ID   { return f.NodeID }
func (f Func) Kind() Kind { return f.NodeKind }

func (f Func) Process(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	return f.Fn(ctx, tc)
}

// RouterFunc adapts a pair of functions (process + route) into a Router
// node.
type RouterFunc struct {
	NodeID    ID
	ProcessFn func(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error)
	RouteFn   func(ctx context.Context, tc *taskcontext.TaskContext) (string, error)
}

func (f RouterFunc) ID() ID     { return f.NodeID }
func (f RouterFunc) Kind() Kind { return KindRouter }
func (f RouterFunc) Process(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	if f.ProcessFn == nil {
		return tc, nil
	}
	return f.ProcessFn(ctx, tc)
}
func (f RouterFunc) Route(ctx context.Context, tc *taskcontext.TaskContext) (string, error) {
	return f.RouteFn(ctx, tc)
}

// Registry maps node ids to registered nodes. Distinct-kind nodes cannot
// be registered under the same id — an id is bound to exactly one node
// for the lifetime of the registry.
type Registry struct {
	nodes map[ID]Node
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[ID]Node)}
}

// Register adds a node under its own ID. It returns false if the id is
// already taken. Presence alone decides: node values are often
// functional adapters, which cannot be compared for identity.
func (r *Registry) Register(n Node) bool {
	if _, ok := r.nodes[n.ID()]; ok {
		return false
	}
	r.nodes[n.ID()] = n
	return true
}

// Get retrieves a node by id.
func (r *Registry) Get(id ID) (Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id ID) bool {
	_, ok := r.nodes[id]
	return ok
}

// IDs returns all registered node ids in indeterminate order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids
}
