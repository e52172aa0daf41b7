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

// Package workflow implements the workflow graph model: the
// WorkflowDefinition data structure and builder (C8), the validator (C9),
// and the executor (C10).
package workflow

import (
	"fmt"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node"
)

// RouteKey identifies one entry of a router's routing table: the router
// node plus the branch label it may return.
type RouteKey struct {
	Router node.ID
	Label  string
}

// ParallelGroup declares a fan-out from one node into a concurrent set of
// successors that converge on a single join node.
type ParallelGroup struct {
	Branches []node.ID
	Join     node.ID
}

// Definition is the immutable, validated workflow graph. Build it via
// Builder; never construct it directly.
type Definition struct {
	Name           string
	Start          node.ID
	Nodes          map[node.ID]node.Node
	Connections    map[node.ID][]node.ID
	Routing        map[RouteKey]node.ID
	ParallelGroups map[node.ID]ParallelGroup
}

// Builder accumulates node registrations, connections, routing entries,
// and parallel-group declarations before producing a validated
// Definition.
type Builder struct {
	name           string
	start          node.ID
	hasStart       bool
	registry       *node.Registry
	connections    map[node.ID][]node.ID
	connectionSeen map[node.ID]map[node.ID]bool
	routing        map[RouteKey]node.ID
	parallelGroups map[node.ID]ParallelGroup
	duplicateID    node.ID
	hasDuplicate   bool
	duplicateEdge  [2]node.ID
	hasDupEdge     bool
}

// NewBuilder constructs an empty builder for a workflow named name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:           name,
		registry:       node.NewRegistry(),
		connections:    make(map[node.ID][]node.ID),
		connectionSeen: make(map[node.ID]map[node.ID]bool),
		routing:        make(map[RouteKey]node.ID),
		parallelGroups: make(map[node.ID]ParallelGroup),
	}
}

// AddNode registers n. Calling AddNode a second time with an id that is
// already registered records a duplicate-id failure that Build reports
// as a ValidationError.
func (b *Builder) AddNode(n node.Node) *Builder {
	if !b.registry.Register(n) && !b.hasDuplicate {
		b.duplicateID = n.ID()
		b.hasDuplicate = true
	}
	return b
}

// SetStart designates the entry node.
func (b *Builder) SetStart(id node.ID) *Builder {
	b.start = id
	b.hasStart = true
	return b
}

// Connect appends to->... to from's successor list, preserving insertion
// order. A duplicate (from, to) pair is rejected at Build time.
func (b *Builder) Connect(from, to node.ID) *Builder {
	if b.connectionSeen[from] == nil {
		b.connectionSeen[from] = make(map[node.ID]bool)
	}
	if b.connectionSeen[from][to] {
		if !b.hasDupEdge {
			b.duplicateEdge = [2]node.ID{from, to}
			b.hasDupEdge = true
		}
		return b
	}
	b.connectionSeen[from][to] = true
	b.connections[from] = append(b.connections[from], to)
	return b
}

// Route adds a routing-table entry: when router returns label, the
// executor dispatches to target.
func (b *Builder) Route(router node.ID, label string, target node.ID) *Builder {
	b.routing[RouteKey{Router: router, Label: label}] = target
	return b
}

// Parallel declares a fan-out from fanOut into branches, joined at join.
func (b *Builder) Parallel(fanOut node.ID, branches []node.ID, join node.ID) *Builder {
	cp := make([]node.ID, len(branches))
	copy(cp, branches)
	b.parallelGroups[fanOut] = ParallelGroup{Branches: cp, Join: join}
	return b
}

// Build validates the accumulated graph and returns a frozen Definition.
func (b *Builder) Build() (*Definition, error) {
	if b.name == "" {
		return nil, &engineerrors.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}
	if b.hasDuplicate {
		return nil, &engineerrors.ValidationError{
			Field:   "nodes",
			Message: fmt.Sprintf("node id %q registered more than once", b.duplicateID),
		}
	}
	if !b.hasStart {
		return nil, &engineerrors.ValidationError{Field: "start", Message: "no start node set (MissingStart)"}
	}
	if b.hasDupEdge {
		return nil, &engineerrors.ValidationError{
			Field:   "connections",
			Message: fmt.Sprintf("duplicate edge %q -> %q (DuplicateEdge)", b.duplicateEdge[0], b.duplicateEdge[1]),
		}
	}

	registeredIDs := b.registry.IDs()
	nodes := make(map[node.ID]node.Node, len(registeredIDs))
	for _, id := range registeredIDs {
		n, _ := b.registry.Get(id)
		nodes[id] = n
	}

	if _, ok := nodes[b.start]; !ok {
		return nil, &engineerrors.ValidationError{Field: "start", Message: fmt.Sprintf("start node %q is not registered (MissingStart)", b.start)}
	}

	checkKnown := func(id node.ID, where string) error {
		if _, ok := nodes[id]; !ok {
			return &engineerrors.UnknownNodeError{NodeID: string(id), Where: where}
		}
		return nil
	}

	for from, tos := range b.connections {
		if err := checkKnown(from, "connections"); err != nil {
			return nil, err
		}
		for _, to := range tos {
			if err := checkKnown(to, "connections"); err != nil {
				return nil, err
			}
		}
	}

	for rk, target := range b.routing {
		if err := checkKnown(rk.Router, "routing"); err != nil {
			return nil, err
		}
		if err := checkKnown(target, "routing"); err != nil {
			return nil, err
		}
	}

	for fanOut, group := range b.parallelGroups {
		if err := checkKnown(fanOut, "parallel_groups"); err != nil {
			return nil, err
		}
		if err := checkKnown(group.Join, "parallel_groups"); err != nil {
			return nil, err
		}
		for _, branch := range group.Branches {
			if err := checkKnown(branch, "parallel_groups"); err != nil {
				return nil, err
			}
		}
	}

	def := &Definition{
		Name:           b.name,
		Start:          b.start,
		Nodes:          nodes,
		Connections:    b.connections,
		Routing:        b.routing,
		ParallelGroups: b.parallelGroups,
	}

	if err := Validate(def); err != nil {
		return nil, err
	}

	// Checked after Validate so that a cycle through the start node is
	// reported as a CycleError.
	for _, tos := range def.Connections {
		for _, to := range tos {
			if to == def.Start {
				return nil, &engineerrors.ValidationError{
					Field:   "connections",
					Message: fmt.Sprintf("successor set must not include start node %q", def.Start),
				}
			}
		}
	}

	return def, nil
}
