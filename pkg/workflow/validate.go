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
	"fmt"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node"
)

// dfsColor tracks depth-first search progress for cycle detection.
type dfsColor int

const (
	white dfsColor = iota // unvisited
	gray                  // on the current recursion stack
	black                 // fully explored
)

// Validate runs the six ordered structural checks over def: start
// membership, successor-id membership everywhere, acyclicity,
// reachability from start, router well-formedness, and parallel-group
// well-formedness. It is invoked automatically by Builder.Build and may
// also be called directly against a hand-constructed Definition.
func Validate(def *Definition) error {
	if _, ok := def.Nodes[def.Start]; !ok {
		return &engineerrors.ValidationError{Field: "start", Message: fmt.Sprintf("start node %q not in nodes", def.Start)}
	}

	if err := checkSuccessorsKnown(def); err != nil {
		return err
	}

	if err := checkAcyclic(def); err != nil {
		return err
	}

	if err := checkReachable(def); err != nil {
		return err
	}

	if err := checkRoutersWellFormed(def); err != nil {
		return err
	}

	if err := checkParallelGroupsWellFormed(def); err != nil {
		return err
	}

	return nil
}

func checkSuccessorsKnown(def *Definition) error {
	for from, tos := range def.Connections {
		if _, ok := def.Nodes[from]; !ok {
			return &engineerrors.UnknownNodeError{NodeID: string(from), Where: "connections"}
		}
		for _, to := range tos {
			if _, ok := def.Nodes[to]; !ok {
				return &engineerrors.UnknownNodeError{NodeID: string(to), Where: "connections"}
			}
		}
	}
	for rk, target := range def.Routing {
		if _, ok := def.Nodes[rk.Router]; !ok {
			return &engineerrors.UnknownNodeError{NodeID: string(rk.Router), Where: "routing"}
		}
		if _, ok := def.Nodes[target]; !ok {
			return &engineerrors.UnknownNodeError{NodeID: string(target), Where: "routing"}
		}
	}
	for fanOut, group := range def.ParallelGroups {
		if _, ok := def.Nodes[fanOut]; !ok {
			return &engineerrors.UnknownNodeError{NodeID: string(fanOut), Where: "parallel_groups"}
		}
		if _, ok := def.Nodes[group.Join]; !ok {
			return &engineerrors.UnknownNodeError{NodeID: string(group.Join), Where: "parallel_groups"}
		}
		for _, b := range group.Branches {
			if _, ok := def.Nodes[b]; !ok {
				return &engineerrors.UnknownNodeError{NodeID: string(b), Where: "parallel_groups"}
			}
		}
	}
	return nil
}

// successors returns every outgoing edge from id across plain
// connections, routing table entries, and parallel fan-out branches (not
// the join — the join is reached via the branches, not directly from the
// fan-out node, for cycle/reachability purposes it is still an edge from
// fan-out conceptually through each branch to join, which the branch's
// own connection to join — if declared — already models; parallel groups
// themselves contribute fan-out -> each branch as edges).
func successors(def *Definition, id node.ID) []node.ID {
	var out []node.ID
	out = append(out, def.Connections[id]...)
	for rk, target := range def.Routing {
		if rk.Router == id {
			out = append(out, target)
		}
	}
	if group, ok := def.ParallelGroups[id]; ok {
		out = append(out, group.Branches...)
	}
	return out
}

func checkAcyclic(def *Definition) error {
	color := make(map[node.ID]dfsColor, len(def.Nodes))
	for id := range def.Nodes {
		color[id] = white
	}

	var path []node.ID
	var visit func(id node.ID) error
	visit = func(id node.ID) error {
		color[id] = gray
		path = append(path, id)

		for _, next := range successors(def, id) {
			switch color[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case gray:
				cyclePath := append(append([]node.ID{}, path...), next)
				strs := make([]string, len(cyclePath))
				for i, p := range cyclePath {
					strs[i] = string(p)
				}
				return &engineerrors.CycleError{Path: strs}
			case black:
				// already fully explored via another path; fine
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	// Search from the start node first so a cycle's path reads from the
	// entry point; the sweep below covers nodes start does not reach.
	if err := visit(def.Start); err != nil {
		return err
	}
	for id := range def.Nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkReachable(def *Definition) error {
	visited := make(map[node.ID]bool, len(def.Nodes))
	queue := []node.ID{def.Start}
	visited[def.Start] = true

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range successors(def, id) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
		if group, ok := def.ParallelGroups[id]; ok && !visited[group.Join] {
			visited[group.Join] = true
			queue = append(queue, group.Join)
		}
	}

	for id := range def.Nodes {
		if !visited[id] {
			return &engineerrors.UnreachableNodeError{NodeID: string(id)}
		}
	}
	return nil
}

func checkRoutersWellFormed(def *Definition) error {
	for id, n := range def.Nodes {
		if n.Kind() != node.KindRouter {
			continue
		}
		found := false
		for rk := range def.Routing {
			if rk.Router == id {
				found = true
				break
			}
		}
		if !found {
			return &engineerrors.ValidationError{
				Field:   "routing",
				Message: fmt.Sprintf("router node %q has no routing entries", id),
			}
		}
	}
	return nil
}

func checkParallelGroupsWellFormed(def *Definition) error {
	for fanOut, group := range def.ParallelGroups {
		declared := def.Connections[fanOut]
		if len(declared) > 0 {
			declaredSet := make(map[node.ID]bool, len(declared))
			for _, d := range declared {
				declaredSet[d] = true
			}
			branchSet := make(map[node.ID]bool, len(group.Branches))
			for _, b := range group.Branches {
				branchSet[b] = true
			}
			if len(declaredSet) != len(branchSet) {
				return &engineerrors.ValidationError{
					Field:   "parallel_groups",
					Message: fmt.Sprintf("fan-out %q: declared successor set does not match parallel branch set", fanOut),
				}
			}
			for d := range declaredSet {
				if !branchSet[d] {
					return &engineerrors.ValidationError{
						Field:   "parallel_groups",
						Message: fmt.Sprintf("fan-out %q: declared successor set does not match parallel branch set", fanOut),
					}
				}
			}
		}

		for _, branch := range group.Branches {
			branchSuccessors := def.Connections[branch]
			if len(branchSuccessors) == 0 {
				continue // branch converges implicitly; executor routes it to join
			}
			if len(branchSuccessors) != 1 || branchSuccessors[0] != group.Join {
				return &engineerrors.ValidationError{
					Field:   "parallel_groups",
					Message: fmt.Sprintf("branch %q of fan-out %q must converge on join %q", branch, fanOut, group.Join),
				}
			}
		}
	}
	return nil
}
