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

	"gopkg.in/yaml.v3"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node"
)

// DefinitionFile is the YAML shape of a workflow's graph topology. The
// nodes themselves are code and are supplied by the caller via a
// Registry; the file contributes everything that is pure structure:
// entry point, edges, routing table, and parallel groups.
type DefinitionFile struct {
	// Name identifies the workflow.
	Name string `yaml:"name"`

	// Start is the id of the entry node.
	Start string `yaml:"start"`

	// Connections maps a source node id to its ordered successor list.
	Connections []ConnectionDefinition `yaml:"connections,omitempty"`

	// Routing declares the router branch tables.
	Routing []RoutingDefinition `yaml:"routing,omitempty"`

	// Parallel declares the fan-out groups.
	Parallel []ParallelDefinition `yaml:"parallel,omitempty"`
}

// ConnectionDefinition is one edge set: from -> to[0], to[1], ...
type ConnectionDefinition struct {
	From string   `yaml:"from"`
	To   []string `yaml:"to"`
}

// RoutingDefinition is one router's branch table.
type RoutingDefinition struct {
	Router   string            `yaml:"router"`
	Branches map[string]string `yaml:"branches"`
}

// ParallelDefinition is one fan-out group.
type ParallelDefinition struct {
	From     string   `yaml:"from"`
	Branches []string `yaml:"branches"`
	Join     string   `yaml:"join"`
}

// ParseDefinitionFile unmarshals and structurally checks a workflow
// topology document. It validates the file's own shape only; graph-level
// validation happens in Load once nodes are bound.
func ParseDefinitionFile(data []byte) (*DefinitionFile, error) {
	var file DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &engineerrors.ConfigError{Document: "workflow", Reason: "failed to parse workflow definition", Cause: err}
	}

	if file.Name == "" {
		return nil, &engineerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if file.Start == "" {
		return nil, &engineerrors.ValidationError{Field: "start", Message: "start node is required"}
	}
	for i, conn := range file.Connections {
		if conn.From == "" || len(conn.To) == 0 {
			return nil, &engineerrors.ValidationError{
				Field:   fmt.Sprintf("connections[%d]", i),
				Message: "each connection needs a from node and at least one to node",
			}
		}
	}
	for i, r := range file.Routing {
		if r.Router == "" || len(r.Branches) == 0 {
			return nil, &engineerrors.ValidationError{
				Field:   fmt.Sprintf("routing[%d]", i),
				Message: "each routing entry needs a router node and at least one branch",
			}
		}
	}
	for i, p := range file.Parallel {
		if p.From == "" || len(p.Branches) == 0 || p.Join == "" {
			return nil, &engineerrors.ValidationError{
				Field:   fmt.Sprintf("parallel[%d]", i),
				Message: "each parallel group needs a from node, branches, and a join node",
			}
		}
	}

	return &file, nil
}

// Load binds a parsed topology to concrete nodes and produces a
// validated Definition. Every node id the file references must be
// registered in nodes.
func Load(file *DefinitionFile, nodes *node.Registry) (*Definition, error) {
	b := NewBuilder(file.Name)
	for _, id := range nodes.IDs() {
		n, _ := nodes.Get(id)
		b.AddNode(n)
	}
	b.SetStart(node.ID(file.Start))

	for _, conn := range file.Connections {
		for _, to := range conn.To {
			b.Connect(node.ID(conn.From), node.ID(to))
		}
	}
	for _, r := range file.Routing {
		for label, target := range r.Branches {
			b.Route(node.ID(r.Router), label, node.ID(target))
		}
	}
	for _, p := range file.Parallel {
		branches := make([]node.ID, len(p.Branches))
		for i, branch := range p.Branches {
			branches[i] = node.ID(branch)
		}
		b.Parallel(node.ID(p.From), branches, node.ID(p.Join))
	}

	return b.Build()
}

// LoadDefinition parses data and binds it to nodes in one step.
func LoadDefinition(data []byte, nodes *node.Registry) (*Definition, error) {
	file, err := ParseDefinitionFile(data)
	if err != nil {
		return nil, err
	}
	return Load(file, nodes)
}
