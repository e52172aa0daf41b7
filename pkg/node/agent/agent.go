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

// Package agent implements the AI-facing nodes: a prompt-template node
// that renders a compiled template into the TaskContext, and an agent
// node that renders a prompt, accounts for its tokens against a budget,
// and sends it to a completion provider.
package agent

import (
	"context"
	"log/slog"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node"
	"github.com/tombee/workflow-engine/pkg/taskcontext"
	"github.com/tombee/workflow-engine/pkg/template"
	"github.com/tombee/workflow-engine/pkg/tokens"
)

// Bindings computes template variable bindings from the current run
// state. The default binding set is the event payload itself, when the
// event is an object.
type Bindings func(tc *taskcontext.TaskContext) (map[string]any, error)

// EventBindings binds template variables directly to the top-level
// fields of the event payload.
func EventBindings(tc *taskcontext.TaskContext) (map[string]any, error) {
	event, err := taskcontext.GetEventAs[map[string]any](tc)
	if err != nil {
		return nil, err
	}
	if event == nil {
		event = map[string]any{}
	}
	return event, nil
}

// PromptNode renders a compiled template and records the rendered prompt
// as its output, under {"prompt": ...}.
type PromptNode struct {
	id       node.ID
	tmpl     *template.Template
	bindings Bindings
}

// NewPromptNode builds a template node around an already-parsed,
// already-validated template. bindings may be nil, in which case the
// event payload supplies the variables.
func NewPromptNode(id node.ID, tmpl *template.Template, bindings Bindings) *PromptNode {
	if bindings == nil {
		bindings = EventBindings
	}
	return &PromptNode{id: id, tmpl: tmpl, bindings: bindings}
}

func (p *PromptNode) ID() node.ID     { return p.id }
func (p *PromptNode) Kind() node.Kind { return node.KindTemplate }

func (p *PromptNode) Process(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	vars, err := p.bindings(tc)
	if err != nil {
		return nil, err
	}
	rendered, err := p.tmpl.Render(vars)
	if err != nil {
		return nil, err
	}
	tc.RecordOutput(string(p.id), map[string]any{"prompt": rendered})
	return tc, nil
}

// Completer is the provider capability an agent node calls with its
// rendered prompt. The LLM integration itself is an external
// collaborator; the engine only depends on this seam.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// CompleterFunc adapts a function into a Completer.
type CompleterFunc func(ctx context.Context, model, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, model, prompt string) (string, error) {
	return f(ctx, model, prompt)
}

// Config wires an agent node's collaborators.
type Config struct {
	// ID is the node's identifier within the workflow.
	ID node.ID

	// Provider and Model select the tokenizer and pricing row.
	Provider string
	Model    string

	// Template is the compiled prompt template.
	Template *template.Template

	// Bindings supplies template variables; nil means EventBindings.
	Bindings Bindings

	// Completer produces the model's response.
	Completer Completer

	// Counter tokenizes prompt and completion text. Required.
	Counter *tokens.Counter

	// Budget, when non-nil, is charged for prompt tokens before the
	// call and completion tokens after it. A failed pre-charge aborts
	// the call; a failed post-charge surfaces after the response is
	// recorded nowhere (the node fails).
	Budget *tokens.Budget

	// Pricing, when non-nil, prices the call and records the cost in
	// the node output.
	Pricing *tokens.PricingTable

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Node renders a prompt, enforces the token budget, calls the completer,
// and records {"prompt", "response", "prompt_tokens", "completion_tokens"
// and optionally "cost_usd"} as its output.
type Node struct {
	cfg Config
}

// New validates cfg and builds the agent node.
func New(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, &engineerrors.ValidationError{Field: "id", Message: "agent node id must not be empty"}
	}
	if cfg.Template == nil {
		return nil, &engineerrors.ValidationError{Field: "template", Message: "agent node requires a template"}
	}
	if cfg.Completer == nil {
		return nil, &engineerrors.ValidationError{Field: "completer", Message: "agent node requires a completer"}
	}
	if cfg.Counter == nil {
		return nil, &engineerrors.ValidationError{Field: "counter", Message: "agent node requires a token counter"}
	}
	if cfg.Bindings == nil {
		cfg.Bindings = EventBindings
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Node{cfg: cfg}, nil
}

func (n *Node) ID() node.ID     { return n.cfg.ID }
func (n *Node) Kind() node.Kind { return node.KindAgentAI }

func (n *Node) Process(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	vars, err := n.cfg.Bindings(tc)
	if err != nil {
		return nil, err
	}
	prompt, err := n.cfg.Template.Render(vars)
	if err != nil {
		return nil, err
	}

	promptTokens := n.cfg.Counter.CountTokens(n.cfg.Provider, n.cfg.Model, prompt)
	if n.cfg.Budget != nil {
		if err := n.cfg.Budget.Charge(promptTokens); err != nil {
			return nil, err
		}
	}

	n.cfg.Logger.Debug("agent prompt prepared",
		"node_id", string(n.cfg.ID), "run_id", tc.RunID(),
		"provider", n.cfg.Provider, "model", n.cfg.Model, "prompt_tokens", promptTokens)

	response, err := n.cfg.Completer.Complete(ctx, n.cfg.Model, prompt)
	if err != nil {
		return nil, &engineerrors.ProviderError{
			Provider: n.cfg.Provider,
			Model:    n.cfg.Model,
			Message:  "completion failed",
			Cause:    err,
		}
	}

	completionTokens := n.cfg.Counter.CountTokens(n.cfg.Provider, n.cfg.Model, response)
	if n.cfg.Budget != nil {
		if err := n.cfg.Budget.Charge(completionTokens); err != nil {
			return nil, err
		}
	}

	output := map[string]any{
		"prompt":            prompt,
		"response":          response,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
	}
	if n.cfg.Pricing != nil {
		if pricing, ok := n.cfg.Pricing.Lookup(n.cfg.Provider, n.cfg.Model); ok {
			cost := tokens.Price(pricing, tokens.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
			})
			output["cost_usd"] = cost.Amount.String()
		}
	}

	tc.RecordOutput(string(n.cfg.ID), output)
	return tc, nil
}
