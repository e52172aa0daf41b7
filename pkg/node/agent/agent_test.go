package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node/agent"
	"github.com/tombee/workflow-engine/pkg/taskcontext"
	"github.com/tombee/workflow-engine/pkg/template"
	"github.com/tombee/workflow-engine/pkg/tokens"
)

func mustTemplate(t *testing.T, source string) *template.Template {
	t.Helper()
	tmpl, err := template.Parse("test", source)
	require.NoError(t, err)
	return tmpl
}

func echoCompleter() agent.Completer {
	return agent.CompleterFunc(func(ctx context.Context, model, prompt string) (string, error) {
		return "echo: " + prompt, nil
	})
}

func TestPromptNode_RendersEventBindings(t *testing.T) {
	n := agent.NewPromptNode("greet", mustTemplate(t, "Hello {{name}}!"), nil)

	tc := taskcontext.New("test", map[string]any{"name": "Ada"})
	out, err := n.Process(context.Background(), tc)
	require.NoError(t, err)

	raw, ok := out.Output("greet")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"prompt": "Hello Ada!"}, raw)
}

func TestPromptNode_CustomBindings(t *testing.T) {
	bindings := func(tc *taskcontext.TaskContext) (map[string]any, error) {
		return map[string]any{"name": "from-bindings"}, nil
	}
	n := agent.NewPromptNode("greet", mustTemplate(t, "Hello {{name}}!"), bindings)

	tc := taskcontext.New("test", nil)
	out, err := n.Process(context.Background(), tc)
	require.NoError(t, err)

	raw, _ := out.Output("greet")
	assert.Equal(t, map[string]any{"prompt": "Hello from-bindings!"}, raw)
}

func TestAgentNode_RecordsResponseAndTokenCounts(t *testing.T) {
	n, err := agent.New(agent.Config{
		ID:        "summarize",
		Provider:  "openai",
		Model:     "gpt-4o",
		Template:  mustTemplate(t, "Summarize: {{text}}"),
		Completer: echoCompleter(),
		Counter:   tokens.NewCounter(),
	})
	require.NoError(t, err)

	tc := taskcontext.New("test", map[string]any{"text": "a long article"})
	out, err := n.Process(context.Background(), tc)
	require.NoError(t, err)

	raw, ok := out.Output("summarize")
	require.True(t, ok)
	output := raw.(map[string]any)
	assert.Equal(t, "Summarize: a long article", output["prompt"])
	assert.Equal(t, "echo: Summarize: a long article", output["response"])
	assert.Greater(t, output["prompt_tokens"].(uint64), uint64(0))
	assert.Greater(t, output["completion_tokens"].(uint64), uint64(0))
}

func TestAgentNode_BudgetExceededAbortsBeforeCall(t *testing.T) {
	called := false
	n, err := agent.New(agent.Config{
		ID:       "capped",
		Provider: "openai",
		Model:    "gpt-4o",
		Template: mustTemplate(t, "{{text}}"),
		Completer: agent.CompleterFunc(func(ctx context.Context, model, prompt string) (string, error) {
			called = true
			return "should never happen", nil
		}),
		Counter: tokens.NewCounter(),
		Budget:  tokens.NewBudget(1, time.Hour),
	})
	require.NoError(t, err)

	tc := taskcontext.New("test", map[string]any{
		"text": "this prompt is comfortably longer than a single token",
	})
	_, err = n.Process(context.Background(), tc)
	require.Error(t, err)
	var berr *engineerrors.BudgetExceededError
	require.ErrorAs(t, err, &berr)
	assert.False(t, called)

	_, ok := tc.Output("capped")
	assert.False(t, ok)
}

func TestAgentNode_PricesCallWhenTableHasModel(t *testing.T) {
	pricing := tokens.NewPricingTable()
	pricing.Register(tokens.ModelPricing{
		Provider:         "openai",
		Model:            "gpt-4o",
		InputPerMillion:  decimal.NewFromFloat(2.5),
		OutputPerMillion: decimal.NewFromFloat(10),
	})

	n, err := agent.New(agent.Config{
		ID:        "priced",
		Provider:  "openai",
		Model:     "gpt-4o",
		Template:  mustTemplate(t, "{{text}}"),
		Completer: echoCompleter(),
		Counter:   tokens.NewCounter(),
		Pricing:   pricing,
	})
	require.NoError(t, err)

	tc := taskcontext.New("test", map[string]any{"text": "price me"})
	out, err := n.Process(context.Background(), tc)
	require.NoError(t, err)

	raw, _ := out.Output("priced")
	output := raw.(map[string]any)
	cost, ok := output["cost_usd"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, cost)
}

func TestAgentNode_MissingRequiredVariableFails(t *testing.T) {
	tmpl, err := template.Parse("needy", "Hello {{name}}!")
	require.NoError(t, err)
	require.NoError(t, tmpl.Validate([]template.Variable{
		{Name: "name", Kind: template.KindString, Required: true},
	}))

	n, err := agent.New(agent.Config{
		ID:        "strict",
		Provider:  "openai",
		Model:     "gpt-4o",
		Template:  tmpl,
		Completer: echoCompleter(),
		Counter:   tokens.NewCounter(),
	})
	require.NoError(t, err)

	tc := taskcontext.New("test", map[string]any{"unrelated": 1})
	_, err = n.Process(context.Background(), tc)
	require.Error(t, err)
}

func TestAgentNode_ProviderFailureWrapped(t *testing.T) {
	n, err := agent.New(agent.Config{
		ID:       "down",
		Provider: "anthropic",
		Model:    "claude-sonnet",
		Template: mustTemplate(t, "{{text}}"),
		Completer: agent.CompleterFunc(func(ctx context.Context, model, prompt string) (string, error) {
			return "", context.DeadlineExceeded
		}),
		Counter: tokens.NewCounter(),
	})
	require.NoError(t, err)

	tc := taskcontext.New("test", map[string]any{"text": "hi"})
	_, err = n.Process(context.Background(), tc)
	require.Error(t, err)
	var perr *engineerrors.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "anthropic", perr.Provider)
}
