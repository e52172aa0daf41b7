package route_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/node"
	"github.com/tombee/workflow-engine/pkg/node/route"
	"github.com/tombee/workflow-engine/pkg/taskcontext"
	"github.com/tombee/workflow-engine/pkg/workflow"
)

func passthrough(id node.ID) node.Func {
	return node.Func{
		NodeID:   id,
		NodeKind: node.KindPlain,
		Fn: func(ctx context.Context, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
			tc.RecordOutput(string(id), map[string]any{"chosen": string(id)})
			return tc, nil
		},
	}
}

func TestEventField_RoutesOnStringField(t *testing.T) {
	def, err := workflow.NewBuilder("routed").
		AddNode(route.EventField("r", "kind")).
		AddNode(passthrough("a")).
		AddNode(passthrough("b")).
		SetStart("r").
		Route("r", "a", "a").
		Route("r", "b", "b").
		Build()
	require.NoError(t, err)

	tc := taskcontext.New("routed", map[string]any{"kind": "b"})
	result, err := workflow.NewExecutor(def).Run(context.Background(), tc)
	require.NoError(t, err)

	_, ok := result.Output("b")
	assert.True(t, ok)
	_, ok = result.Output("a")
	assert.False(t, ok)
}

func TestEventField_UnmappedLabelIsUnknownRoute(t *testing.T) {
	def, err := workflow.NewBuilder("routed").
		AddNode(route.EventField("r", "kind")).
		AddNode(passthrough("a")).
		SetStart("r").
		Route("r", "a", "a").
		Build()
	require.NoError(t, err)

	tc := taskcontext.New("routed", map[string]any{"kind": "c"})
	_, err = workflow.NewExecutor(def).Run(context.Background(), tc)
	require.Error(t, err)
	var rerr *engineerrors.UnknownRouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "r", rerr.Router)
	assert.Equal(t, "c", rerr.Label)
}

func TestEventField_MissingFieldFails(t *testing.T) {
	r := route.EventField("r", "kind")
	tc := taskcontext.New("routed", map[string]any{"other": 1})
	_, err := r.Route(context.Background(), tc)
	require.Error(t, err)
	var derr *engineerrors.DeserializationError
	require.ErrorAs(t, err, &derr)
}

func TestExpression_RoutesOnEventExpression(t *testing.T) {
	r, err := route.NewExpression("r", `event.total > 100 ? "review" : "auto"`)
	require.NoError(t, err)
	assert.Equal(t, node.KindRouter, r.Kind())

	tc := taskcontext.New("routed", map[string]any{"total": 250})
	label, err := r.Route(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "review", label)

	tc = taskcontext.New("routed", map[string]any{"total": 10})
	label, err = r.Route(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "auto", label)
}

func TestExpression_ReadsPriorOutputs(t *testing.T) {
	r, err := route.NewExpression("r", `outputs.score.value >= 0.5 ? "high" : "low"`)
	require.NoError(t, err)

	tc := taskcontext.New("routed", nil)
	tc.RecordOutput("score", map[string]any{"value": 0.9})

	label, err := r.Route(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "high", label)
}

func TestExpression_CompileErrorSurfacedAtBuild(t *testing.T) {
	_, err := route.NewExpression("r", `event.kind ==`)
	require.Error(t, err)
	var verr *engineerrors.ValidationError
	require.ErrorAs(t, err, &verr)
}
