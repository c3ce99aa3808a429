package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagegate/pkg/schema"
)

func retentionEnv(status string, idleHours float64) map[string]any {
	return map[string]any{
		"status":        status,
		"current_stage": "planner",
		"idle_hours":    idleHours,
		"revision":      4,
	}
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), "revision * 2", retentionEnv("done", 1))
	require.NoError(t, err)
	assert.Equal(t, 8, out)
}

func TestExpr_RetentionRules(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	rule := `status == "done" && idle_hours > 24 || idle_hours > 720`

	tests := []struct {
		name   string
		status string
		idle   float64
		want   bool
	}{
		{"fresh done", "done", 1, false},
		{"stale done", "done", 25, true},
		{"stale review", "awaiting_review", 25, false},
		{"abandoned", "awaiting_review", 800, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(ctx, rule, retentionEnv(tt.status, tt.idle))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	out, err := NewExprEngine().Evaluate(context.Background(), "missing == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "status ==", retentionEnv("done", 0))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.EvaluateBool(ctx, "idle_hours + 1", retentionEnv("done", 0))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.NoError(t, e.Check(`status == "done"`, retentionEnv("", 0)))
	assert.Error(t, e.Check(`status ==`, retentionEnv("", 0)))
}

func TestExpr_CachesPrograms(t *testing.T) {
	e := NewExprEngine()
	for i := 0; i < 3; i++ {
		_, err := e.EvaluateBool(context.Background(), `status == "done"`, retentionEnv("done", 0))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.cache.len())
}
