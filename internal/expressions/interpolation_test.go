package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagegate/pkg/schema"
)

const seedTemplate = "Higher-Level Objectives: \n\n${{previous.output}}\n\n${{stage.task}}"

func plannerScope() *SeedScope {
	return &SeedScope{
		PreviousStage:  "architect",
		PreviousOutput: "## Project Goals\n1. todo app\n",
		StageName:      "planner",
		StageTask:      "generate a plan",
		ThreadID:       "t-1",
		ThreadInput:    "build a todo app",
		Outputs:        map[string]string{"architect": "goals"},
	}
}

func TestRender_SeedTemplate(t *testing.T) {
	out, err := NewInterpolator().Render(seedTemplate, plannerScope())
	require.NoError(t, err)
	assert.Equal(t, "Higher-Level Objectives: \n\n## Project Goals\n1. todo app\n\n\ngenerate a plan", out)
}

func TestRender_AllNamespaces(t *testing.T) {
	interp := NewInterpolator()
	tests := []struct {
		tmpl string
		want string
	}{
		{"${{stage.name}}", "planner"},
		{"from ${{ previous.stage }}!", "from architect!"},
		{"${{thread.id}}/${{thread.input}}", "t-1/build a todo app"},
		{"${{outputs.architect}}", "goals"},
		{"no refs", "no refs"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := interp.Render(tt.tmpl, plannerScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_NilScope(t *testing.T) {
	out, err := NewInterpolator().Render("[${{previous.output}}]", nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRender_Errors(t *testing.T) {
	interp := NewInterpolator()
	tests := []struct {
		name string
		tmpl string
	}{
		{"unclosed", "${{stage.name"},
		{"empty", "${{ }}"},
		{"nested", "${{ ${{stage.name}} }}"},
		{"unknown namespace", "${{secrets.KEY}}"},
		{"unknown field", "${{stage.model}}"},
		{"missing output", "${{outputs.coder}}"},
		{"bare outputs", "${{outputs}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interp.Render(tt.tmpl, plannerScope())
			assert.True(t, schema.IsCode(err, schema.ErrCodeInterpolation), "got %v", err)
		})
	}
}

func TestCheck(t *testing.T) {
	interp := NewInterpolator()
	assert.NoError(t, interp.Check(seedTemplate))
	assert.NoError(t, interp.Check("${{outputs.anything}} ${{thread.input}}"))
	assert.Error(t, interp.Check("${{previous.model}}"))
	assert.Error(t, interp.Check("${{loop.item}}"))
	assert.Error(t, interp.Check("${{stage.task"))
}

func TestReferences(t *testing.T) {
	assert.Equal(t, []string{"previous.output", "stage.task"}, References(seedTemplate+" ${{stage.task}}"))
	assert.Empty(t, References("plain"))
	assert.True(t, HasInterpolation(seedTemplate))
	assert.False(t, HasInterpolation("plain"))
}

func TestMarshalInline(t *testing.T) {
	assert.Equal(t, "x", marshalInline("x"))
	assert.Equal(t, "", marshalInline(nil))
	assert.Equal(t, `["a"]`, marshalInline([]string{"a"}))
	assert.Equal(t, "3", marshalInline(3))
}
