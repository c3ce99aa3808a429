package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagegate/internal/validation"
	"github.com/rendis/stagegate/pkg/schema"
)

func newValidator(t *testing.T) *validation.SchemaValidator {
	t.Helper()
	v, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	return v
}

func twoStages() []Stage {
	return []Stage{
		{Name: "architect", Instruction: "review goals"},
		{Name: "planner", Instruction: "review plan", Task: "make a plan"},
	}
}

// --- Default pipeline ---

func TestDefault(t *testing.T) {
	d, err := Default(newValidator(t))
	require.NoError(t, err)

	assert.Equal(t, "architect-planner", d.Name)
	assert.Equal(t, []string{"architect", "planner"}, d.Names())
	assert.Equal(t, "architect", d.First().Name)

	arch, ok := d.Stage("architect")
	require.True(t, ok)
	assert.Contains(t, arch.Instruction, "proceed with the currently obtained goals")
	require.NotNil(t, arch.Output)
	assert.JSONEq(t, `["project_goals","follow_up_questions"]`, mustRequired(t, arch.Output.Schema))
	assert.Equal(t, DefaultGoalsQuery, arch.Output.GoalsQuery())
	assert.Equal(t, DefaultQuestionsQuery, arch.Output.QuestionsQuery())

	plan, ok := d.Next("architect")
	require.True(t, ok)
	assert.Equal(t, "planner", plan.Name)
	assert.Nil(t, plan.Output)
	assert.Equal(t, "the above are the user goals to be achieved, generate an end-to-end plan to make the goals a reality.", plan.Task)
	assert.Equal(t, "Please respond to the agent... Type 'approve' if you want to proceed, else mention your changes.", plan.Instruction)

	_, ok = d.Next("planner")
	assert.False(t, ok)
	_, ok = d.Next("unknown")
	assert.False(t, ok)
}

func mustRequired(t *testing.T, raw []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	b, err := json.Marshal(m["required"])
	require.NoError(t, err)
	return string(b)
}

func TestDefaultYAMLIsCopy(t *testing.T) {
	a := DefaultYAML()
	a[0] = '#'
	assert.NotEqual(t, a[0], DefaultYAML()[0])
}

// --- Seeding ---

func TestSeed_DefaultTemplate(t *testing.T) {
	d, err := New("p", "", twoStages())
	require.NoError(t, err)

	arch, _ := d.Stage("architect")
	plan, _ := d.Stage("planner")
	state := schema.NewWorkflowState("t-1", "architect", "build", time.Now())

	seed, err := d.Seed(arch, "GOALS", plan, state)
	require.NoError(t, err)
	assert.Equal(t, "Higher-Level Objectives: \n\nGOALS\n\nmake a plan", seed)
}

func TestSeed_TemplatePrecedence(t *testing.T) {
	stages := twoStages()
	d, err := New("p", "pipeline: ${{previous.stage}}", stages)
	require.NoError(t, err)
	assert.Equal(t, "pipeline: ${{previous.stage}}", d.SeedTemplateFor(stages[1]))

	stages[1].SeedTemplate = "stage: ${{stage.name}} ${{thread.id}} ${{thread.input}}"
	d, err = New("p", "pipeline: ${{previous.stage}}", stages)
	require.NoError(t, err)

	state := schema.NewWorkflowState("t-9", "architect", "todo app", time.Now())
	state.Histories["architect"] = []schema.Message{{Role: schema.RoleUser, Content: "todo app"}}
	seed, err := d.Seed(stages[0], "x", stages[1], state)
	require.NoError(t, err)
	assert.Equal(t, "stage: planner t-9 todo app", seed)
}

// --- Validation ---

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]Stage) []Stage
	}{
		{"empty", func([]Stage) []Stage { return nil }},
		{"no name", func(s []Stage) []Stage { s[0].Name = ""; return s }},
		{"reserved", func(s []Stage) []Stage { s[1].Name = schema.StageDone; return s }},
		{"duplicate", func(s []Stage) []Stage { s[1].Name = "architect"; return s }},
		{"no instruction", func(s []Stage) []Stage { s[1].Instruction = ""; return s }},
		{"bad seed", func(s []Stage) []Stage { s[1].SeedTemplate = "${{loop.item}}"; return s }},
		{"no schema", func(s []Stage) []Stage { s[0].Output = &OutputSpec{}; return s }},
		{"bad jq", func(s []Stage) []Stage {
			s[0].Output = &OutputSpec{Schema: []byte(`{"type":"object"}`), Goals: ".["}
			return s
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("p", "", tt.mutate(twoStages()))
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}

	_, err := New("p", "${{nope}}", twoStages())
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNew_ValidatorChecksOutputSchema(t *testing.T) {
	stages := twoStages()
	stages[0].Output = &OutputSpec{Schema: []byte(`{"type":"not-a-type"}`)}

	_, err := New("p", "", stages)
	require.NoError(t, err, "schemas are only compiled with a validator")

	_, err = New("p", "", stages, WithValidator(newValidator(t)))
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "architect", se.Stage)
}

func TestNew_CopiesStages(t *testing.T) {
	stages := twoStages()
	d, err := New("p", "", stages)
	require.NoError(t, err)
	stages[0].Name = "changed"
	assert.True(t, d.Contains("architect"))
	assert.False(t, d.Contains("changed"))
}

// --- Parsing ---

func TestParse(t *testing.T) {
	v := newValidator(t)
	doc := `
name: review-only
stages:
  - name: writer
    instruction: approve or edit
    output:
      schema:
        type: object
        properties:
          items: {type: array, items: {type: string}}
      goals: .items
`
	d, err := Parse([]byte(doc), v)
	require.NoError(t, err)
	w := d.First()
	assert.Equal(t, ".items", w.Output.GoalsQuery())
	assert.Equal(t, DefaultQuestionsQuery, w.Output.QuestionsQuery())
	assert.JSONEq(t, `{"type":"object","properties":{"items":{"type":"array","items":{"type":"string"}}}}`, string(w.Output.Schema))
}

func TestParse_Errors(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "  \n"},
		{"bad yaml", "stages: [\n"},
		{"schema violation", "stages:\n  - name: Writer\n    instruction: x\n"},
		{"unknown field", "stages:\n  - name: w\n    instruction: x\n    retries: 3\n"},
		{"no stages", "name: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), v)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	v := newValidator(t)
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, DefaultYAML(), 0o644))

	d, err := LoadFile(path, v)
	require.NoError(t, err)
	assert.Equal(t, []string{"architect", "planner"}, d.Names())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), v)
	assert.Error(t, err)
}
