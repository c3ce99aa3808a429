// Package pipeline holds the ordered stage list a workflow engine drives.
// A Definition is immutable once constructed.
package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/validation"
	"github.com/rendis/stagegate/pkg/schema"
)

// DefaultSeedTemplate seeds a stage entered through an approval.
const DefaultSeedTemplate = "Higher-Level Objectives: \n\n${{previous.output}}\n\n${{stage.task}}"

// Default jq projections for structured stage output.
const (
	DefaultGoalsQuery     = ".project_goals"
	DefaultQuestionsQuery = ".follow_up_questions"
)

//go:embed default.yaml
var defaultPipeline []byte

// OutputSpec requests structured output from a stage's model.
type OutputSpec struct {
	Schema    json.RawMessage `json:"schema"`
	Goals     string          `json:"goals,omitempty"`
	Questions string          `json:"questions,omitempty"`
}

// GoalsQuery returns the goals projection, defaulted.
func (o *OutputSpec) GoalsQuery() string {
	if o.Goals == "" {
		return DefaultGoalsQuery
	}
	return o.Goals
}

// QuestionsQuery returns the questions projection, defaulted.
func (o *OutputSpec) QuestionsQuery() string {
	if o.Questions == "" {
		return DefaultQuestionsQuery
	}
	return o.Questions
}

// Stage is one LLM-backed step followed by a review gate.
type Stage struct {
	Name         string      `json:"name"`
	Instruction  string      `json:"instruction"`
	Prompt       string      `json:"prompt,omitempty"`
	Task         string      `json:"task,omitempty"`
	SeedTemplate string      `json:"seed_template,omitempty"`
	Model        string      `json:"model,omitempty"`
	Output       *OutputSpec `json:"output,omitempty"`
}

// Definition is a validated, ordered list of stages.
type Definition struct {
	Name         string  `json:"name,omitempty"`
	SeedTemplate string  `json:"seed_template,omitempty"`
	Stages       []Stage `json:"stages"`

	index map[string]int
}

// Option adjusts validation performed by New, Parse and LoadFile.
type Option func(*options)

type options struct {
	validator *validation.SchemaValidator
}

// WithValidator compiles every stage output schema at construction time.
func WithValidator(v *validation.SchemaValidator) Option {
	return func(o *options) { o.validator = v }
}

// New builds a Definition from stages and validates it.
func New(name, seedTemplate string, stages []Stage, opts ...Option) (*Definition, error) {
	d := &Definition{Name: name, SeedTemplate: seedTemplate, Stages: append([]Stage(nil), stages...)}
	if err := d.validate(opts...); err != nil {
		return nil, err
	}
	return d, nil
}

// Parse decodes a YAML (or JSON) pipeline document, checks it against the
// pipeline JSON Schema and validates the result.
func Parse(data []byte, v *validation.SchemaValidator, opts ...Option) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline: definition payload is empty")
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline: decode definition").WithCause(err)
	}
	if v != nil {
		if err := v.ValidatePipeline(doc); err != nil {
			return nil, err
		}
		opts = append([]Option{WithValidator(v)}, opts...)
	}

	// Round trip through JSON so output schemas land as raw JSON.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline: encode definition").WithCause(err)
	}
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline: decode definition").WithCause(err)
	}
	if err := d.validate(opts...); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadFile loads a pipeline definition from path.
func LoadFile(path string, v *validation.SchemaValidator, opts ...Option) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	d, err := Parse(content, v, opts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s: %w", path, err)
	}
	return d, nil
}

// Default returns the built-in architect/planner pipeline.
func Default(v *validation.SchemaValidator) (*Definition, error) {
	return Parse(defaultPipeline, v)
}

// DefaultYAML returns the built-in pipeline document.
func DefaultYAML() []byte {
	return bytes.Clone(defaultPipeline)
}

func (d *Definition) validate(opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(d.Stages) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "pipeline must have at least one stage")
	}

	interp := expressions.NewInterpolator()
	jq := expressions.NewGoJQEngine()
	if d.SeedTemplate != "" {
		if err := interp.Check(d.SeedTemplate); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "invalid pipeline seed template").WithCause(err)
		}
	}

	d.index = make(map[string]int, len(d.Stages))
	for i, s := range d.Stages {
		switch {
		case s.Name == "":
			return schema.NewErrorf(schema.ErrCodeValidation, "stage %d has no name", i)
		case s.Name == schema.StageDone:
			return schema.NewErrorf(schema.ErrCodeValidation, "stage name %q is reserved", s.Name)
		case s.Instruction == "":
			return schema.NewError(schema.ErrCodeValidation, "stage has no review instruction").WithStage(s.Name)
		}
		if _, dup := d.index[s.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate stage name %q", s.Name).WithStage(s.Name)
		}
		d.index[s.Name] = i

		if s.SeedTemplate != "" {
			if err := interp.Check(s.SeedTemplate); err != nil {
				return schema.NewError(schema.ErrCodeValidation, "invalid seed template").WithStage(s.Name).WithCause(err)
			}
		}
		if s.Output != nil {
			if len(s.Output.Schema) == 0 {
				return schema.NewError(schema.ErrCodeValidation, "output spec has no schema").WithStage(s.Name)
			}
			if o.validator != nil {
				if err := o.validator.CheckSchema(s.Output.Schema); err != nil {
					return stageError(err, s.Name)
				}
			}
			for _, q := range []string{s.Output.GoalsQuery(), s.Output.QuestionsQuery()} {
				if err := jq.Check(q); err != nil {
					return stageError(err, s.Name)
				}
			}
		}
	}
	return nil
}

// First returns the entry stage.
func (d *Definition) First() Stage {
	return d.Stages[0]
}

// Stage looks up a stage by name.
func (d *Definition) Stage(name string) (Stage, bool) {
	i, ok := d.index[name]
	if !ok {
		return Stage{}, false
	}
	return d.Stages[i], true
}

// Next returns the stage after name. ok is false for the last stage or an
// unknown name.
func (d *Definition) Next(name string) (Stage, bool) {
	i, ok := d.index[name]
	if !ok || i+1 >= len(d.Stages) {
		return Stage{}, false
	}
	return d.Stages[i+1], true
}

// Names returns stage names in order.
func (d *Definition) Names() []string {
	names := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		names[i] = s.Name
	}
	return names
}

// Contains reports whether name is a configured stage.
func (d *Definition) Contains(name string) bool {
	_, ok := d.index[name]
	return ok
}

// SeedTemplateFor returns the template used to seed stage: its own, then the
// pipeline's, then DefaultSeedTemplate.
func (d *Definition) SeedTemplateFor(stage Stage) string {
	switch {
	case stage.SeedTemplate != "":
		return stage.SeedTemplate
	case d.SeedTemplate != "":
		return d.SeedTemplate
	default:
		return DefaultSeedTemplate
	}
}

// Seed renders the first user message of next, entered after prev was
// approved with prevOutput.
func (d *Definition) Seed(prev Stage, prevOutput string, next Stage, state *schema.WorkflowState) (string, error) {
	scope := &expressions.SeedScope{
		PreviousStage:  prev.Name,
		PreviousOutput: prevOutput,
		StageName:      next.Name,
		StageTask:      next.Task,
	}
	if state != nil {
		scope.ThreadID = state.ThreadID
		scope.Outputs = state.StageOutputs
		if h := state.Histories[d.First().Name]; len(h) > 0 {
			scope.ThreadInput = h[0].Content
		}
	}
	out, err := expressions.NewInterpolator().Render(d.SeedTemplateFor(next), scope)
	if err != nil {
		return "", stageError(err, next.Name)
	}
	return out, nil
}

func stageError(err error, stage string) error {
	if e, ok := schema.AsError(err); ok {
		return e.WithStage(stage)
	}
	return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStage(stage).WithCause(err)
}
