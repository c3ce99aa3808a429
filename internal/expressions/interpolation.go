package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stagegate/pkg/schema"
)

// SeedScope holds the data a stage seed template can reference.
type SeedScope struct {
	// Previous is the stage that just completed and its reviewed output.
	PreviousStage  string
	PreviousOutput string
	// Stage is the stage being seeded.
	StageName string
	StageTask string
	// Thread data.
	ThreadID    string
	ThreadInput string
	// Outputs maps every completed stage to its output.
	Outputs map[string]string
}

// namespaces lists the valid roots of a ${{...}} reference.
var namespaces = []string{"previous", "stage", "thread", "outputs"}

// Interpolator renders ${{...}} references in seed templates.
// References are plain dotted paths; there is no expression language.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Render replaces every ${{path}} in template with its value from scope.
func (interp *Interpolator) Render(template string, scope *SeedScope) (string, error) {
	if scope == nil {
		scope = &SeedScope{}
	}
	var result strings.Builder
	result.Grow(len(template))

	err := scan(template, func(literal, expr string) error {
		result.WriteString(literal)
		if expr == "" {
			return nil
		}
		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return err
		}
		result.WriteString(marshalInline(val))
		return nil
	})
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// Check validates template syntax and namespaces without a scope. Pipeline
// loading calls it so a bad template fails at startup, not mid-thread.
func (interp *Interpolator) Check(template string) error {
	return scan(template, func(_, expr string) error {
		if expr == "" {
			return nil
		}
		ns, field, _ := strings.Cut(expr, ".")
		switch ns {
		case "previous":
			return checkField(expr, field, "output", "stage")
		case "stage":
			return checkField(expr, field, "name", "task")
		case "thread":
			return checkField(expr, field, "id", "input")
		case "outputs":
			if field == "" {
				return invalidRef(expr, "expected outputs.<stage>")
			}
			return nil
		default:
			return unknownNamespace(ns, expr)
		}
	})
}

// References returns the distinct ${{...}} paths in template, sorted.
// Malformed templates yield whatever was scanned before the error.
func References(template string) []string {
	seen := make(map[string]bool)
	_ = scan(template, func(_, expr string) error {
		if expr != "" {
			seen[expr] = true
		}
		return nil
	})
	refs := make([]string, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// HasInterpolation reports whether s contains any ${{...}} reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// scan walks input calling fn with each literal run and the trimmed
// expression that follows it. The trailing literal is passed with an empty
// expression.
func scan(input string, fn func(literal, expr string) error) error {
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			break
		}
		literal := input[i : i+idx]
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if err := fn(literal, expr); err != nil {
			return err
		}
		i = end + 2
	}
	if i < len(input) {
		return fn(input[i:], "")
	}
	return nil
}

func (interp *Interpolator) resolveExpr(expr string, scope *SeedScope) (any, error) {
	ns, field, _ := strings.Cut(expr, ".")
	switch ns {
	case "previous":
		return pick(expr, field, map[string]any{"output": scope.PreviousOutput, "stage": scope.PreviousStage})
	case "stage":
		return pick(expr, field, map[string]any{"name": scope.StageName, "task": scope.StageTask})
	case "thread":
		return pick(expr, field, map[string]any{"id": scope.ThreadID, "input": scope.ThreadInput})
	case "outputs":
		if field == "" {
			return nil, invalidRef(expr, "expected outputs.<stage>")
		}
		out, ok := scope.Outputs[field]
		if !ok {
			keys := make([]string, 0, len(scope.Outputs))
			for k := range scope.Outputs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"stage %q has no output yet in ${{%s}}; available: [%s]", field, expr, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_stages": keys})
		}
		return out, nil
	default:
		return nil, unknownNamespace(ns, expr)
	}
}

func pick(expr, field string, fields map[string]any) (any, error) {
	val, ok := fields[field]
	if !ok {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"field %q not found in %q; available: [%s]", field, expr, strings.Join(keys, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_fields": keys})
	}
	return val, nil
}

func checkField(expr, field string, allowed ...string) error {
	for _, a := range allowed {
		if field == a {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"field %q not found in %q; available: [%s]", field, expr, strings.Join(allowed, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_fields": allowed})
}

func invalidRef(expr, hint string) error {
	return schema.NewErrorf(schema.ErrCodeInterpolation, "invalid reference %q: %s", expr, hint).
		WithDetails(map[string]any{"expression": expr})
}

func unknownNamespace(ns, expr string) error {
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"unknown namespace %q in ${{%s}}; available: %s", ns, expr, strings.Join(namespaces, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_namespaces": namespaces})
}

// marshalInline converts a resolved value into text. Strings are embedded
// verbatim; composite values are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
