package grading

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/ShayCichocki/gradeflow/pkg/models"
)

// Templates holds the prompt templates per grading style. Unstructured
// templates receive .Rule and .Content; structured ones receive .Rule and
// .Contents (question/answer pairs).
type Templates struct {
	UnstructuredSystem string `mapstructure:"unstructured_system" yaml:"unstructured_system"`
	UnstructuredUser   string `mapstructure:"unstructured_user" yaml:"unstructured_user"`
	StructuredSystem   string `mapstructure:"structured_system" yaml:"structured_system"`
	StructuredUser     string `mapstructure:"structured_user" yaml:"structured_user"`
}

const defaultSystem = `You are grading a candidate submission against a single rule.
Rule "{{.Rule.Name}}":
{{.Rule.Rule}}
{{- if .Rule.PassExamples}}

Examples that pass:
{{.Rule.PassExamples}}
{{- end}}
{{- if .Rule.FailExamples}}

Examples that fail:
{{.Rule.FailExamples}}
{{- end}}

Answer only by calling the grade_submission tool with result Pass or Fail.`

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() Templates {
	return Templates{
		UnstructuredSystem: defaultSystem,
		UnstructuredUser:   "Submission:\n{{.Content}}",
		StructuredSystem:   defaultSystem,
		StructuredUser: `{{range .Contents}}Question: {{.Question}}
Answer: {{.Answer}}

{{end}}`,
	}
}

// PromptData is the template input.
type PromptData struct {
	Rule     models.Rule
	Content  string
	Contents []models.QuestionAndAnswer
}

// PromptBuilder renders the engine prompt for one rule.
type PromptBuilder interface {
	Build(structured bool, data PromptData) (models.Prompt, error)
}

// TemplateBuilder is a PromptBuilder over text/template.
type TemplateBuilder struct {
	unstructuredSystem *template.Template
	unstructuredUser   *template.Template
	structuredSystem   *template.Template
	structuredUser     *template.Template
}

// NewTemplateBuilder parses t. Empty templates fall back to the defaults.
func NewTemplateBuilder(t Templates) (*TemplateBuilder, error) {
	def := DefaultTemplates()
	pick := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	b := &TemplateBuilder{}
	for _, p := range []struct {
		dst  **template.Template
		name string
		text string
	}{
		{&b.unstructuredSystem, "unstructured_system", pick(t.UnstructuredSystem, def.UnstructuredSystem)},
		{&b.unstructuredUser, "unstructured_user", pick(t.UnstructuredUser, def.UnstructuredUser)},
		{&b.structuredSystem, "structured_system", pick(t.StructuredSystem, def.StructuredSystem)},
		{&b.structuredUser, "structured_user", pick(t.StructuredUser, def.StructuredUser)},
	} {
		tpl, err := template.New(p.name).Option("missingkey=zero").Parse(p.text)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", p.name, err)
		}
		*p.dst = tpl
	}
	return b, nil
}

// Build renders the system and user prompts for data.Rule.
func (b *TemplateBuilder) Build(structured bool, data PromptData) (models.Prompt, error) {
	system, user := b.unstructuredSystem, b.unstructuredUser
	if structured {
		system, user = b.structuredSystem, b.structuredUser
	}
	var p models.Prompt
	var err error
	if p.System, err = render(system, data); err != nil {
		return p, err
	}
	if p.User, err = render(user, data); err != nil {
		return p, err
	}
	p.Model = data.Rule.Model
	return p, nil
}

func render(t *template.Template, data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
