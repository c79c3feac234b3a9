package synth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// #region template
// Template renders source text from data. Names are unique per Synthesizer.
type Template interface {
	Name() string
	Render(data any) (string, error)
}

// TemplateFunc adapts a plain function to a Template.
type TemplateFunc struct {
	TemplateName string
	Fn           func(data any) (string, error)
}

// Name returns the template name.
func (t TemplateFunc) Name() string { return t.TemplateName }

// Render calls Fn.
func (t TemplateFunc) Render(data any) (string, error) {
	if t.Fn == nil {
		return "", fmt.Errorf("template %s: no render function", t.TemplateName)
	}
	return t.Fn(data)
}

// #endregion template

// #region text-template
// TextTemplate is a Template backed by text/template. Besides the builtins
// it provides goname (exported identifier), title and json.
type TextTemplate struct {
	name string
	tmpl *template.Template
}

// NewTextTemplate parses src under name.
func NewTextTemplate(name, src string) (*TextTemplate, error) {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"goname": ExportedName,
		"title":  titleWord,
		"lower":  strings.ToLower,
		"json":   toJSON,
	}).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return &TextTemplate{name: name, tmpl: tmpl}, nil
}

// Name returns the template name.
func (t *TextTemplate) Name() string { return t.name }

// Render executes the template against data.
func (t *TextTemplate) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.name, err)
	}
	return buf.String(), nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// #endregion text-template

// #region errors
// TemplateNotFoundError reports a lookup of an unregistered template.
type TemplateNotFoundError struct {
	Name string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// #endregion errors
