package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CZERTAINLY/Tao/internal/template"
)

type ComponentType string

const (
	Executable ComponentType = "executable"
	Script     ComponentType = "script"
)

type ParameterDescriptor struct {
	ID           string `json:"id" mapstructure:"id"`
	Label        string `json:"label,omitempty" mapstructure:"label"`
	Type         string `json:"type,omitempty" mapstructure:"type"`
	DefaultValue string `json:"default_value,omitempty" mapstructure:"default_value"`
	Required     bool   `json:"required,omitempty" mapstructure:"required"`
}

type SourceDescriptor struct {
	Name        string `json:"name" mapstructure:"name"`
	Cardinality int    `json:"cardinality,omitempty" mapstructure:"cardinality"`
}

type TargetDescriptor struct {
	Name        string `json:"name" mapstructure:"name"`
	Location    string `json:"location,omitempty" mapstructure:"location"`
	Cardinality int    `json:"cardinality,omitempty" mapstructure:"cardinality"`
}

// ProcessingComponent describes an external tool: its command template and
// the parameters, sources (inputs) and targets (outputs) it declares.
type ProcessingComponent struct {
	ID           string                `json:"id" mapstructure:"id"`
	Label        string                `json:"label" mapstructure:"label"`
	Type         ComponentType         `json:"type" mapstructure:"type"`
	TemplateType template.Type         `json:"template_type,omitempty" mapstructure:"template_type"`
	Template     string                `json:"template" mapstructure:"template"`
	Parameters   []ParameterDescriptor `json:"parameters,omitempty" mapstructure:"parameters"`
	Sources      []SourceDescriptor    `json:"sources,omitempty" mapstructure:"sources"`
	Targets      []TargetDescriptor    `json:"targets,omitempty" mapstructure:"targets"`
	// JoinValues passes list values to the template as space separated strings
	JoinValues  bool   `json:"join_values,omitempty" mapstructure:"join_values"`
	ContainerID string `json:"container_id,omitempty" mapstructure:"container_id"`
}

func (c *ProcessingComponent) Parameter(id string) (ParameterDescriptor, bool) {
	for _, p := range c.Parameters {
		if p.ID == id {
			return p, true
		}
	}
	return ParameterDescriptor{}, false
}

func (c *ProcessingComponent) hasInput(id string) bool {
	if _, ok := c.Parameter(id); ok {
		return true
	}
	for _, s := range c.Sources {
		if s.Name == id {
			return true
		}
	}
	return false
}

func (c *ProcessingComponent) hasTarget(name string) bool {
	for _, t := range c.Targets {
		if t.Name == name {
			return true
		}
	}
	return false
}

// BuildExecutionCommand transforms the component template with params. An
// empty or "null" result is logged and returned as an empty command.
func (c *ProcessingComponent) BuildExecutionCommand(ctx context.Context, params map[string]any, registry *template.Registry) (string, error) {
	return c.transform(ctx, c.Template, params, registry)
}

func (c *ProcessingComponent) transform(ctx context.Context, text string, params map[string]any, registry *template.Registry) (string, error) {
	if registry == nil {
		registry = template.Default()
	}
	tmpl := template.Template{
		Name:     c.ID,
		Type:     c.TemplateType,
		Contents: text,
	}
	cmd, err := registry.Transform(tmpl, params)
	if err != nil {
		return "", fmt.Errorf("component %s: %w", c.ID, err)
	}
	if strings.TrimSpace(cmd) == "" || cmd == "null" {
		slog.WarnContext(ctx, "empty command", "component", c.ID)
		return "", nil
	}
	return cmd, nil
}

// RemoveEmptyParameter deletes the template line containing label
func (c *ProcessingComponent) RemoveEmptyParameter(label string) {
	c.Template = RemoveEmptyParameter(c.Template, label)
}

// RemoveEmptyParameter deletes the first line of text containing label
// together with its line break. The text is returned unchanged if label
// is empty or not found.
func RemoveEmptyParameter(text, label string) string {
	if label == "" {
		return text
	}
	idx := strings.Index(text, label)
	if idx < 0 {
		return text
	}
	start := strings.LastIndexByte(text[:idx], '\n') + 1
	end := len(text)
	if n := strings.IndexByte(text[idx:], '\n'); n >= 0 {
		end = idx + n + 1
	} else if start > 0 {
		// the last line takes the preceding line break with it
		start--
	}
	return text[:start] + text[end:]
}
