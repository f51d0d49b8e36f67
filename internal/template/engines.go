package template

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	gotemplate "text/template"

	json "github.com/goccy/go-json"
)

var goFuncs = gotemplate.FuncMap{
	"join": func(v any, sep string) string {
		items, ok := toList(v)
		if !ok {
			return format(v)
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = format(item)
		}
		return strings.Join(parts, sep)
	},
	"split": func(s, sep string) []string {
		if isBracketed(s) {
			return SplitList(s)
		}
		return strings.Split(s, sep)
	},
}

// GoEngine transforms text/template templates. Missing keys render as
// empty strings.
type GoEngine struct{}

func NewGo() GoEngine {
	return GoEngine{}
}

func (GoEngine) Type() Type {
	return Go
}

func (GoEngine) Parse(text string) error {
	_, err := newGoTemplate("", text)
	return err
}

func (e GoEngine) Transform(tmpl Template, params map[string]any) (string, error) {
	if err := checkType(e, tmpl); err != nil {
		return "", err
	}
	t, err := newGoTemplate(tmpl.Name, tmpl.Contents)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTemplate, err)
	}
	// missingkey=zero renders missing map entries of type any as <no value>
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

func newGoTemplate(name, text string) (*gotemplate.Template, error) {
	t, err := gotemplate.New(name).
		Option("missingkey=zero").
		Funcs(goFuncs).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplate, err)
	}
	return t, nil
}

// JSONEngine replaces "$key" placeholders, quotes included, of a JSON
// template with JSON encoded parameter values.
type JSONEngine struct{}

func NewJSON() JSONEngine {
	return JSONEngine{}
}

func (JSONEngine) Type() Type {
	return JSON
}

func (JSONEngine) Parse(text string) error {
	if !json.Valid([]byte(text)) {
		return fmt.Errorf("%w: invalid json", ErrTemplate)
	}
	return nil
}

func (e JSONEngine) Transform(tmpl Template, params map[string]any) (string, error) {
	if err := checkType(e, tmpl); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	contents := tmpl.Contents
	for _, k := range keys {
		b, err := json.Marshal(params[k])
		if err != nil {
			return "", fmt.Errorf("%w: parameter %s: %w", ErrTemplate, k, err)
		}
		contents = strings.ReplaceAll(contents, `"$`+k+`"`, string(b))
	}
	return contents, nil
}
