// Package template transforms component command templates into concrete
// command lines. Three engines are supported: a subset of the Velocity
// template language (the default), Go text/template and a JSON placeholder
// engine. Engines are looked up through an immutable Registry.
package template

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrTemplate         = errors.New("template error")
	ErrIncompatibleType = errors.New("incompatible template type")
	ErrUnknownType      = errors.New("unknown template type")
)

type Type string

const (
	Velocity Type = "velocity"
	Go       Type = "go"
	JSON     Type = "json"
)

// Template is a named template text of a given type. Empty type means Velocity.
type Template struct {
	Name     string `json:"name,omitempty"`
	Type     Type   `json:"type,omitempty"`
	Contents string `json:"contents"`
}

func (t Template) kind() Type {
	if t.Type == "" {
		return Velocity
	}
	return t.Type
}

type Engine interface {
	Type() Type
	// Parse checks the syntax of the text
	Parse(text string) error
	// Transform renders the template with params. Transform does not modify params.
	Transform(tmpl Template, params map[string]any) (string, error)
}

func checkType(e Engine, tmpl Template) error {
	if tmpl.kind() != e.Type() {
		return fmt.Errorf("%w: %s engine can't transform %s template %q", ErrIncompatibleType, e.Type(), tmpl.kind(), tmpl.Name)
	}
	return nil
}

// Registry maps template types to engines. It is never modified after NewRegistry.
type Registry struct {
	engines map[Type]Engine
}

func NewRegistry() *Registry {
	r := &Registry{engines: make(map[Type]Engine, 3)}
	for _, e := range []Engine{NewVelocity(), NewGo(), NewJSON()} {
		r.engines[e.Type()] = e
	}
	return r
}

// Default returns the process wide registry
var Default = sync.OnceValue(NewRegistry)

func (r *Registry) Engine(t Type) (Engine, error) {
	if t == "" {
		t = Velocity
	}
	e, ok := r.engines[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return e, nil
}

// Transform picks the engine for the template type and transforms it
func (r *Registry) Transform(tmpl Template, params map[string]any) (string, error) {
	e, err := r.Engine(tmpl.kind())
	if err != nil {
		return "", err
	}
	return e.Transform(tmpl, params)
}

func (r *Registry) Types() []Type {
	ret := make([]Type, 0, len(r.engines))
	for t := range r.engines {
		ret = append(ret, t)
	}
	slices.Sort(ret)
	return ret
}
