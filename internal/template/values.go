package template

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

type scope struct {
	vars   map[string]any
	parent *scope
}

func (s *scope) lookup(name string) (any, bool) {
	for c := s; c != nil; c = c.parent {
		if v, ok := c.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// assign updates the innermost scope defining name, or the root one
func (s *scope) assign(name string, v any) {
	c := s
	for ; c.parent != nil; c = c.parent {
		if _, ok := c.vars[name]; ok {
			break
		}
	}
	c.vars[name] = v
}

// loop is the $foreach object available inside a #foreach body
type loop struct {
	index int
	size  int
}

func renderAll(w *strings.Builder, nodes []node, s *scope) {
	for _, n := range nodes {
		n.render(w, s)
	}
}

func (t textNode) render(w *strings.Builder, _ *scope) {
	w.WriteString(string(t))
}

func (r *refNode) render(w *strings.Builder, s *scope) {
	v := r.eval(s)
	switch {
	case v != nil:
		w.WriteString(format(v))
	case !r.silent:
		w.WriteString(r.raw)
	}
}

func (r *refNode) eval(s *scope) any {
	v, ok := s.lookup(r.name)
	for _, seg := range r.path {
		if !ok {
			return nil
		}
		v, ok = property(v, seg)
	}
	if !ok {
		return nil
	}
	return v
}

func (f *foreachNode) render(w *strings.Builder, s *scope) {
	v := f.list.eval(s)
	if v == nil {
		return
	}
	items, ok := toList(v)
	if !ok {
		items = []any{v}
	}
	for i, item := range items {
		child := &scope{
			vars: map[string]any{
				f.varName: item,
				"foreach": loop{index: i, size: len(items)},
			},
			parent: s,
		}
		renderAll(w, f.body, child)
	}
}

func (in *ifNode) render(w *strings.Builder, s *scope) {
	for _, b := range in.branches {
		if truthy(b.cond.eval(s)) {
			renderAll(w, b.body, s)
			return
		}
	}
	renderAll(w, in.orElse, s)
}

func (n *setNode) render(_ *strings.Builder, s *scope) {
	// a null value leaves the variable untouched
	if v := n.value.eval(s); v != nil {
		s.assign(n.name, v)
	}
}

func (l literal) eval(*scope) any {
	return l.v
}

func (in interpolated) eval(s *scope) any {
	var sb strings.Builder
	renderAll(&sb, in, s)
	return sb.String()
}

func (l listExpr) eval(s *scope) any {
	ret := make([]any, len(l))
	for i, x := range l {
		ret[i] = x.eval(s)
	}
	return ret
}

func (n notExpr) eval(s *scope) any {
	return !truthy(n.x.eval(s))
}

func (b binExpr) eval(s *scope) any {
	switch b.op {
	case "||":
		return truthy(b.l.eval(s)) || truthy(b.r.eval(s))
	case "&&":
		return truthy(b.l.eval(s)) && truthy(b.r.eval(s))
	}
	return compare(b.op, b.l.eval(s), b.r.eval(s))
}

func compare(op string, l, r any) bool {
	if l == nil || r == nil {
		switch op {
		case "==":
			return l == nil && r == nil
		case "!=":
			return (l == nil) != (r == nil)
		}
		return false
	}
	lf, lok := number(l)
	rf, rok := number(r)
	var c int
	switch {
	case lok && rok:
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	default:
		c = strings.Compare(format(l), format(r))
	}
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case bool:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return float64(rv.Int()), true
	case rv.CanUint():
		return float64(rv.Uint()), true
	case rv.CanFloat():
		return rv.Float(), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if items, ok := toList(v); ok {
		return len(items) > 0
	}
	return true
}

func property(v any, seg segment) (any, bool) {
	if l, ok := v.(loop); ok {
		switch seg.name {
		case "count":
			return l.index + 1, true
		case "index":
			return l.index, true
		case "hasNext":
			return l.index < l.size-1, true
		case "first":
			return l.index == 0, true
		case "last":
			return l.index == l.size-1, true
		}
		return nil, false
	}
	switch seg.name {
	case "size", "length":
		if s, ok := v.(string); ok && !isBracketed(s) {
			return utf8.RuneCountInString(s), true
		}
		if items, ok := toList(v); ok {
			return len(items), true
		}
		return 1, true
	case "isEmpty":
		if seg.call {
			return !truthy(v), true
		}
	}
	switch m := v.(type) {
	case map[string]any:
		x, ok := m[seg.name]
		return x, ok
	case map[string]string:
		x, ok := m[seg.name]
		return x, ok
	}
	return nil, false
}

// toList converts slices and bracketed "[a,b,c]" strings to a list
func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		ret := make([]any, len(x))
		for i, s := range x {
			ret[i] = s
		}
		return ret, true
	case string:
		if !isBracketed(x) {
			return nil, false
		}
		items := SplitList(x)
		ret := make([]any, len(items))
		for i, s := range items {
			ret[i] = s
		}
		return ret, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	ret := make([]any, rv.Len())
	for i := range ret {
		ret[i] = rv.Index(i).Interface()
	}
	return ret, true
}

func isBracketed(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']'
}

// SplitList returns the items of a bracketed list value like "[a, b,c]".
// Other values are returned as a single item list.
func SplitList(s string) []string {
	t := strings.TrimSpace(s)
	if !isBracketed(t) {
		return []string{s}
	}
	inner := strings.TrimSpace(t[1 : len(t)-1])
	if inner == "" {
		return []string{}
	}
	parts := strings.Split(inner, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// JoinList renders a bracketed list value as space separated items
func JoinList(s string) string {
	return strings.Join(SplitList(s), " ")
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	if items, ok := toList(v); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			if item == nil {
				continue
			}
			parts[i] = format(item)
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprint(v)
}
