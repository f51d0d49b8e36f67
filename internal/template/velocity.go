package template

import (
	"fmt"
	"strconv"
	"strings"
)

// VelocityEngine implements the subset of Velocity used by component
// templates: references, #foreach, #if/#elseif/#else, #set and comments.
type VelocityEngine struct{}

func NewVelocity() VelocityEngine {
	return VelocityEngine{}
}

func (VelocityEngine) Type() Type {
	return Velocity
}

func (VelocityEngine) Parse(text string) error {
	_, err := parseVelocity(text)
	return err
}

func (e VelocityEngine) Transform(tmpl Template, params map[string]any) (string, error) {
	if err := checkType(e, tmpl); err != nil {
		return "", err
	}
	nodes, err := parseVelocity(tmpl.Contents)
	if err != nil {
		if tmpl.Name != "" {
			return "", fmt.Errorf("template %s: %w", tmpl.Name, err)
		}
		return "", err
	}
	root := &scope{vars: make(map[string]any, len(params))}
	for k, v := range params {
		root.vars[k] = v
	}
	var sb strings.Builder
	renderAll(&sb, nodes, root)
	return sb.String(), nil
}

type node interface {
	render(w *strings.Builder, s *scope)
}

type textNode string

type segment struct {
	name string
	call bool
}

type refNode struct {
	raw    string
	name   string
	path   []segment
	silent bool
}

type foreachNode struct {
	varName string
	list    expr
	body    []node
}

type branch struct {
	cond expr
	body []node
}

type ifNode struct {
	branches []branch
	orElse   []node
}

type setNode struct {
	name  string
	value expr
}

type expr interface {
	eval(s *scope) any
}

type literal struct {
	v any
}

type interpolated []node

type listExpr []expr

type notExpr struct {
	x expr
}

type binExpr struct {
	op   string
	l, r expr
}

var directives = map[string]bool{
	"foreach": true,
	"if":      true,
	"elseif":  true,
	"else":    true,
	"end":     true,
	"set":     true,
}

type parser struct {
	src string
	pos int
	// start of the directive which terminated the last block
	last int
}

func parseVelocity(src string) ([]node, error) {
	p := &parser{src: src}
	nodes, end, err := p.block()
	if err != nil {
		return nil, err
	}
	if end != "" {
		return nil, p.errorf(p.last, "unexpected #%s", end)
	}
	return nodes, nil
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	line := strings.Count(p.src[:min(pos, len(p.src))], "\n") + 1
	return fmt.Errorf("%w: line %d: %s", ErrTemplate, line, fmt.Sprintf(format, args...))
}

// block parses until EOF or one of #end, #else, #elseif, returning the
// name of the terminating directive
func (p *parser) block() ([]node, string, error) {
	var nodes []node
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			nodes = append(nodes, textNode(text.String()))
			text.Reset()
		}
	}

	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case strings.HasPrefix(p.src[p.pos:], "##"):
			if i := strings.IndexByte(p.src[p.pos:], '\n'); i >= 0 {
				p.pos += i + 1
			} else {
				p.pos = len(p.src)
			}
		case strings.HasPrefix(p.src[p.pos:], "#*"):
			i := strings.Index(p.src[p.pos+2:], "*#")
			if i < 0 {
				return nil, "", p.errorf(p.pos, "unclosed comment")
			}
			p.pos += i + 4
		case c == '#':
			name, n := p.directive()
			if name == "" {
				text.WriteByte(c)
				p.pos++
				continue
			}
			flush()
			start := p.pos
			p.pos += n
			switch name {
			case "end", "else", "elseif":
				p.last = start
				return nodes, name, nil
			case "foreach":
				fe, err := p.foreach(start, &nodes)
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, fe)
			case "if":
				in, err := p.ifs(start, &nodes)
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, in)
			case "set":
				sn, err := p.set(start)
				if err != nil {
					return nil, "", err
				}
				nodes = append(p.gobble(start, p.pos, nodes), sn)
			}
		case c == '$':
			ref, ok := p.reference()
			if !ok {
				text.WriteByte(c)
				p.pos++
				continue
			}
			flush()
			nodes = append(nodes, ref)
		default:
			text.WriteByte(c)
			p.pos++
		}
	}
	flush()
	return nodes, "", nil
}

// directive returns the known directive name at pos and the length of
// its #name or #{name} form
func (p *parser) directive() (string, int) {
	i := p.pos + 1
	braced := i < len(p.src) && p.src[i] == '{'
	if braced {
		i++
	}
	name, j := ident(p.src, i)
	if !directives[name] {
		return "", 0
	}
	if braced {
		if j >= len(p.src) || p.src[j] != '}' {
			return "", 0
		}
		j++
	}
	return name, j - p.pos
}

// gobble drops the indentation and the line break around a directive
// standing alone on its line. The directive spans src[start:end].
func (p *parser) gobble(start, end int, nodes []node) []node {
	i := start
	for i > 0 && isBlank(p.src[i-1]) {
		i--
	}
	if i > 0 && p.src[i-1] != '\n' {
		return nodes
	}
	j := end
	for j < len(p.src) && isBlank(p.src[j]) {
		j++
	}
	switch {
	case j == len(p.src):
	case p.src[j] == '\n':
		j++
	case strings.HasPrefix(p.src[j:], "\r\n"):
		j += 2
	default:
		return nodes
	}
	p.pos = j
	if n := len(nodes); n > 0 {
		if t, ok := nodes[n-1].(textNode); ok {
			nodes[n-1] = textNode(strings.TrimRight(string(t), " \t"))
		}
	}
	return nodes
}

// closing parses the body of a directive up to its #end
func (p *parser) closing(start int, what string) ([]node, error) {
	body, end, err := p.block()
	if err != nil {
		return nil, err
	}
	if end != "end" {
		if end == "" {
			return nil, p.errorf(start, "unclosed #%s", what)
		}
		return nil, p.errorf(p.last, "unexpected #%s in #%s", end, what)
	}
	return p.gobble(p.last, p.pos, body), nil
}

func (p *parser) foreach(start int, outer *[]node) (*foreachNode, error) {
	if err := p.open(); err != nil {
		return nil, err
	}
	ref, ok := p.reference()
	if !ok || len(ref.path) > 0 {
		return nil, p.errorf(p.pos, "#foreach expects a loop variable")
	}
	p.spaces()
	kw, j := ident(p.src, p.pos)
	if kw != "in" {
		return nil, p.errorf(p.pos, "#foreach expects 'in'")
	}
	p.pos = j
	list, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.close(); err != nil {
		return nil, err
	}
	fe := &foreachNode{varName: ref.name, list: list}
	*outer = p.gobble(start, p.pos, *outer)
	body, err := p.closing(start, "foreach")
	if err != nil {
		return nil, err
	}
	fe.body = body
	return fe, nil
}

func (p *parser) ifs(start int, outer *[]node) (*ifNode, error) {
	in := &ifNode{}
	cond, err := p.condition()
	if err != nil {
		return nil, err
	}
	*outer = p.gobble(start, p.pos, *outer)
	for {
		body, end, err := p.block()
		if err != nil {
			return nil, err
		}
		at := p.last
		switch end {
		case "":
			return nil, p.errorf(start, "unclosed #if")
		case "elseif":
			next, err := p.condition()
			if err != nil {
				return nil, err
			}
			in.branches = append(in.branches, branch{cond: cond, body: p.gobble(at, p.pos, body)})
			cond = next
		case "else":
			in.branches = append(in.branches, branch{cond: cond, body: p.gobble(at, p.pos, body)})
			orElse, err := p.closing(start, "else")
			if err != nil {
				return nil, err
			}
			in.orElse = orElse
			return in, nil
		case "end":
			in.branches = append(in.branches, branch{cond: cond, body: p.gobble(at, p.pos, body)})
			return in, nil
		}
	}
}

func (p *parser) set(start int) (*setNode, error) {
	if err := p.open(); err != nil {
		return nil, err
	}
	ref, ok := p.reference()
	if !ok || len(ref.path) > 0 {
		return nil, p.errorf(start, "#set expects a variable")
	}
	p.spaces()
	if p.pos >= len(p.src) || p.src[p.pos] != '=' {
		return nil, p.errorf(p.pos, "#set expects '='")
	}
	p.pos++
	value, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.close(); err != nil {
		return nil, err
	}
	return &setNode{name: ref.name, value: value}, nil
}

func (p *parser) condition() (expr, error) {
	if err := p.open(); err != nil {
		return nil, err
	}
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	return cond, p.close()
}

func (p *parser) open() error {
	p.spaces()
	if p.pos >= len(p.src) || p.src[p.pos] != '(' {
		return p.errorf(p.pos, "expected '('")
	}
	p.pos++
	p.spaces()
	return nil
}

func (p *parser) close() error {
	p.spaces()
	if p.pos >= len(p.src) || p.src[p.pos] != ')' {
		return p.errorf(p.pos, "expected ')'")
	}
	p.pos++
	return nil
}

func (p *parser) spaces() {
	for p.pos < len(p.src) && (isBlank(p.src[p.pos]) || p.src[p.pos] == '\n' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func (p *parser) reference() (*refNode, bool) {
	src := p.src
	i := p.pos + 1
	silent := i < len(src) && src[i] == '!'
	if silent {
		i++
	}
	braced := i < len(src) && src[i] == '{'
	if braced {
		i++
	}
	name, i := ident(src, i)
	if name == "" {
		return nil, false
	}
	var path []segment
	for i < len(src) && src[i] == '.' {
		seg, j := ident(src, i+1)
		if seg == "" {
			break
		}
		call := strings.HasPrefix(src[j:], "()")
		if call {
			j += 2
		}
		path = append(path, segment{name: seg, call: call})
		i = j
	}
	if braced {
		if i >= len(src) || src[i] != '}' {
			return nil, false
		}
		i++
	}
	ref := &refNode{
		raw:    src[p.pos:i],
		name:   name,
		path:   path,
		silent: silent,
	}
	p.pos = i
	return ref, true
}

// expression parses a condition or a value with the usual precedence
// of ! over comparisons over && over ||
func (p *parser) expression() (expr, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.operator("||", "or") {
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = binExpr{op: "||", l: l, r: r}
	}
	return l, nil
}

func (p *parser) and() (expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.operator("&&", "and") {
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = binExpr{op: "&&", l: l, r: r}
	}
	return l, nil
}

func (p *parser) unary() (expr, error) {
	p.spaces()
	if p.pos < len(p.src) && p.src[p.pos] == '!' && !strings.HasPrefix(p.src[p.pos:], "!=") {
		p.pos++
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return notExpr{x: x}, nil
	}
	l, err := p.operand()
	if err != nil {
		return nil, err
	}
	p.spaces()
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(p.src[p.pos:], op) {
			p.pos += len(op)
			r, err := p.operand()
			if err != nil {
				return nil, err
			}
			return binExpr{op: op, l: l, r: r}, nil
		}
	}
	return l, nil
}

// operator consumes one of the given operators; word operators must be
// followed by a non identifier character
func (p *parser) operator(sym, word string) bool {
	p.spaces()
	if strings.HasPrefix(p.src[p.pos:], sym) {
		p.pos += len(sym)
		return true
	}
	if w, j := ident(p.src, p.pos); w == word {
		p.pos = j
		return true
	}
	return false
}

func (p *parser) operand() (expr, error) {
	p.spaces()
	if p.pos >= len(p.src) {
		return nil, p.errorf(p.pos, "unexpected end of template")
	}
	switch c := p.src[p.pos]; {
	case c == '$':
		ref, ok := p.reference()
		if !ok {
			return nil, p.errorf(p.pos, "invalid reference")
		}
		return ref, nil
	case c == '"' || c == '\'':
		end := strings.IndexByte(p.src[p.pos+1:], c)
		if end < 0 {
			return nil, p.errorf(p.pos, "unterminated string")
		}
		s := p.src[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		if c == '\'' {
			return literal{v: s}, nil
		}
		nodes, err := parseVelocity(s)
		if err != nil {
			return nil, err
		}
		return interpolated(nodes), nil
	case c == '(':
		p.pos++
		x, err := p.expression()
		if err != nil {
			return nil, err
		}
		return x, p.close()
	case c == '[':
		p.pos++
		var list listExpr
		for {
			p.spaces()
			if p.pos < len(p.src) && p.src[p.pos] == ']' {
				p.pos++
				return list, nil
			}
			item, err := p.operand()
			if err != nil {
				return nil, err
			}
			list = append(list, item)
			p.spaces()
			if p.pos < len(p.src) && p.src[p.pos] == ',' {
				p.pos++
			}
		}
	case c == '-' || (c >= '0' && c <= '9'):
		j := p.pos + 1
		for j < len(p.src) && (p.src[j] == '.' || (p.src[j] >= '0' && p.src[j] <= '9')) {
			j++
		}
		raw := p.src[p.pos:j]
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			p.pos = j
			return literal{v: n}, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, p.errorf(p.pos, "invalid number %q", raw)
		}
		p.pos = j
		return literal{v: f}, nil
	default:
		w, j := ident(p.src, p.pos)
		switch w {
		case "true", "false":
			p.pos = j
			return literal{v: w == "true"}, nil
		case "null":
			p.pos = j
			return literal{}, nil
		}
		return nil, p.errorf(p.pos, "unexpected %q", c)
	}
}

func ident(s string, i int) (string, int) {
	j := i
	for j < len(s) {
		c := s[j]
		letter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !letter && (j == i || c < '0' || c > '9') {
			break
		}
		j++
	}
	return s[i:j], j
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}
