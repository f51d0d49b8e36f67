package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one humanized schema violation of tao.yaml
type CueErrorDetail struct {
	Path    string // jobs[0].tasks[1].component.label
	Code    string // unknown_field | missing_required | conflicting_values | invalid_enum | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string // cue message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// rules are tried in order, the first match classifies the error
var rules = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "field %s is required"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "conflicting values for %s"},
	{regexp.MustCompile(`(?i)must be one of|expected one of`), "invalid_enum", "field %s has invalid value"},
	{regexp.MustCompile(`(?i)expected .* got .*`), "type_mismatch", "field %s has wrong type or value"},
}

func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]bool)
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" || seen[pos] {
			continue
		}
		seen[pos] = true

		raw, args := e.Msg()
		selectors := e.Path()
		if len(selectors) > 0 && strings.HasPrefix(selectors[0], "#") {
			selectors = selectors[1:]
		}
		d := CueErrorDetail{
			Path: displayPath(selectors),
			Pos:  pos,
			Raw:  fmt.Sprintf(raw, args...),
		}
		d.Code, d.Message = classify(d.Raw, selectors, root)
		out = append(out, d)
	}
	return out
}

func classify(raw string, selectors []string, root cue.Value) (code, msg string) {
	name := "<root>"
	if len(selectors) > 0 {
		name = selectors[len(selectors)-1]
	}
	for _, r := range rules {
		if !r.re.MatchString(raw) {
			continue
		}
		code, msg = r.code, fmt.Sprintf(r.format, name)
		v, ok := schemaField(root, selectors)
		if !ok {
			return code, msg
		}
		if code == "missing_required" && nonEmptyString(v) {
			msg += " and must be non-empty"
		}
		if values, dflt := enumStrings(v); len(values) > 1 {
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != "" {
				msg += fmt.Sprintf(" (default %s)", dflt)
			}
		}
		return code, msg
	}
	return "validation_error", raw
}

// displayPath renders list indexes in brackets, jobs.0.name becomes jobs[0].name
func displayPath(selectors []string) string {
	var sb strings.Builder
	for i, s := range selectors {
		if _, err := strconv.Atoi(s); err == nil {
			sb.WriteString("[" + s + "]")
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(s)
	}
	return sb.String()
}

// schemaField looks up the definition of a config field. List elements
// are looked up through the element type of the list.
func schemaField(root cue.Value, selectors []string) (cue.Value, bool) {
	v := root
	for _, s := range selectors {
		if _, err := strconv.Atoi(s); err == nil {
			v = v.LookupPath(cue.MakePath(cue.AnyIndex))
		} else if next := v.LookupPath(cue.MakePath(cue.Str(s))); next.Exists() {
			v = next
		} else {
			v = v.LookupPath(cue.MakePath(cue.Str(s).Optional()))
		}
		if !v.Exists() {
			return cue.Value{}, false
		}
	}
	return v, true
}

func enumStrings(v cue.Value) (values []string, dflt string) {
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			dflt = s
		}
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, dflt
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, dflt
}

// nonEmptyString reports if the field is a string constrained by & !=""
func nonEmptyString(v cue.Value) bool {
	if v.IncompleteKind() != cue.StringKind {
		return false
	}
	op, _ := v.Expr()
	return op == cue.AndOp
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}
