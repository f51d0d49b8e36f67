package template_test

import (
	"testing"

	"github.com/CZERTAINLY/Tao/internal/template"
	"github.com/stretchr/testify/require"
)

func TestVelocity(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		params   map[string]any
		then     string
	}{
		{
			scenario: "foreach over list",
			given:    "echo #foreach($a in $id)$a #end",
			params:   map[string]any{"id": []string{"1", "2", "3"}},
			then:     "echo 1 2 3 ",
		},
		{
			scenario: "foreach over bracketed value",
			given:    "echo #foreach($a in $id)$a #end",
			params:   map[string]any{"id": "[1,2,3]"},
			then:     "echo 1 2 3 ",
		},
		{
			scenario: "foreach over scalar",
			given:    "#foreach($a in $id)<$a>#end",
			params:   map[string]any{"id": "single"},
			then:     "<single>",
		},
		{
			scenario: "references",
			given:    "$name ${name}x $!missing $missing",
			params:   map[string]any{"name": "a"},
			then:     "a ax  $missing",
		},
		{
			scenario: "size",
			given:    "$files.size() ${files.size()}",
			params:   map[string]any{"files": []any{"a", "b"}},
			then:     "2 2",
		},
		{
			scenario: "loop object",
			given:    "#foreach($f in $files)$foreach.count:$f#if($foreach.hasNext),#end#end",
			params:   map[string]any{"files": []string{"a", "b", "c"}},
			then:     "1:a,2:b,3:c",
		},
		{
			scenario: "elseif",
			given:    `#if($mode == "fast")F#elseif($mode == 'slow')S#{else}U#end`,
			params:   map[string]any{"mode": "slow"},
			then:     "S",
		},
		{
			scenario: "else",
			given:    `#if($mode == "fast")F#elseif($mode == 'slow')S#{else}U#end`,
			params:   map[string]any{"mode": "other"},
			then:     "U",
		},
		{
			scenario: "negation of undefined",
			given:    "#if(!$missing)none#end",
			then:     "none",
		},
		{
			scenario: "numeric comparison",
			given:    "#if($n > 2 && $n <= 3)big#end",
			params:   map[string]any{"n": 3},
			then:     "big",
		},
		{
			scenario: "empty list is false",
			given:    "#if($l)full#{else}empty#end",
			params:   map[string]any{"l": []string{}},
			then:     "empty",
		},
		{
			scenario: "set with interpolation",
			given:    `#set($out = "${dir}/out.tif")$out`,
			params:   map[string]any{"dir": "/tmp"},
			then:     "/tmp/out.tif",
		},
		{
			scenario: "directive lines are gobbled",
			given:    "line1\n#if($flag)\n  yes\n#end\nline2",
			params:   map[string]any{"flag": true},
			then:     "line1\n  yes\nline2",
		},
		{
			scenario: "false branch line is dropped",
			given:    "line1\n  #if($flag)\n  yes\n  #end\nline2",
			params:   map[string]any{"flag": false},
			then:     "line1\nline2",
		},
		{
			scenario: "comments",
			given:    "a ## note\nb#* block *#c",
			then:     "a bc",
		},
		{
			scenario: "literal hashes and dollars",
			given:    "#notdirective $ 5 #",
			then:     "#notdirective $ 5 #",
		},
	}

	engine := template.NewVelocity()
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.NoError(t, engine.Parse(tc.given))
			out, err := engine.Transform(template.Template{Contents: tc.given}, tc.params)
			require.NoError(t, err)
			require.Equal(t, tc.then, out)
		})
	}
}

func TestVelocitySetDoesNotLeak(t *testing.T) {
	t.Parallel()
	params := map[string]any{"a": "1"}
	out, err := template.NewVelocity().Transform(template.Template{Contents: "#set($a = 2)$a"}, params)
	require.NoError(t, err)
	require.Equal(t, "2", out)
	require.Equal(t, "1", params["a"])
}

func TestVelocityErrors(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
	}{
		{"unclosed foreach", "#foreach($a in $b)x"},
		{"unclosed if", "#if($a)x#else y"},
		{"missing paren", "#if($a x#end"},
		{"stray end", "x#end"},
		{"unclosed comment", "#* x"},
		{"foreach without in", "#foreach($a $b)#end"},
	}
	engine := template.NewVelocity()
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, engine.Parse(tc.given), template.ErrTemplate)
			_, err := engine.Transform(template.Template{Name: "t", Contents: tc.given}, nil)
			require.ErrorIs(t, err, template.ErrTemplate)
		})
	}
}

func TestIncompatibleType(t *testing.T) {
	t.Parallel()
	_, err := template.NewVelocity().Transform(template.Template{Type: template.Go, Contents: "x"}, nil)
	require.ErrorIs(t, err, template.ErrIncompatibleType)
	_, err = template.NewJSON().Transform(template.Template{Contents: "{}"}, nil)
	require.ErrorIs(t, err, template.ErrIncompatibleType)
}

func TestGoEngine(t *testing.T) {
	t.Parallel()
	engine := template.NewGo()
	tmpl := template.Template{
		Type:     template.Go,
		Contents: `{{.cmd}} {{join .args " "}}{{.missing}}{{range split .list ","}} <{{.}}>{{end}}`,
	}
	out, err := engine.Transform(tmpl, map[string]any{
		"cmd":  "ls",
		"args": []string{"-l", "-a"},
		"list": "[a, b]",
	})
	require.NoError(t, err)
	require.Equal(t, "ls -l -a <a> <b>", out)

	require.ErrorIs(t, engine.Parse("{{.x"), template.ErrTemplate)
}

func TestJSONEngine(t *testing.T) {
	t.Parallel()
	engine := template.NewJSON()
	given := `{"name": "$name", "n": "$n", "list": "$list", "none": "$none", "keep": "$unknown"}`
	require.NoError(t, engine.Parse(given))

	out, err := engine.Transform(template.Template{Type: template.JSON, Contents: given}, map[string]any{
		"name": "x",
		"n":    3,
		"list": []int{1, 2},
		"none": nil,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"name": "x", "n": 3, "list": [1,2], "none": null, "keep": "$unknown"}`, out)

	require.ErrorIs(t, engine.Parse("{"), template.ErrTemplate)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := template.NewRegistry()
	require.Equal(t, []template.Type{template.Go, template.JSON, template.Velocity}, reg.Types())

	e, err := reg.Engine("")
	require.NoError(t, err)
	require.Equal(t, template.Velocity, e.Type())

	_, err = reg.Engine("xslt")
	require.ErrorIs(t, err, template.ErrUnknownType)

	out, err := reg.Transform(template.Template{Type: template.Go, Contents: "{{.a}}"}, map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, "1", out)

	require.Same(t, template.Default(), template.Default())
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"a", "b", "c"}, template.SplitList("[a, b,c]"))
	require.Equal(t, []string{}, template.SplitList("[]"))
	require.Equal(t, []string{"x"}, template.SplitList("x"))
	require.Equal(t, "a b", template.JoinList("[a,b]"))
}
