package task_test

import (
	"testing"

	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/stretchr/testify/require"
)

func TestVariables(t *testing.T) {
	t.Parallel()
	var v task.Variables
	v.Set("a", "1")
	v.Set("b", "2")
	v.Set("a", "3")
	require.Equal(t, task.Variables{{Key: "a", Value: "3"}, {Key: "b", Value: "2"}}, v)

	got, ok := v.Get("b")
	require.True(t, ok)
	require.Equal(t, "2", got)
	_, ok = v.Get("c")
	require.False(t, ok)
	require.Equal(t, map[string]string{"a": "3", "b": "2"}, v.Map())

	c := v.Clone()
	c.Set("a", "x")
	got, _ = v.Get("a")
	require.Equal(t, "3", got)
}

func TestListValue(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		list     string
		index    int
		then     string
		thenErr  bool
	}{
		{scenario: "first", list: "[a,b,c]", index: 1, then: "a"},
		{scenario: "last", list: "[a, b, c]", index: 3, then: "c"},
		{scenario: "scalar", list: "a", index: 1, then: "a"},
		{scenario: "zero", list: "[a,b]", index: 0, thenErr: true},
		{scenario: "past the end", list: "[a,b]", index: 3, thenErr: true},
		{scenario: "empty", list: "", index: 1, thenErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := task.ListValue(tc.list, tc.index)
			if tc.thenErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestAppendToList(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		list     string
		value    string
		then     string
	}{
		{scenario: "empty list", list: "", value: "a", then: "[a]"},
		{scenario: "append", list: "[a]", value: "b", then: "[a,b]"},
		{scenario: "duplicate", list: "[a,b]", value: "a", then: "[a,b]"},
		{scenario: "null value", list: "[a]", value: "null", then: "[a]"},
		{scenario: "null items dropped", list: "[null,a]", value: "b", then: "[a,b]"},
		{scenario: "empty value", list: "[a]", value: "", then: "[a]"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, task.AppendToList(tc.list, tc.value))
		})
	}
}
