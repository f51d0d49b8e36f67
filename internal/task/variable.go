package task

import (
	"fmt"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Tao/internal/template"
)

// Variable is a named value binding of a task input or output. List values
// are written as [a,b,c].
type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Variables is an ordered list of bindings with unique keys
type Variables []Variable

func (v Variables) Get(key string) (string, bool) {
	for _, x := range v {
		if x.Key == key {
			return x.Value, true
		}
	}
	return "", false
}

// Set updates the value of key or appends a new binding
func (v *Variables) Set(key, value string) {
	for i := range *v {
		if (*v)[i].Key == key {
			(*v)[i].Value = value
			return
		}
	}
	*v = append(*v, Variable{Key: key, Value: value})
}

func (v Variables) Map() map[string]string {
	m := make(map[string]string, len(v))
	for _, x := range v {
		m[x.Key] = x.Value
	}
	return m
}

func (v Variables) Clone() Variables {
	return slices.Clone(v)
}

// ListItems splits a list value, a value without brackets is a single item
func ListItems(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	return template.SplitList(list)
}

// FormatList is the inverse of ListItems
func FormatList(items []string) string {
	return "[" + strings.Join(items, ",") + "]"
}

// ListValue returns the index-th item of a list value, index is 1-based
func ListValue(list string, index int) (string, error) {
	items := ListItems(list)
	if index < 1 || index > len(items) {
		return "", fmt.Errorf("list index %d out of range [1,%d]", index, len(items))
	}
	return items[index-1], nil
}

// AppendToList adds value to the list unless it is there already. Null
// items are dropped from the list and null values are never added.
func AppendToList(list, value string) string {
	items := slices.DeleteFunc(ListItems(list), func(item string) bool {
		return strings.HasSuffix(item, "null") || strings.Contains(item, "[null]")
	})
	if value != "" && !strings.Contains(value, "[null]") && value != "null" && !slices.Contains(items, value) {
		items = append(items, value)
	}
	return FormatList(items)
}
