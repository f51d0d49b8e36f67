package task

import (
	"context"
	"slices"
)

// ResultsOutput is the single output a data source query produces
const ResultsOutput = "results"

// DataSourceTask runs a query against a data source. It has no command,
// the runner resolves its results.
type DataSourceTask struct {
	Record
	DataSource string `json:"data_source"`
	// Parameters are the names the data source supports
	Parameters []string `json:"parameters,omitempty"`
}

func (t *DataSourceTask) Kind() Kind {
	return KindDataSource
}

func (t *DataSourceTask) SetInputParameterValue(id, value string) error {
	if !slices.Contains(t.Parameters, id) {
		return &ValidationError{Parameter: id, Component: t.DataSource}
	}
	t.Inputs.Set(id, value)
	return nil
}

func (t *DataSourceTask) SetOutputParameterValue(id, value string) error {
	if id != ResultsOutput {
		return &ValidationError{Parameter: id, Component: t.DataSource, Output: true}
	}
	t.Outputs.Set(id, value)
	return nil
}

func (t *DataSourceTask) BuildExecutionCommand(context.Context, BuildContext) (string, error) {
	return "", nil
}

// WPSTask is a call of a remote web processing service
type WPSTask struct {
	Record
	Endpoint   string `json:"endpoint"`
	Capability string `json:"capability"`
	// Parameters is the input list of the capability
	Parameters []ParameterDescriptor `json:"parameters,omitempty"`
	Results    []string              `json:"results,omitempty"`
}

func (t *WPSTask) Kind() Kind {
	return KindWPS
}

func (t *WPSTask) SetInputParameterValue(id, value string) error {
	if !slices.ContainsFunc(t.Parameters, func(p ParameterDescriptor) bool { return p.ID == id }) {
		return &ValidationError{Parameter: id, Component: t.Capability}
	}
	t.Inputs.Set(id, value)
	return nil
}

func (t *WPSTask) SetOutputParameterValue(id, value string) error {
	if len(t.Results) > 0 && !slices.Contains(t.Results, id) {
		return &ValidationError{Parameter: id, Component: t.Capability, Output: true}
	}
	t.Outputs.Set(id, value)
	return nil
}

func (t *WPSTask) BuildExecutionCommand(context.Context, BuildContext) (string, error) {
	return "", nil
}
