package service_test

import (
	"strings"
	"testing"

	"github.com/CZERTAINLY/Tao/internal/service"
	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/spf13/viper"

	"github.com/stretchr/testify/require"
)

const taoConfig = `
nodes:
  - name: localhost
  - name: worker1
    user: tao
    password: $TAO_TEST_PASSWORD
    ssh_port: 2222
jobs:
  - name: ndvi
    user: alice
    tasks:
      - id: 1
        level: 1
        component:
          id: list
          label: list tiles
          template: echo $dir
          parameters:
            - id: dir
              label: --dir
          targets:
            - name: tiles
      - id: 2
        level: 2
        kind: group
        loop: 2
        parents: [1]
      - id: 3
        level: 3
        group: 2
        component:
          id: ndvi
          template: gdal_calc $tiles
          sources:
            - name: tiles
        inputs:
          tiles: "[a.tif, b.tif]"
`

func readConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigType("yaml")
	require.NoError(t, viper.ReadConfig(strings.NewReader(taoConfig)))
}

func TestParseNodes(t *testing.T) {
	// can't be parallel as touches the viper package
	t.Setenv("TAO_TEST_PASSWORD", "s3cret")
	readConfig(t)

	nodes, err := service.ParseNodes("nodes")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.True(t, nodes[0].IsLocal())
	require.Equal(t, "tao", nodes[1].User)
	require.Equal(t, "s3cret", nodes[1].Password)
	require.Equal(t, "worker1:2222", nodes[1].Address())
}

func TestParseNodes_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigType("yaml")
	require.NoError(t, viper.ReadConfig(strings.NewReader(`
nodes:
  - name: worker1
  - name: worker1
    user: tao
`)))
	_, err := service.ParseNodes("nodes")
	require.Error(t, err)
	require.ErrorContains(t, err, "duplicate name")
}

func TestParseJobs(t *testing.T) {
	readConfig(t)

	specs, err := service.ParseJobs("jobs")
	require.NoError(t, err)
	require.Len(t, specs, 1)
	spec := specs[0]
	require.Equal(t, "ndvi", spec.Name)
	require.Len(t, spec.Tasks, 3)
	require.Equal(t, []int64{1}, spec.Tasks[1].Parents)

	job, err := spec.Build(7)
	require.NoError(t, err)
	require.Equal(t, int64(7), job.ID)
	require.Equal(t, "alice", job.User)
	require.Len(t, job.Levels(), 2)

	g, ok := job.Task(2)
	require.True(t, ok)
	require.Equal(t, task.KindGroup, g.Kind())
	loop, err := g.(*task.Group).Loop()
	require.NoError(t, err)
	require.NotNil(t, loop)
	require.Equal(t, 2, loop.Current().Limit)

	child, ok := job.Task(3)
	require.True(t, ok)
	require.Equal(t, int64(2), child.Base().GroupID)
	require.Equal(t, int64(7), child.Base().JobID)
	value, ok := child.Base().Inputs.Get("tiles")
	require.True(t, ok)
	require.Equal(t, "[a.tif, b.tif]", value)
}

func TestJobSpecBuild_Fail(t *testing.T) {
	t.Parallel()
	comp := &task.ProcessingComponent{ID: "c", Template: "true"}
	var testCases = []struct {
		scenario string
		given    service.JobSpec
		then     string
	}{
		{
			scenario: "no component",
			given:    service.JobSpec{Name: "j", Tasks: []service.TaskSpec{{ID: 1, Level: 1}}},
			then:     "has no component",
		},
		{
			scenario: "unknown kind",
			given:    service.JobSpec{Name: "j", Tasks: []service.TaskSpec{{ID: 1, Level: 1, Kind: "wps"}}},
			then:     "unsupported kind",
		},
		{
			scenario: "duplicate id",
			given: service.JobSpec{Name: "j", Tasks: []service.TaskSpec{
				{ID: 1, Level: 1, Component: comp},
				{ID: 1, Level: 2, Component: comp},
			}},
			then: "duplicate task id",
		},
		{
			scenario: "unknown group",
			given:    service.JobSpec{Name: "j", Tasks: []service.TaskSpec{{ID: 1, Level: 1, Group: 9, Component: comp}}},
			then:     "unknown group 9",
		},
		{
			scenario: "undeclared input",
			given: service.JobSpec{Name: "j", Tasks: []service.TaskSpec{
				{ID: 1, Level: 1, Component: comp, Inputs: map[string]string{"bogus": "x"}},
			}},
			then: "bogus",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := tc.given.Build(1)
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}
}
