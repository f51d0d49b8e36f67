package service

import (
	"fmt"
	"os"
	"strings"

	"github.com/CZERTAINLY/Tao/internal/session"
	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/spf13/viper"
)

// JobSpec is a job of the jobs config section
type JobSpec struct {
	Name  string     `mapstructure:"name"`
	User  string     `mapstructure:"user"`
	Tasks []TaskSpec `mapstructure:"tasks"`
}

type TaskSpec struct {
	ID      int64             `mapstructure:"id"`
	Level   int               `mapstructure:"level"`
	Kind    string            `mapstructure:"kind"`
	Host    string            `mapstructure:"host"`
	Parents []int64           `mapstructure:"parents"`
	Group   int64             `mapstructure:"group"`
	Loop    int               `mapstructure:"loop"`
	Inputs  map[string]string `mapstructure:"inputs"`
	// Component of a processing task
	Component *task.ProcessingComponent `mapstructure:"component"`
}

// ParseNodes decodes the node topology under key. Passwords written as
// $VAR are expanded from the environment.
func ParseNodes(key string) ([]session.NodeConfig, error) {
	var nodes []session.NodeConfig
	if err := viper.UnmarshalKey(key, &nodes); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	for i, n := range nodes {
		if strings.HasPrefix(n.Password, "$") {
			nodes[i].Password = os.ExpandEnv(n.Password)
		}
	}
	if err := session.ValidateNodes(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ParseJobs decodes the job definitions under key
func ParseJobs(key string) ([]JobSpec, error) {
	var jobs []JobSpec
	if err := viper.UnmarshalKey(key, &jobs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	return jobs, nil
}

// Build creates a new job instance identified by id
func (s JobSpec) Build(id int64) (*task.Job, error) {
	job := task.NewJob(id, s.Name, s.User)
	groups := make(map[int64]*task.Group)
	for _, ts := range s.Tasks {
		var t task.Task
		switch ts.Kind {
		case "", string(task.KindProcessing):
			if ts.Component == nil {
				return nil, fmt.Errorf("job %s: task %d has no component", s.Name, ts.ID)
			}
			t = task.NewProcessingTask(ts.ID, ts.Level, ts.Component)
		case string(task.KindGroup):
			g := task.NewGroup(ts.ID, ts.Level)
			if ts.Loop > 0 {
				if err := g.SetLoop(ts.Loop); err != nil {
					return nil, fmt.Errorf("job %s: group %d: %w", s.Name, ts.ID, err)
				}
			}
			groups[ts.ID] = g
			t = g
		default:
			return nil, fmt.Errorf("job %s: task %d has unsupported kind %q", s.Name, ts.ID, ts.Kind)
		}
		rec := t.Base()
		rec.Host = ts.Host
		rec.Parents = ts.Parents
		if err := job.AddTask(t); err != nil {
			return nil, err
		}
	}
	// children are attached once all groups exist
	for _, ts := range s.Tasks {
		if ts.Group == 0 {
			continue
		}
		g, ok := groups[ts.Group]
		if !ok {
			return nil, fmt.Errorf("job %s: task %d refers to unknown group %d", s.Name, ts.ID, ts.Group)
		}
		t, _ := job.Task(ts.ID)
		g.AddTask(t)
	}
	// inputs go last, as groups hand them over to their children
	for _, ts := range s.Tasks {
		t, _ := job.Task(ts.ID)
		for id, value := range ts.Inputs {
			if err := t.SetInputParameterValue(id, value); err != nil {
				return nil, fmt.Errorf("job %s: %w", s.Name, err)
			}
		}
	}
	return job, nil
}
