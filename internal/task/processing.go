package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Tao/internal/template"
)

// nameTemplate is jobId-taskId-[internalState-]name, downstream consumers
// rely on the exact form
const nameTemplate = "%s-%s-%s%s"

// BuildContext carries what a command build needs besides the task itself
type BuildContext struct {
	Session  SessionContext
	System   SystemVariables
	Registry *template.Registry
	// Volumes remaps host paths when the component runs in a container
	Volumes *VolumeMap
	// ScriptsDir overrides <workspace>/scripts
	ScriptsDir string
}

// ProcessingTask runs a processing component
type ProcessingTask struct {
	Record
	Component *ProcessingComponent `json:"component"`
}

func NewProcessingTask(id int64, level int, component *ProcessingComponent) *ProcessingTask {
	return &ProcessingTask{
		Record:    Record{ID: id, Level: level},
		Component: component,
	}
}

func (t *ProcessingTask) Kind() Kind {
	return KindProcessing
}

func (t *ProcessingTask) SetInputParameterValue(id, value string) error {
	if !t.Component.hasInput(id) {
		return &ValidationError{Parameter: id, Component: t.Component.Label}
	}
	t.Inputs.Set(id, value)
	return nil
}

func (t *ProcessingTask) SetOutputParameterValue(id, value string) error {
	if !t.Component.hasTarget(id) {
		return &ValidationError{Parameter: id, Component: t.Component.Label, Output: true}
	}
	t.Outputs.Set(id, value)
	return nil
}

func (t *ProcessingTask) stateInfix() string {
	if t.InternalState == "" {
		return ""
	}
	return t.InternalState + "-"
}

// InstanceFolder is the output folder name unique to the task instance
func (t *ProcessingTask) InstanceFolder() string {
	return fmt.Sprintf(nameTemplate,
		strconv.FormatInt(t.JobID, 10),
		strconv.FormatInt(t.ID, 10),
		t.stateInfix(),
		t.Component.ID)
}

// BuildExecutionCommand resolves the inputs, targets and system variables,
// transforms the component template and returns the command. Target
// folders are created before returning. For script components the
// transformed template is written to a script file and the returned
// command invokes it with --name=value arguments.
func (t *ProcessingTask) BuildExecutionCommand(ctx context.Context, bc BuildContext) (string, error) {
	if t.Component == nil {
		return "", nil
	}
	if bc.Session == nil {
		return "", fmt.Errorf("task %d: no session", t.ID)
	}
	relativize := func(p string) string {
		if bc.Volumes == nil || t.Component.ContainerID == "" {
			return p
		}
		return bc.Volumes.Relativize(p)
	}

	params := make(map[string]any, len(t.Inputs)+len(t.Component.Targets))
	text := t.Component.Template
	for _, p := range t.Component.Parameters {
		if _, ok := t.Inputs.Get(p.ID); ok {
			continue
		}
		if p.DefaultValue != "" {
			params[p.ID] = p.DefaultValue
			continue
		}
		if !p.Required {
			text = RemoveEmptyParameter(text, p.Label)
			text = removeReference(text, p.ID)
		}
	}
	for _, v := range t.Inputs {
		params[v.Key] = t.inputValue(v.Value, relativize)
	}

	for i, target := range t.Component.Targets {
		out, err := t.targetOutput(bc.Session, target, i == 0)
		if err != nil {
			return "", err
		}
		params[target.Name] = relativize(out)
	}

	for k, v := range bc.System.Map() {
		params[k] = relativize(v)
	}

	cmd, err := t.Component.transform(ctx, text, params, bc.Registry)
	if err != nil {
		return "", err
	}
	if cmd != "" && t.Component.Type == Script {
		cmd, err = t.writeScript(bc, cmd, params)
		if err != nil {
			return "", err
		}
	}
	t.Command = cmd
	return cmd, nil
}

func (t *ProcessingTask) inputValue(value string, relativize func(string) string) any {
	if !isList(value) {
		return relativize(value)
	}
	items := ListItems(value)
	for i, item := range items {
		items[i] = relativize(item)
	}
	if t.Component.JoinValues {
		return strings.Join(items, " ")
	}
	return items
}

func isList(v string) bool {
	v = strings.TrimSpace(v)
	return strings.HasPrefix(v, "[") && strings.HasSuffix(v, "]")
}

// targetOutput resolves the path of target: the output value set on the
// task, then the target location, then its name. A relative location is
// placed into the instance folder under the session net space. The first
// target path is memoized as the instance target output.
func (t *ProcessingTask) targetOutput(s SessionContext, target TargetDescriptor, first bool) (string, error) {
	if first && t.InstanceTargetOutput != "" {
		return t.InstanceTargetOutput, nil
	}
	location, _ := t.Outputs.Get(target.Name)
	if location == "" {
		location = target.Location
	}
	if location == "" {
		location = target.Name
	}
	var out string
	if filepath.IsAbs(location) {
		out = location
	} else {
		out = filepath.Join(s.NetSpace(), t.InstanceFolder(), location)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("task %d: creating output folder: %w", t.ID, err)
	}
	if first {
		t.InstanceTargetOutput = out
	}
	return out, nil
}

func (t *ProcessingTask) writeScript(bc BuildContext, body string, params map[string]any) (string, error) {
	dir := bc.ScriptsDir
	if dir == "" {
		dir = filepath.Join(bc.Session.Workspace(), "scripts")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("task %d: creating scripts folder: %w", t.ID, err)
	}
	name := fmt.Sprintf(nameTemplate,
		strconv.FormatInt(t.JobID, 10),
		strconv.FormatInt(t.ID, 10),
		t.stateInfix(),
		"script")
	script := filepath.Join(dir, name)
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		return "", fmt.Errorf("task %d: writing script: %w", t.ID, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(script, 0o755); err != nil {
		return "", fmt.Errorf("task %d: writing script: %w", t.ID, err)
	}

	var sb strings.Builder
	sb.WriteString(script)
	for _, p := range t.Component.Parameters {
		v, ok := params[p.ID]
		if !ok {
			continue
		}
		sb.WriteString(" --")
		sb.WriteString(p.ID)
		sb.WriteByte('=')
		switch x := v.(type) {
		case []string:
			sb.WriteString(strings.Join(x, " "))
		default:
			fmt.Fprint(&sb, x)
		}
	}
	return sb.String(), nil
}

// removeReference drops lines holding nothing but a reference to id
func removeReference(text, id string) string {
	refs := []string{"$" + id, "${" + id + "}", "$!" + id, "$!{" + id + "}"}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		drop := false
		for _, ref := range refs {
			if trimmed == ref {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
