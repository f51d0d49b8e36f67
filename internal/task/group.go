package task

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// LoopState is the internal state of a looped group, Current counts the
// started iterations and never exceeds Limit
type LoopState struct {
	Limit   int `json:"limit"`
	Current int `json:"current"`
}

// NextState returns the state of the next iteration, false when the loop
// is exhausted
func (s LoopState) NextState() (LoopState, bool) {
	if s.Current >= s.Limit {
		return s, false
	}
	s.Current++
	return s, true
}

// LoopStateHandler drives the loop state of a group
type LoopStateHandler struct {
	state LoopState
}

func NewLoopStateHandler(limit int) *LoopStateHandler {
	return &LoopStateHandler{state: LoopState{Limit: max(limit, 0)}}
}

func (h *LoopStateHandler) Current() LoopState {
	return h.state
}

func (h *LoopStateHandler) Serialize() (string, error) {
	b, err := json.Marshal(h.state)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Restore loads a serialized state, an empty one keeps the current state
func (h *LoopStateHandler) Restore(serialized string) error {
	if serialized == "" {
		return nil
	}
	var s LoopState
	if err := json.Unmarshal([]byte(serialized), &s); err != nil {
		return fmt.Errorf("restoring loop state: %w", err)
	}
	if s.Current < 0 || s.Current > s.Limit {
		return fmt.Errorf("restoring loop state: current %d out of [0,%d]", s.Current, s.Limit)
	}
	h.state = s
	return nil
}

func (h *LoopStateHandler) NextState() (LoopState, bool) {
	next, ok := h.state.NextState()
	if ok {
		h.state = next
	}
	return next, ok
}

// AdvanceToNextState maps every list input onto its Current-th item.
// Scalar inputs are kept. The state itself is not advanced.
func (h *LoopStateHandler) AdvanceToNextState(inputs Variables) (Variables, error) {
	out := make(Variables, 0, len(inputs))
	for _, v := range inputs {
		if !isList(v.Value) {
			out = append(out, v)
			continue
		}
		item, err := ListValue(v.Value, h.state.Current)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", v.Key, err)
		}
		out = append(out, Variable{Key: v.Key, Value: item})
	}
	return out, nil
}

// Group aggregates child tasks such as a loop body. A group is never
// executed itself.
type Group struct {
	Record
	children []Task
	loop     *LoopStateHandler
}

func NewGroup(id int64, level int) *Group {
	return &Group{Record: Record{ID: id, Level: level}}
}

func (g *Group) Kind() Kind {
	return KindGroup
}

// AddTask makes t a child of the group, a child already present is ignored
func (g *Group) AddTask(t Task) {
	for _, c := range g.children {
		if c.Base().ID == t.Base().ID {
			return
		}
	}
	t.Base().GroupID = g.ID
	g.children = append(g.children, t)
}

func (g *Group) Tasks() []Task {
	return append([]Task(nil), g.children...)
}

// FirstLevel returns the children directly below the group
func (g *Group) FirstLevel() []Task {
	var ret []Task
	for _, c := range g.children {
		if c.Base().Level == g.Level+1 {
			ret = append(ret, c)
		}
	}
	return ret
}

// SetLoop turns the group into a loop of limit iterations
func (g *Group) SetLoop(limit int) error {
	g.loop = NewLoopStateHandler(limit)
	state, err := g.loop.Serialize()
	if err != nil {
		return err
	}
	g.InternalState = state
	return nil
}

// Loop returns the loop handler restored from the internal state, nil
// for a group which is not a loop
func (g *Group) Loop() (*LoopStateHandler, error) {
	if g.loop == nil && g.InternalState != "" {
		h := &LoopStateHandler{}
		if err := h.Restore(g.InternalState); err != nil {
			return nil, err
		}
		g.loop = h
	}
	return g.loop, nil
}

// SetInputParameterValue records value on the group and hands it to the
// first child. Inside a running loop the child gets the current list item.
func (g *Group) SetInputParameterValue(id, value string) error {
	g.Inputs.Set(id, value)
	first := g.FirstLevel()
	if len(first) == 0 {
		return nil
	}
	loop, err := g.Loop()
	if err != nil {
		return err
	}
	if loop != nil && loop.Current().Current > 0 && isList(value) {
		value, err = ListValue(value, loop.Current().Current)
		if err != nil {
			return fmt.Errorf("group %d input %s: %w", g.ID, id, err)
		}
	}
	return first[0].SetInputParameterValue(id, value)
}

// SetOutputParameterValue collects value into the list of output id
func (g *Group) SetOutputParameterValue(id, value string) error {
	current, _ := g.Outputs.Get(id)
	g.Outputs.Set(id, AppendToList(current, value))
	return nil
}

func (g *Group) BuildExecutionCommand(context.Context, BuildContext) (string, error) {
	return "", fmt.Errorf("%w: group %d cannot be executed", ErrNotPermitted, g.ID)
}

// ChangeStatus moves the group to status. Suspension, cancellation and
// failure are propagated to all children not done yet, as far as their
// state allows.
func (g *Group) ChangeStatus(status Status) error {
	if err := g.Record.ChangeStatus(status); err != nil {
		return err
	}
	switch status {
	case Suspended, Cancelled, Failed:
		for _, c := range g.children {
			if c.Base().Status != Done && CanTransition(c.Base().Status, status) {
				_ = c.ChangeStatus(status)
			}
		}
	}
	return nil
}

// NextInternalState advances the loop and returns the serialized state
func (g *Group) NextInternalState() (string, bool) {
	loop, err := g.Loop()
	if err != nil || loop == nil {
		return "", false
	}
	if _, ok := loop.NextState(); !ok {
		return "", false
	}
	state, err := loop.Serialize()
	if err != nil {
		return "", false
	}
	g.InternalState = state
	return state, true
}

// NextIteration starts the next loop iteration: all children are rearmed
// with the iteration number as their internal state and the group list
// inputs are mapped onto the first child. False is returned when the
// loop is exhausted or the group is not a loop.
func (g *Group) NextIteration() (LoopState, bool, error) {
	if _, ok := g.NextInternalState(); !ok {
		return LoopState{}, false, nil
	}
	state := g.loop.Current()
	for _, c := range g.children {
		c.Base().rearm(strconv.Itoa(state.Current))
	}
	inputs, err := g.loop.AdvanceToNextState(g.Inputs)
	if err != nil {
		return state, false, fmt.Errorf("group %d: %w", g.ID, err)
	}
	if first := g.FirstLevel(); len(first) > 0 {
		for _, v := range inputs {
			if err := first[0].SetInputParameterValue(v.Key, v.Value); err != nil {
				return state, false, fmt.Errorf("group %d: %w", g.ID, err)
			}
		}
	}
	return state, true, nil
}
