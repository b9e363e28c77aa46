package stepflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Trigger selects the events that start a workflow. Event is a name
// pattern split on "/" where a "*" segment matches exactly one segment.
// If is an optional boolean expression evaluated against
// {event: {id, name, data, ts}}.
type Trigger struct {
	Event string `json:"event" yaml:"event"`
	If    string `json:"if,omitempty" yaml:"if,omitempty"`

	once    sync.Once
	program *vm.Program
	err     error
}

// NewTrigger builds and compiles a trigger
func NewTrigger(pattern, predicate string) (*Trigger, error) {
	t := &Trigger{Event: pattern, If: predicate}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trigger) compile() error {
	t.once.Do(func() {
		if strings.TrimSpace(t.Event) == "" {
			t.err = fmt.Errorf("trigger event pattern is required")
			return
		}
		for _, seg := range strings.Split(t.Event, "/") {
			if seg == "" {
				t.err = fmt.Errorf("trigger pattern %q has an empty segment", t.Event)
				return
			}
		}
		if t.If == "" {
			return
		}
		program, err := expr.Compile(t.If,
			expr.Env(predicateEnv(&Event{})),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			t.err = fmt.Errorf("failed to compile trigger predicate: %w", err)
			return
		}
		t.program = program
	})
	return t.err
}

// Matches reports whether evt satisfies the pattern and the predicate
func (t *Trigger) Matches(evt *Event) (bool, error) {
	if err := t.compile(); err != nil {
		return false, err
	}
	if !MatchEventName(t.Event, evt.Name) {
		return false, nil
	}
	if t.program == nil {
		return true, nil
	}

	out, err := expr.Run(t.program, predicateEnv(evt))
	if err != nil {
		return false, fmt.Errorf("trigger predicate failed for event %s: %w", evt.ID, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// MatchEventName matches an event name against a "/"-segmented pattern.
// Both must have the same number of segments.
func MatchEventName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ps := strings.Split(pattern, "/")
	ns := strings.Split(name, "/")
	if len(ps) != len(ns) {
		return false
	}
	for i, p := range ps {
		if p != "*" && p != ns[i] {
			return false
		}
	}
	return true
}

func predicateEnv(evt *Event) map[string]any {
	var data any
	if len(evt.Data) > 0 {
		_ = json.Unmarshal(evt.Data, &data)
	}
	return map[string]any{
		"event": map[string]any{
			"id":   evt.ID,
			"name": evt.Name,
			"data": data,
			"ts":   evt.Timestamp.UnixMilli(),
		},
	}
}
