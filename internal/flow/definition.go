// Package flow holds the onboarding flow definition and the evaluator that
// walks it against a snapshot.
package flow

import (
	"errors"
	"fmt"

	"onboardgate/internal/snapshot"
)

// StepID identifies a step. Values are stable strings that UIs route against.
type StepID string

// Done is the terminal step id. No step may use it as its own id.
const Done StepID = "done"

// Actor is the role a step is meant for. Descriptive only.
type Actor string

const (
	ActorOwner   Actor = "owner"
	ActorManager Actor = "manager"
	ActorStaff   Actor = "staff"
	ActorAny     Actor = "any"
)

// ValueType is the declared type of a requirement. Presence is what the
// evaluator checks; the type is surfaced to clients.
type ValueType string

const (
	TypeBoolean ValueType = "boolean"
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeArray   ValueType = "array"
	TypeObject  ValueType = "object"
)

// Validator is a predicate over a resolved, non-null value.
type Validator func(snapshot.Value) bool

// Requirement is one field-level precondition of a step.
type Requirement struct {
	Key       string
	Type      ValueType
	Required  bool
	Validator Validator
}

// Transition is either a literal next step or one computed from the snapshot.
type Transition struct {
	target  StepID
	compute func(snapshot.Value) StepID
}

// To returns a literal transition.
func To(id StepID) Transition {
	return Transition{target: id}
}

// Branch returns a transition computed from the full snapshot.
func Branch(fn func(snapshot.Value) StepID) Transition {
	return Transition{compute: fn}
}

// Computed reports whether the target depends on the snapshot.
func (t Transition) Computed() bool { return t.compute != nil }

// Literal returns the fixed target; ok is false for computed transitions.
func (t Transition) Literal() (StepID, bool) {
	if t.compute != nil {
		return "", false
	}
	return t.target, true
}

// Target resolves the next step id for snap.
func (t Transition) Target(snap snapshot.Value) StepID {
	if t.compute != nil {
		return t.compute(snap)
	}
	return t.target
}

// Step is one stage of the flow.
type Step struct {
	ID           StepID
	Title        string
	Actor        Actor
	Requirements []Requirement
	Next         Transition
}

// Definition is the ordered step table. The first step is the entry point.
type Definition []Step

// Lookup returns the step with the given id.
func (d Definition) Lookup(id StepID) (Step, bool) {
	for _, s := range d {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// IDs returns the step ids in declaration order.
func (d Definition) IDs() []StepID {
	ids := make([]StepID, 0, len(d))
	for _, s := range d {
		ids = append(ids, s.ID)
	}
	return ids
}

// Validate checks the parts of the table that can be checked without a
// snapshot. Branch targets are only known at evaluation time.
func (d Definition) Validate() error {
	if len(d) == 0 {
		return errors.New("flow has no steps")
	}
	seen := make(map[StepID]bool, len(d))
	for i, s := range d {
		if s.ID == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if s.ID == Done {
			return fmt.Errorf("step %d uses reserved id %q", i, Done)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range d {
		for j, req := range s.Requirements {
			if req.Key == "" {
				return fmt.Errorf("step %s requirement %d has empty key", s.ID, j)
			}
		}
		target, ok := s.Next.Literal()
		if !ok {
			continue
		}
		if target == "" {
			return fmt.Errorf("step %s has no next step", s.ID)
		}
		if target != Done && !seen[target] {
			return fmt.Errorf("step %s transitions to unknown step %s", s.ID, target)
		}
	}
	return nil
}
