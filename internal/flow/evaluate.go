package flow

import "onboardgate/internal/snapshot"

// Verdict is the outcome of walking a definition.
type Verdict struct {
	Complete bool
	// NextStep is the step the user is stuck on; empty when complete.
	NextStep StepID
	// Missing is the key of the first requirement that failed, if any.
	Missing string
	// Path lists the steps visited, in order.
	Path []StepID
}

// Evaluate walks def from its first step against snap. It has no side effects.
//
// A step halts the walk when a required value is absent, null, or rejected by
// its validator. A transition to an unknown step halts at the current step.
// The walk visits at most len(def) steps; a definition that loops without
// reaching Done is reported as stuck at the step that would be revisited.
func Evaluate(def Definition, snap snapshot.Value) Verdict {
	if len(def) == 0 {
		return Verdict{}
	}
	index := make(map[StepID]int, len(def))
	for i, s := range def {
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}

	cur := def[0]
	var path []StepID
	for visits := 0; visits < len(def); visits++ {
		path = append(path, cur.ID)
		if key, ok := firstUnmet(cur, snap); !ok {
			return Verdict{NextStep: cur.ID, Missing: key, Path: path}
		}
		target := cur.Next.Target(snap)
		if target == Done {
			return Verdict{Complete: true, Path: path}
		}
		i, known := index[target]
		if !known {
			return Verdict{NextStep: cur.ID, Path: path}
		}
		cur = def[i]
	}
	return Verdict{NextStep: cur.ID, Path: path}
}

func firstUnmet(s Step, snap snapshot.Value) (string, bool) {
	for _, req := range s.Requirements {
		if !req.Required {
			continue
		}
		v, ok := snapshot.Lookup(snap, req.Key)
		if !ok || snapshot.IsNull(v) {
			return req.Key, false
		}
		if req.Validator != nil && !req.Validator(v) {
			return req.Key, false
		}
	}
	return "", true
}
