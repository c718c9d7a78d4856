package engine

// State is a step of the per-apply state machine:
// Start → GuardChecked → OpApplied* → PostProcessed? → Done, or Failed.
type State int

const (
	StateStart State = iota
	StateGuardChecked
	StateOpApplied
	StatePostProcessed
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateGuardChecked:
		return "GuardChecked"
	case StateOpApplied:
		return "OpApplied"
	case StatePostProcessed:
		return "PostProcessed"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Edit is one overwrite performed on the working copy.
type Edit struct {
	Source string
	Op     int
	Kind   string
	Offset int
	Before []byte
	After  []byte
}

// Observer receives state transitions and edits as they happen. Edits of an
// apply that later fails are still reported; the final state tells the
// observer whether to keep them.
type Observer interface {
	OnState(source string, s State)
	OnEdit(e Edit)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State func(source string, s State)
	Edit  func(e Edit)
}

func (f ObserverFuncs) OnState(source string, s State) {
	if f.State != nil {
		f.State(source, s)
	}
}

func (f ObserverFuncs) OnEdit(e Edit) {
	if f.Edit != nil {
		f.Edit(e)
	}
}
