package pipeline

// State is a position in the build lifecycle. Published and Failed are
// terminal.
type State string

const (
	StateParsed    State = "parsed"
	StateValidated State = "validated"
	StateExecuting State = "executing"
	StateVerifying State = "verifying"
	StatePublished State = "published"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed
}

// Event is emitted on every state transition and for command output.
type Event struct {
	State   State
	Step    int
	Message string
}

// Observer receives build events in order. It is called synchronously from
// the building goroutine.
type Observer func(Event)

func (o Observer) emit(state State, step int, msg string) {
	if o != nil {
		o(Event{State: state, Step: step, Message: msg})
	}
}
