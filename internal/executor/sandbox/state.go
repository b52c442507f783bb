package sandbox

import (
	appErr "runbox/pkg/errors"
)

// State is the lifecycle position of one run request.
type State string

const (
	StateReceived         State = "Received"
	StateCompiling        State = "Compiling"
	StateCompileFailed    State = "CompileFailed"
	StateCompiled         State = "Compiled"
	StateExecuting        State = "Executing"
	StateCompleted        State = "Completed"
	StateTimedOut         State = "TimedOut"
	StateResourceExceeded State = "ResourceExceeded"
	StateRuntimeFailed    State = "RuntimeFailed"
)

var transitions = map[State][]State{
	StateReceived:  {StateCompiling, StateExecuting},
	StateCompiling: {StateCompileFailed, StateCompiled},
	StateCompiled:  {StateExecuting},
	StateExecuting: {StateCompleted, StateTimedOut, StateResourceExceeded, StateRuntimeFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return appErr.New(appErr.InternalServerError).
			WithMessagef("illegal state transition %s -> %s", from, to)
	}
	return nil
}
