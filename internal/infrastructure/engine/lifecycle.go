package engine

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Status is the lifecycle state of a build.
type Status string

// Build statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Lifecycle events.
const (
	EventStart   statekit.EventType = "START"
	EventSucceed statekit.EventType = "SUCCEED"
	EventFail    statekit.EventType = "FAIL"
	EventAbort   statekit.EventType = "ABORT"
)

var (
	stateQueued    = statekit.StateID(StatusQueued)
	stateRunning   = statekit.StateID(StatusRunning)
	stateSucceeded = statekit.StateID(StatusSucceeded)
	stateFailed    = statekit.StateID(StatusFailed)
	stateAborted   = statekit.StateID(StatusAborted)
)

// lifecycleContext is the machine context. The engine keeps build data on
// the Run itself.
type lifecycleContext struct{}

// lifecycle drives one build through queued, running and a final status.
type lifecycle struct {
	interpreter *statekit.Interpreter[lifecycleContext]
}

func newLifecycle() (*lifecycle, error) {
	machine, err := statekit.NewMachine[lifecycleContext]("build").
		WithInitial(stateQueued).
		State(stateQueued).
		On(EventStart).Target(stateRunning).
		On(EventAbort).Target(stateAborted).
		Done().
		State(stateRunning).
		On(EventSucceed).Target(stateSucceeded).
		On(EventFail).Target(stateFailed).
		On(EventAbort).Target(stateAborted).
		Done().
		State(stateSucceeded).
		Final().
		Done().
		State(stateFailed).
		Final().
		Done().
		State(stateAborted).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lifecycle machine: %w", err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &lifecycle{interpreter: interp}, nil
}

// finishedLifecycle returns a lifecycle already in status, for builds
// imported from a catalog.
func finishedLifecycle(status Status) (*lifecycle, error) {
	l, err := newLifecycle()
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusQueued:
		return l, nil
	case StatusAborted:
		return l, l.send(EventAbort)
	}
	if err := l.send(EventStart); err != nil {
		return nil, err
	}
	switch status {
	case StatusSucceeded:
		err = l.send(EventSucceed)
	case StatusFailed:
		err = l.send(EventFail)
	}
	return l, err
}

func (l *lifecycle) status() Status {
	return Status(l.interpreter.State().Value)
}

// send applies event and reports an error when the machine did not accept it.
func (l *lifecycle) send(event statekit.EventType) error {
	before := l.status()
	l.interpreter.Send(statekit.Event{Type: event})
	if after := l.status(); after == before {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, before)
	}
	return nil
}
