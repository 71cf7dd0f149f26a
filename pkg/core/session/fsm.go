package session

import (
	"fmt"

	"github.com/vango-go/agentline/pkg/core/events"
)

var transitions = map[events.State][]events.State{
	events.StateDisconnected: {events.StateConnecting},
	events.StateConnecting:   {events.StateConnected, events.StateFailed, events.StateDisconnected},
	events.StateConnected:    {events.StateReconnecting, events.StateDisconnected, events.StateFailed},
	events.StateReconnecting: {events.StateConnected, events.StateFailed, events.StateDisconnected},
	events.StateFailed:       {events.StateConnecting},
}

// fsm tracks the connection state of the current session.
type fsm struct {
	state events.State
}

func newFSM() *fsm {
	return &fsm{state: events.StateDisconnected}
}

// transition moves to next, rejecting edges the state machine does not have.
// A transition to the current state is reported as unchanged.
func (f *fsm) transition(next events.State) (prev events.State, changed bool, err error) {
	prev = f.state
	if prev == next {
		return prev, false, nil
	}
	for _, allowed := range transitions[prev] {
		if allowed == next {
			f.state = next
			return prev, true, nil
		}
	}
	return prev, false, fmt.Errorf("invalid connection state transition %s -> %s", prev, next)
}

// force sets the state for manager-originated teardown, which may leave any
// state.
func (f *fsm) force(next events.State) (prev events.State, changed bool) {
	prev = f.state
	f.state = next
	return prev, prev != next
}
