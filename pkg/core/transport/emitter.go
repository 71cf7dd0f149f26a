package transport

import (
	"log/slog"
	"sync"

	"github.com/vango-go/agentline/pkg/core/events"
)

const defaultEventBuffer = 256

// Emitter owns an adapter's event channel and connection state.
type Emitter struct {
	logger *slog.Logger

	mu     sync.Mutex
	ch     chan events.Event
	closed bool
	state  events.State
}

// NewEmitter creates an emitter in the disconnected state.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger: logger,
		ch:     make(chan events.Event, defaultEventBuffer),
		state:  events.StateDisconnected,
	}
}

// Events yields emitted events until Close.
func (e *Emitter) Events() <-chan events.Event {
	return e.ch
}

// Emit queues ev. Events emitted after Close are discarded.
func (e *Emitter) Emit(ev events.Event) {
	if ev == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(ev)
}

func (e *Emitter) emitLocked(ev events.Event) {
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		// Avoid blocking the transport if the consumer stalls.
		e.logger.Warn("adapter event buffer full; dropping event", "event", ev.EventName())
	}
}

// SetState records s and emits a StateChangedEvent when it differs from the
// current state. It returns the previous state.
func (e *Emitter) SetState(s events.State) (events.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.state
	if prev == s {
		return prev, false
	}
	e.state = s
	e.emitLocked(events.StateChangedEvent{State: s, PreviousState: prev})
	return prev, true
}

// State returns the current connection state.
func (e *Emitter) State() events.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close closes the event channel. It is safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
