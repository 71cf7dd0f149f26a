// Package session owns the single active agent connection: it creates the
// adapter for the configured mode, drives the connection state machine from
// adapter events and republishes everything on the event bus.
package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/agentline/pkg/core"
	"github.com/vango-go/agentline/pkg/core/bus"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/metrics"
	"github.com/vango-go/agentline/pkg/core/transport"
)

const (
	defaultConnectTimeout = 15 * time.Second
	releaseTimeout        = 5 * time.Second
)

// Factory creates a fresh adapter for mode.
type Factory func(mode transport.Mode) (transport.Adapter, error)

// Session is one logical connection to one agent. A handoff creates a new
// Session rather than mutating the old one.
type Session struct {
	ID            string
	Mode          transport.Mode
	TargetAgentID string
	Context       map[string]any
	StartedAt     time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConnectTimeout bounds how long a connect may take to reach connected.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithMetrics records session metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithMode sets the mode used for mode checks before the first connect.
func WithMode(mode transport.Mode) Option {
	return func(m *Manager) {
		if mode != "" {
			m.mode = mode
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		if newID != nil {
			m.newID = newID
		}
	}
}

// attempt tracks one in-flight connect.
type attempt struct {
	connected chan struct{}
	failed    chan error
	abandon   chan struct{}

	connectedOnce sync.Once
	failedOnce    sync.Once
	abandonOnce   sync.Once
	lastErr       error
}

func newAttempt() *attempt {
	return &attempt{
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
		abandon:   make(chan struct{}),
	}
}

func (a *attempt) markConnected() { a.connectedOnce.Do(func() { close(a.connected) }) }

func (a *attempt) markFailed(err error) { a.failedOnce.Do(func() { a.failed <- err }) }

func (a *attempt) markAbandoned() { a.abandonOnce.Do(func() { close(a.abandon) }) }

// Manager owns at most one adapter at a time.
type Manager struct {
	factory        Factory
	bus            *bus.Bus[events.Event]
	logger         *slog.Logger
	metrics        *metrics.Metrics
	connectTimeout time.Duration
	now            func() time.Time
	newID          func() string

	mu          sync.Mutex
	fsm         *fsm
	gen         uint64
	mode        transport.Mode
	adapter     transport.Adapter
	session     *Session
	attempt     *attempt
	connectedAt time.Time
	audioOut    transport.AudioContainer
	destroyed   bool
}

// New creates a Manager publishing on b. A nil b gets a private bus.
func New(factory Factory, b *bus.Bus[events.Event], opts ...Option) *Manager {
	m := &Manager{
		factory:        factory,
		bus:            b,
		logger:         slog.Default(),
		connectTimeout: defaultConnectTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		fsm:            newFSM(),
		mode:           transport.ModeVoice,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = bus.New[events.Event](events.Key, m.logger)
	}
	return m
}

// Bus returns the bus the manager publishes on.
func (m *Manager) Bus() *bus.Bus[events.Event] { return m.bus }

// State returns the current connection state.
func (m *Manager) State() events.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.state
}

// Generation returns the current connection generation. Every connect and
// disconnect advances it.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Session returns a copy of the open session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	s := *m.session
	s.Context = maps.Clone(s.Context)
	return s, true
}

// Active reports whether a session is open or a connect is in flight.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// activeLocked also counts an attempt whose adapter has not yet reported
// connecting.
func (m *Manager) activeLocked() bool {
	return m.fsm.state.Active() || m.attempt != nil
}

// Mode returns the mode of the open session, or the configured mode.
func (m *Manager) Mode() transport.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Connect opens a session against target. It is a no-op while a session is
// connecting, connected or reconnecting.
func (m *Manager) Connect(ctx context.Context, target transport.Target) error {
	return m.connect(ctx, target, 0, false)
}

// Resume connects only if no connect or disconnect happened since gen was
// observed; otherwise it fails with ErrSuperseded.
func (m *Manager) Resume(ctx context.Context, gen uint64, target transport.Target) error {
	return m.connect(ctx, target, gen, true)
}

func (m *Manager) connect(ctx context.Context, target transport.Target, expectGen uint64, guarded bool) error {
	if target.Mode == "" {
		target.Mode = m.Mode()
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return core.NewInvalidRequestError("session manager has been destroyed")
	}
	if guarded && m.gen != expectGen {
		m.mu.Unlock()
		return core.NewError(core.ErrSuperseded, "session changed before resume")
	}
	if m.activeLocked() {
		state := m.fsm.state
		m.mu.Unlock()
		m.logger.Info("connect ignored; session already active", "state", state)
		return nil
	}
	adapter, err := m.factory(target.Mode)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	stale := m.adapter
	m.gen++
	gen := m.gen
	sess := &Session{
		ID:            m.newID(),
		Mode:          target.Mode,
		TargetAgentID: target.AgentID,
		Context:       maps.Clone(target.Context),
		StartedAt:     m.now(),
	}
	att := newAttempt()
	m.adapter, m.session, m.attempt, m.mode = adapter, sess, att, target.Mode
	m.connectedAt = time.Time{}
	audioOut := m.audioOut
	m.mu.Unlock()

	if stale != nil {
		go m.release(stale)
	}
	if router, ok := adapter.(transport.AudioRouter); ok && audioOut != nil {
		if err := router.SetAudioOutput(audioOut); err != nil {
			m.logger.Warn("apply audio output failed", "error", err)
		}
	}

	logger := m.logger.With("agent_id", target.AgentID, "session_id", sess.ID, "mode", target.Mode)
	logger.Info("connecting to agent")
	go m.pump(gen, adapter, att, sess)

	start := m.now()
	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- adapter.Connect(connectCtx, target) }()

	select {
	case err := <-errCh:
		if err != nil {
			if connectCtx.Err() != nil {
				err = m.connectCtxErr(ctx)
			}
			return m.failAttempt(gen, adapter, sess, err, start)
		}
	case <-att.abandon:
		return core.NewError(core.ErrSuperseded, "connect abandoned by disconnect")
	case <-connectCtx.Done():
		return m.failAttempt(gen, adapter, sess, m.connectCtxErr(ctx), start)
	}

	select {
	case <-att.connected:
		m.metrics.RecordConnect(string(sess.Mode), "connected", m.now().Sub(start))
		logger.Info("connected to agent")
		return nil
	case err := <-att.failed:
		return m.failAttempt(gen, adapter, sess, err, start)
	case <-att.abandon:
		return core.NewError(core.ErrSuperseded, "connect abandoned by disconnect")
	case <-connectCtx.Done():
		return m.failAttempt(gen, adapter, sess, m.connectCtxErr(ctx), start)
	}
}

func (m *Manager) connectCtxErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return core.WrapError(core.ErrTransport, "connect cancelled", err)
	}
	return core.WrapError(core.ErrConnectTimeout, "agent did not connect within "+m.connectTimeout.String(), context.DeadlineExceeded)
}

// failAttempt ends a connect that did not reach connected. A superseded
// attempt only tears its adapter down.
func (m *Manager) failAttempt(gen uint64, adapter transport.Adapter, sess *Session, err error, start time.Time) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		go m.release(adapter)
		return core.WrapError(core.ErrSuperseded, "connect superseded", err)
	}
	m.gen++
	if m.adapter == adapter {
		m.adapter = nil
	}
	m.attempt = nil
	m.session = nil
	prev, changed := m.fsm.force(events.StateFailed)
	m.mu.Unlock()

	go m.release(adapter)

	errType := core.TypeOf(err)
	if errType == "" {
		errType = core.ErrTransport
	}
	m.metrics.RecordConnect(string(sess.Mode), string(errType), m.now().Sub(start))
	m.metrics.RecordError(string(errType))
	m.logger.Error("connect failed", "agent_id", sess.TargetAgentID, "session_id", sess.ID, "error", err)

	if changed {
		m.publishState(prev, events.StateFailed)
	}
	m.bus.Publish(events.ErrorEvent{Err: err, Fatal: true})
	return err
}

// Disconnect closes the open session. It is a no-op when nothing is open.
func (m *Manager) Disconnect(ctx context.Context) error {
	_, err := m.DisconnectFor(ctx, events.ReasonClient)
	return err
}

// DisconnectFor closes the open session with reason and returns the
// generation after teardown, for use with Resume.
func (m *Manager) DisconnectFor(ctx context.Context, reason events.DisconnectReason) (uint64, error) {
	m.mu.Lock()
	adapter := m.adapter
	if adapter == nil && m.fsm.state == events.StateDisconnected {
		gen := m.gen
		m.mu.Unlock()
		m.logger.Debug("disconnect ignored; no open session")
		return gen, nil
	}
	m.gen++
	gen := m.gen
	att := m.attempt
	sess := m.session
	connectedAt := m.connectedAt
	m.adapter, m.attempt, m.session = nil, nil, nil
	m.connectedAt = time.Time{}
	prev, changed := m.fsm.force(events.StateDisconnected)
	m.mu.Unlock()

	if att != nil {
		att.markAbandoned()
	}
	if adapter != nil {
		if err := adapter.Disconnect(ctx); err != nil {
			m.logger.Warn("adapter disconnect failed", "error", err)
		}
	}

	if !connectedAt.IsZero() && sess != nil {
		m.metrics.RecordSessionEnd(string(sess.Mode), m.now().Sub(connectedAt))
	}
	if changed {
		m.publishState(prev, events.StateDisconnected)
	}
	if prev.Active() {
		ev := events.DisconnectedEvent{Reason: reason}
		if sess != nil {
			ev.SessionID = sess.ID
		}
		m.bus.Publish(ev)
	}
	m.logger.Info("session disconnected", "reason", reason)
	return gen, nil
}

// Destroy disconnects and rejects further connects.
func (m *Manager) Destroy(ctx context.Context) error {
	_, err := m.DisconnectFor(ctx, events.ReasonClient)
	m.mu.Lock()
	m.destroyed = true
	m.audioOut = nil
	m.mu.Unlock()
	return err
}

// SendMessage sends a typed user message. Only text sessions carry messages.
func (m *Manager) SendMessage(text string) error {
	m.mu.Lock()
	mode, adapter, state := m.mode, m.adapter, m.fsm.state
	m.mu.Unlock()

	if mode != transport.ModeText {
		return core.NewWrongModeError("sendMessage is only available in text mode")
	}
	if adapter == nil || state != events.StateConnected {
		return core.NewNotConnectedError("no connected session")
	}
	sender, ok := adapter.(transport.MessageSender)
	if !ok {
		return core.NewWrongModeError("active transport does not carry messages")
	}
	return sender.SendMessage(text)
}

// SendData sends a structured payload on topic.
func (m *Manager) SendData(topic string, payload any) error {
	m.mu.Lock()
	adapter, state := m.adapter, m.fsm.state
	m.mu.Unlock()
	if adapter == nil || state != events.StateConnected {
		return core.NewNotConnectedError("no connected session")
	}
	return adapter.Send(topic, payload)
}

// SetAudioOutput routes remote audio into out for this and later voice
// sessions.
func (m *Manager) SetAudioOutput(out transport.AudioContainer) error {
	m.mu.Lock()
	if m.mode != transport.ModeVoice {
		m.mu.Unlock()
		return core.NewWrongModeError("setAudioOutput is only available in voice mode")
	}
	m.audioOut = out
	adapter := m.adapter
	m.mu.Unlock()

	if router, ok := adapter.(transport.AudioRouter); ok {
		return router.SetAudioOutput(out)
	}
	return nil
}

// SupportsMuting reports whether the active adapter can mute the microphone.
func (m *Manager) SupportsMuting() bool {
	m.mu.Lock()
	adapter := m.adapter
	m.mu.Unlock()
	if adapter == nil {
		return false
	}
	_, ok := adapter.(transport.Muter)
	return ok && adapter.SupportsMuting()
}

// SetMuted mutes or unmutes the microphone.
func (m *Manager) SetMuted(muted bool) error {
	m.mu.Lock()
	adapter := m.adapter
	m.mu.Unlock()
	if adapter == nil {
		return core.NewNotConnectedError("no connected session")
	}
	muter, ok := adapter.(transport.Muter)
	if !ok || !adapter.SupportsMuting() {
		return core.NewWrongModeError("active transport does not support muting")
	}
	return muter.SetMuted(muted)
}

func (m *Manager) pump(gen uint64, adapter transport.Adapter, att *attempt, sess *Session) {
	for ev := range adapter.Events() {
		m.dispatch(gen, adapter, att, sess, ev)
	}
}

func (m *Manager) dispatch(gen uint64, adapter transport.Adapter, att *attempt, sess *Session, ev events.Event) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("dropping event from stale adapter", "event", ev.EventName())
		return
	}

	release := false
	switch e := ev.(type) {
	case events.StateChangedEvent:
		prev, changed, err := m.fsm.transition(e.State)
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("ignoring adapter state change", "error", err)
			return
		}
		if !changed {
			m.mu.Unlock()
			return
		}
		ev = events.StateChangedEvent{State: e.State, PreviousState: prev}
		m.recordTransition(prev, e.State)
		switch e.State {
		case events.StateConnected:
			att.markConnected()
			if m.connectedAt.IsZero() {
				m.connectedAt = m.now()
			}
		case events.StateFailed:
			err := att.lastErr
			if err == nil {
				err = core.NewTransportError("connection failed", nil)
			}
			att.markFailed(err)
		}
		if e.State.Terminal() {
			if !m.connectedAt.IsZero() {
				m.metrics.RecordSessionEnd(string(sess.Mode), m.now().Sub(m.connectedAt))
				m.connectedAt = time.Time{}
			}
			if m.adapter == adapter {
				m.adapter = nil
				m.session = nil
				m.attempt = nil
			}
			release = true
		}
	case events.ConnectedEvent:
		e.SessionID = sess.ID
		if e.AgentID == "" {
			e.AgentID = sess.TargetAgentID
		}
		ev = e
	case events.DisconnectedEvent:
		e.SessionID = sess.ID
		ev = e
	case events.ErrorEvent:
		if e.Fatal {
			att.lastErr = e.Err
		}
		errType := core.TypeOf(e.Err)
		if errType == "" {
			errType = core.ErrTransport
		}
		m.metrics.RecordError(string(errType))
	}
	m.mu.Unlock()

	m.bus.Publish(ev)
	if release {
		go m.release(adapter)
	}
}

func (m *Manager) recordTransition(prev, next events.State) {
	m.metrics.RecordStateTransition(string(prev), string(next))
	if prev != events.StateReconnecting {
		return
	}
	switch next {
	case events.StateConnected:
		m.metrics.RecordReconnect("success")
	case events.StateFailed:
		m.metrics.RecordReconnect("failed")
	}
}

func (m *Manager) publishState(prev, next events.State) {
	m.recordTransition(prev, next)
	m.bus.Publish(events.StateChangedEvent{State: next, PreviousState: prev})
}

func (m *Manager) release(adapter transport.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := adapter.Disconnect(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		m.logger.Warn("release adapter failed", "error", err)
	}
}
