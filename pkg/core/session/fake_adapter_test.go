package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/transport"
)

// fakeAdapter reports connected as soon as Connect is called unless
// connectFn overrides it.
type fakeAdapter struct {
	mode    transport.Mode
	emitter *transport.Emitter

	connectFn func(ctx context.Context, a *fakeAdapter, target transport.Target) error

	mu          sync.Mutex
	targets     []transport.Target
	sent        []string
	messages    []string
	muted       bool
	disconnects int
}

func newFakeAdapter(mode transport.Mode) *fakeAdapter {
	return &fakeAdapter{mode: mode, emitter: transport.NewEmitter(nil)}
}

func (a *fakeAdapter) Connect(ctx context.Context, target transport.Target) error {
	a.mu.Lock()
	a.targets = append(a.targets, target)
	fn := a.connectFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, a, target)
	}
	a.emitter.SetState(events.StateConnecting)
	a.emitter.SetState(events.StateConnected)
	a.emitter.Emit(events.ConnectedEvent{AgentID: target.AgentID})
	return nil
}

func (a *fakeAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.disconnects++
	first := a.disconnects == 1
	a.mu.Unlock()
	if first && !a.emitter.State().Terminal() {
		a.emitter.SetState(events.StateDisconnected)
		a.emitter.Emit(events.DisconnectedEvent{Reason: events.ReasonClient})
	}
	a.emitter.Close()
	return nil
}

func (a *fakeAdapter) Send(topic string, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, topic)
	return nil
}

func (a *fakeAdapter) SendMessage(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, text)
	return nil
}

func (a *fakeAdapter) SetMuted(muted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
	return nil
}

func (a *fakeAdapter) Events() <-chan events.Event { return a.emitter.Events() }

func (a *fakeAdapter) Mode() transport.Mode { return a.mode }

func (a *fakeAdapter) SupportsMuting() bool { return a.mode == transport.ModeVoice }

func (a *fakeAdapter) disconnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects
}

// fakeFactory hands out adapters and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	prepare  func(a *fakeAdapter)
}

func (f *fakeFactory) create(mode transport.Mode) (transport.Adapter, error) {
	a := newFakeAdapter(mode)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepare != nil {
		f.prepare(a)
	}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func (f *fakeFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[len(f.adapters)-1]
}

// recorder collects bus events.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) named(n events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.EventName() == n {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []events.State {
	var out []events.State
	for _, ev := range r.named(events.NameConnectionStateChanged) {
		out = append(out, ev.(events.StateChangedEvent).State)
	}
	return out
}

func newRecordedManager(t *testing.T, factory *fakeFactory, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	m := New(factory.create, nil, opts...)
	rec := &recorder{}
	for _, name := range events.Names {
		m.Bus().On(string(name), rec.handle)
	}
	t.Cleanup(func() { _ = m.Destroy(context.Background()) })
	return m, rec
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
