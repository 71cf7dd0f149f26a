// Package widget is the embeddable agent session API. A Widget owns one
// agent connection at a time, keeps a normalized transcript and hands the
// conversation to a transfer agent when the current agent says a transfer
// phrase.
package widget

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/agentline/pkg/core"
	"github.com/vango-go/agentline/pkg/core/bus"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/handoff"
	"github.com/vango-go/agentline/pkg/core/metrics"
	"github.com/vango-go/agentline/pkg/core/session"
	"github.com/vango-go/agentline/pkg/core/transcript"
	"github.com/vango-go/agentline/pkg/core/transfer"
	"github.com/vango-go/agentline/pkg/core/transport"
	"github.com/vango-go/agentline/pkg/core/transport/textws"
	"github.com/vango-go/agentline/pkg/core/transport/voicertc"
)

// Widget is the public entry point.
type Widget struct {
	agentID           string
	agentName         string
	transferAgentID   string
	transferAgentName string
	mode              transport.Mode
	serverURL         string
	roomURL           string
	sessionContext    map[string]any
	phrases           []string

	connectTimeout   time.Duration
	gracePeriod      time.Duration
	settle           time.Duration
	maxReconnects    int
	reconnectBackoff time.Duration

	logger     *slog.Logger
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	mediaHost  voicertc.MediaHost
	roomDialer voicertc.RoomDialer
	filler     handoff.FillerCue
	metrics    *metrics.Metrics
	wait       transport.WaitFunc

	bus          *bus.Bus[events.Event]
	manager      *session.Manager
	transcript   *transcript.Normalizer
	fields       *transfer.FieldCollector
	detector     *transfer.Detector
	orchestrator *handoff.Orchestrator

	mu        sync.Mutex
	destroyed bool
}

// New creates a widget. It does not connect.
func New(opts ...Option) (*Widget, error) {
	w := &Widget{
		mode:   transport.ModeText,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.wait == nil {
		w.wait = transport.Wait
	}
	if strings.TrimSpace(w.agentID) == "" {
		return nil, core.NewInvalidRequestError("widget requires an agent id")
	}
	if strings.TrimSpace(w.serverURL) == "" {
		return nil, core.NewInvalidRequestError("widget requires a server URL")
	}
	if _, err := transport.ParseMode(string(w.mode)); err != nil {
		return nil, err
	}
	if w.mode == transport.ModeVoice && (w.mediaHost == nil || w.roomDialer == nil) {
		return nil, core.NewInvalidRequestError("voice mode requires a media host and a room dialer")
	}
	w.logger = w.logger.With("agent_id", w.agentID)

	w.bus = bus.New[events.Event](events.Key, w.logger)
	w.manager = session.New(w.newAdapter, w.bus,
		session.WithLogger(w.logger),
		session.WithMode(w.mode),
		session.WithConnectTimeout(w.connectTimeout),
		session.WithMetrics(w.metrics),
	)

	// Normalizer first so the transfer watchers see its messageUpdated events.
	w.transcript = transcript.New(w.bus, w.logger)
	w.transcript.Attach(w.bus)

	w.fields = transfer.NewFieldCollector(w.bus)
	w.bus.On(string(events.NameMessageUpdated), w.fields.Handle)

	if w.transferAgentID != "" {
		w.orchestrator = handoff.New(handoff.Config{
			Sessions:       w.manager,
			Filler:         w.filler,
			Fields:         w.fields.Fields,
			AgentNames:     w.agentNames(),
			SettleInterval: w.settle,
			Bus:            w.bus,
			Logger:         w.logger,
			Metrics:        w.metrics,
			Wait:           w.wait,
		})
		w.detector = transfer.NewDetector(transfer.Config{
			Phrases:       w.phrases,
			GracePeriod:   w.gracePeriod,
			TargetAgentID: w.transferAgentID,
			Summary:       w.transcript.Summary,
			Generation:    w.manager.Generation,
			OnTrigger:     w.orchestrator.OnTrigger,
			Bus:           w.bus,
			Logger:        w.logger,
			Metrics:       w.metrics,
			Wait:          w.wait,
		})
		w.orchestrator.SetDetector(w.detector)
		w.bus.On(string(events.NameMessageUpdated), w.detector.Handle)
	}
	return w, nil
}

func (w *Widget) agentNames() map[string]string {
	names := map[string]string{}
	if w.agentName != "" {
		names[w.agentID] = w.agentName
	}
	if w.transferAgentName != "" {
		names[w.transferAgentID] = w.transferAgentName
	}
	return names
}

func (w *Widget) newAdapter(mode transport.Mode) (transport.Adapter, error) {
	switch mode {
	case transport.ModeText:
		return textws.New(textws.Config{
			ServerURL:            w.serverURL,
			HTTPClient:           w.httpClient,
			Dialer:               w.wsDialer,
			Logger:               w.logger,
			Wait:                 w.wait,
			MaxReconnectAttempts: w.maxReconnects,
			ReconnectBackoff:     w.reconnectBackoff,
		})
	case transport.ModeVoice:
		return voicertc.New(voicertc.Config{
			ServerURL:  w.serverURL,
			RoomURL:    w.roomURL,
			HTTPClient: w.httpClient,
			Host:       w.mediaHost,
			Dialer:     w.roomDialer,
			Logger:     w.logger,
		})
	default:
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unknown mode %q", mode))
	}
}

// Connect opens a session with the configured agent. It is a no-op while a
// session is already open or opening.
func (w *Widget) Connect(ctx context.Context) error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	if w.manager.Active() {
		return nil
	}
	if w.detector != nil {
		w.detector.Reset()
	}
	return w.manager.Connect(ctx, transport.Target{
		AgentID: w.agentID,
		Mode:    w.mode,
		Context: maps.Clone(w.sessionContext),
	})
}

// Disconnect closes the open session.
func (w *Widget) Disconnect(ctx context.Context) error {
	return w.manager.Disconnect(ctx)
}

// SendMessage sends a typed message. Text mode only.
func (w *Widget) SendMessage(text string) error {
	return w.manager.SendMessage(text)
}

// SendData sends a structured payload on topic.
func (w *Widget) SendData(topic string, payload any) error {
	return w.manager.SendData(topic, payload)
}

// ConnectionState returns the current connection state.
func (w *Widget) ConnectionState() events.State {
	return w.manager.State()
}

// SetAudioOutput routes remote agent audio into out. Voice mode only.
func (w *Widget) SetAudioOutput(out transport.AudioContainer) error {
	return w.manager.SetAudioOutput(out)
}

// SupportsMuting reports whether the active transport can mute the microphone.
func (w *Widget) SupportsMuting() bool {
	return w.manager.SupportsMuting()
}

// SetMuted mutes or unmutes the microphone.
func (w *Widget) SetMuted(muted bool) error {
	return w.manager.SetMuted(muted)
}

// On registers h for the named event.
func (w *Widget) On(name string, h func(events.Event)) (bus.Subscription, error) {
	if !events.Known(events.Name(name)) {
		return bus.Subscription{}, core.NewInvalidRequestError(fmt.Sprintf("unknown event %q", name))
	}
	if h == nil {
		return bus.Subscription{}, core.NewInvalidRequestError("event handler is nil")
	}
	return w.bus.On(name, h), nil
}

// Off removes a handler registered with On.
func (w *Widget) Off(sub bus.Subscription) bool {
	return w.bus.Off(sub)
}

// Events streams every published event until ctx is done.
func (w *Widget) Events(ctx context.Context, buffer int) <-chan events.Event {
	return w.bus.Subscribe(ctx, buffer)
}

// Transcript returns a copy of the normalized transcript.
func (w *Widget) Transcript() []transcript.Message {
	return w.transcript.Messages()
}

// CollectedFields returns the user fields gathered so far.
func (w *Widget) CollectedFields() map[string]string {
	return w.fields.Fields()
}

// Session returns the open session, if any.
func (w *Widget) Session() (session.Session, bool) {
	return w.manager.Session()
}

// Destroy disconnects, forgets the transcript and collected fields and
// removes every handler. The widget cannot connect again.
func (w *Widget) Destroy(ctx context.Context) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return nil
	}
	w.destroyed = true
	w.mu.Unlock()

	if w.detector != nil {
		w.detector.Close()
	}
	err := w.manager.Destroy(ctx)
	w.transcript.Clear()
	w.fields.Clear()
	w.bus.Clear()
	w.logger.Info("widget destroyed")
	return err
}

func (w *Widget) checkAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return core.NewInvalidRequestError("widget has been destroyed")
	}
	return nil
}
