// Package voicertc implements the voice-mode transport adapter on top of a
// realtime-media room supplied by the embedding runtime.
package voicertc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/agentline/pkg/core"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/transport"
)

// Config configures a voice adapter.
type Config struct {
	// ServerURL is the platform API base hosting /create-call.
	ServerURL string
	// RoomURL is the realtime-media server the token is valid for.
	RoomURL string

	HTTPClient *http.Client
	Host       MediaHost
	Dialer     RoomDialer
	Logger     *slog.Logger
	Capture    AudioCaptureOptions
}

type attachedTrack struct {
	track   RemoteTrack
	element transport.AudioElement
}

// Adapter is a single-use voice connection to one agent.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	emitter *transport.Emitter

	mu       sync.Mutex
	room     Room
	started  bool
	closing  bool
	output   transport.AudioContainer
	hidden   transport.AudioContainer
	tracks   map[string]attachedTrack
	pumpDone chan struct{}
	agentID  string
}

var (
	_ transport.Adapter     = (*Adapter)(nil)
	_ transport.Muter       = (*Adapter)(nil)
	_ transport.AudioRouter = (*Adapter)(nil)
)

// New creates a voice adapter.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, core.NewInvalidRequestError("voice adapter requires a server URL")
	}
	if strings.TrimSpace(cfg.RoomURL) == "" {
		return nil, core.NewInvalidRequestError("voice adapter requires a room URL")
	}
	if cfg.Host == nil {
		return nil, core.NewInvalidRequestError("voice adapter requires a media host")
	}
	if cfg.Dialer == nil {
		return nil, core.NewInvalidRequestError("voice adapter requires a room dialer")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Capture == (AudioCaptureOptions{}) {
		cfg.Capture = DefaultCapture
	}
	logger := cfg.Logger.With("transport", "voice")
	return &Adapter{
		cfg:     cfg,
		logger:  logger,
		emitter: transport.NewEmitter(logger),
		tracks:  make(map[string]attachedTrack),
	}, nil
}

func (a *Adapter) Mode() transport.Mode { return transport.ModeVoice }

func (a *Adapter) SupportsMuting() bool { return true }

func (a *Adapter) Events() <-chan events.Event { return a.emitter.Events() }

// Connect requests the microphone, fetches a room token, joins the room and
// publishes the microphone track.
func (a *Adapter) Connect(ctx context.Context, target transport.Target) error {
	a.mu.Lock()
	if a.started || a.closing {
		a.mu.Unlock()
		return core.NewInvalidRequestError("voice adapter cannot be reused")
	}
	a.started = true
	a.agentID = target.AgentID
	a.mu.Unlock()

	a.emitter.SetState(events.StateConnecting)

	if err := a.cfg.Host.RequestMicrophone(ctx); err != nil {
		a.emitter.SetState(events.StateFailed)
		return core.NewPermissionDeniedError("microphone access denied or unavailable", err)
	}

	token, err := fetchToken(ctx, a.cfg.HTTPClient, a.cfg.ServerURL, createCallRequest{
		AgentID: target.AgentID,
		Mode:    string(transport.ModeVoice),
		Context: target.Context,
	})
	if err != nil {
		a.emitter.SetState(events.StateFailed)
		return err
	}

	room, err := a.cfg.Dialer.Dial(ctx, a.cfg.RoomURL, token)
	if err != nil {
		a.emitter.SetState(events.StateFailed)
		return core.NewTransportError("failed to join media room",
			&core.TransportError{Op: "DIAL", URL: a.cfg.RoomURL, Err: err})
	}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		_ = room.Disconnect()
		return core.NewError(core.ErrSuperseded, "voice adapter disconnected during connect")
	}
	a.room = room
	a.pumpDone = make(chan struct{})
	a.mu.Unlock()

	go a.pump(room)

	if err := room.PublishMicrophone(ctx, a.cfg.Capture); err != nil {
		a.mu.Lock()
		a.room = nil
		a.mu.Unlock()
		_ = room.Disconnect()
		a.emitter.SetState(events.StateFailed)
		return core.NewTransportError("failed to publish microphone", err)
	}

	a.emitter.SetState(events.StateConnected)
	a.emitter.Emit(events.ConnectedEvent{AgentID: target.AgentID})
	return nil
}

// Disconnect leaves the room and detaches every audio element. It is
// idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.teardown(ctx, events.ReasonClient)
}

func (a *Adapter) teardown(ctx context.Context, reason events.DisconnectReason) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	room := a.room
	a.room = nil
	done := a.pumpDone
	a.mu.Unlock()

	if room != nil {
		if err := room.Disconnect(); err != nil {
			a.logger.Warn("room disconnect failed", "error", err)
		}
	}
	a.detachAll()

	if !a.emitter.State().Terminal() {
		if _, changed := a.emitter.SetState(events.StateDisconnected); changed {
			a.emitter.Emit(events.DisconnectedEvent{Reason: reason})
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("voice adapter teardown did not finish", "error", ctx.Err())
		}
	}
	a.emitter.Close()
	return nil
}

// Send publishes payload as a reliable data message on topic.
func (a *Adapter) Send(topic string, payload any) error {
	room, err := a.activeRoom()
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return core.NewInvalidRequestError("payload is not JSON encodable: " + err.Error())
	}
	if err := room.PublishData(data, topic, true); err != nil {
		return core.NewTransportError("publish data failed", err)
	}
	return nil
}

// SetMuted enables or disables the published microphone.
func (a *Adapter) SetMuted(muted bool) error {
	room, err := a.activeRoom()
	if err != nil {
		return err
	}
	if err := room.SetMicrophoneEnabled(!muted); err != nil {
		return core.NewTransportError("toggle microphone failed", err)
	}
	return nil
}

// SetAudioOutput routes remote audio into out, moving elements already
// attached. A nil out reverts to the hidden container.
func (a *Adapter) SetAudioOutput(out transport.AudioContainer) error {
	a.mu.Lock()
	prev := a.sink()
	a.output = out
	next := a.sink()
	attached := make([]attachedTrack, 0, len(a.tracks))
	for _, t := range a.tracks {
		attached = append(attached, t)
	}
	a.mu.Unlock()

	if len(attached) == 0 {
		return nil
	}
	if next == nil {
		var err error
		if next, err = a.hiddenContainer(); err != nil {
			return err
		}
	}
	for _, t := range attached {
		if prev != nil {
			prev.Remove(t.element)
		}
		if err := next.Append(t.element); err != nil {
			return core.WrapError(core.ErrTransport, "move audio element", err)
		}
	}
	return nil
}

func (a *Adapter) activeRoom() (Room, error) {
	a.mu.Lock()
	room := a.room
	a.mu.Unlock()
	if room == nil || a.emitter.State() != events.StateConnected {
		return nil, core.NewNotConnectedError("not connected to voice agent")
	}
	return room, nil
}

// sink returns the container new elements go to; caller holds mu.
func (a *Adapter) sink() transport.AudioContainer {
	if a.output != nil {
		return a.output
	}
	return a.hidden
}

func (a *Adapter) hiddenContainer() (transport.AudioContainer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hidden != nil {
		return a.hidden, nil
	}
	c, err := a.cfg.Host.NewAudioContainer()
	if err != nil {
		return nil, core.WrapError(core.ErrTransport, "create audio container", err)
	}
	a.hidden = c
	return c, nil
}

func (a *Adapter) pump(room Room) {
	a.mu.Lock()
	done := a.pumpDone
	a.mu.Unlock()
	defer close(done)

	for ev := range room.Events() {
		a.handleRoomEvent(ev)
	}
}

func (a *Adapter) handleRoomEvent(ev RoomEvent) {
	switch ev.Kind {
	case RoomStateChanged:
		a.handleRoomState(ev)
	case RoomData:
		payload := json.RawMessage(ev.Payload)
		if !json.Valid(ev.Payload) {
			payload, _ = json.Marshal(string(ev.Payload))
		}
		a.emitter.Emit(events.DataEvent{Topic: ev.Topic, Payload: payload, Participant: ev.Participant})
	case RoomTranscription:
		if len(ev.Segments) == 0 {
			return
		}
		a.emitter.Emit(events.TranscriptEvent{
			Segments:    ev.Segments,
			Participant: ev.Participant,
			IsUser:      ev.Participant == ClientIdentity,
		})
	case RoomParticipantConnected:
		a.emitter.Emit(events.ParticipantConnectedEvent{Identity: ev.Participant})
	case RoomParticipantDisconnected:
		a.emitter.Emit(events.ParticipantDisconnectedEvent{Identity: ev.Participant})
		if ev.Participant != ClientIdentity {
			a.logger.Info("agent left the room; ending call", "participant", ev.Participant)
			go func() { _ = a.teardown(context.Background(), events.ReasonRemote) }()
		}
	case RoomTrackSubscribed:
		if ev.Track.Kind == TrackAudio {
			a.attach(ev.Track)
		}
	case RoomTrackUnsubscribed:
		a.detach(ev.Track.SID)
	default:
		a.logger.Debug("ignoring room event", "kind", ev.Kind)
	}
}

func (a *Adapter) handleRoomState(ev RoomEvent) {
	a.mu.Lock()
	closing := a.closing
	a.mu.Unlock()
	if closing {
		return
	}
	switch ev.State {
	case RoomConnected:
		// The initial join is reported by Connect once the microphone is live.
		if a.emitter.State() != events.StateReconnecting {
			return
		}
		a.emitter.SetState(events.StateConnected)
		a.emitter.Emit(events.ConnectedEvent{AgentID: a.agentID})
	case RoomReconnecting:
		a.emitter.SetState(events.StateReconnecting)
	case RoomDisconnected:
		go func() { _ = a.teardown(context.Background(), events.ReasonRemote) }()
	case RoomFailed:
		err := ev.Err
		if err == nil {
			err = errors.New("media room failed")
		}
		a.logger.Error("voice session failed", "error", err)
		a.emitter.Emit(events.ErrorEvent{Err: core.NewTransportError("media connection failed", err), Fatal: true})
		if _, changed := a.emitter.SetState(events.StateFailed); changed {
			a.emitter.Emit(events.DisconnectedEvent{Reason: events.ReasonFailure})
		}
	}
}

func (a *Adapter) attach(track RemoteTrack) {
	el, err := a.cfg.Host.AttachTrack(track)
	if err != nil {
		a.logger.Warn("attach remote audio failed", "track", track.SID, "error", err)
		a.emitter.Emit(events.ErrorEvent{Err: core.WrapError(core.ErrTransport, "attach remote audio", err)})
		return
	}

	a.mu.Lock()
	container := a.sink()
	a.mu.Unlock()
	if container == nil {
		if container, err = a.hiddenContainer(); err != nil {
			el.Detach()
			a.emitter.Emit(events.ErrorEvent{Err: err})
			return
		}
	}
	if err := container.Append(el); err != nil {
		el.Detach()
		a.emitter.Emit(events.ErrorEvent{Err: core.WrapError(core.ErrTransport, "append audio element", err)})
		return
	}

	a.mu.Lock()
	a.tracks[track.SID] = attachedTrack{track: track, element: el}
	a.mu.Unlock()

	a.emitter.Emit(events.AudioTrackEvent{TrackID: track.SID, Participant: track.Participant})
	if err := el.Play(); err != nil {
		a.logger.Warn("audio playback blocked", "track", track.SID, "error", err)
		a.emitter.Emit(events.ErrorEvent{Err: core.WrapError(core.ErrAutoplayBlocked, "audio playback blocked; resume on user gesture", err)})
	}
}

func (a *Adapter) detach(sid string) {
	a.mu.Lock()
	t, ok := a.tracks[sid]
	delete(a.tracks, sid)
	container := a.sink()
	a.mu.Unlock()
	if !ok {
		return
	}
	if container != nil {
		container.Remove(t.element)
	}
	t.element.Detach()
}

func (a *Adapter) detachAll() {
	a.mu.Lock()
	container := a.sink()
	tracks := a.tracks
	a.tracks = make(map[string]attachedTrack)
	hidden := a.hidden
	a.hidden = nil
	a.mu.Unlock()

	for _, t := range tracks {
		if container != nil {
			container.Remove(t.element)
		}
		t.element.Detach()
	}
	if hidden != nil {
		a.cfg.Host.RemoveAudioContainer(hidden)
	}
}
