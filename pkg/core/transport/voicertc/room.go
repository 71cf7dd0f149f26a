package voicertc

import (
	"context"

	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/transport"
)

// ClientIdentity is the participant identity the widget joins the room as.
const ClientIdentity = "client-participant"

// MediaHost is the embedding runtime: it owns the microphone and the
// playable sinks for remote audio.
type MediaHost interface {
	// RequestMicrophone asks for capture permission. It fails when the user
	// declines or no input device exists.
	RequestMicrophone(ctx context.Context) error
	// NewAudioContainer creates a hidden container for audio sinks.
	NewAudioContainer() (transport.AudioContainer, error)
	// RemoveAudioContainer removes a container created by NewAudioContainer.
	RemoveAudioContainer(c transport.AudioContainer)
	// AttachTrack binds a remote audio track to a new playable element.
	AttachTrack(track RemoteTrack) (transport.AudioElement, error)
}

// RoomDialer joins a realtime-media room.
type RoomDialer interface {
	Dial(ctx context.Context, url, token string) (Room, error)
}

// Room is the command and event surface of a joined media room.
type Room interface {
	Events() <-chan RoomEvent
	PublishMicrophone(ctx context.Context, opts AudioCaptureOptions) error
	PublishData(payload []byte, topic string, reliable bool) error
	SetMicrophoneEnabled(enabled bool) error
	Disconnect() error
}

// AudioCaptureOptions configures the published microphone track.
type AudioCaptureOptions struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultCapture is the microphone profile the agent platform expects.
var DefaultCapture = AudioCaptureOptions{
	SampleRate:       24000,
	Channels:         1,
	EchoCancellation: true,
	NoiseSuppression: true,
}

// TrackKind distinguishes audio from other media tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// RemoteTrack identifies a track published by another participant.
type RemoteTrack struct {
	SID         string
	Kind        TrackKind
	Participant string
}

// RoomState is the connection state reported by the room.
type RoomState string

const (
	RoomConnected    RoomState = "connected"
	RoomReconnecting RoomState = "reconnecting"
	RoomDisconnected RoomState = "disconnected"
	RoomFailed       RoomState = "failed"
)

// RoomEventKind tags a RoomEvent.
type RoomEventKind int

const (
	RoomStateChanged RoomEventKind = iota + 1
	RoomData
	RoomTranscription
	RoomParticipantConnected
	RoomParticipantDisconnected
	RoomTrackSubscribed
	RoomTrackUnsubscribed
)

// RoomEvent is one notification from the room. Only the fields relevant to
// Kind are set.
type RoomEvent struct {
	Kind        RoomEventKind
	State       RoomState
	Participant string
	Topic       string
	Payload     []byte
	Segments    []events.Segment
	Track       RemoteTrack
	Err         error
}
