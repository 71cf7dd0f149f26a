// Package events defines the normalized events that flow from transport
// adapters through the session manager onto the event bus.
package events

import (
	"encoding/json"
	"time"
)

// Name identifies an event for subscription.
type Name string

const (
	NameConnected               Name = "connected"
	NameDisconnected            Name = "disconnected"
	NameConnectionStateChanged  Name = "connectionStateChanged"
	NameTranscriptReceived      Name = "transcriptReceived"
	NameDataReceived            Name = "dataReceived"
	NameError                   Name = "error"
	NameAudioTrackReceived      Name = "audioTrackReceived"
	NameParticipantConnected    Name = "participantConnected"
	NameParticipantDisconnected Name = "participantDisconnected"
	NameMessageReceived         Name = "messageReceived"
	NameMessageChunk            Name = "messageChunk"
	NameTyping                  Name = "typing"
	NameSessionInitialized      Name = "sessionInitialized"

	NameMessageUpdated    Name = "messageUpdated"
	NameTransferTriggered Name = "transferTriggered"
	NameTransferStarted   Name = "transferStarted"
	NameTransferCompleted Name = "transferCompleted"
	NameTransferFailed    Name = "transferFailed"
	NameUserFieldsUpdated Name = "userFieldsUpdated"
)

// Names lists every event name a subscriber may register for.
var Names = []Name{
	NameConnected,
	NameDisconnected,
	NameConnectionStateChanged,
	NameTranscriptReceived,
	NameDataReceived,
	NameError,
	NameAudioTrackReceived,
	NameParticipantConnected,
	NameParticipantDisconnected,
	NameMessageReceived,
	NameMessageChunk,
	NameTyping,
	NameSessionInitialized,
	NameMessageUpdated,
	NameTransferTriggered,
	NameTransferStarted,
	NameTransferCompleted,
	NameTransferFailed,
	NameUserFieldsUpdated,
}

// Known reports whether n is a registered event name.
func Known(n Name) bool {
	for _, name := range Names {
		if name == n {
			return true
		}
	}
	return false
}

// Event is implemented by every value published on the bus.
type Event interface {
	EventName() Name
}

// Key returns the subscription key for e.
func Key(e Event) string {
	if e == nil {
		return ""
	}
	return string(e.EventName())
}

// State is a connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// Active reports whether s means a session is open or opening.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// DisconnectReason explains why a session ended.
type DisconnectReason string

const (
	ReasonClient  DisconnectReason = "client"
	ReasonRemote  DisconnectReason = "remote"
	ReasonEndCall DisconnectReason = "end_call"
	ReasonHandoff DisconnectReason = "handoff"
	ReasonFailure DisconnectReason = "failure"
)

type ConnectedEvent struct {
	SessionID string
	AgentID   string
}

func (ConnectedEvent) EventName() Name { return NameConnected }

type DisconnectedEvent struct {
	SessionID string
	Reason    DisconnectReason
}

func (DisconnectedEvent) EventName() Name { return NameDisconnected }

// StateChangedEvent reports a connection state transition.
type StateChangedEvent struct {
	State         State
	PreviousState State
}

func (StateChangedEvent) EventName() Name { return NameConnectionStateChanged }

// ErrorEvent carries a normalized failure. Fatal errors end the session.
type ErrorEvent struct {
	Err   error
	Fatal bool
}

func (ErrorEvent) EventName() Name { return NameError }

// Reason returns the human readable failure text.
func (e ErrorEvent) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Segment is one transcription segment from the media room.
type Segment struct {
	ID    string
	Text  string
	Final bool
}

// TranscriptEvent carries one participant's segment batch (voice mode).
type TranscriptEvent struct {
	Segments    []Segment
	Participant string
	IsUser      bool
}

func (TranscriptEvent) EventName() Name { return NameTranscriptReceived }

// ChunkEvent carries one streamed agent chunk (text mode), markers included.
type ChunkEvent struct {
	MessageID string
	Chunk     string
	Timestamp time.Time
}

func (ChunkEvent) EventName() Name { return NameMessageChunk }

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// MessageEvent carries a whole message: a user send, or an agent completion
// marker when Complete is set.
type MessageEvent struct {
	MessageID string
	Role      Role
	Content   string
	Complete  bool
	Timestamp time.Time
}

func (MessageEvent) EventName() Name { return NameMessageReceived }

type DataEvent struct {
	Topic       string
	Payload     json.RawMessage
	Participant string
}

func (DataEvent) EventName() Name { return NameDataReceived }

type TypingEvent struct {
	Typing bool
}

func (TypingEvent) EventName() Name { return NameTyping }

type SessionInitializedEvent struct {
	SessionID string
}

func (SessionInitializedEvent) EventName() Name { return NameSessionInitialized }

type ParticipantConnectedEvent struct {
	Identity string
}

func (ParticipantConnectedEvent) EventName() Name { return NameParticipantConnected }

type ParticipantDisconnectedEvent struct {
	Identity string
}

func (ParticipantDisconnectedEvent) EventName() Name { return NameParticipantDisconnected }

type AudioTrackEvent struct {
	TrackID     string
	Participant string
}

func (AudioTrackEvent) EventName() Name { return NameAudioTrackReceived }

// MessageUpdatedEvent reports an appended or rewritten transcript turn.
type MessageUpdatedEvent struct {
	Index    int
	Appended bool
	Role     Role
	ID       string
	Content  string
	Final    bool
}

func (MessageUpdatedEvent) EventName() Name { return NameMessageUpdated }

type TransferTriggeredEvent struct {
	MatchedPhrase string
	TargetAgentID string
	TriggeredAt   time.Time
}

func (TransferTriggeredEvent) EventName() Name { return NameTransferTriggered }

// TransferStartedEvent carries the display names of both agents when they
// are configured.
type TransferStartedEvent struct {
	FromAgentID   string
	FromAgentName string
	ToAgentID     string
	ToAgentName   string
}

func (TransferStartedEvent) EventName() Name { return NameTransferStarted }

type TransferCompletedEvent struct {
	AgentID   string
	SessionID string
}

func (TransferCompletedEvent) EventName() Name { return NameTransferCompleted }

type TransferFailedEvent struct {
	AgentID string
	Err     error
}

func (TransferFailedEvent) EventName() Name { return NameTransferFailed }

type UserFieldsUpdatedEvent struct {
	Fields map[string]string
}

func (UserFieldsUpdatedEvent) EventName() Name { return NameUserFieldsUpdated }
