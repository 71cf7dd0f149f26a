package textws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Frame types exchanged with the chat socket.
const (
	TypeInit            = "text-chat-init"
	TypeMessage         = "text-chat-message"
	TypeData            = "data"
	TypeSessionInit     = "session_initialized"
	TypeReconnected     = "reconnection_success"
	TypeChatConnected   = "text-chat-connected"
	TypeTyping          = "text-chat-typing"
	TypeChunk           = "text-chat-chunk"
	TypeMessageComplete = "text-chat-message-complete"
	TypeChatError       = "text-chat-error"
	TypeEndCall         = "end-call"
)

// CloseReasonCallEnded is sent with the normal close code after end-call.
const CloseReasonCallEnded = "Call ended"

type initFrame struct {
	Type string   `json:"type"`
	Data initData `json:"data"`
}

type initData struct {
	AgentID          string         `json:"agentId"`
	UserID           string         `json:"userId"`
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

type messageFrame struct {
	Type string      `json:"type"`
	Data messageData `json:"data"`
}

type messageData struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type dataFrame struct {
	Type      string `json:"type"`
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// inboundFrame is the union of every server frame this adapter reads.
type inboundFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type typingData struct {
	Typing bool `json:"typing"`
}

type chunkData struct {
	Chunk     string    `json:"chunk"`
	MessageID string    `json:"messageId"`
	Timestamp timestamp `json:"timestamp"`
}

type completeData struct {
	MessageID string    `json:"messageId"`
	Timestamp timestamp `json:"timestamp"`
}

type errorData struct {
	Error string `json:"error"`
}

type statusResponse struct {
	CanReconnect bool `json:"canReconnect"`
}

// timestamp accepts epoch milliseconds or an RFC 3339 string.
type timestamp struct {
	time.Time
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

func decodeData[T any](frame inboundFrame) (T, error) {
	var out T
	if len(frame.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(frame.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", frame.Type, err)
	}
	return out, nil
}
