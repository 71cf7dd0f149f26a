package widget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/transport"
)

type agentInit struct {
	Type string `json:"type"`
	Data struct {
		AgentID          string         `json:"agentId"`
		DynamicVariables map[string]any `json:"dynamic_variables"`
	} `json:"data"`
}

// newAgentServer serves chat sockets for agent_a and agent_b. agent_a answers
// the first user message with a transfer phrase.
func newAgentServer(t *testing.T) (string, <-chan agentInit) {
	t.Helper()

	inits := make(chan agentInit, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := strings.TrimPrefix(r.URL.Path, "/chat/v1/")
		if agent != "agent_a" && agent != "agent_b" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var init agentInit
		if err := conn.ReadJSON(&init); err != nil {
			return
		}
		inits <- init
		_ = conn.WriteJSON(map[string]any{"type": "session_initialized", "session_id": "sess_" + agent})

		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if agent != "agent_a" || frame["type"] != "text-chat-message" {
				continue
			}
			_ = conn.WriteJSON(map[string]any{
				"type": "text-chat-chunk",
				"data": map[string]any{
					"chunk":     "<beginning_of_stream>Sure. Please hold on for a moment while I transfer you.<end_of_stream>",
					"messageId": "m1",
				},
			})
		}
	}))
	t.Cleanup(server.Close)
	return server.URL, inits
}

func instantWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestWidget_TextHandoffEndToEnd(t *testing.T) {
	t.Parallel()

	serverURL, inits := newAgentServer(t)
	w, err := New(
		WithAgentID("agent_a"),
		WithTransferAgentID("agent_b"),
		WithTransferAgentName("Sales"),
		WithServerURL(serverURL),
		WithMode(transport.ModeText),
		WithWait(instantWait),
		WithSessionContext(map[string]any{"page": "pricing"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Destroy(context.Background()) })

	var mu sync.Mutex
	var connected []events.ConnectedEvent
	completed := make(chan events.TransferCompletedEvent, 1)
	started := make(chan events.TransferStartedEvent, 1)
	if _, err := w.On("transferStarted", func(ev events.Event) {
		started <- ev.(events.TransferStartedEvent)
	}); err != nil {
		t.Fatalf("On(transferStarted): %v", err)
	}
	if _, err := w.On("connected", func(ev events.Event) {
		mu.Lock()
		connected = append(connected, ev.(events.ConnectedEvent))
		mu.Unlock()
	}); err != nil {
		t.Fatalf("On(connected): %v", err)
	}
	if _, err := w.On("transferCompleted", func(ev events.Event) {
		completed <- ev.(events.TransferCompletedEvent)
	}); err != nil {
		t.Fatalf("On(transferCompleted): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := <-inits
	if first.Data.AgentID != "agent_a" || first.Data.DynamicVariables["page"] != "pricing" {
		t.Fatalf("first init=%+v", first)
	}

	if err := w.SendMessage("I want to talk to sales"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var done events.TransferCompletedEvent
	select {
	case done = <-completed:
	case <-ctx.Done():
		t.Fatalf("handoff never completed; state=%s", w.ConnectionState())
	}

	if s := <-started; s.ToAgentID != "agent_b" || s.ToAgentName != "Sales" {
		t.Fatalf("transferStarted=%+v", s)
	}

	second := <-inits
	if second.Data.AgentID != "agent_b" {
		t.Fatalf("second init agent=%q", second.Data.AgentID)
	}
	vars := second.Data.DynamicVariables
	if vars["handoff_reason"] != "agent_triggered_transfer" {
		t.Fatalf("handoff_reason=%v", vars["handoff_reason"])
	}
	summary, _ := vars["conversation_summary"].(string)
	if !strings.Contains(summary, "user: I want to talk to sales") {
		t.Fatalf("conversation_summary=%q", summary)
	}
	if _, ok := vars["collected_fields"].(map[string]any); !ok {
		t.Fatalf("collected_fields=%v", vars["collected_fields"])
	}

	sess, ok := w.Session()
	if !ok || sess.TargetAgentID != "agent_b" || sess.ID != done.SessionID {
		t.Fatalf("session=%+v ok=%v, completed=%+v", sess, ok, done)
	}
	if w.ConnectionState() != events.StateConnected {
		t.Fatalf("state=%s, want connected", w.ConnectionState())
	}

	// connected for the new session may still be in flight on the pump.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		var forNew int
		for _, ev := range connected {
			if ev.SessionID == done.SessionID {
				forNew++
			}
		}
		got := append([]events.ConnectedEvent(nil), connected...)
		mu.Unlock()
		if len(got) == 2 && forNew == 1 {
			break
		}
		if len(got) > 2 || forNew > 1 || time.Now().After(deadline) {
			t.Fatalf("connected events=%+v, want one per session", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWidget_OnRejectsUnknownEvent(t *testing.T) {
	t.Parallel()

	w, err := New(WithAgentID("agent_a"), WithServerURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := w.On("connectd", func(events.Event) {}); !IsType(err, ErrInvalidRequest) {
		t.Fatalf("On(unknown) err=%v, want invalid_request_error", err)
	}
	sub, err := w.On("error", func(events.Event) {})
	if err != nil {
		t.Fatalf("On(error): %v", err)
	}
	if !w.Off(sub) || w.Off(sub) {
		t.Fatalf("Off should remove the handler exactly once")
	}
}

func TestWidget_SendBeforeConnect(t *testing.T) {
	t.Parallel()

	w, err := New(WithAgentID("agent_a"), WithServerURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.SendMessage("hi"); !IsType(err, ErrNotConnected) {
		t.Fatalf("SendMessage err=%v, want not_connected", err)
	}
	if w.ConnectionState() != events.StateDisconnected {
		t.Fatalf("state=%s", w.ConnectionState())
	}
	if w.SupportsMuting() {
		t.Fatalf("text widget reports muting support")
	}
}

func TestWidget_NewValidates(t *testing.T) {
	t.Parallel()

	cases := map[string][]Option{
		"no agent":     {WithServerURL("http://x")},
		"no server":    {WithAgentID("a")},
		"bad mode":     {WithAgentID("a"), WithServerURL("http://x"), WithMode("video")},
		"voice no rtc": {WithAgentID("a"), WithServerURL("http://x"), WithMode(transport.ModeVoice)},
	}
	for name, opts := range cases {
		if _, err := New(opts...); !IsType(err, ErrInvalidRequest) {
			t.Fatalf("%s: err=%v, want invalid_request_error", name, err)
		}
	}
}

func TestWidget_DestroyClearsState(t *testing.T) {
	t.Parallel()

	w, err := New(WithAgentID("agent_a"), WithServerURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.fields.Capture("ada@example.com")
	if len(w.CollectedFields()) == 0 {
		t.Fatalf("email not captured")
	}
	if err := w.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(w.CollectedFields()) != 0 || len(w.Transcript()) != 0 {
		t.Fatalf("state survived Destroy")
	}
	if err := w.Connect(context.Background()); !IsType(err, ErrInvalidRequest) {
		t.Fatalf("Connect after Destroy err=%v", err)
	}
	if err := w.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}

func TestWidget_EmptySessionContextSendsObject(t *testing.T) {
	t.Parallel()

	serverURL, inits := newAgentServer(t)
	w, err := New(WithAgentID("agent_b"), WithServerURL(serverURL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Destroy(context.Background()) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	init := <-inits
	raw, _ := json.Marshal(init.Data.DynamicVariables)
	if string(raw) != "{}" {
		t.Fatalf("dynamic_variables=%s, want {}", raw)
	}
}
