// Package transcript folds the raw content events of either transport into
// one ordered list of conversation turns.
package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/agentline/pkg/core/bus"
	"github.com/vango-go/agentline/pkg/core/events"
)

const (
	beginMarker = "<beginning_of_stream>"
	endMarker   = "<end_of_stream>"
)

// Message is one turn. Content holds the full current text of the turn.
type Message struct {
	ID        string
	Role      events.Role
	Content   string
	Timestamp time.Time
	Final     bool
}

// Normalizer keeps the transcript. A turn from the same role as the last
// turn replaces its content; a turn from the other role is appended.
type Normalizer struct {
	bus    *bus.Bus[events.Event]
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	messages []Message
	seq      int
}

// New creates a Normalizer publishing updates on b.
func New(b *bus.Bus[events.Event], logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{bus: b, logger: logger, now: time.Now}
}

// Attach registers the normalizer for the raw content events on b.
func (n *Normalizer) Attach(b *bus.Bus[events.Event]) []bus.Subscription {
	return []bus.Subscription{
		b.On(string(events.NameTranscriptReceived), n.Handle),
		b.On(string(events.NameMessageChunk), n.Handle),
		b.On(string(events.NameMessageReceived), n.Handle),
	}
}

// Handle folds one raw content event into the transcript.
func (n *Normalizer) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.TranscriptEvent:
		role := events.RoleAgent
		if e.IsUser {
			role = events.RoleUser
		}
		var parts []string
		final := true
		id := ""
		for _, seg := range e.Segments {
			if id == "" {
				id = seg.ID
			}
			if text := strings.TrimSpace(seg.Text); text != "" {
				parts = append(parts, text)
			}
			final = final && seg.Final
		}
		n.upsert(id, role, strings.Join(parts, " "), n.now(), final)
	case events.ChunkEvent:
		text, final := StripMarkers(e.Chunk)
		n.upsert(e.MessageID, events.RoleAgent, text, e.Timestamp, final)
	case events.MessageEvent:
		if e.Complete && e.Role == events.RoleAgent {
			n.finalizeAgent()
			return
		}
		role := e.Role
		if role == "" {
			role = events.RoleAgent
		}
		n.upsert(e.MessageID, role, strings.TrimSpace(e.Content), e.Timestamp, role == events.RoleUser)
	}
}

// StripMarkers removes stream boundary markers and trims the result. final
// reports whether the end marker was present.
func StripMarkers(chunk string) (text string, final bool) {
	final = strings.Contains(chunk, endMarker)
	text = strings.ReplaceAll(chunk, beginMarker, "")
	text = strings.ReplaceAll(text, endMarker, "")
	return strings.TrimSpace(text), final
}

func (n *Normalizer) upsert(id string, role events.Role, content string, ts time.Time, final bool) {
	if content == "" {
		return
	}
	if ts.IsZero() {
		ts = n.now()
	}

	n.mu.Lock()
	var update events.MessageUpdatedEvent
	if last := len(n.messages) - 1; last >= 0 && n.messages[last].Role == role {
		msg := &n.messages[last]
		msg.Content = content
		msg.Timestamp = ts
		msg.Final = final
		update = events.MessageUpdatedEvent{Index: last, Role: role, ID: msg.ID, Content: content, Final: final}
	} else {
		n.seq++
		if id == "" {
			id = fmt.Sprintf("%s-%d", role, n.seq)
		}
		n.messages = append(n.messages, Message{ID: id, Role: role, Content: content, Timestamp: ts, Final: final})
		update = events.MessageUpdatedEvent{Index: len(n.messages) - 1, Appended: true, Role: role, ID: id, Content: content, Final: final}
	}
	n.mu.Unlock()

	n.logger.Debug("transcript updated", "role", role, "index", update.Index, "appended", update.Appended)
	n.bus.Publish(update)
}

func (n *Normalizer) finalizeAgent() {
	n.mu.Lock()
	last := len(n.messages) - 1
	if last < 0 || n.messages[last].Role != events.RoleAgent || n.messages[last].Final {
		n.mu.Unlock()
		return
	}
	msg := &n.messages[last]
	msg.Final = true
	update := events.MessageUpdatedEvent{Index: last, Role: msg.Role, ID: msg.ID, Content: msg.Content, Final: true}
	n.mu.Unlock()

	n.bus.Publish(update)
}

// Messages returns a copy of the transcript.
func (n *Normalizer) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.messages...)
}

// Last returns the most recent turn.
func (n *Normalizer) Last() (Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return Message{}, false
	}
	return n.messages[len(n.messages)-1], true
}

// Len returns the number of turns.
func (n *Normalizer) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

// Summary renders the transcript as "role: content" lines.
func (n *Normalizer) Summary() string {
	return Summarize(n.Messages())
}

// Clear drops every turn.
func (n *Normalizer) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = nil
	n.seq = 0
}

// Summarize renders messages as "role: content" lines.
func Summarize(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
