package transcript

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/vango-go/agentline/pkg/core/bus"
	"github.com/vango-go/agentline/pkg/core/events"
)

func newTestNormalizer() (*Normalizer, *[]events.MessageUpdatedEvent) {
	b := bus.New[events.Event](events.Key, nil)
	var updates []events.MessageUpdatedEvent
	b.On(string(events.NameMessageUpdated), func(ev events.Event) {
		updates = append(updates, ev.(events.MessageUpdatedEvent))
	})
	n := New(b, nil)
	n.Attach(b)
	return n, &updates
}

func TestNormalizer_NeverRepeatsRoleConsecutively(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		n, _ := newTestNormalizer()
		for i := 0; i < 40; i++ {
			text := fmt.Sprintf("text %d", i)
			switch rng.Intn(4) {
			case 0:
				n.Handle(events.TranscriptEvent{IsUser: true, Segments: []events.Segment{{ID: "u", Text: text}}})
			case 1:
				n.Handle(events.TranscriptEvent{Segments: []events.Segment{{ID: "a", Text: text}}})
			case 2:
				n.Handle(events.ChunkEvent{MessageID: "m", Chunk: "<beginning_of_stream>" + text})
			case 3:
				n.Handle(events.MessageEvent{Role: events.RoleUser, Content: text})
			}
		}
		msgs := n.Messages()
		for i := 1; i < len(msgs); i++ {
			if msgs[i].Role == msgs[i-1].Role {
				t.Fatalf("run %d: messages %d and %d share role %q", run, i-1, i, msgs[i].Role)
			}
		}
	}
}

func TestNormalizer_SameRoleReplacesInPlace(t *testing.T) {
	t.Parallel()

	n, updates := newTestNormalizer()
	n.Handle(events.ChunkEvent{MessageID: "m1", Chunk: "<beginning_of_stream>Hello"})
	n.Handle(events.ChunkEvent{MessageID: "m1", Chunk: "Hello there<end_of_stream>"})

	msgs := n.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len=%d, want 1", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Content != "Hello there" || !msgs[0].Final {
		t.Fatalf("message=%+v", msgs[0])
	}
	if len(*updates) != 2 || !(*updates)[0].Appended || (*updates)[1].Appended {
		t.Fatalf("updates=%+v", *updates)
	}

	n.Handle(events.MessageEvent{Role: events.RoleUser, Content: "hi", MessageID: "user-1"})
	n.Handle(events.ChunkEvent{MessageID: "m2", Chunk: "Sure"})
	if n.Len() != 3 {
		t.Fatalf("len=%d, want 3", n.Len())
	}
	if last, _ := n.Last(); last.ID != "m2" || last.Final {
		t.Fatalf("last=%+v", last)
	}
}

func TestNormalizer_DiscardsEmptyChunks(t *testing.T) {
	t.Parallel()

	n, updates := newTestNormalizer()
	n.Handle(events.ChunkEvent{Chunk: "<beginning_of_stream>  <end_of_stream>"})
	n.Handle(events.TranscriptEvent{Segments: []events.Segment{{Text: "   "}}})
	if n.Len() != 0 || len(*updates) != 0 {
		t.Fatalf("len=%d updates=%d, want nothing", n.Len(), len(*updates))
	}
}

func TestNormalizer_CompleteFinalizesAgentTurn(t *testing.T) {
	t.Parallel()

	n, _ := newTestNormalizer()
	n.Handle(events.ChunkEvent{MessageID: "m1", Chunk: "Working on it"})
	n.Handle(events.MessageEvent{Role: events.RoleAgent, Complete: true, MessageID: "m1"})
	if last, _ := n.Last(); !last.Final {
		t.Fatalf("agent turn not final after completion")
	}

	// Completion with no agent turn is ignored.
	n.Handle(events.MessageEvent{Role: events.RoleUser, Content: "ok"})
	n.Handle(events.MessageEvent{Role: events.RoleAgent, Complete: true})
	if n.Len() != 2 {
		t.Fatalf("len=%d, want 2", n.Len())
	}
}

func TestNormalizer_SummaryAndSegments(t *testing.T) {
	t.Parallel()

	n, _ := newTestNormalizer()
	n.now = func() time.Time { return time.Unix(100, 0) }
	n.Handle(events.TranscriptEvent{IsUser: true, Segments: []events.Segment{
		{ID: "s1", Text: "I need", Final: true},
		{ID: "s2", Text: "help", Final: true},
	}})
	n.Handle(events.TranscriptEvent{Segments: []events.Segment{{ID: "s3", Text: "Of course."}}})

	want := "user: I need help\nagent: Of course."
	if got := n.Summary(); got != want {
		t.Fatalf("summary=%q, want %q", got, want)
	}
	msgs := n.Messages()
	if !msgs[0].Final || msgs[1].Final {
		t.Fatalf("final flags=%v/%v", msgs[0].Final, msgs[1].Final)
	}
	if msgs[0].ID != "s1" || !msgs[0].Timestamp.Equal(time.Unix(100, 0)) {
		t.Fatalf("first=%+v", msgs[0])
	}

	n.Clear()
	if n.Len() != 0 || n.Summary() != "" {
		t.Fatalf("transcript not cleared")
	}
}

func TestStripMarkers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		text  string
		final bool
	}{
		{"<beginning_of_stream>Hi", "Hi", false},
		{" Hi there <end_of_stream>", "Hi there", true},
		{"<beginning_of_stream><end_of_stream>", "", true},
		{"plain", "plain", false},
	}
	for _, tc := range cases {
		text, final := StripMarkers(tc.in)
		if text != tc.text || final != tc.final {
			t.Fatalf("StripMarkers(%q)=(%q,%v), want (%q,%v)", tc.in, text, final, tc.text, tc.final)
		}
	}
}
