// Package transfer watches the normalized transcript for the agent's transfer
// cue and for answers worth carrying to the next agent.
package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/agentline/pkg/core/bus"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/metrics"
	"github.com/vango-go/agentline/pkg/core/transport"
)

const defaultGracePeriod = 3 * time.Second

// Trigger is a detected transfer cue.
type Trigger struct {
	MatchedPhrase       string
	TriggeredAt         time.Time
	ConversationSummary string
	TargetAgentID       string
	// Generation is the session generation the cue was heard in.
	Generation uint64
}

// Config configures a Detector.
type Config struct {
	Phrases       []string
	GracePeriod   time.Duration
	TargetAgentID string

	// Summary renders the transcript at trigger time.
	Summary func() string
	// Generation reports the current session generation.
	Generation func() uint64
	// OnTrigger runs after the grace period.
	OnTrigger func(ctx context.Context, t Trigger)

	Bus     *bus.Bus[events.Event]
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Wait    transport.WaitFunc
	Now     func() time.Time
}

// Detector fires at most once per session on a trigger phrase.
type Detector struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	latched bool
}

// NewDetector creates a Detector.
func NewDetector(cfg Config) *Detector {
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = DefaultPhrases
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Wait == nil {
		cfg.Wait = transport.Wait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Summary == nil {
		cfg.Summary = func() string { return "" }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Detector{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Handle inspects agent turns from messageUpdated events.
func (d *Detector) Handle(ev events.Event) {
	if e, ok := ev.(events.MessageUpdatedEvent); ok && e.Role == events.RoleAgent {
		d.Observe(e.Content)
	}
}

// Observe checks one agent utterance. On the first match it latches,
// publishes transferTriggered and schedules the callback.
func (d *Detector) Observe(content string) (Trigger, bool) {
	phrase, ok := Match(content, d.cfg.Phrases)
	if !ok {
		return Trigger{}, false
	}

	d.mu.Lock()
	if d.latched {
		d.mu.Unlock()
		return Trigger{}, false
	}
	d.latched = true
	d.mu.Unlock()

	t := Trigger{
		MatchedPhrase:       phrase,
		TriggeredAt:         d.cfg.Now(),
		ConversationSummary: d.cfg.Summary(),
		TargetAgentID:       d.cfg.TargetAgentID,
	}
	if d.cfg.Generation != nil {
		t.Generation = d.cfg.Generation()
	}

	d.cfg.Logger.Info("transfer cue detected", "phrase", phrase, "target_agent_id", t.TargetAgentID)
	d.cfg.Metrics.RecordTransferTrigger()
	d.cfg.Bus.Publish(events.TransferTriggeredEvent{
		MatchedPhrase: phrase,
		TargetAgentID: t.TargetAgentID,
		TriggeredAt:   t.TriggeredAt,
	})

	if d.cfg.OnTrigger != nil {
		go func() {
			if err := d.cfg.Wait(d.ctx, d.cfg.GracePeriod); err != nil {
				return
			}
			d.cfg.OnTrigger(d.ctx, t)
		}()
	}
	return t, true
}

// Triggered reports whether the latch is set.
func (d *Detector) Triggered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latched
}

// Reset re-arms the detector for a new session.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latched = false
}

// Close cancels a pending grace wait.
func (d *Detector) Close() {
	d.cancel()
}
