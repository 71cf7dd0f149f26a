// Package handoff moves a conversation from the current agent to the transfer
// agent once the transfer cue has been heard.
package handoff

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/vango-go/agentline/pkg/core"
	"github.com/vango-go/agentline/pkg/core/bus"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/metrics"
	"github.com/vango-go/agentline/pkg/core/session"
	"github.com/vango-go/agentline/pkg/core/transfer"
	"github.com/vango-go/agentline/pkg/core/transport"
)

const (
	defaultSettleInterval = 1500 * time.Millisecond

	// HandoffReason is sent to the transfer agent in the session context.
	HandoffReason = "agent_triggered_transfer"
)

// Context keys forwarded to the transfer agent.
const (
	ContextHandoffReason       = "handoff_reason"
	ContextConversationSummary = "conversation_summary"
	ContextCollectedFields     = "collected_fields"
)

// Sessions is the part of the session manager a handoff drives.
type Sessions interface {
	Session() (session.Session, bool)
	Mode() transport.Mode
	Generation() uint64
	DisconnectFor(ctx context.Context, reason events.DisconnectReason) (uint64, error)
	Resume(ctx context.Context, gen uint64, target transport.Target) error
}

// Rearmer re-arms a one-shot trigger.
type Rearmer interface {
	Reset()
}

// FillerCue plays something to the user while the next agent connects.
type FillerCue interface {
	Start(ctx context.Context) error
	Stop()
}

// Config configures an Orchestrator.
type Config struct {
	Sessions Sessions
	Detector Rearmer
	Filler   FillerCue
	// Fields returns the collected user fields at handoff time.
	Fields func() map[string]string
	// AgentNames maps agent ids to display names for transfer notices.
	AgentNames map[string]string

	SettleInterval time.Duration

	Bus     *bus.Bus[events.Event]
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Wait    transport.WaitFunc
}

// Orchestrator runs at most one handoff at a time.
type Orchestrator struct {
	cfg Config

	mu         sync.Mutex
	inProgress bool
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = defaultSettleInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Wait == nil {
		cfg.Wait = transport.Wait
	}
	return &Orchestrator{cfg: cfg}
}

// SetDetector sets the trigger re-armed after each handoff, for callers that
// build the detector after the orchestrator.
func (o *Orchestrator) SetDetector(d Rearmer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Detector = d
}

// InProgress reports whether a handoff is running.
func (o *Orchestrator) InProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inProgress
}

// OnTrigger runs a handoff for t and logs the outcome. It matches the
// detector's callback signature.
func (o *Orchestrator) OnTrigger(ctx context.Context, t transfer.Trigger) {
	if err := o.Handoff(ctx, t); err != nil {
		o.cfg.Logger.Debug("handoff ended with error", "error", err)
	}
}

// Handoff disconnects the current session and resumes against the transfer
// agent. It returns nil when the handoff was skipped or abandoned because
// the user changed the session in the meantime.
func (o *Orchestrator) Handoff(ctx context.Context, t transfer.Trigger) error {
	o.mu.Lock()
	if o.inProgress {
		o.mu.Unlock()
		o.cfg.Logger.Debug("handoff already in progress")
		return nil
	}
	o.inProgress = true
	o.mu.Unlock()

	logger := o.cfg.Logger.With("target_agent_id", t.TargetAgentID)

	if t.Generation != 0 && t.Generation != o.cfg.Sessions.Generation() {
		logger.Info("handoff skipped; session changed during grace period")
		o.finish()
		o.cfg.Metrics.RecordHandoff("skipped")
		return nil
	}

	sess, _ := o.cfg.Sessions.Session()
	mode := sess.Mode
	if mode == "" {
		mode = o.cfg.Sessions.Mode()
	}

	o.cfg.Bus.Publish(events.TransferStartedEvent{
		FromAgentID:   sess.TargetAgentID,
		FromAgentName: o.cfg.AgentNames[sess.TargetAgentID],
		ToAgentID:     t.TargetAgentID,
		ToAgentName:   o.cfg.AgentNames[t.TargetAgentID],
	})
	logger.Info("handoff started", "from_agent_id", sess.TargetAgentID, "mode", mode)

	if t.TargetAgentID == "" {
		return o.fail(logger, t.TargetAgentID, core.NewInvalidRequestError("no transfer agent configured"))
	}

	gen, err := o.cfg.Sessions.DisconnectFor(ctx, events.ReasonHandoff)
	if err != nil {
		logger.Warn("disconnect before handoff failed", "error", err)
	}

	if o.cfg.Filler != nil {
		if err := o.cfg.Filler.Start(ctx); err != nil {
			logger.Warn("filler cue failed to start", "error", err)
		}
	}

	if err := o.cfg.Wait(ctx, o.cfg.SettleInterval); err != nil {
		logger.Info("handoff abandoned during settle", "error", err)
		o.stopFiller()
		o.finish()
		o.cfg.Metrics.RecordHandoff("abandoned")
		return nil
	}

	fields := map[string]string{}
	if o.cfg.Fields != nil {
		if f := o.cfg.Fields(); f != nil {
			fields = maps.Clone(f)
		}
	}
	target := transport.Target{
		AgentID: t.TargetAgentID,
		Mode:    mode,
		Context: map[string]any{
			ContextHandoffReason:       HandoffReason,
			ContextConversationSummary: t.ConversationSummary,
			ContextCollectedFields:     fields,
		},
	}

	err = o.cfg.Sessions.Resume(ctx, gen, target)
	o.stopFiller()
	switch {
	case err == nil:
	case core.IsType(err, core.ErrSuperseded) || ctx.Err() != nil:
		logger.Info("handoff superseded by a newer session", "error", err)
		o.finish()
		o.cfg.Metrics.RecordHandoff("superseded")
		return nil
	default:
		return o.fail(logger, t.TargetAgentID, err)
	}

	next, _ := o.cfg.Sessions.Session()
	o.finish()
	o.cfg.Metrics.RecordHandoff("completed")
	logger.Info("handoff completed", "session_id", next.ID)
	o.cfg.Bus.Publish(events.TransferCompletedEvent{AgentID: t.TargetAgentID, SessionID: next.ID})
	return nil
}

func (o *Orchestrator) fail(logger *slog.Logger, agentID string, cause error) error {
	o.stopFiller()
	o.finish()
	o.cfg.Metrics.RecordHandoff("failed")
	logger.Error("handoff failed", "error", cause)

	err := core.WrapError(core.ErrTransferFailed, "failed to transfer, try again", cause)
	o.cfg.Bus.Publish(events.TransferFailedEvent{AgentID: agentID, Err: cause})
	o.cfg.Bus.Publish(events.ErrorEvent{Err: err, Fatal: false})
	return err
}

func (o *Orchestrator) stopFiller() {
	if o.cfg.Filler != nil {
		o.cfg.Filler.Stop()
	}
}

// finish clears the latch and re-arms the detector.
func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.inProgress = false
	detector := o.cfg.Detector
	o.mu.Unlock()
	if detector != nil {
		detector.Reset()
	}
}
