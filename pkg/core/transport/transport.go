// Package transport defines the contract every agent connection implements,
// regardless of whether it carries voice over a media room or text over a
// message socket.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/agentline/pkg/core"
	"github.com/vango-go/agentline/pkg/core/events"
)

// Mode selects the adapter variant for a session.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// ParseMode parses a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeVoice, "":
		return ModeVoice, nil
	case ModeText:
		return ModeText, nil
	default:
		return "", core.NewInvalidRequestError(fmt.Sprintf("unknown mode %q (want voice or text)", raw))
	}
}

// Target describes which agent a connection is for.
type Target struct {
	AgentID string
	Mode    Mode
	Context map[string]any
}

// Adapter wraps one external transport behind the normalized contract.
//
// An adapter serves one session: Connect is called once, Disconnect releases
// everything and closes the Events channel.
type Adapter interface {
	Connect(ctx context.Context, target Target) error
	Disconnect(ctx context.Context) error
	Send(topic string, payload any) error
	Events() <-chan events.Event
	Mode() Mode
	SupportsMuting() bool
}

// MessageSender is implemented by adapters that carry typed user messages.
type MessageSender interface {
	SendMessage(text string) error
}

// Muter is implemented by adapters that can silence the local microphone.
type Muter interface {
	SetMuted(muted bool) error
}

// AudioRouter is implemented by adapters that play remote audio.
type AudioRouter interface {
	SetAudioOutput(out AudioContainer) error
}

// AudioElement is a playable sink bound to one remote audio track.
type AudioElement interface {
	Play() error
	Detach()
}

// AudioContainer holds audio elements in the host page.
type AudioContainer interface {
	Append(el AudioElement) error
	Remove(el AudioElement)
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Wait is the default WaitFunc backed by a timer.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
