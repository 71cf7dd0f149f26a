package widget

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/agentline/pkg/config"
	"github.com/vango-go/agentline/pkg/core/handoff"
	"github.com/vango-go/agentline/pkg/core/metrics"
	"github.com/vango-go/agentline/pkg/core/transport"
	"github.com/vango-go/agentline/pkg/core/transport/voicertc"
)

// Option configures a Widget.
type Option func(*Widget)

// WithConfig applies a loaded configuration. Options after it override its
// values.
func WithConfig(cfg config.Config) Option {
	return func(w *Widget) {
		w.agentID = cfg.AgentID
		w.agentName = cfg.AgentName
		w.transferAgentID = cfg.TransferAgentID
		w.transferAgentName = cfg.TransferAgentName
		w.serverURL = cfg.ServerURL
		w.roomURL = cfg.RoomURL
		if cfg.Mode != "" {
			w.mode = cfg.Mode
		}
		if len(cfg.TriggerPhrases) > 0 {
			w.phrases = append([]string(nil), cfg.TriggerPhrases...)
		}
		w.connectTimeout = cfg.ConnectTimeout
		w.gracePeriod = cfg.TransferGracePeriod
		w.settle = cfg.HandoffSettle
		w.maxReconnects = cfg.MaxReconnectAttempts
		w.reconnectBackoff = cfg.ReconnectBackoff
	}
}

// WithAgentID sets the agent the widget connects to first.
func WithAgentID(id string) Option {
	return func(w *Widget) {
		w.agentID = id
	}
}

// WithTransferAgentID sets the agent a detected transfer cue hands off to.
// Without it transfer cues are ignored.
func WithTransferAgentID(id string) Option {
	return func(w *Widget) {
		w.transferAgentID = id
	}
}

// WithAgentName sets the display name of the first agent.
func WithAgentName(name string) Option {
	return func(w *Widget) {
		w.agentName = name
	}
}

// WithTransferAgentName sets the display name announced when a transfer
// starts.
func WithTransferAgentName(name string) Option {
	return func(w *Widget) {
		w.transferAgentName = name
	}
}

// WithMode selects voice or text.
func WithMode(mode transport.Mode) Option {
	return func(w *Widget) {
		w.mode = mode
	}
}

// WithServerURL sets the platform API base URL.
func WithServerURL(url string) Option {
	return func(w *Widget) {
		w.serverURL = url
	}
}

// WithRoomURL sets the realtime media server used in voice mode.
func WithRoomURL(url string) Option {
	return func(w *Widget) {
		w.roomURL = url
	}
}

// WithSessionContext sets the dynamic variables sent on the first connect.
func WithSessionContext(vars map[string]any) Option {
	return func(w *Widget) {
		w.sessionContext = vars
	}
}

// WithTriggerPhrases replaces the default transfer phrases.
func WithTriggerPhrases(phrases ...string) Option {
	return func(w *Widget) {
		w.phrases = append([]string(nil), phrases...)
	}
}

// WithLogger sets the logger for the widget.
func WithLogger(l *slog.Logger) Option {
	return func(w *Widget) {
		w.logger = l
	}
}

// WithHTTPClient sets the HTTP client used for credential and status calls.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Widget) {
		w.httpClient = client
	}
}

// WithWebsocketDialer sets the dialer for the text chat socket.
func WithWebsocketDialer(d *websocket.Dialer) Option {
	return func(w *Widget) {
		w.wsDialer = d
	}
}

// WithMediaHost sets the microphone and audio element provider for voice mode.
func WithMediaHost(host voicertc.MediaHost) Option {
	return func(w *Widget) {
		w.mediaHost = host
	}
}

// WithRoomDialer sets the realtime media client for voice mode.
func WithRoomDialer(d voicertc.RoomDialer) Option {
	return func(w *Widget) {
		w.roomDialer = d
	}
}

// WithFillerCue sets what plays while a handoff connects.
func WithFillerCue(cue handoff.FillerCue) Option {
	return func(w *Widget) {
		w.filler = cue
	}
}

// WithMetrics records session metrics on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(w *Widget) {
		w.metrics = mt
	}
}

// WithConnectTimeout bounds how long a connect may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(w *Widget) {
		w.connectTimeout = d
	}
}

// WithTransferTiming sets the grace period after a cue and the settle
// interval between disconnecting and resuming.
func WithTransferTiming(grace, settle time.Duration) Option {
	return func(w *Widget) {
		w.gracePeriod = grace
		w.settle = settle
	}
}

// WithWait replaces the timer used for grace, settle and reconnect waits.
func WithWait(wait transport.WaitFunc) Option {
	return func(w *Widget) {
		w.wait = wait
	}
}
