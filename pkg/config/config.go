// Package config loads widget settings from the environment and from JSON
// widget documents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/agentline/pkg/core/transport"
)

type Config struct {
	AgentID           string
	AgentName         string
	TransferAgentID   string
	TransferAgentName string
	Mode              transport.Mode

	// ServerURL hosts the credential, message-socket and status endpoints.
	ServerURL string
	// RoomURL is the realtime media server used in voice mode.
	RoomURL string

	TriggerPhrases []string

	ConnectTimeout       time.Duration
	TransferGracePeriod  time.Duration
	HandoffSettle        time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration

	// Console client
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		AgentID:              envOr("AGENTLINE_AGENT_ID", ""),
		AgentName:            envOr("AGENTLINE_AGENT_NAME", ""),
		TransferAgentID:      envOr("AGENTLINE_TRANSFER_AGENT_ID", ""),
		TransferAgentName:    envOr("AGENTLINE_TRANSFER_AGENT_NAME", ""),
		ServerURL:            envOr("AGENTLINE_SERVER_URL", "http://localhost:8000"),
		RoomURL:              envOr("AGENTLINE_ROOM_URL", ""),
		TriggerPhrases:       splitCSV(os.Getenv("AGENTLINE_TRIGGER_PHRASES")),
		ConnectTimeout:       envDurationOr("AGENTLINE_CONNECT_TIMEOUT", 15*time.Second),
		TransferGracePeriod:  envDurationOr("AGENTLINE_TRANSFER_GRACE_PERIOD", 3*time.Second),
		HandoffSettle:        envDurationOr("AGENTLINE_HANDOFF_SETTLE", 1500*time.Millisecond),
		MaxReconnectAttempts: envIntOr("AGENTLINE_MAX_RECONNECT_ATTEMPTS", 3),
		ReconnectBackoff:     envDurationOr("AGENTLINE_RECONNECT_BACKOFF", 2*time.Second),
		MetricsAddr:          envOr("AGENTLINE_METRICS_ADDR", ""),
		LogLevel:             envOr("AGENTLINE_LOG_LEVEL", "info"),
		LogFormat:            envOr("AGENTLINE_LOG_FORMAT", "text"),
	}

	mode, err := transport.ParseMode(envOr("AGENTLINE_MODE", string(transport.ModeText)))
	if err != nil {
		return Config{}, fmt.Errorf("AGENTLINE_MODE must be one of voice|text")
	}
	cfg.Mode = mode

	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("AGENTLINE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.TransferGracePeriod <= 0 {
		return Config{}, fmt.Errorf("AGENTLINE_TRANSFER_GRACE_PERIOD must be > 0")
	}
	if cfg.HandoffSettle <= 0 {
		return Config{}, fmt.Errorf("AGENTLINE_HANDOFF_SETTLE must be > 0")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("AGENTLINE_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if cfg.ReconnectBackoff <= 0 {
		return Config{}, fmt.Errorf("AGENTLINE_RECONNECT_BACKOFF must be > 0")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("AGENTLINE_LOG_FORMAT must be one of text|json")
	}

	return cfg, nil
}

// Apply overlays the non-empty values of w onto cfg.
func (cfg *Config) Apply(w Widget) {
	overlay := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	overlay(&cfg.AgentID, w.AgentID)
	overlay(&cfg.AgentName, w.AgentName)
	overlay(&cfg.TransferAgentID, w.TransferAgentID)
	overlay(&cfg.TransferAgentName, w.TransferAgentName)
	overlay(&cfg.ServerURL, w.ServerURL)
	overlay(&cfg.RoomURL, w.RoomURL)
	if w.Mode != "" {
		cfg.Mode = transport.Mode(w.Mode)
	}
	if len(w.TriggerPhrases) > 0 {
		cfg.TriggerPhrases = append([]string(nil), w.TriggerPhrases...)
	}
}

// Validate checks the fields a widget needs before connecting.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return fmt.Errorf("agent id is required (AGENTLINE_AGENT_ID or widget agentId)")
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return fmt.Errorf("server url is required (AGENTLINE_SERVER_URL or widget serverUrl)")
	}
	if _, err := transport.ParseMode(string(cfg.Mode)); err != nil {
		return err
	}
	if cfg.Mode == transport.ModeVoice && strings.TrimSpace(cfg.RoomURL) == "" {
		return fmt.Errorf("room url is required in voice mode (AGENTLINE_ROOM_URL or widget roomUrl)")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
