package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/agentline/pkg/config"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/transport"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, b *safeBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(b.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q; got:\n%s", want, b.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newEchoAgent serves a chat socket that echoes each user message.
func newEchoAgent(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame struct {
				Type string `json:"type"`
				Data struct {
					Message string `json:"message"`
				} `json:"data"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type != "text-chat-message" {
				continue
			}
			_ = conn.WriteJSON(map[string]any{
				"type": "text-chat-chunk",
				"data": map[string]any{"chunk": "echo: " + frame.Data.Message + "<end_of_stream>"},
			})
		}
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestRun_ChatLoop(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		AgentID:   "agent_a",
		ServerURL: newEchoAgent(t),
		Mode:      transport.ModeText,
		LogLevel:  "error",
	}
	inR, inW := io.Pipe()
	out := &safeBuffer{}
	errOut := &safeBuffer{}

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, inR, out, errOut) }()

	waitForOutput(t, out, "[connected to agent_a]")
	if _, err := io.WriteString(inW, "hello there\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
	waitForOutput(t, out, "agent: echo: hello there")

	if _, err := io.WriteString(inW, "/state\n/transcript\n/quit\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after /quit")
	}
	_ = inW.Close()

	got := out.String()
	for _, want := range []string{"state: connected", "user: hello there", "agent: echo: hello there", "bye"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "agent: echo: hello there\n") != 2 {
		t.Fatalf("agent turn printed more than once:\n%s", got)
	}
}

func TestLoadConfig_WidgetFileOverridesEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("AGENTLINE_AGENT_ID=env_agent\nAGENTLINE_SERVER_URL=http://env.example.com\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	widgetPath := filepath.Join(dir, "widget.json")
	if err := os.WriteFile(widgetPath, []byte(`{"agentId": "widget_agent", "transferAgentId": "agent_b"}`), 0o600); err != nil {
		t.Fatalf("write widget: %v", err)
	}
	t.Setenv("AGENTLINE_AGENT_ID", "")
	t.Setenv("AGENTLINE_SERVER_URL", "")
	t.Setenv("AGENTLINE_MODE", "")
	os.Unsetenv("AGENTLINE_AGENT_ID")
	os.Unsetenv("AGENTLINE_SERVER_URL")

	cfg, err := loadConfig(cliFlags{EnvFile: envPath, WidgetFile: widgetPath})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.AgentID != "widget_agent" || cfg.TransferAgentID != "agent_b" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.ServerURL != "http://env.example.com" {
		t.Fatalf("ServerURL=%q, want value from env file", cfg.ServerURL)
	}
}

func TestLoadConfig_MissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv("AGENTLINE_AGENT_ID", "agent_a")
	t.Setenv("AGENTLINE_MODE", "")

	if _, err := loadConfig(cliFlags{EnvFile: filepath.Join(t.TempDir(), "missing.env")}); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
}

func TestLoadConfig_RejectsVoice(t *testing.T) {
	t.Setenv("AGENTLINE_AGENT_ID", "agent_a")
	t.Setenv("AGENTLINE_MODE", "voice")
	t.Setenv("AGENTLINE_ROOM_URL", "wss://rooms.example.com")

	if _, err := loadConfig(cliFlags{}); err == nil || !strings.Contains(err.Error(), "text mode") {
		t.Fatalf("loadConfig err=%v, want text-mode rejection", err)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("log output=%q", buf.String())
	}
	if !logger.Enabled(context.Background(), slog.LevelWarn) || logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("level not applied")
	}
}

func TestPrinter_TransferNoticeUsesAgentName(t *testing.T) {
	t.Parallel()

	out := &safeBuffer{}
	p := newPrinter(out, io.Discard)
	p.onNotice(events.TransferStartedEvent{ToAgentID: "agent_b", ToAgentName: "Sales"})
	p.onNotice(events.TransferStartedEvent{ToAgentID: "agent_c"})

	want := "[transferring to Sales]\n[transferring to agent_c]\n"
	if out.String() != want {
		t.Fatalf("output=%q, want %q", out.String(), want)
	}
}
