package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/agentline/pkg/config"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/metrics"
	"github.com/vango-go/agentline/pkg/core/transport"
	widget "github.com/vango-go/agentline/sdk"
)

const metricsShutdownTimeout = 5 * time.Second

type cliFlags struct {
	EnvFile    string
	WidgetFile string
}

func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("agentline", flag.ContinueOnError)
	var f cliFlags
	fs.StringVar(&f.EnvFile, "env", ".env", "dotenv file to load (missing file is ignored)")
	fs.StringVar(&f.WidgetFile, "widget", "", "JSON widget document overriding env settings")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

func loadConfig(f cliFlags) (config.Config, error) {
	if f.EnvFile != "" {
		if err := godotenv.Load(f.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load env file %q: %w", f.EnvFile, err)
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, err
	}
	if f.WidgetFile != "" {
		w, err := config.LoadWidgetFile(f.WidgetFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Apply(w)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Mode != transport.ModeText {
		return config.Config{}, fmt.Errorf("the console client only supports text mode (got %q)", cfg.Mode)
	}
	return cfg, nil
}

func newLogger(level, format string, out io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// syncWriter serializes writes from bus handlers and the input loop.
type syncWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *syncWriter) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

// printer renders widget events as console lines.
type printer struct {
	out     *syncWriter
	errOut  *syncWriter
	mu      sync.Mutex
	printed map[int]string
}

func newPrinter(out, errOut io.Writer) *printer {
	return &printer{
		out:     &syncWriter{out: out},
		errOut:  &syncWriter{out: errOut},
		printed: make(map[int]string),
	}
}

func (p *printer) attach(w *widget.Widget) error {
	handlers := map[events.Name]func(events.Event){
		events.NameMessageUpdated:    p.onMessage,
		events.NameConnected:         p.onNotice,
		events.NameDisconnected:      p.onNotice,
		events.NameTransferStarted:   p.onNotice,
		events.NameTransferCompleted: p.onNotice,
		events.NameTransferFailed:    p.onNotice,
		events.NameError:             p.onError,
	}
	for name, h := range handlers {
		if _, err := w.On(string(name), h); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) onMessage(ev events.Event) {
	e, ok := ev.(events.MessageUpdatedEvent)
	if !ok || e.Role != events.RoleAgent || !e.Final {
		return
	}
	p.mu.Lock()
	if p.printed[e.Index] == e.Content {
		p.mu.Unlock()
		return
	}
	p.printed[e.Index] = e.Content
	p.mu.Unlock()
	p.out.printf("agent: %s\n", e.Content)
}

func (p *printer) onNotice(ev events.Event) {
	switch e := ev.(type) {
	case events.ConnectedEvent:
		p.out.printf("[connected to %s]\n", e.AgentID)
	case events.DisconnectedEvent:
		p.out.printf("[disconnected: %s]\n", e.Reason)
	case events.TransferStartedEvent:
		to := e.ToAgentName
		if to == "" {
			to = e.ToAgentID
		}
		p.out.printf("[transferring to %s]\n", to)
	case events.TransferCompletedEvent:
		p.out.printf("[transferred to %s]\n", e.AgentID)
	case events.TransferFailedEvent:
		p.out.printf("[transfer to %s failed]\n", e.AgentID)
	}
}

func (p *printer) onError(ev events.Event) {
	if e, ok := ev.(events.ErrorEvent); ok {
		p.errOut.printf("error: %s\n", e.Reason())
	}
}

// holdNotice is the console filler cue shown while a handoff connects.
type holdNotice struct {
	out *syncWriter
}

func (h holdNotice) Start(context.Context) error {
	h.out.printf("[please hold while we connect you]\n")
	return nil
}

func (h holdNotice) Stop() {}

func handleSlashCommand(line string, w *widget.Widget, out *syncWriter) bool {
	switch line {
	case "/state":
		out.printf("state: %s\n", w.ConnectionState())
	case "/fields":
		fields := w.CollectedFields()
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out.printf("%s: %s\n", k, fields[k])
		}
	case "/transcript":
		for _, m := range w.Transcript() {
			out.printf("%s: %s\n", m.Role, m.Content)
		}
	default:
		return false
	}
	return true
}

// runChat connects w and forwards stdin lines until /quit, EOF or ctx ends.
func runChat(ctx context.Context, w *widget.Widget, in io.Reader, p *printer) error {
	if err := w.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Disconnect(disconnectCtx)
	}()

	p.out.printf("Type a message. /state, /fields and /transcript inspect the session; /quit exits.\n")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				p.out.printf("bye\n")
				return nil
			}
			if handleSlashCommand(line, w, p.out) {
				continue
			}
			if err := w.SendMessage(line); err != nil {
				p.errOut.printf("send error: %v\n", err)
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, mt *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mt.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, in io.Reader, out, errOut io.Writer) error {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, errOut)
	slog.SetDefault(logger)

	var mt *metrics.Metrics
	if cfg.MetricsAddr != "" {
		mt = metrics.New("")
	}

	p := newPrinter(out, errOut)
	w, err := widget.New(
		widget.WithConfig(cfg),
		widget.WithLogger(logger),
		widget.WithMetrics(mt),
		widget.WithFillerCue(holdNotice{out: p.out}),
	)
	if err != nil {
		return err
	}
	defer w.Destroy(context.Background())

	if err := p.attach(w); err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	if mt != nil {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, mt, logger) })
	}
	g.Go(func() error {
		defer stop()
		return runChat(gctx, w, in, p)
	})
	return g.Wait()
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentline: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "agentline: %v\n", err)
		os.Exit(1)
	}
}
