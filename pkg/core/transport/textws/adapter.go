// Package textws implements the text-mode transport adapter over the agent
// platform's chat websocket.
package textws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/agentline/pkg/core"
	"github.com/vango-go/agentline/pkg/core/events"
	"github.com/vango-go/agentline/pkg/core/transport"
)

const (
	defaultDialTimeout          = 15 * time.Second
	defaultMaxReconnectAttempts = 3
	defaultReconnectBackoff     = 2 * time.Second
	defaultEndCallDelay         = 2 * time.Second
	closeWriteTimeout           = 2 * time.Second
)

// Config configures a text adapter.
type Config struct {
	// ServerURL is the platform API base (http, https, ws or wss).
	ServerURL string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
	Now        func() time.Time
	Wait       transport.WaitFunc

	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	EndCallDelay         time.Duration

	NewUserID func() string
}

// Adapter is a single-use text connection to one agent.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	emitter *transport.Emitter

	mu                sync.Mutex
	conn              *websocket.Conn
	target            transport.Target
	userID            string
	sessionID         string
	initialized       bool
	reconnectAttempts int
	started           bool
	closing           bool
	callEnded         bool
	lifetime          context.Context
	cancel            context.CancelFunc
	messageSeq        int

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

var (
	_ transport.Adapter       = (*Adapter)(nil)
	_ transport.MessageSender = (*Adapter)(nil)
)

// New creates a text adapter.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, core.NewInvalidRequestError("text adapter requires a server URL")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Wait == nil {
		cfg.Wait = transport.Wait
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.EndCallDelay <= 0 {
		cfg.EndCallDelay = defaultEndCallDelay
	}
	if cfg.NewUserID == nil {
		cfg.NewUserID = func() string { return "user-" + uuid.NewString() }
	}
	logger := cfg.Logger.With("transport", "text")
	return &Adapter{
		cfg:     cfg,
		logger:  logger,
		emitter: transport.NewEmitter(logger),
	}, nil
}

func (a *Adapter) Mode() transport.Mode { return transport.ModeText }

func (a *Adapter) SupportsMuting() bool { return false }

func (a *Adapter) Events() <-chan events.Event { return a.emitter.Events() }

// SessionID returns the server-issued session id, if initialized.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// ReconnectAttempts returns the attempts used since the last healthy connection.
func (a *Adapter) ReconnectAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnectAttempts
}

// Connect opens the socket and sends the init frame.
func (a *Adapter) Connect(ctx context.Context, target transport.Target) error {
	a.mu.Lock()
	if a.started || a.closing {
		a.mu.Unlock()
		return core.NewInvalidRequestError("text adapter cannot be reused")
	}
	a.started = true
	a.target = target
	a.userID = a.cfg.NewUserID()
	a.lifetime, a.cancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	a.emitter.SetState(events.StateConnecting)

	conn, err := a.dial(ctx, "")
	if err != nil {
		a.emitter.SetState(events.StateFailed)
		return err
	}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		_ = conn.Close()
		return core.NewError(core.ErrSuperseded, "text adapter disconnected during connect")
	}
	// The reader is counted before conn is visible to Disconnect.
	a.wg.Add(1)
	a.conn = conn
	a.mu.Unlock()

	if err := a.sendInit(conn); err != nil {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		_ = conn.Close()
		a.wg.Done()
		a.emitter.SetState(events.StateFailed)
		return err
	}

	a.emitter.SetState(events.StateConnected)
	a.emitter.Emit(events.ConnectedEvent{AgentID: target.AgentID})

	go a.run(conn)
	return nil
}

// Disconnect closes the socket and releases the adapter. It is idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closing && !a.callEnded {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	conn := a.conn
	a.conn = nil
	cancel := a.cancel
	a.sessionID = ""
	a.initialized = false
	a.reconnectAttempts = 0
	a.callEnded = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		a.closeConn(conn, websocket.CloseNormalClosure, "")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("text adapter teardown did not finish", "error", ctx.Err())
	}

	if !a.emitter.State().Terminal() {
		a.emitter.SetState(events.StateDisconnected)
		a.emitter.Emit(events.DisconnectedEvent{Reason: events.ReasonClient})
	}
	a.emitter.Close()
	return nil
}

// Send writes a structured data frame.
func (a *Adapter) Send(topic string, payload any) error {
	conn, err := a.activeConn()
	if err != nil {
		return err
	}
	return a.writeJSON(conn, dataFrame{
		Type:      TypeData,
		Topic:     topic,
		Data:      payload,
		Timestamp: a.cfg.Now().UnixMilli(),
	})
}

// SendMessage sends a user chat message and echoes it as a user turn.
func (a *Adapter) SendMessage(text string) error {
	conn, err := a.activeConn()
	if err != nil {
		return err
	}
	now := a.cfg.Now()
	if err := a.writeJSON(conn, messageFrame{
		Type: TypeMessage,
		Data: messageData{Message: text, Timestamp: now.UnixMilli()},
	}); err != nil {
		return err
	}

	a.mu.Lock()
	a.messageSeq++
	id := fmt.Sprintf("user-%d", a.messageSeq)
	a.mu.Unlock()
	a.emitter.Emit(events.MessageEvent{
		MessageID: id,
		Role:      events.RoleUser,
		Content:   text,
		Timestamp: now,
	})
	return nil
}

func (a *Adapter) activeConn() (*websocket.Conn, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || a.emitter.State() != events.StateConnected {
		return nil, core.NewNotConnectedError("not connected to text agent")
	}
	return conn, nil
}

func (a *Adapter) endpoint(resumeID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(a.cfg.ServerURL))
	if err != nil {
		return "", core.NewInvalidRequestError("invalid server URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("server URL must use http(s) or ws(s)")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/chat/v1/" + url.PathEscape(a.target.AgentID)
	q := url.Values{}
	q.Set("communication_type", "text")
	if resumeID != "" {
		q.Set("reconnect_session_id", resumeID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) statusURL(sessionID string) string {
	base := strings.TrimRight(strings.TrimSpace(a.cfg.ServerURL), "/")
	if strings.HasPrefix(base, "ws") {
		base = "http" + strings.TrimPrefix(base, "ws")
	}
	return base + "/chat/v1/session/" + url.PathEscape(sessionID) + "/status"
}

func (a *Adapter) dial(ctx context.Context, resumeID string) (*websocket.Conn, error) {
	wsURL, err := a.endpoint(resumeID)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	a.logger.Debug("dialing text socket", "url", wsURL)
	conn, resp, err := a.cfg.Dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, core.NewTransportError("websocket connection error", &core.TransportError{Op: "GET", URL: wsURL, Err: err})
	}
	return conn, nil
}

func (a *Adapter) sendInit(conn *websocket.Conn) error {
	a.mu.Lock()
	vars := a.target.Context
	frame := initFrame{
		Type: TypeInit,
		Data: initData{
			AgentID:          a.target.AgentID,
			UserID:           a.userID,
			DynamicVariables: vars,
		},
	}
	a.initialized = false
	a.mu.Unlock()
	if frame.Data.DynamicVariables == nil {
		frame.Data.DynamicVariables = map[string]any{}
	}
	if err := a.writeJSON(conn, frame); err != nil {
		return core.NewTransportError("send init frame", err)
	}
	return nil
}

func (a *Adapter) writeJSON(conn *websocket.Conn, v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return core.NewTransportError("websocket write failed", err)
	}
	return nil
}

func (a *Adapter) closeConn(conn *websocket.Conn, code int, reason string) {
	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteTimeout))
	a.writeMu.Unlock()
	_ = conn.Close()
}

// run reads frames until the socket is gone for good, resuming it in between
// when the close was abnormal.
func (a *Adapter) run(conn *websocket.Conn) {
	defer a.wg.Done()
	for conn != nil {
		err := a.readLoop(conn)
		conn = a.afterClose(err)
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		a.handleFrame(data)
	}
}

func (a *Adapter) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.logger.Warn("failed to parse text frame", "error", err)
		a.emitter.Emit(events.ErrorEvent{Err: core.NewTransportError("failed to parse websocket message", err)})
		return
	}

	switch frame.Type {
	case TypeSessionInit:
		a.mu.Lock()
		a.sessionID = frame.SessionID
		a.initialized = true
		a.mu.Unlock()
		a.logger.Info("text session initialized", "session_id", frame.SessionID)
		a.emitter.Emit(events.SessionInitializedEvent{SessionID: frame.SessionID})
	case TypeReconnected, TypeChatConnected:
		a.mu.Lock()
		a.initialized = true
		a.mu.Unlock()
		a.logger.Debug("text agent ready", "frame", frame.Type)
	case TypeTyping:
		d, err := decodeData[typingData](frame)
		if err != nil {
			a.frameError(err)
			return
		}
		a.emitter.Emit(events.TypingEvent{Typing: d.Typing})
	case TypeChunk:
		d, err := decodeData[chunkData](frame)
		if err != nil {
			a.frameError(err)
			return
		}
		id := d.MessageID
		if id == "" {
			a.mu.Lock()
			a.messageSeq++
			id = fmt.Sprintf("assistant-%d", a.messageSeq)
			a.mu.Unlock()
		}
		ts := d.Timestamp.Time
		if ts.IsZero() {
			ts = a.cfg.Now()
		}
		a.emitter.Emit(events.ChunkEvent{MessageID: id, Chunk: d.Chunk, Timestamp: ts})
	case TypeMessageComplete:
		d, err := decodeData[completeData](frame)
		if err != nil {
			a.frameError(err)
			return
		}
		ts := d.Timestamp.Time
		if ts.IsZero() {
			ts = a.cfg.Now()
		}
		a.emitter.Emit(events.MessageEvent{
			MessageID: d.MessageID,
			Role:      events.RoleAgent,
			Complete:  true,
			Timestamp: ts,
		})
	case TypeChatError:
		d, _ := decodeData[errorData](frame)
		msg := strings.TrimSpace(d.Error)
		if msg == "" {
			msg = "an error occurred during the conversation"
		}
		a.emitter.Emit(events.ErrorEvent{Err: core.NewError(core.ErrAgent, msg)})
	case TypeEndCall:
		a.endCall()
	default:
		a.logger.Debug("ignoring text frame", "type", frame.Type)
	}
}

func (a *Adapter) frameError(err error) {
	a.logger.Warn("malformed text frame", "error", err)
	a.emitter.Emit(events.ErrorEvent{Err: core.NewTransportError("malformed websocket message", err)})
}

// endCall lets trailing frames flush, then closes the socket normally.
func (a *Adapter) endCall() {
	a.mu.Lock()
	if a.callEnded || a.closing {
		a.mu.Unlock()
		return
	}
	a.callEnded = true
	a.closing = true
	lifetime := a.lifetime
	a.mu.Unlock()

	a.logger.Info("agent ended the call")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfg.Wait(lifetime, a.cfg.EndCallDelay); err != nil {
			return
		}
		a.mu.Lock()
		if !a.callEnded {
			a.mu.Unlock()
			return
		}
		conn := a.conn
		a.conn = nil
		a.sessionID = ""
		a.mu.Unlock()
		if conn != nil {
			a.closeConn(conn, websocket.CloseNormalClosure, CloseReasonCallEnded)
		}
		if _, changed := a.emitter.SetState(events.StateDisconnected); changed {
			a.emitter.Emit(events.DisconnectedEvent{Reason: events.ReasonEndCall})
		}
	}()
}

// afterClose decides what follows a read failure and returns the resumed
// connection, or nil when the adapter is done reading.
func (a *Adapter) afterClose(readErr error) *websocket.Conn {
	code := closeCode(readErr)

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.conn = nil
	resumable := code != websocket.CloseNormalClosure && a.sessionID != "" && a.initialized &&
		a.reconnectAttempts < a.cfg.MaxReconnectAttempts
	initialized := a.initialized
	a.mu.Unlock()

	a.logger.Info("text socket closed", "code", code, "error", readErr)

	switch {
	case resumable:
		return a.reconnect()
	case code == websocket.CloseNormalClosure:
		if _, changed := a.emitter.SetState(events.StateDisconnected); changed {
			a.emitter.Emit(events.DisconnectedEvent{Reason: events.ReasonRemote})
		}
	case !initialized:
		a.fail(core.NewTransportError("agent failed to initialize", readErr))
	default:
		a.fail(core.NewTransportError("connection lost", readErr))
	}
	return nil
}

func (a *Adapter) reconnect() *websocket.Conn {
	a.emitter.SetState(events.StateReconnecting)

	for {
		a.mu.Lock()
		if a.closing {
			a.mu.Unlock()
			return nil
		}
		a.reconnectAttempts++
		attempt := a.reconnectAttempts
		sessionID := a.sessionID
		lifetime := a.lifetime
		a.mu.Unlock()

		backoff := a.cfg.ReconnectBackoff * time.Duration(attempt)
		a.logger.Info("attempting text reconnection", "attempt", attempt, "session_id", sessionID)

		canReconnect, err := a.checkStatus(lifetime, sessionID)
		if err == nil && !canReconnect {
			a.mu.Lock()
			a.sessionID = ""
			a.mu.Unlock()
			a.fail(core.NewError(core.ErrSessionExpired, "session expired, please start a new conversation"))
			return nil
		}
		if err == nil {
			if werr := a.cfg.Wait(lifetime, backoff); werr != nil {
				return nil
			}
			var conn *websocket.Conn
			conn, err = a.dial(lifetime, sessionID)
			if err == nil {
				if err = a.sendInit(conn); err != nil {
					_ = conn.Close()
				}
			}
			if err == nil {
				a.mu.Lock()
				if a.closing {
					a.mu.Unlock()
					_ = conn.Close()
					return nil
				}
				a.conn = conn
				a.reconnectAttempts = 0
				a.mu.Unlock()
				a.logger.Info("text reconnection succeeded", "attempt", attempt)
				a.emitter.SetState(events.StateConnected)
				a.emitter.Emit(events.ConnectedEvent{AgentID: a.target.AgentID})
				return conn
			}
		}

		if lifetime.Err() != nil {
			return nil
		}
		a.logger.Warn("text reconnection attempt failed", "attempt", attempt, "error", err)
		if attempt >= a.cfg.MaxReconnectAttempts {
			a.mu.Lock()
			a.sessionID = ""
			a.mu.Unlock()
			a.fail(core.NewError(core.ErrReconnectExhausted,
				fmt.Sprintf("failed to reconnect after %d attempts", attempt)))
			return nil
		}
		if werr := a.cfg.Wait(lifetime, backoff); werr != nil {
			return nil
		}
	}
}

func (a *Adapter) checkStatus(ctx context.Context, sessionID string) (bool, error) {
	statusURL := a.statusURL(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, &core.TransportError{Op: http.MethodGet, URL: statusURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("session status check failed: %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("decode session status: %w", err)
	}
	return status.CanReconnect, nil
}

func (a *Adapter) fail(err error) {
	a.logger.Error("text session failed", "error", err)
	a.emitter.Emit(events.ErrorEvent{Err: err, Fatal: true})
	if _, changed := a.emitter.SetState(events.StateFailed); changed {
		a.emitter.Emit(events.DisconnectedEvent{Reason: events.ReasonFailure})
	}
}

func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}
