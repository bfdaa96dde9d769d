package odyssea

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TokenSource supplies the bearer token used for the socket handshake. It is
// an external collaborator; the transport never stores credentials itself.
type TokenSource interface {
	// Token returns the current bearer token, or "" when none is available.
	Token(ctx context.Context) (string, error)
	// Invalidate signals that the token was rejected so the source can
	// refresh credentials before the next Token call.
	Invalidate()
}

// StaticToken is a TokenSource backed by a fixed string.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }
func (s StaticToken) Invalidate()                           {}

// TransportConfig configures the socket transport.
type TransportConfig struct {
	// URL is the server base URL (http(s)://...); the websocket endpoint is
	// derived from it.
	URL    string
	Tokens TokenSource

	ReconnectBaseDelay   time.Duration // default 5s
	ReconnectMaxDelay    time.Duration // default 60s
	MaxReconnectAttempts int           // default 5

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// TransportState represents the connection state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

// ErrNotConnected is returned by Emit when no connection is up. Commands
// issued while disconnected are dropped, never queued for replay.
var ErrNotConnected = errors.New("odyssea: transport not connected")

// ============================================================================
// Reconnector
// ============================================================================

// reconnector implements the backoff schedule
// delay = min(base * 2^attempt, max), attempt pre-incremented, capped at
// maxAttempts. The counter resets only on a successful connect.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay := r.baseDelay << uint(r.attempt)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Transport
// ============================================================================

// Transport owns a single authenticated websocket connection to the chat
// server. Inbound events are delivered in order on Events(); connect,
// disconnect and connect_error appear in the same stream as meta events.
type Transport struct {
	config *TransportConfig
	log    *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc
	reconnectTimer   *time.Timer
	recon            *reconnector
	joined           map[string]struct{}

	events chan Event
	done   chan struct{}
	closed sync.Once
}

// NewTransport creates a transport. Call Connect to establish the
// connection and Close when finished.
func NewTransport(cfg TransportConfig) *Transport {
	cfg.defaults()
	return &Transport{
		config: &cfg,
		log:    cfg.Logger,
		state:  StateDisconnected,
		recon:  newReconnector(&cfg),
		joined: make(map[string]struct{}),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Events returns the ordered inbound event stream.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the websocket connection. Connecting without a token
// is a recoverable no-op: it logs and returns nil so callers can retry once
// credentials appear.
func (t *Transport) Connect(ctx context.Context) error {
	token, err := t.config.Tokens.Token(ctx)
	if err != nil {
		// A transient token-source failure follows the same backoff path as
		// a failed dial, otherwise a timer-fired reconnect would end the
		// chain here.
		t.log.Warn("token_source_failed", zap.Error(err))
		t.deliver(Event{Name: EventConnectError})
		t.scheduleReconnect()
		return fmt.Errorf("token source: %w", err)
	}
	if token == "" {
		t.log.Warn("connect_skipped_no_token")
		return nil
	}

	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.mu.Unlock()

	wsURL := strings.Replace(t.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
	})
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			// Auth rejection: ask the collaborator for fresh credentials
			// before the next attempt.
			t.config.Tokens.Invalidate()
		}
		t.deliver(Event{Name: EventConnectError})
		t.scheduleReconnect()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.recon.reset()
	rooms := make([]string, 0, len(t.joined))
	for id := range t.joined {
		rooms = append(rooms, id)
	}
	t.mu.Unlock()

	t.log.Info("transport_connected", zap.String("url", t.config.URL))
	t.deliver(Event{Name: EventConnect})

	// Background rooms keep receiving events across reconnects; re-announce
	// every active subscription on the fresh connection.
	for _, id := range rooms {
		if err := t.Emit(CommandJoinRoom, RoomCommand{ChatRoomID: id}); err != nil {
			t.log.Warn("rejoin_failed", zap.String("room", id), zap.Error(err))
		}
	}

	go t.readLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection intentionally; no reconnect is
// scheduled.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.deliverDisconnect("client-initiated")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close tears the transport down and closes the event stream.
func (t *Transport) Close() error {
	err := t.Disconnect()
	t.closed.Do(func() { close(t.done) })
	return err
}

// Emit sends a named command. When disconnected the command is dropped
// with a logged error; outbound actions are not queued for later replay.
func (t *Transport) Emit(event string, data interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.log.Error("command_dropped_disconnected", zap.String("event", event))
		t.config.Metrics.commandDropped()
		return ErrNotConnected
	}

	// Request ids let the server correlate acks and error events with the
	// command that caused them.
	b, err := json.Marshal(Command{Event: event, Data: data, RequestID: uuid.NewString()})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Join subscribes to a room's event feed. Subscriptions are cumulative:
// focusing a new room joins it without leaving the previous one, so
// background rooms keep feeding unread counters and notifications.
func (t *Transport) Join(roomID string) error {
	t.mu.Lock()
	_, already := t.joined[roomID]
	t.joined[roomID] = struct{}{}
	connected := t.conn != nil
	t.mu.Unlock()
	if already || !connected {
		return nil
	}
	return t.Emit(CommandJoinRoom, RoomCommand{ChatRoomID: roomID})
}

// Leave drops a room subscription explicitly.
func (t *Transport) Leave(roomID string) error {
	t.mu.Lock()
	delete(t.joined, roomID)
	connected := t.conn != nil
	t.mu.Unlock()
	if !connected {
		return nil
	}
	return t.Emit(CommandLeaveRoom, RoomCommand{ChatRoomID: roomID})
}

// ============================================================================
// Internals
// ============================================================================

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
				t.state = StateDisconnected
			}
			t.mu.Unlock()
			if intentional {
				return
			}
			t.log.Warn("transport_read_failed", zap.Error(err))
			t.deliverDisconnect("transport error")
			t.scheduleReconnect()
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			// Malformed frames are dropped, not fatal.
			t.log.Warn("malformed_event_dropped", zap.ByteString("frame", data))
			continue
		}
		t.deliver(ev)
	}
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intentionalClose || t.reconnectTimer != nil {
		return
	}
	if !t.recon.shouldReconnect() {
		t.log.Error("reconnect_attempts_exhausted", zap.Int("attempts", t.recon.attempt))
		return
	}
	delay := t.recon.nextDelay()
	attempt := t.recon.attempt
	t.state = StateReconnecting
	t.log.Info("reconnect_scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	t.config.Metrics.reconnectScheduled()
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.reconnectTimer = nil
		t.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.Connect(ctx); err != nil {
			t.log.Warn("reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	})
}

func (t *Transport) deliverDisconnect(reason string) {
	data, _ := json.Marshal(DisconnectPayload{Reason: reason})
	t.deliver(Event{Name: EventDisconnect, Data: data})
}

func (t *Transport) deliver(ev Event) {
	select {
	case <-t.done:
	case t.events <- ev:
	}
}
