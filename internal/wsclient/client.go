// Package wsclient maintains one logical gateway connection across reconnect
// attempts: exponential backoff with jitter after unexpected closes, typed
// handler registration, and pause/resume for hosts that go to the background.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/voxgate/voxgate/internal/message"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultMaxRetries  = 5
	writeTimeout       = 5 * time.Second
)

var (
	// ErrDisconnected is returned by Send while no connection is up. Sends
	// fail fast instead of queueing; the failed Send itself triggers a
	// connection attempt, and the caller picks its own fallback.
	ErrDisconnected = errors.New("not connected")
	// ErrRetriesExhausted is reported once the retry cap is hit; Resume or a
	// fresh Connect starts over.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Frame is one gateway frame in either direction.
type Frame struct {
	Type           string           `json:"type"`
	Token          string           `json:"token,omitempty"`
	Channel        string           `json:"channel,omitempty"`
	AssociationID  string           `json:"association_id,omitempty"`
	Recipient      string           `json:"recipient,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Content        string           `json:"content,omitempty"`
	ContentType    string           `json:"content_type,omitempty"`
	ClientMsgID    string           `json:"client_msg_id,omitempty"`
	FetchHistory   bool             `json:"fetch_history,omitempty"`
	HistoryLimit   int              `json:"history_limit,omitempty"`
	ConnectionID   string           `json:"connection_id,omitempty"`
	Kind           string           `json:"kind,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Message        *message.Message `json:"message,omitempty"`
	History        bool             `json:"history,omitempty"`
}

type Config struct {
	// URL is the gateway base URL (http(s) or ws(s) scheme).
	URL           string
	Token         string
	AssociationID string
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxRetries    int
	Log           *slog.Logger
	// dial is swapped in tests.
	dial func(ctx context.Context, wsURL string) (*websocket.Conn, error)
}

type Client struct {
	cfg  Config
	log  *slog.Logger
	rand *rand.Rand

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	attempts      int
	reconnect     bool
	gaveUp        bool
	retryTimer    *time.Timer
	connCtx       context.Context
	connCancel    context.CancelFunc
	onMessage     map[int]func(Frame)
	onConnect     map[int]func()
	onDisconnect  map[int]func(code websocket.StatusCode, reason string)
	onSystem      map[int]func(text string)
	nextHandlerID int
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.dial == nil {
		cfg.dial = func(ctx context.Context, wsURL string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, wsURL, nil)
			return conn, err
		}
	}
	return &Client{
		cfg:          cfg,
		log:          log.With("component", "wsclient"),
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		reconnect:    true,
		onMessage:    make(map[int]func(Frame)),
		onConnect:    make(map[int]func()),
		onDisconnect: make(map[int]func(code websocket.StatusCode, reason string)),
		onSystem:     make(map[int]func(text string)),
	}, nil
}

// Connect dials the gateway. Re-enables auto-reconnect after a Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.reconnect = true
	c.gaveUp = false
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	wsURL, err := c.buildURL()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	conn, err := c.cfg.dial(ctx, wsURL)
	if err != nil {
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return fmt.Errorf("dial gateway: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if !c.reconnect {
		// Disconnect was issued while the dial was in flight; honor it
		// instead of resurrecting the connection.
		c.state = StateDisconnected
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrDisconnected
	}
	c.conn = conn
	c.connCtx = connCtx
	c.connCancel = cancel
	c.state = StateConnected
	c.attempts = 0
	c.gaveUp = false
	c.mu.Unlock()

	c.emitConnect()
	go c.readLoop(connCtx, conn)
	return nil
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	q := u.Query()
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	if c.cfg.AssociationID != "" {
		q.Set("association_id", c.cfg.AssociationID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "liveness-probe":
			_ = c.writeFrame(Frame{Type: "liveness-probe-ack"})
		case "server-shutting-down":
			c.emitSystem("server is shutting down")
			c.emitMessage(f)
		default:
			c.emitMessage(f)
		}
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	code := websocket.CloseStatus(err)

	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	if c.connCancel != nil {
		c.connCancel()
	}
	shouldRetry := c.reconnect &&
		code != websocket.StatusNormalClosure && code != websocket.StatusGoingAway
	c.mu.Unlock()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.emitDisconnect(code, reason)

	if shouldRetry {
		c.emitSystem("connection lost, reconnecting")
		c.scheduleReconnect()
	}
}

// backoffDelay computes the delay before attempt n (n >= 1):
// min(base * 2^n * jitter, cap) with jitter drawn uniformly from [0.5, 1.0).
func (c *Client) backoffDelay(attempt int) time.Duration {
	c.mu.Lock()
	jitter := 0.5 + c.rand.Float64()*0.5
	c.mu.Unlock()

	raw := float64(c.cfg.BackoffBase) * float64(int64(1)<<uint(attempt)) * jitter
	if raw > float64(c.cfg.BackoffCap) {
		return c.cfg.BackoffCap
	}
	return time.Duration(raw)
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if !c.reconnect || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.cfg.MaxRetries {
		c.gaveUp = true
		c.mu.Unlock()
		c.log.Warn("reconnect attempts exhausted", "max", c.cfg.MaxRetries)
		c.emitSystem("could not reach the server; will retry when resumed")
		return
	}
	attempt := c.attempts
	c.mu.Unlock()

	delay := c.backoffDelay(attempt)
	c.log.Info("scheduling reconnect", "attempt", attempt, "delay", delay)

	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if !c.reconnect || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		_ = c.dial(context.Background())
	})
	c.mu.Unlock()
}

// Resume restarts reconnection after the retry cap was hit, e.g. when the
// hosting environment regains foreground visibility.
func (c *Client) Resume() {
	c.mu.Lock()
	if !c.gaveUp || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gaveUp = false
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	_ = c.dial(context.Background())
}

// Disconnect closes deliberately and disables auto-reconnect entirely.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnect = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	if c.connCancel != nil {
		c.connCancel()
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send transmits a frame. While disconnected it fails fast and kicks off a
// connection attempt as a side effect; nothing is queued.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	disconnected := c.state == StateDisconnected
	canRetry := c.reconnect && !c.gaveUp
	c.mu.Unlock()

	if !connected {
		if disconnected && canRetry {
			go func() { _ = c.Connect(context.Background()) }()
		}
		return ErrDisconnected
	}
	return c.writeFrame(f)
}

func (c *Client) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	ctx := c.connCtx
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Subscribe asks the gateway for a channel subscription, optionally pulling
// recent history.
func (c *Client) Subscribe(ch message.Channel, fetchHistory bool, historyLimit int) error {
	return c.Send(Frame{
		Type:         "subscribe",
		Channel:      string(ch),
		FetchHistory: fetchHistory,
		HistoryLimit: historyLimit,
	})
}

func (c *Client) Unsubscribe(ch message.Channel) error {
	return c.Send(Frame{Type: "unsubscribe", Channel: string(ch)})
}

// SendMessage submits a message over the live connection.
func (c *Client) SendMessage(ch message.Channel, recipient, content, clientMsgID string) error {
	return c.Send(Frame{
		Type:        "send-message",
		Channel:     string(ch),
		Recipient:   recipient,
		Content:     content,
		ClientMsgID: clientMsgID,
	})
}

// --- handler registration ---
//
// Every registered handler runs exactly once per event; a panicking handler
// never prevents the rest from running. Each On* call returns an
// unsubscribe func.

func (c *Client) OnMessage(fn func(Frame)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.onMessage[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onMessage, id)
	}
}

func (c *Client) OnConnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.onConnect[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onConnect, id)
	}
}

func (c *Client) OnDisconnect(fn func(code websocket.StatusCode, reason string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.onDisconnect[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onDisconnect, id)
	}
}

// OnSystem receives human-readable notices: forced disconnects, shutdowns,
// and reconnect giveups.
func (c *Client) OnSystem(fn func(text string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.onSystem[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onSystem, id)
	}
}

func (c *Client) emitMessage(f Frame) {
	c.mu.Lock()
	handlers := make([]func(Frame), 0, len(c.onMessage))
	for _, fn := range c.onMessage {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		c.safeCall(func() { fn(f) })
	}
}

func (c *Client) emitConnect() {
	c.mu.Lock()
	handlers := make([]func(), 0, len(c.onConnect))
	for _, fn := range c.onConnect {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		c.safeCall(fn)
	}
}

func (c *Client) emitDisconnect(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	handlers := make([]func(websocket.StatusCode, string), 0, len(c.onDisconnect))
	for _, fn := range c.onDisconnect {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		c.safeCall(func() { fn(code, reason) })
	}
}

func (c *Client) emitSystem(text string) {
	c.mu.Lock()
	handlers := make([]func(string), 0, len(c.onSystem))
	for _, fn := range c.onSystem {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		c.safeCall(func() { fn(text) })
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", "panic", r)
		}
	}()
	fn()
}
