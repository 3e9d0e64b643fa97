// Package ws implements the gateway hub: the connection registry, the channel
// broadcaster, and the heartbeat monitor. A single goroutine owns every
// registry index; connections talk to it over channels, so concurrent
// subscribes, unsubscribes, and deregistrations cannot lose updates.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/message"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second
	historyLimitMax   = 200
	seenRingSize      = 1024
)

// Close codes outside the 1000/1001 range so evicted clients auto-reconnect.
const (
	StatusLivenessTimeout websocket.StatusCode = 4001
	StatusBacklogExceeded websocket.StatusCode = 4002
	StatusAuthRejected    websocket.StatusCode = 4003
)

// TokenVerifier validates a bearer credential locally.
type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// FeedControl is how the hub reports channel interest to the change-feed
// bridge: a watcher should exist while a channel has at least one subscriber.
type FeedControl interface {
	EnsureWatcher(ch message.Channel)
	ReleaseWatcher(ch message.Channel)
}

// Options tunes hub behavior; zero values fall back to defaults.
type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SendBuffer    int
	// StrictAuth closes the connection when an in-frame re-auth fails,
	// instead of only rejecting the frame.
	StrictAuth    bool
	ShutdownGrace time.Duration
}

type Hub struct {
	log      *slog.Logger
	verifier TokenVerifier
	messages message.Repository
	feed     FeedControl
	opts     Options

	register   chan *Client
	unregister chan *Client
	commands   chan hubCommand
	broadcasts chan delivery
	snapshots  chan chan Snapshot

	clients       map[*Client]struct{}
	byChannel     map[message.Channel]map[*Client]struct{}
	byPrincipal   map[string]map[*Client]struct{}
	byAssociation map[string]map[*Client]struct{}

	// Ring of message ids this process published locally and whose change-feed
	// echo is still pending. An id is recorded only after a local publish
	// actually reached a connection, and the first echo of it consumes the
	// entry, so a later update notification for the same id still fans out.
	seen     map[message.ID]struct{}
	seenRing []message.ID
	seenNext int

	count atomic.Int64
}

type hubCommand struct {
	client *Client
	frame  inboundFrame
}

// delivery is one message on its way through the fan-out, tagged with whether
// it arrived as a change-feed echo or a local publish.
type delivery struct {
	msg  message.Message
	echo bool
}

// Snapshot is a point-in-time view of the registry for diagnostics.
type Snapshot struct {
	Connections int                     `json:"connections"`
	Subscribers map[message.Channel]int `json:"subscribers"`
}

func NewHub(log *slog.Logger, verifier TokenVerifier, messages message.Repository, opts Options) *Hub {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 60 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 3 * time.Second
	}
	return &Hub{
		log:           log.With("component", "hub"),
		verifier:      verifier,
		messages:      messages,
		opts:          opts,
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		commands:      make(chan hubCommand, 256),
		broadcasts:    make(chan delivery, 256),
		snapshots:     make(chan chan Snapshot),
		clients:       make(map[*Client]struct{}),
		byChannel:     make(map[message.Channel]map[*Client]struct{}),
		byPrincipal:   make(map[string]map[*Client]struct{}),
		byAssociation: make(map[string]map[*Client]struct{}),
		seen:          make(map[message.ID]struct{}, seenRingSize),
		seenRing:      make([]message.ID, seenRingSize),
	}
}

// SetFeed wires the change-feed bridge in. Must be called before Run.
func (h *Hub) SetFeed(feed FeedControl) {
	h.feed = feed
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c, websocket.StatusNormalClosure, "bye")
		case cmd := <-h.commands:
			h.handleCommand(cmd.client, cmd.frame)
		case d := <-h.broadcasts:
			h.deliver(d)
		case <-ticker.C:
			h.checkLiveness(time.Now())
		case reply := <-h.snapshots:
			reply <- h.snapshot()
		}
	}
}

// Publish fans a message out to local subscribers (or, when the message is
// recipient-addressed, to matching connections only). Safe for concurrent
// use; delivery order matches call order for a given channel.
func (h *Hub) Publish(msg message.Message) {
	h.broadcasts <- delivery{msg: msg}
}

// Republish feeds a change-feed notification back into the fan-out. Unlike
// Publish it passes through the self-echo check, so a write this process both
// persisted and delivered is not delivered a second time.
func (h *Hub) Republish(msg message.Message) {
	h.broadcasts <- delivery{msg: msg, echo: true}
}

// DeliverDirect addresses a message to one recipient: connections whose
// principal or association id matches, regardless of channel subscriptions.
func (h *Hub) DeliverDirect(msg message.Message, recipient string) {
	msg.RecipientID = recipient
	h.broadcasts <- delivery{msg: msg}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// RegistrySnapshot reports connection and per-channel subscriber counts.
func (h *Hub) RegistrySnapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case h.snapshots <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// HandleWS upgrades the request and runs the connection. The bearer
// credential and optional association id arrive as query parameters.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
			token, _ = auth.ParseBearer(header)
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	principal, err := h.verifier.Verify(token)
	if err != nil {
		h.rejectHandshake(r.Context(), conn, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		hub:         h,
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, h.opts.SendBuffer),
		association: strings.TrimSpace(r.URL.Query().Get("association_id")),
	}
	client.principal.Store(&principal)

	h.register <- client

	go client.writeLoop()
	go client.readLoop()
}

func (h *Hub) rejectHandshake(ctx context.Context, conn *websocket.Conn, err error) {
	kind := errorKind(err)
	payload, mErr := json.Marshal(errorFrame{Type: frameError, Kind: kind, Reason: err.Error()})
	if mErr == nil {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
	}
	_ = conn.Close(websocket.StatusPolicyViolation, kind)
}

// --- hub-goroutine state transitions ---

func (h *Hub) addClient(c *Client) {
	h.clients[c] = struct{}{}
	c.lastAck = time.Now()
	c.channels = make(map[message.Channel]struct{})
	if p := c.principal.Load(); p != nil {
		h.index(h.byPrincipal, p.ID, c)
	}
	if c.association != "" {
		h.index(h.byAssociation, c.association, c)
	}
	h.count.Add(1)

	// Acked from here rather than the handshake goroutine so the connection
	// ack always precedes the default channel's subscription ack.
	if p := c.principal.Load(); p != nil {
		c.sendEvent(connectionAckFrame{
			Type:         frameConnectionAck,
			ConnectionID: c.id,
			PrincipalID:  p.ID,
			Timestamp:    time.Now().UTC(),
		})
	}

	// Everyone lands on the default channel, matching the first frame a
	// freshly reconnected client expects to see traffic on.
	h.subscribe(c, message.ChannelDefault, false, 0)
}

// removeClient deregisters a connection. Idempotent: transport close and
// heartbeat timeout race each other here, and the loser is a no-op.
func (h *Hub) removeClient(c *Client, status websocket.StatusCode, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for ch := range c.channels {
		h.dropSubscription(c, ch)
	}
	if p := c.principal.Load(); p != nil {
		h.unindex(h.byPrincipal, p.ID, c)
	}
	if c.association != "" {
		h.unindex(h.byAssociation, c.association, c)
	}
	h.count.Add(-1)
	c.close(status, reason)
}

func (h *Hub) index(m map[string]map[*Client]struct{}, key string, c *Client) {
	if m[key] == nil {
		m[key] = make(map[*Client]struct{})
	}
	m[key][c] = struct{}{}
}

func (h *Hub) unindex(m map[string]map[*Client]struct{}, key string, c *Client) {
	if set := m[key]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func (h *Hub) handleCommand(c *Client, f inboundFrame) {
	switch f.Type {
	case frameAuth:
		h.handleAuth(c, f)
	case frameProbeAck:
		c.lastAck = time.Now()
	case frameSubscribe:
		ch := message.Channel(f.Channel)
		if !ch.Valid() {
			c.sendError("UnsupportedFrame", "unknown channel")
			return
		}
		if f.AssociationID != "" && c.association == "" {
			c.association = f.AssociationID
			h.index(h.byAssociation, c.association, c)
		}
		h.subscribe(c, ch, f.FetchHistory, f.HistoryLimit)
	case frameUnsubscribe:
		ch := message.Channel(f.Channel)
		if !ch.Valid() {
			c.sendError("UnsupportedFrame", "unknown channel")
			return
		}
		h.unsubscribe(c, ch)
	default:
		c.sendError("UnsupportedFrame", "unsupported frame type")
	}
}

func (h *Hub) handleAuth(c *Client, f inboundFrame) {
	principal, err := h.verifier.Verify(f.Token)
	if err != nil {
		c.sendError(errorKind(err), err.Error())
		if h.opts.StrictAuth {
			h.removeClient(c, StatusAuthRejected, "re-auth failed")
		}
		return
	}
	if old := c.principal.Load(); old != nil && old.ID != principal.ID {
		h.unindex(h.byPrincipal, old.ID, c)
	}
	c.principal.Store(&principal)
	h.index(h.byPrincipal, principal.ID, c)
	c.sendEvent(connectionAckFrame{
		Type:         frameConnectionAck,
		ConnectionID: c.id,
		PrincipalID:  principal.ID,
		Timestamp:    time.Now().UTC(),
	})
}

func (h *Hub) subscribe(c *Client, ch message.Channel, fetchHistory bool, historyLimit int) {
	if h.byChannel[ch] == nil {
		h.byChannel[ch] = make(map[*Client]struct{})
	}
	h.byChannel[ch][c] = struct{}{}
	c.channels[ch] = struct{}{}

	if h.feed != nil {
		h.feed.EnsureWatcher(ch)
	}

	c.sendEvent(subscriptionAckFrame{Type: frameSubscriptionAck, Channel: ch, Subscribed: true})

	if fetchHistory && h.messages != nil {
		go h.sendHistory(c, ch, historyLimit)
	}
}

func (h *Hub) unsubscribe(c *Client, ch message.Channel) {
	if _, ok := c.channels[ch]; !ok {
		return
	}
	delete(c.channels, ch)
	h.dropSubscription(c, ch)
	c.sendEvent(subscriptionAckFrame{Type: frameSubscriptionAck, Channel: ch, Subscribed: false})
}

func (h *Hub) dropSubscription(c *Client, ch message.Channel) {
	set := h.byChannel[ch]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byChannel, ch)
		if h.feed != nil {
			h.feed.ReleaseWatcher(ch)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	msg := d.msg
	if _, pending := h.seen[msg.ID]; pending {
		if d.echo {
			// The echo of a write this process already delivered. Consume the
			// entry: the next notification for this id is a genuine update
			// (read or delivered status) and must fan out again.
			delete(h.seen, msg.ID)
		}
		return
	}

	targets := make(map[*Client]struct{})
	if msg.RecipientID != "" {
		for c := range h.byPrincipal[msg.RecipientID] {
			targets[c] = struct{}{}
		}
		for c := range h.byAssociation[msg.RecipientID] {
			targets[c] = struct{}{}
		}
	} else {
		for c := range h.byChannel[msg.Channel] {
			targets[c] = struct{}{}
		}
	}

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(messageFrame{Type: frameMessage, Message: msg})
	if err != nil {
		h.log.Error("marshal message frame", "err", err)
		return
	}
	for c := range targets {
		if !c.trySend(payload) {
			h.log.Warn("send backlog exceeded, evicting connection", "connection", c.id)
			h.removeClient(c, StatusBacklogExceeded, "DeliveryBacklogExceeded")
		}
	}

	// Record the id only when a local publish actually reached someone. A
	// publish that found no targets (a subscribe still in flight) must not
	// swallow the change-feed replay that repairs exactly that gap.
	if !d.echo {
		h.markSeen(msg.ID)
	}

	if msg.RecipientID != "" && h.messages != nil {
		go h.markDelivered(msg.ID)
	}
}

func (h *Hub) markSeen(id message.ID) {
	if old := h.seenRing[h.seenNext]; old != "" {
		delete(h.seen, old)
	}
	h.seenRing[h.seenNext] = id
	h.seen[id] = struct{}{}
	h.seenNext = (h.seenNext + 1) % seenRingSize
}

func (h *Hub) markDelivered(id message.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.messages.MarkDelivered(ctx, id, time.Now().UTC()); err != nil {
		h.log.Warn("mark delivered", "message", id, "err", err)
	}
}

func (h *Hub) checkLiveness(now time.Time) {
	payload, err := json.Marshal(probeFrame{Type: frameProbe, Timestamp: now.UTC()})
	if err != nil {
		return
	}
	for c := range h.clients {
		if now.Sub(c.lastAck) > h.opts.ProbeTimeout {
			h.log.Info("liveness timeout, evicting connection", "connection", c.id)
			h.removeClient(c, StatusLivenessTimeout, "liveness timeout")
			continue
		}
		if !c.trySend(payload) {
			h.removeClient(c, StatusBacklogExceeded, "DeliveryBacklogExceeded")
		}
	}
}

func (h *Hub) sendHistory(c *Client, ch message.Channel, limit int) {
	if limit <= 0 || limit > historyLimitMax {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	msgs, err := h.messages.History(ctx, ch, "", limit, time.Time{})
	if err != nil {
		c.sendError("PersistenceFailure", "failed to load history")
		return
	}
	// Stored newest-first; replay oldest-first.
	for i := len(msgs) - 1; i >= 0; i-- {
		c.sendEvent(messageFrame{Type: frameMessage, Message: msgs[i], History: true})
	}
}

func (h *Hub) shutdown() {
	payload, err := json.Marshal(shuttingDownFrame{
		Type:      frameShuttingDown,
		Reason:    "server shutting down",
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		for c := range h.clients {
			c.trySend(payload)
		}
	}

	// Bounded wait for the notices to drain before tearing sockets down.
	time.Sleep(h.opts.ShutdownGrace)

	for c := range h.clients {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
	h.clients = make(map[*Client]struct{})
	h.byChannel = make(map[message.Channel]map[*Client]struct{})
	h.byPrincipal = make(map[string]map[*Client]struct{})
	h.byAssociation = make(map[string]map[*Client]struct{})
	h.count.Store(0)
}

func (h *Hub) snapshot() Snapshot {
	subs := make(map[message.Channel]int, len(h.byChannel))
	for ch, set := range h.byChannel {
		subs[ch] = len(set)
	}
	return Snapshot{Connections: len(h.clients), Subscribers: subs}
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrExpired):
		return "Expired"
	case errors.Is(err, auth.ErrInvalid):
		return "Invalid"
	default:
		return "Unauthenticated"
	}
}

// --- client ---

type Client struct {
	id          string
	conn        *websocket.Conn
	hub         *Hub
	ctx         context.Context
	cancel      context.CancelFunc
	send        chan []byte
	closeOnce   sync.Once
	principal   atomic.Pointer[auth.Principal]
	association string

	// Owned by the hub goroutine.
	channels map[message.Channel]struct{}
	lastAck  time.Time
}

// trySend enqueues without blocking; false means the backlog is full.
func (c *Client) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		frame, err := decodeInbound(data)
		if err != nil {
			c.sendError("UnsupportedFrame", err.Error())
			continue
		}
		if frame.Type == frameSendMessage {
			// Persist on the connection's own goroutine so a slow store
			// write never stalls other connections' frames.
			c.handleSend(frame)
			continue
		}
		c.hub.commands <- hubCommand{client: c, frame: frame}
	}
}

func (c *Client) handleSend(f inboundFrame) {
	p := c.principal.Load()
	if p == nil {
		c.sendError("Unauthenticated", "authenticate before sending messages")
		return
	}

	msg := message.Message{
		ID:             message.ID(uuid.NewString()),
		Channel:        message.Channel(f.Channel),
		ConversationID: f.ConversationID,
		SenderID:       p.ID,
		SenderName:     p.Name,
		SenderType:     message.SenderUser,
		RecipientID:    f.Recipient,
		Content:        f.Content,
		ContentType:    message.ContentType(f.ContentType),
		ClientMsgID:    f.ClientMsgID,
		CreatedAt:      time.Now().UTC(),
	}
	if msg.Channel == "" {
		msg.Channel = message.ChannelDefault
	}
	if msg.ContentType == "" {
		msg.ContentType = message.ContentText
	}
	if err := msg.Validate(); err != nil {
		c.sendError("UnsupportedFrame", err.Error())
		return
	}

	saveCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	stored, err := c.hub.messages.Save(saveCtx, msg)
	cancel()
	if err != nil {
		c.hub.log.Error("persist message", "connection", c.id, "err", err)
		c.sendError("PersistenceFailure", "failed to store message")
		return
	}

	// Broadcast strictly after the durable write: a reader can never see a
	// message the store does not hold.
	c.hub.Publish(stored)
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.hub.unregister <- c
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	// The send channel is never closed; writeLoop exits on ctx cancel. Closing
	// it would race enqueue attempts from the connection's read goroutine.
	c.closeOnce.Do(func() {
		// Write the close frame before cancelling: cancel aborts the pending
		// Read, which drops the transport and the peer sees an abnormal close
		// instead of the status code it is supposed to branch on.
		_ = c.conn.Close(status, reason)
		c.cancel()
	})
}

func (c *Client) sendEvent(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.trySend(data)
}

func (c *Client) sendError(kind, reason string) {
	c.sendEvent(errorFrame{Type: frameError, Kind: kind, Reason: reason})
}
