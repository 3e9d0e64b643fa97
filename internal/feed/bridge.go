// Package feed bridges the store's change notifications into the local hub.
// Connections are process-local but writes happen in any worker (or through
// the HTTP API of another process); the bridge is what makes a message written
// elsewhere reach the subscribers held here.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/voxgate/voxgate/internal/message"
)

const fetchTimeout = 5 * time.Second

// Publisher is the local fan-out the bridge replays notifications into. The
// replay entry point is separate from ordinary publishing so the fan-out can
// tell a store echo of its own write from a cross-process one.
type Publisher interface {
	Republish(msg message.Message)
}

// Store is the slice of the message store the bridge needs.
type Store interface {
	GetByID(ctx context.Context, id message.ID) (message.Message, error)
	NotifyTriggerInstalled(ctx context.Context) (bool, error)
}

// Watcher is an open cursor on one channel's notification stream. Next blocks
// until a notification arrives, the context ends, or the stream fails.
type Watcher interface {
	Next(ctx context.Context) (message.ID, error)
	Close(ctx context.Context) error
}

// WatcherFactory opens a watcher for one channel.
type WatcherFactory func(ctx context.Context, ch message.Channel) (Watcher, error)

// ChannelStatus is the per-channel diagnostic view.
type ChannelStatus struct {
	Channel     message.Channel `json:"channel"`
	WatcherOpen bool            `json:"watcher_open"`
	LastError   string          `json:"last_error,omitempty"`
}

// Status is the bridge-wide diagnostic view. When Supported is false the
// bridge is degraded to in-process-only broadcast.
type Status struct {
	Supported bool            `json:"change_notification_supported"`
	Channels  []ChannelStatus `json:"channels"`
}

type watcherState struct {
	cancel  context.CancelFunc
	open    bool
	lastErr string
}

type Bridge struct {
	log     *slog.Logger
	pub     Publisher
	store   Store
	factory WatcherFactory

	mu        sync.Mutex
	watchers  map[message.Channel]*watcherState
	supported bool
	checked   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBridge(log *slog.Logger, pub Publisher, store Store, factory WatcherFactory) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		log:      log.With("component", "feed"),
		pub:      pub,
		store:    store,
		factory:  factory,
		watchers: make(map[message.Channel]*watcherState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EnsureWatcher opens a watcher for the channel if none is running. Called on
// every subscribe, so a watcher dropped by an earlier error reopens on the
// next activity rather than crashing the process.
func (b *Bridge) EnsureWatcher(ch message.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !b.supportedLocked() {
		return
	}
	if st, ok := b.watchers[ch]; ok && st.open {
		return
	}

	wctx, cancel := context.WithCancel(b.ctx)
	st := &watcherState{cancel: cancel, open: true}
	b.watchers[ch] = st

	w, err := b.factory(wctx, ch)
	if err != nil {
		cancel()
		st.open = false
		st.lastErr = err.Error()
		b.log.Warn("open change-feed watcher", "channel", ch, "err", err)
		return
	}

	go b.watch(wctx, ch, st, w)
	b.log.Info("change-feed watcher opened", "channel", ch)
}

// ReleaseWatcher tears the channel's watcher down. Called when the last local
// subscriber leaves, bounding the number of open cursors.
func (b *Bridge) ReleaseWatcher(ch message.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.watchers[ch]; ok {
		st.cancel()
		delete(b.watchers, ch)
		b.log.Info("change-feed watcher closed", "channel", ch)
	}
}

func (b *Bridge) watch(ctx context.Context, ch message.Channel, st *watcherState, w Watcher) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = w.Close(closeCtx)
		cancel()
	}()

	for {
		id, err := w.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.mu.Lock()
			st.open = false
			st.lastErr = err.Error()
			b.mu.Unlock()
			b.log.Warn("change-feed watcher failed, will reopen on next activity",
				"channel", ch, "err", err)
			return
		}
		b.republish(ctx, ch, id)
	}
}

func (b *Bridge) republish(ctx context.Context, ch message.Channel, id message.ID) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	msg, err := b.store.GetByID(fetchCtx, id)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			// Soft-deleted between notify and fetch; nothing to deliver.
			return
		}
		b.log.Warn("fetch notified message", "channel", ch, "message", id, "err", err)
		return
	}
	b.pub.Republish(msg)
}

// Status reports watcher and store-support state for the diagnostics surface.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := lo.Map(lo.Keys(b.watchers), func(ch message.Channel, _ int) ChannelStatus {
		st := b.watchers[ch]
		return ChannelStatus{Channel: ch, WatcherOpen: st.open, LastError: st.lastErr}
	})
	return Status{Supported: b.supportedLocked(), Channels: channels}
}

// supportedLocked caches the store's change-notification support check. An
// unsupported store degrades the bridge to in-process-only broadcast; the
// degradation is logged once and visible via Status.
func (b *Bridge) supportedLocked() bool {
	if b.checked {
		return b.supported
	}
	ctx, cancel := context.WithTimeout(b.ctx, fetchTimeout)
	defer cancel()

	ok, err := b.store.NotifyTriggerInstalled(ctx)
	if err != nil {
		b.log.Warn("change-notification support check failed", "err", err)
		return false
	}
	b.checked = true
	b.supported = ok
	if !ok {
		b.log.Warn("store does not support change notification; " +
			"cross-process delivery degraded to in-process broadcast only")
	}
	return ok
}

// Close stops every watcher. Safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cancel()
	for ch, st := range b.watchers {
		st.cancel()
		delete(b.watchers, ch)
	}
}
