// Package hub is the in-process registry of notification sockets, keyed by
// channel key (BLE UUID when the session has one, nonce otherwise), and the
// broadcast path that pushes verdicts to scanning devices.
//
// The registry is deliberately process-local; horizontal scale needs sticky
// routing on the channel key or a pub/sub bridge over the shared store.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultMaxPerChannel bounds concurrent sockets under one channel key.
	DefaultMaxPerChannel = 5

	// DefaultWaitTimeout is how long a broadcast waits for a late
	// subscriber before giving up silently.
	DefaultWaitTimeout = 3 * time.Second

	// DefaultPollInterval is the subscriber-arrival poll period during the
	// bounded wait.
	DefaultPollInterval = 100 * time.Millisecond

	writeTimeout = 10 * time.Second
)

// ErrChannelFull is returned by Register when the channel already holds the
// maximum number of sockets.
var ErrChannelFull = errors.New("hub: connection limit reached for channel")

// successFrame is the JSON frame pushed on successful verification.
type successFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Result  any    `json:"result"`
}

// Client wraps one registered socket. Writes are serialized through the
// client so the broadcast path and the ping/pong loop never interleave
// frames.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Options configures a Hub.
type Options struct {
	// MaxPerChannel ≤ 0 defaults to DefaultMaxPerChannel.
	MaxPerChannel int
	// WaitTimeout ≤ 0 defaults to DefaultWaitTimeout.
	WaitTimeout time.Duration
	// PollInterval ≤ 0 defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Hub is the channel-keyed socket registry. Safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*Client]struct{}

	maxPerChannel int
	waitTimeout   time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.MaxPerChannel <= 0 {
		opts.MaxPerChannel = DefaultMaxPerChannel
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		channels:      make(map[string]map[*Client]struct{}),
		maxPerChannel: opts.MaxPerChannel,
		waitTimeout:   opts.WaitTimeout,
		pollInterval:  opts.PollInterval,
		logger:        opts.Logger,
	}
}

// Register adds conn under key, enforcing the per-channel connection limit.
func (h *Hub) Register(key string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.channels[key]
	if len(set) >= h.maxPerChannel {
		return nil, ErrChannelFull
	}
	if set == nil {
		set = make(map[*Client]struct{})
		h.channels[key] = set
	}
	c := &Client{conn: conn}
	set[c] = struct{}{}

	h.logger.Info("hub: socket registered",
		slog.String("channel", key),
		slog.Int("subscribers", len(set)),
	)
	return c, nil
}

// Unregister removes c from key and closes the socket. Unknown clients are a
// no-op.
func (h *Hub) Unregister(key string, c *Client) {
	h.mu.Lock()
	set, ok := h.channels[key]
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, key)
		}
	}
	h.mu.Unlock()

	_ = c.conn.Close()
	if ok {
		h.logger.Info("hub: socket unregistered", slog.String("channel", key))
	}
}

// Subscribers returns the number of live sockets under key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[key])
}

// snapshot returns a copy of the subscriber set so broadcast iteration never
// races registry mutation.
func (h *Hub) snapshot(key string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.channels[key]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// NotifySuccess pushes the verification_success frame to every socket under
// key, reporting whether at least one delivery succeeded.  When the channel
// is empty it waits up to the configured timeout, polling for a late
// subscriber, then gives up silently.  Failed sends evict the socket.
func (h *Hub) NotifySuccess(ctx context.Context, key string, result any) bool {
	clients := h.snapshot(key)
	if len(clients) == 0 {
		clients = h.awaitSubscriber(ctx, key)
		if len(clients) == 0 {
			h.logger.Warn("hub: no subscriber arrived, dropping notification",
				slog.String("channel", key))
			return false
		}
	}

	delivered := false
	frame := successFrame{Type: "verification_success", Channel: key, Result: result}
	for _, c := range clients {
		if err := c.writeJSON(frame); err != nil {
			h.logger.Warn("hub: send failed, evicting socket",
				slog.String("channel", key), slog.Any("error", err))
			h.Unregister(key, c)
			continue
		}
		delivered = true
		h.logger.Info("hub: verification result delivered", slog.String("channel", key))
	}
	return delivered
}

// awaitSubscriber polls for a subscriber on key until one arrives, the wait
// timeout elapses, or ctx is cancelled.
func (h *Hub) awaitSubscriber(ctx context.Context, key string) []*Client {
	deadline := time.NewTimer(h.waitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(h.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-tick.C:
			if clients := h.snapshot(key); len(clients) > 0 {
				return clients
			}
		}
	}
}

// Serve drives the read loop for a registered client: incoming text "ping"
// frames are answered with "pong", everything else is discarded, and any
// read error ends the loop.  The caller is responsible for Unregister.
func (h *Hub) Serve(key string, c *Client) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("hub: read loop ended",
				slog.String("channel", key), slog.Any("error", err))
			return
		}
		if msgType == websocket.TextMessage && string(data) == "ping" {
			if err := c.writeText("pong"); err != nil {
				return
			}
		}
	}
}
