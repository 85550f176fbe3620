// Package client provides a Go client for following job progress from a
// remote pipeline server over WebSocket.
//
// Usage:
//
//	c, err := client.Dial(ctx, "ws://api.example.com/ws", jobID)
//	defer c.Close()
//
//	for u := range c.Updates(jobID) {
//	    fmt.Printf("%s: %d%% %s\n", u.Status, u.Progress, u.Message)
//	}
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipforge/pipeline/broadcast"
	"github.com/clipforge/pipeline/transport"
)

// updateBuffer is the per-job channel capacity. Slow consumers drop
// intermediate updates rather than stall the read loop; every update is a
// full snapshot so the latest one always wins.
const updateBuffer = 64

// Client follows job progress from a remote pipeline server.
type Client struct {
	url    string
	format string
	codec  transport.Codec
	logger *slog.Logger

	// Keepalive.
	pingInterval time.Duration

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state.
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	// Request-response correlation (subscribe acks and errors).
	pending sync.Map // frameID → chan *transport.Frame

	// Dial handshake: resolved by the first snapshot or error frame.
	ready     chan error
	readyOnce sync.Once

	// Per-job update channels.
	subsMu sync.Mutex
	subs   map[string]chan *broadcast.Update
}

// Dial connects to a pipeline server and subscribes to the given job.
// Additional jobs can be followed with Subscribe.
func Dial(ctx context.Context, rawURL, jobID string, opts ...Option) (*Client, error) {
	c := &Client{
		url:          rawURL,
		format:       transport.CodecNameJSON,
		logger:       slog.Default(),
		pingInterval: 25 * time.Second,
		maxRetries:   5,
		baseDelay:    time.Second,
		ready:        make(chan error, 1),
		subs:         make(map[string]chan *broadcast.Update),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = transport.GetCodec(c.format)
	c.subs[jobID] = make(chan *broadcast.Update, updateBuffer)

	if err := c.connect(ctx, jobID); err != nil {
		return nil, fmt.Errorf("pipeline/client: dial: %w", err)
	}

	go c.readLoop()
	go c.pingLoop()

	// The server answers the upgrade with either the job snapshot or an
	// error frame; surface a rejection here instead of on the first read.
	select {
	case err := <-c.ready:
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("pipeline/client: dial: %w", err)
		}
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("pipeline/client: dial: %w", ctx.Err())
	}

	return c, nil
}

// connect establishes the WebSocket connection. The server sends the
// initial snapshot on its own; it arrives through the read loop.
func (c *Client) connect(ctx context.Context, jobID string) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("job_id", jobID)
	q.Set("format", c.format)
	u.RawQuery = q.Encode()

	conn, resp, dialErr := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if dialErr != nil {
		return fmt.Errorf("websocket dial: %w", dialErr)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.conn = conn
	c.done = make(chan struct{})
	return nil
}

// readLoop reads frames from the WebSocket and dispatches them.
func (c *Client) readLoop() {
	for {
		if c.closed.Load() {
			return
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			close(c.done)
			c.readyOnce.Do(func() { c.ready <- fmt.Errorf("connection closed: %w", err) })
			if c.closed.Load() {
				return
			}
			c.logger.Warn("client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			c.logger.Warn("client: invalid frame", slog.String("error", decErr.Error()))
			continue
		}

		// Correlated frames answer an in-flight subscribe.
		if frame.CorrelID != "" {
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *transport.Frame) //nolint:errcheck // pending map always stores chan *transport.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		}

		switch frame.Type {
		case transport.FrameUpdate, transport.FrameSnapshot:
			if frame.Type == transport.FrameSnapshot {
				c.readyOnce.Do(func() { c.ready <- nil })
			}
			if frame.Update != nil {
				c.deliver(frame.Update)
			}
		case transport.FrameHeartbeat, transport.FramePong:
			// Liveness only.
		case transport.FrameErr:
			if frame.CorrelID == "" && frame.Error != nil {
				c.readyOnce.Do(func() { c.ready <- fmt.Errorf("server rejected connection: %s", frame.Error.Message) })
				c.logger.Warn("server error frame", slog.String("message", frame.Error.Message))
			}
		}
	}
}

// deliver routes an update to its job channel, dropping when the consumer
// lags.
func (c *Client) deliver(u *broadcast.Update) {
	// The send happens under the lock so Unsubscribe and Close cannot
	// close the channel out from under it.
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	ch, ok := c.subs[u.JobID]
	if !ok {
		return
	}
	select {
	case ch <- u:
	default:
	}
}

// pingLoop keeps the connection alive from the server's perspective:
// the server closes connections that stay silent past its heartbeat
// timeout.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ping := &transport.Frame{
				ID:        transport.GenerateFrameID(),
				Type:      transport.FramePing,
				Timestamp: time.Now().UTC(),
			}
			if err := c.writeFrame(ping); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// tryReconnect attempts to reconnect with exponential backoff and restore
// all job subscriptions.
func (c *Client) tryReconnect() {
	c.subsMu.Lock()
	jobIDs := make([]string, 0, len(c.subs))
	for jobID := range c.subs {
		jobIDs = append(jobIDs, jobID)
	}
	c.subsMu.Unlock()
	if len(jobIDs) == 0 {
		return
	}

	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)

		if err := c.connect(context.Background(), jobIDs[0]); err != nil {
			c.logger.Warn("client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		go c.readLoop()
		go c.pingLoop()

		// Restore the remaining subscriptions.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, jobID := range jobIDs[1:] {
			if err := c.subscribe(ctx, jobID); err != nil {
				c.logger.Warn("client resubscribe failed",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
		cancel()

		c.logger.Info("client reconnected")
		return
	}
	c.logger.Error("client: max reconnection attempts reached")
}

// writeFrame encodes and sends a frame over the WebSocket.
func (c *Client) writeFrame(frame *transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	msgType := websocket.TextMessage
	if c.codec.Name() == transport.CodecNameMsgpack {
		msgType = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(msgType, data)
}

// Close closes the client connection and all update channels.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	c.subsMu.Lock()
	for jobID, ch := range c.subs {
		close(ch)
		delete(c.subs, jobID)
	}
	c.subsMu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
