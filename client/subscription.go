package client

import (
	"context"
	"fmt"
	"time"

	"github.com/clipforge/pipeline/broadcast"
	"github.com/clipforge/pipeline/transport"
)

// Updates returns the update channel for a followed job. The first value
// is the connect-time snapshot; later values are live updates. The channel
// is closed when the client closes or the job is unsubscribed. Returns nil
// for jobs not followed by this client.
func (c *Client) Updates(jobID string) <-chan *broadcast.Update {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.subs[jobID]
}

// Subscribe follows an additional job. The call blocks until the server
// acknowledges with a snapshot (delivered on the returned channel) or
// rejects the job ID.
func (c *Client) Subscribe(ctx context.Context, jobID string) (<-chan *broadcast.Update, error) {
	c.subsMu.Lock()
	if ch, ok := c.subs[jobID]; ok {
		c.subsMu.Unlock()
		return ch, nil
	}
	ch := make(chan *broadcast.Update, updateBuffer)
	c.subs[jobID] = ch
	c.subsMu.Unlock()

	if err := c.subscribe(ctx, jobID); err != nil {
		c.subsMu.Lock()
		delete(c.subs, jobID)
		c.subsMu.Unlock()
		close(ch)
		return nil, fmt.Errorf("subscribe to %q: %w", jobID, err)
	}
	return ch, nil
}

// subscribe sends a subscribe frame and waits for the correlated snapshot
// or error frame.
func (c *Client) subscribe(ctx context.Context, jobID string) error {
	frame := &transport.Frame{
		ID:        transport.GenerateFrameID(),
		Type:      transport.FrameSubscribe,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
	}

	respCh := make(chan *transport.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return err
	}

	select {
	case resp := <-respCh:
		if resp.Type == transport.FrameErr {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("server rejected subscription: %s", msg)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe stops following a job and closes its update channel.
func (c *Client) Unsubscribe(jobID string) error {
	c.subsMu.Lock()
	ch, ok := c.subs[jobID]
	if ok {
		delete(c.subs, jobID)
	}
	c.subsMu.Unlock()
	if ok {
		close(ch)
	}

	return c.writeFrame(&transport.Frame{
		ID:        transport.GenerateFrameID(),
		Type:      transport.FrameUnsubscribe,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
	})
}

// AddCredits replenishes flow-control credits on the server-side
// subscriber for this connection.
func (c *Client) AddCredits(n int) error {
	return c.writeFrame(&transport.Frame{
		ID:        transport.GenerateFrameID(),
		Type:      transport.FrameCredits,
		Credits:   n,
		Timestamp: time.Now().UTC(),
	})
}
