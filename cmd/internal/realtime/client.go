package realtime

import (
	"sync"

	"biostream/cmd/internal/session"
	v1 "biostream/contracts/stream/v1"
)

// Client is one connected viewer.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals the connection goroutines to stop.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu     sync.RWMutex
	filter map[session.Transport]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// SetFilter narrows the feed to ts. An empty list means every transport.
func (c *Client) SetFilter(ts []session.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ts) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[session.Transport]struct{}, len(ts))
	for _, t := range ts {
		c.filter[t] = struct{}{}
	}
}

// Wants reports whether the client subscribed to t.
func (c *Client) Wants(t session.Transport) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[t]
	return ok
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent). It does not close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
