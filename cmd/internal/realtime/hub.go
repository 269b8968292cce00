package realtime

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"biostream/cmd/internal/session"
	v1 "biostream/contracts/stream/v1"
)

// HubObserver receives fan-out statistics. Implementations must be cheap and non-blocking.
type HubObserver interface {
	ViewersChanged(n int)
	FeedDropped(t session.Transport)
}

// Hub fans readings and state changes out to connected viewers.
//
// Join/Leave are safe under concurrent Broadcast. Broadcast never blocks: a viewer whose
// queue is full misses the envelope.
type Hub struct {
	log *slog.Logger
	obs HubObserver
	now func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub. obs may be nil.
func NewHub(log *slog.Logger, obs HubObserver) *Hub {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Hub{
		log:     log,
		obs:     obs,
		now:     time.Now,
		clients: make(map[string]*Client),
	}
}

// Join adds a viewer.
func (h *Hub) Join(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[c.SessionID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("feed.viewer.join", "session_id", c.SessionID, "viewers", n)
	if h.obs != nil {
		h.obs.ViewersChanged(n)
	}
}

// Leave removes a viewer and signals its shutdown.
func (h *Hub) Leave(sessionID string) {
	if sessionID == "" {
		return
	}

	h.mu.Lock()
	c, ok := h.clients[sessionID]
	delete(h.clients, sessionID)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	// Close after removal so no broadcaster holds a client being torn down.
	c.Close()

	h.log.Info("feed.viewer.leave", "session_id", sessionID, "viewers", n)
	if h.obs != nil {
		h.obs.ViewersChanged(n)
	}
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers env to every viewer subscribed to t and returns how many accepted it.
func (h *Hub) Broadcast(t session.Transport, env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.clients {
		select {
		case <-c.Done():
			continue
		default:
		}
		if !c.Wants(t) {
			continue
		}

		select {
		case c.Send <- env:
			sent++
		default:
			if h.obs != nil {
				h.obs.FeedDropped(t)
			}
		}
	}
	return sent
}

// PublishUpdate broadcasts a reading as a sensor.update envelope.
func (h *Hub) PublishUpdate(u session.SensorUpdate) {
	env, err := NewEnvelope(v1.TypeSensorUpdate, UpdatePayload(u), h.now())
	if err != nil {
		h.log.Error("feed.encode.fail", "type", v1.TypeSensorUpdate, "err", err)
		return
	}
	h.Broadcast(u.Transport, env)
}

// PublishState broadcasts a transport state change.
func (h *Hub) PublishState(t session.Transport, st session.State, dev session.DeviceDescriptor) {
	env, err := NewEnvelope(v1.TypeStateChange, v1.StateChangePayload{
		Transport: t.String(),
		State:     st.String(),
		DeviceID:  dev.ID,
	}, h.now())
	if err != nil {
		h.log.Error("feed.encode.fail", "type", v1.TypeStateChange, "err", err)
		return
	}
	h.Broadcast(t, env)
}

// UpdatePayload converts a reading to its wire form.
func UpdatePayload(u session.SensorUpdate) v1.SensorUpdatePayload {
	return v1.SensorUpdatePayload{
		Transport: u.Transport.String(),
		DeviceID:  u.DeviceID,
		DataType:  u.DataType.String(),
		Value:     u.Value,
		Timestamp: u.Timestamp.UTC(),
	}
}
