package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"biostream/cmd/internal/ids"
	"biostream/cmd/internal/realtime"
	"biostream/cmd/internal/session"
	v1 "biostream/contracts/stream/v1"

	"github.com/coder/websocket"
)

const (
	defaultDeviceName = "Companion Wearable"

	maxFrameBytes = 16 << 10
	closeGrace    = 1 * time.Second
)

// ErrQueueFull is returned when a command cannot be queued to the companion.
var ErrQueueFull = errors.New("companion send queue full")

// Bridge is the companion endpoint and the CompanionWearable provider.
type Bridge struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	peer      *peer
	attached  chan struct{} // closed and replaced whenever a companion attaches
	connected bool          // Connect has handed the peer to the controller
	streaming bool
	streamID  string
	types     session.DataTypeSet
	onUpdate  session.UpdateFunc
	listener  func(session.ConnectionState)
}

type peer struct {
	sessionID string
	device    session.DeviceDescriptor
	client    *realtime.Client
	shutdown  func(code websocket.StatusCode, reason string)
}

// NewBridge constructs a Bridge.
func NewBridge(log *slog.Logger, cfg Config) *Bridge {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = DefaultConfig().AttachTimeout
	}
	cfg.Gateway = cfg.Gateway.WithDefaults()
	return &Bridge{
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		attached: make(chan struct{}),
	}
}

// ---- session.Provider ----

func (b *Bridge) Transport() session.Transport { return session.CompanionWearable }

// Connect returns the attached companion, waiting up to AttachTimeout for one.
func (b *Bridge) Connect(ctx context.Context) (session.DeviceDescriptor, error) {
	if !b.cfg.Enabled {
		return session.DeviceDescriptor{}, &session.UnsupportedFeatureError{
			Transport: session.CompanionWearable,
			Reason:    "companion bridge disabled",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.AttachTimeout)
	defer cancel()

	for {
		b.mu.Lock()
		if b.peer != nil {
			b.connected = true
			d := b.peer.device
			b.mu.Unlock()
			b.log.Info("companion.connect.ok", "device_id", d.ID, "device_name", d.Name)
			return d, nil
		}
		wait := b.attached
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return session.DeviceDescriptor{}, fmt.Errorf("waiting for companion: %w", ctx.Err())
		}
	}
}

// StartStream asks the companion to start sending the requested data types.
func (b *Bridge) StartStream(ctx context.Context, types session.DataTypeSet, _ string, onUpdate session.UpdateFunc) error {
	streamID, err := ids.NewULID(b.now().UTC())
	if err != nil {
		return err
	}

	b.mu.Lock()
	p := b.peer
	if !b.connected || p == nil {
		b.mu.Unlock()
		return session.ErrNotConnected
	}
	b.streaming = true
	b.streamID = streamID
	b.types = types
	b.onUpdate = onUpdate
	b.mu.Unlock()

	env, err := realtime.NewEnvelope(v1.TypeStreamStart, v1.StreamStartPayload{
		SessionID: streamID,
		DataTypes: types.Names(),
	}, b.now())
	if err == nil && !realtime.Enqueue(ctx, p.client, env) {
		err = ErrQueueFull
	}
	if err != nil {
		b.mu.Lock()
		if b.streamID == streamID {
			b.streaming = false
			b.onUpdate = nil
		}
		b.mu.Unlock()
		return err
	}

	b.log.Info("companion.stream.start", "device_id", p.device.ID, "stream_id", streamID, "data_types", types.String())
	return nil
}

// StopStream tells the companion to stop. It is a no-op when not streaming.
func (b *Bridge) StopStream() error {
	b.mu.Lock()
	if !b.streaming {
		b.mu.Unlock()
		return nil
	}
	b.streaming = false
	b.onUpdate = nil
	streamID := b.streamID
	p := b.peer
	b.mu.Unlock()

	if p == nil {
		return nil
	}
	env, err := realtime.NewEnvelope(v1.TypeStreamStop, v1.StreamStopPayload{SessionID: streamID}, b.now())
	if err != nil {
		return err
	}
	if !realtime.Enqueue(context.Background(), p.client, env) {
		return ErrQueueFull
	}
	b.log.Info("companion.stream.stop", "device_id", p.device.ID, "stream_id", streamID)
	return nil
}

// Disconnect closes the companion connection. The detach is not reported to the listener.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	p := b.peer
	b.peer = nil
	b.resetLocked()
	b.mu.Unlock()

	if p != nil {
		p.shutdown(websocket.StatusNormalClosure, "disconnected")
		b.log.Info("companion.disconnect.ok", "device_id", p.device.ID)
	}
	return nil
}

func (b *Bridge) CurrentDevice() (session.DeviceDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.peer == nil {
		return session.DeviceDescriptor{}, false
	}
	return b.peer.device, true
}

func (b *Bridge) SetConnectionStateListener(fn func(session.ConnectionState)) {
	b.mu.Lock()
	b.listener = fn
	b.mu.Unlock()
}

// Attached reports whether a companion is currently attached, connected or not.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// ---- websocket endpoint ----

// ServeHTTP adapter so it can be mounted as http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the companion loop until either side closes.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !b.cfg.Enabled {
		http.NotFound(w, r)
		return
	}
	gw := b.cfg.Gateway

	if err := gw.Origin.Check(r); err != nil {
		b.log.Info("companion.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.SubprotocolCompanion},
		OriginPatterns:     gw.Origin.Patterns(),
		InsecureSkipVerify: gw.DevInsecure,
	})
	if err != nil {
		b.log.Error("companion.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.SubprotocolCompanion {
		b.log.Info("companion.reject.subprotocol", "got", sp, "want", v1.SubprotocolCompanion)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := realtime.NewSessionID(b.now().UTC())
	if err != nil {
		b.log.Error("companion.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := realtime.NewClient(sessionID, gw.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		realtime.Pump(ctx, b.log, conn, client, gw.WriteTimeout, func() {
			shutdown(websocket.StatusAbnormalClosure, "write failed")
		})
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		realtime.Heartbeat(ctx, b.log, conn, client, gw, func() {
			shutdown(websocket.StatusGoingAway, "heartbeat failed")
		})
	}()

	rl := realtime.NewRateLimiter(gw.RateEvents, gw.RateWindow)
	var self *peer

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, gw.ReadIdleTimeout)
		env, err := realtime.ReadEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch realtime.ClassifyReadErr(err) {
			case realtime.ReadErrBadJSON:
				b.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			case realtime.ReadErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case realtime.ReadErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			default:
				b.log.Info("companion.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(b.now().UTC()) {
			b.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			b.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeCompanionHello:
			if self != nil {
				b.trySendError(ctx, client, "already_attached", "hello already received")
				continue readLoop
			}
			p, err := b.onHello(ctx, client, env, shutdown)
			if err != nil {
				b.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			self = p

		case v1.TypeSensorUpdate:
			if self == nil {
				b.trySendError(ctx, client, "hello_required", "send companion.hello first")
				continue readLoop
			}
			if err := b.onSensorUpdate(self, env); err != nil {
				b.trySendError(ctx, client, "bad_update", err.Error())
			}

		default:
			b.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	if self != nil {
		b.detach(self)
	}
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (b *Bridge) onHello(ctx context.Context, client *realtime.Client, env v1.Envelope, shutdown func(websocket.StatusCode, string)) (*peer, error) {
	var hp v1.CompanionHelloPayload
	if err := json.Unmarshal(env.Payload, &hp); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	deviceID := strings.TrimSpace(hp.DeviceID)
	if deviceID == "" {
		return nil, errors.New("missing device_id")
	}
	name := strings.TrimSpace(hp.DeviceName)
	if name == "" {
		name = defaultDeviceName
	}

	ack, err := realtime.NewEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID}, b.now())
	if err != nil {
		return nil, err
	}
	if !realtime.Enqueue(ctx, client, ack) {
		return nil, errors.New("backpressure: hello.ack")
	}

	p := &peer{
		sessionID: client.SessionID,
		device:    session.DeviceDescriptor{ID: deviceID, Name: name, Transport: session.CompanionWearable},
		client:    client,
		shutdown:  shutdown,
	}
	b.attach(p)
	return p, nil
}

func (b *Bridge) onSensorUpdate(p *peer, env v1.Envelope) error {
	var sp v1.SensorUpdatePayload
	if err := json.Unmarshal(env.Payload, &sp); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	dt, err := session.ParseDataType(sp.DataType)
	if err != nil {
		return err
	}
	ts := sp.Timestamp
	if ts.IsZero() {
		ts = env.TS
	}

	b.mu.Lock()
	fn := b.onUpdate
	live := b.peer == p && b.streaming && b.types.Has(dt)
	b.mu.Unlock()

	if !live || fn == nil {
		return nil
	}
	fn(session.SensorUpdate{
		Transport: session.CompanionWearable,
		DeviceID:  p.device.ID,
		DataType:  dt,
		Value:     sp.Value,
		Timestamp: ts,
	})
	return nil
}

// attach installs p as the current companion. A previous companion is dropped and,
// if the controller held it, reported lost.
func (b *Bridge) attach(p *peer) {
	b.mu.Lock()
	old := b.peer
	b.peer = p
	var fn func(session.ConnectionState)
	if old != nil && b.connected {
		b.resetLocked()
		fn = b.listener
	}
	close(b.attached)
	b.attached = make(chan struct{})
	b.mu.Unlock()

	b.log.Info("companion.attach", "session_id", p.sessionID, "device_id", p.device.ID, "device_name", p.device.Name)
	if old != nil {
		old.shutdown(websocket.StatusPolicyViolation, "replaced by a newer companion")
	}
	if fn != nil {
		fn(session.ConnectionLost)
	}
}

func (b *Bridge) detach(p *peer) {
	b.mu.Lock()
	if b.peer != p {
		b.mu.Unlock()
		return
	}
	b.peer = nil
	var fn func(session.ConnectionState)
	if b.connected {
		b.resetLocked()
		fn = b.listener
	}
	b.mu.Unlock()

	b.log.Info("companion.detach", "session_id", p.sessionID, "device_id", p.device.ID)
	if fn != nil {
		fn(session.ConnectionLost)
	}
}

func (b *Bridge) resetLocked() {
	b.connected = false
	b.streaming = false
	b.streamID = ""
	b.types = session.DataTypeSet{}
	b.onUpdate = nil
}

func (b *Bridge) trySendError(ctx context.Context, client *realtime.Client, code, msg string) {
	env, err := realtime.NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, b.now())
	if err != nil {
		return
	}
	_ = realtime.Enqueue(ctx, client, env)
}
