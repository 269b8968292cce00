package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"biostream/cmd/internal/ids"
	"biostream/cmd/security/token"
)

// Options tunes a Controller. The zero value is valid.
type Options struct {
	// Executor runs update handlers. Defaults to InlineExecutor.
	Executor Executor

	// OnStateChange is called after every state transition, outside any controller lock.
	OnStateChange func(t Transport, st State, dev DeviceDescriptor)

	// OnDrop is called for every update discarded because its stream was no longer active.
	OnDrop func(t Transport, u SensorUpdate)

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Controller owns the lifecycle of one logical device session per transport.
// It is safe for concurrent use; operations on one transport are serialized by the
// slot lock. Connect releases the lock while the provider connects so Disconnect can
// abort it; a generation check on reacquire discards the aborted attempt.
// Provider connection events are stamped with a link generation when they fire and
// only apply to the link they were raised for.
type Controller struct {
	log   *slog.Logger
	exec  Executor
	now   func() time.Time
	onSt  func(Transport, State, DeviceDescriptor)
	onDrp func(Transport, SensorUpdate)

	// Fixed at construction; read without locking.
	slots map[Transport]*slot
}

type slot struct {
	transport Transport
	provider  Provider

	mu        sync.Mutex
	state     State
	device    DeviceDescriptor
	hasDevice bool
	stream    *stream

	connecting    bool
	connectGen    uint64
	cancelConnect context.CancelFunc

	// linkGen changes whenever the link is established or torn down. Provider events
	// are stamped with it when they fire and ignored once it has moved on.
	linkGen atomic.Uint64

	pending []stateChange
}

type stateChange struct {
	state  State
	device DeviceDescriptor
}

type stream struct {
	session Session
	handler UpdateFunc
	active  atomic.Bool
}

// NewController builds a controller over providers (at most one per transport).
// Transports without a provider report UnsupportedFeatureError on Connect.
func NewController(log *slog.Logger, opts Options, providers ...Provider) (*Controller, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	c := &Controller{
		log:   log,
		exec:  opts.Executor,
		now:   opts.Now,
		onSt:  opts.OnStateChange,
		onDrp: opts.OnDrop,
		slots: make(map[Transport]*slot, len(Transports)),
	}
	if c.exec == nil {
		c.exec = InlineExecutor{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}

	for _, t := range Transports {
		c.slots[t] = &slot{transport: t}
	}

	for _, p := range providers {
		if p == nil {
			continue
		}
		t := p.Transport()
		s, ok := c.slots[t]
		if !ok {
			return nil, fmt.Errorf("provider for %s: %w", t, ErrUnknownTransport)
		}
		if s.provider != nil {
			return nil, fmt.Errorf("duplicate provider for %s", t)
		}
		s.provider = p
		p.SetConnectionStateListener(func(cs ConnectionState) {
			// Never handle inline: the provider may still be inside one of its own calls.
			gen := s.linkGen.Load()
			go c.handleConnectionState(t, cs, gen)
		})
	}

	return c, nil
}

// Connect establishes the connection for t. For the radio transport the slot is
// Scanning until the provider resolves; the wearable transport connects directly.
// Connecting an already connected transport returns the current device.
func (c *Controller) Connect(ctx context.Context, t Transport) (DeviceDescriptor, error) {
	s, err := c.slot(t)
	if err != nil {
		return DeviceDescriptor{}, err
	}

	c.lock(s)
	if s.provider == nil {
		c.unlock(s)
		return DeviceDescriptor{}, &UnsupportedFeatureError{Transport: t, Reason: "no provider on this host"}
	}
	if s.state == StateConnected || s.state == StateStreaming {
		dev := s.device
		c.unlock(s)
		return dev, nil
	}
	if s.connecting {
		c.unlock(s)
		return DeviceDescriptor{}, &ConnectionError{Transport: t, Cause: ErrConnectInProgress}
	}

	connectCtx, cancel := context.WithCancel(ctx)
	s.connecting = true
	s.connectGen++
	gen := s.connectGen
	s.cancelConnect = cancel
	if t == ShortRangeRadio {
		c.setState(s, StateScanning)
	}
	provider := s.provider
	c.unlock(s)

	c.log.Info("session.connect.start", "transport", t.String())
	dev, connErr := provider.Connect(connectCtx)
	cancel()

	c.lock(s)
	defer c.unlock(s)

	if s.connectGen != gen || !s.connecting {
		// Disconnect ran while the provider was connecting.
		if connErr == nil {
			if err := provider.Disconnect(); err != nil {
				c.log.Warn("session.connect.abort.disconnect_fail", "transport", t.String(), "err", err)
			}
		}
		c.log.Info("session.connect.aborted", "transport", t.String())
		return DeviceDescriptor{}, &ConnectionError{Transport: t, Cause: ErrConnectAborted}
	}

	s.connecting = false
	s.cancelConnect = nil

	if connErr != nil {
		c.setState(s, StateIdle)
		err := classifyConnectErr(t, connErr)
		c.log.Info("session.connect.fail", "transport", t.String(), "unsupported", errors.Is(err, ErrUnsupportedFeature), "err", connErr)
		return DeviceDescriptor{}, err
	}

	if dev.Transport == 0 {
		dev.Transport = t
	}
	s.device = dev
	s.hasDevice = true
	s.linkGen.Add(1)
	c.setState(s, StateConnected)

	c.log.Info("session.connect.ok", "transport", t.String(), "device_id", dev.ID, "device_name", dev.Name)
	return dev, nil
}

// StartStream starts streaming types on t and routes every reading to handler.
//
// Preconditions are checked before the provider is contacted: types must be non-empty,
// handler non-nil, and token present when the transport requires one. A stream already
// running on t is stopped first; the new handler supersedes the old one.
func (c *Controller) StartStream(ctx context.Context, t Transport, types DataTypeSet, tok string, handler UpdateFunc) (Session, error) {
	s, err := c.slot(t)
	if err != nil {
		return Session{}, err
	}
	if types.Empty() {
		return Session{}, ErrEmptyDataTypes
	}
	if handler == nil {
		return Session{}, ErrNilHandler
	}
	if t.RequiresToken() && tok == "" {
		return Session{}, fmt.Errorf("%w: %s", ErrTokenRequired, t)
	}

	c.lock(s)
	defer c.unlock(s)

	if s.provider == nil {
		return Session{}, &UnsupportedFeatureError{Transport: t, Reason: "no provider on this host"}
	}
	if s.state != StateConnected && s.state != StateStreaming {
		return Session{}, fmt.Errorf("%w: %s is %s", ErrNotConnected, t, s.state)
	}

	if s.stream != nil {
		prev := s.stream.session.ID
		if err := c.stopLocked(s); err != nil {
			c.log.Warn("session.stream.replace.stop_fail", "transport", t.String(), "session_id", prev, "err", err)
		}
		c.log.Info("session.stream.replaced", "transport", t.String(), "session_id", prev)
	}

	now := c.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Session{}, fmt.Errorf("session id: %w", err)
	}

	st := &stream{
		session: Session{
			ID:        id,
			Transport: t,
			DataTypes: types,
			Token:     tok,
			Active:    true,
			StartedAt: now,
		},
		handler: handler,
	}
	st.active.Store(true)

	if err := s.provider.StartStream(ctx, types, tok, func(u SensorUpdate) { c.deliver(st, u) }); err != nil {
		st.active.Store(false)
		c.log.Info("session.stream.start.fail", "transport", t.String(), "session_id", id, "err", err)
		return Session{}, fmt.Errorf("start stream on %s: %w", t, err)
	}

	s.stream = st
	c.setState(s, StateStreaming)

	c.log.Info("session.stream.start",
		"transport", t.String(),
		"session_id", id,
		"data_types", types.String(),
		"token_fp", token.Fingerprint(tok),
	)
	return st.session, nil
}

// StopStream stops the stream on t. Stopping a transport that is not streaming is a no-op.
func (c *Controller) StopStream(t Transport) error {
	s, err := c.slot(t)
	if err != nil {
		return err
	}

	c.lock(s)
	defer c.unlock(s)

	if s.stream == nil {
		return nil
	}
	id := s.stream.session.ID
	err = c.stopLocked(s)
	c.log.Info("session.stream.stop", "transport", t.String(), "session_id", id)
	return err
}

// Disconnect tears down the connection on t. Any stream is deactivated first, so no
// handler registered before Disconnect fires afterwards. Disconnecting an idle transport
// is a no-op.
func (c *Controller) Disconnect(t Transport) error {
	s, err := c.slot(t)
	if err != nil {
		return err
	}

	c.lock(s)
	defer c.unlock(s)

	if s.connecting {
		s.connecting = false
		s.connectGen++
		if s.cancelConnect != nil {
			s.cancelConnect()
			s.cancelConnect = nil
		}
		c.setState(s, StateIdle)
		c.log.Info("session.disconnect.during_connect", "transport", t.String())
		return nil
	}

	if s.state == StateIdle && !s.hasDevice {
		return nil
	}

	var errs []error
	if s.stream != nil {
		if err := c.stopLocked(s); err != nil {
			errs = append(errs, err)
		}
	}
	if s.provider != nil {
		if err := s.provider.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", t, err))
		}
	}

	devID := s.device.ID
	s.device = DeviceDescriptor{}
	s.hasDevice = false
	s.linkGen.Add(1)
	c.setState(s, StateIdle)

	c.log.Info("session.disconnect", "transport", t.String(), "device_id", devID)
	return errors.Join(errs...)
}

// CurrentDevice returns the device connected on t, if any. It does not mutate state.
func (c *Controller) CurrentDevice(t Transport) (DeviceDescriptor, bool) {
	s, err := c.slot(t)
	if err != nil {
		return DeviceDescriptor{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.hasDevice
}

// State returns the lifecycle state of t.
func (c *Controller) State(t Transport) State {
	s, err := c.slot(t)
	if err != nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns a snapshot of the live session on t, if any.
func (c *Controller) Session(t Transport) (Session, bool) {
	s, err := c.slot(t)
	if err != nil {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return Session{}, false
	}
	out := s.stream.session
	out.Active = s.stream.active.Load()
	return out, true
}

// Supported reports whether a provider is registered for t.
func (c *Controller) Supported(t Transport) bool {
	s, err := c.slot(t)
	return err == nil && s.provider != nil
}

// Close disconnects every transport.
func (c *Controller) Close() error {
	var errs []error
	for _, t := range Transports {
		if err := c.Disconnect(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) slot(t Transport) (*slot, error) {
	s, ok := c.slots[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, t)
	}
	return s, nil
}

// stopLocked deactivates and stops the current stream. s.mu must be held.
func (c *Controller) stopLocked(s *slot) error {
	st := s.stream
	st.active.Store(false)
	s.stream = nil
	if s.state == StateStreaming {
		c.setState(s, StateConnected)
	}
	if err := s.provider.StopStream(); err != nil {
		return fmt.Errorf("stop stream on %s: %w", s.transport, err)
	}
	return nil
}

func (c *Controller) deliver(st *stream, u SensorUpdate) {
	if u.Transport == 0 {
		u.Transport = st.session.Transport
	}
	if !st.active.Load() {
		c.drop(u)
		return
	}
	c.exec.Execute(func() {
		if !st.active.Load() {
			c.drop(u)
			return
		}
		st.handler(u)
	})
}

func (c *Controller) drop(u SensorUpdate) {
	if c.onDrp != nil {
		c.onDrp(u.Transport, u)
	}
}

// handleConnectionState applies a provider event stamped with the link generation
// current when it fired. Events about an earlier link are ignored.
func (c *Controller) handleConnectionState(t Transport, cs ConnectionState, gen uint64) {
	s := c.slots[t]

	c.lock(s)
	defer c.unlock(s)

	c.log.Info("session.provider.state", "transport", t.String(), "connection", cs.String(), "state", s.state.String())

	if cs != ConnectionLost || s.connecting || s.state == StateIdle {
		return
	}
	if cur := s.linkGen.Load(); cur != gen {
		c.log.Info("session.provider.state.stale", "transport", t.String(), "gen", gen, "current", cur)
		return
	}

	if s.stream != nil {
		if err := c.stopLocked(s); err != nil {
			c.log.Debug("session.connection_lost.stop_fail", "transport", t.String(), "err", err)
		}
	}
	devID := s.device.ID
	s.device = DeviceDescriptor{}
	s.hasDevice = false
	s.linkGen.Add(1)
	c.setState(s, StateIdle)

	c.log.Warn("session.connection_lost", "transport", t.String(), "device_id", devID)
}

func (c *Controller) lock(s *slot) { s.mu.Lock() }

// unlock releases s and then runs the state observer for transitions made under the lock.
func (c *Controller) unlock(s *slot) {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if c.onSt == nil {
		return
	}
	for _, ch := range pending {
		c.onSt(s.transport, ch.state, ch.device)
	}
}

// setState records a transition. s.mu must be held.
func (c *Controller) setState(s *slot, st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.pending = append(s.pending, stateChange{state: st, device: s.device})
}

func classifyConnectErr(t Transport, err error) error {
	var unsupported *UnsupportedFeatureError
	if errors.As(err, &unsupported) {
		return unsupported
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr
	}
	return &ConnectionError{Transport: t, Cause: err}
}
