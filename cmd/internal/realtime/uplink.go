package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"biostream/cmd/internal/session"
	"biostream/cmd/security/token"
	v1 "biostream/contracts/stream/v1"

	"github.com/coder/websocket"
)

// ErrUplinkDisabled is returned by Open when no upstream URL is configured.
var ErrUplinkDisabled = errors.New("uplink disabled")

// Uplink forwards readings to an upstream websocket authenticated with the stream's
// bearer token. One connection is open at a time; Close tears it down and a later Open
// dials again.
type Uplink struct {
	log *slog.Logger
	cfg UplinkConfig
	now func() time.Time

	mu      sync.Mutex // serializes Open/Close
	cur     atomic.Pointer[uplinkConn]
	dropped atomic.Uint64
}

type uplinkConn struct {
	conn    *websocket.Conn
	queue   chan v1.Envelope
	cancel  context.CancelFunc
	done    chan struct{}
	tokenFP string
}

// NewUplink constructs an Uplink. It does not dial until Open.
func NewUplink(log *slog.Logger, cfg UplinkConfig) *Uplink {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	def := DefaultUplinkConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Uplink{log: log, cfg: cfg, now: time.Now}
}

// Enabled reports whether an upstream URL is configured.
func (u *Uplink) Enabled() bool { return u != nil && u.cfg.Enabled() }

// Connected reports whether a connection is open.
func (u *Uplink) Connected() bool { return u.cur.Load() != nil }

// Dropped returns how many readings were discarded because the queue was full or closed.
func (u *Uplink) Dropped() uint64 { return u.dropped.Load() }

// Open dials upstream with tok. An open connection for the same token is reused;
// a different token replaces it.
func (u *Uplink) Open(ctx context.Context, tok string) error {
	if !u.Enabled() {
		return ErrUplinkDisabled
	}
	auth, err := token.Bearer(tok)
	if err != nil {
		return err
	}
	fp := token.Fingerprint(tok)

	u.mu.Lock()
	defer u.mu.Unlock()

	if c := u.cur.Load(); c != nil {
		if c.tokenFP == fp {
			return nil
		}
		u.closeLocked("token replaced")
	}

	dialCtx, cancel := context.WithTimeout(ctx, u.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", auth)

	conn, resp, err := websocket.Dial(dialCtx, u.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.SubprotocolUplink},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		u.log.Info("uplink.dial.fail", "url", u.cfg.URL, "token_fp", fp, "err", err)
		return fmt.Errorf("dial uplink: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.SubprotocolUplink {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return fmt.Errorf("dial uplink: subprotocol %q not negotiated", v1.SubprotocolUplink)
	}

	// The upstream never sends data; CloseRead handles control frames and
	// cancels connCtx when the peer goes away.
	connCtx, connCancel := context.WithCancel(context.Background())
	connCtx = conn.CloseRead(connCtx)

	c := &uplinkConn{
		conn:    conn,
		queue:   make(chan v1.Envelope, u.cfg.QueueSize),
		cancel:  connCancel,
		done:    make(chan struct{}),
		tokenFP: fp,
	}
	u.cur.Store(c)
	go u.run(connCtx, c)

	u.log.Info("uplink.open.ok", "url", u.cfg.URL, "token_fp", fp)
	return nil
}

// Publish enqueues a reading without blocking. It reports false when the reading was dropped.
func (u *Uplink) Publish(su session.SensorUpdate) bool {
	c := u.cur.Load()
	if c == nil {
		u.dropped.Add(1)
		return false
	}

	env, err := NewEnvelope(v1.TypeSensorUpdate, UpdatePayload(su), u.now())
	if err != nil {
		u.dropped.Add(1)
		return false
	}

	select {
	case c.queue <- env:
		return true
	default:
		u.dropped.Add(1)
		return false
	}
}

// Close closes the current connection (idempotent). Queued readings are discarded.
func (u *Uplink) Close() error {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeLocked("stream stopped")
	return nil
}

func (u *Uplink) closeLocked(reason string) {
	c := u.cur.Swap(nil)
	if c == nil {
		return
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		u.log.Debug("uplink.close.fail", "err", err)
	}
	c.cancel()
	<-c.done
	u.log.Info("uplink.close.ok", "reason", reason, "token_fp", c.tokenFP)
}

func (u *Uplink) run(ctx context.Context, c *uplinkConn) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			if u.cur.CompareAndSwap(c, nil) {
				u.log.Info("uplink.lost", "token_fp", c.tokenFP, "err", context.Cause(ctx))
				c.cancel()
			}
			return
		case env := <-c.queue:
			if err := WriteEnvelope(ctx, c.conn, env, u.cfg.WriteTimeout); err != nil {
				u.log.Info("uplink.write.fail", "token_fp", c.tokenFP, "close_status", websocket.CloseStatus(err), "err", err)
				if u.cur.CompareAndSwap(c, nil) {
					_ = c.conn.Close(websocket.StatusAbnormalClosure, "write failed")
					c.cancel()
				}
				return
			}
		}
	}
}

// WithUplink decorates p so that a started stream also forwards its readings upstream,
// authenticated with the stream's token. p is returned unchanged when up is disabled.
func WithUplink(p session.Provider, up *Uplink) session.Provider {
	if !up.Enabled() {
		return p
	}
	return &uplinkProvider{Provider: p, up: up}
}

type uplinkProvider struct {
	session.Provider
	up *Uplink

	// gen identifies the current stream. Callbacks of a stopped or replaced stream
	// carry an older gen and never reach the upstream connection.
	mu  sync.RWMutex
	gen uint64
}

func (p *uplinkProvider) advance() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	return p.gen
}

func (p *uplinkProvider) publish(gen uint64, su session.SensorUpdate) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.gen != gen {
		p.up.dropped.Add(1)
		return
	}
	p.up.Publish(su)
}

func (p *uplinkProvider) StartStream(ctx context.Context, types session.DataTypeSet, tok string, onUpdate session.UpdateFunc) error {
	gen := p.advance()
	if err := p.up.Open(ctx, tok); err != nil {
		return &session.ConnectionError{Transport: p.Transport(), Cause: err}
	}
	forward := func(su session.SensorUpdate) {
		p.publish(gen, su)
		onUpdate(su)
	}
	if err := p.Provider.StartStream(ctx, types, tok, forward); err != nil {
		p.advance()
		_ = p.up.Close()
		return err
	}
	return nil
}

func (p *uplinkProvider) StopStream() error {
	p.advance()
	_ = p.up.Close()
	return p.Provider.StopStream()
}

func (p *uplinkProvider) Disconnect() error {
	p.advance()
	_ = p.up.Close()
	return p.Provider.Disconnect()
}
