package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"biostream/cmd/internal/session"
	v1 "biostream/contracts/stream/v1"

	"github.com/coder/websocket"
)

// WSGateway is the viewer feed: local consumers watch readings and state changes live.
//
// It enforces origin policy, subprotocol selection, inbound rate limits and heartbeats.
// A viewer receives nothing until it has sent hello.
type WSGateway struct {
	log *slog.Logger
	hub *Hub
	cfg GatewayConfig
}

// NewWSGateway constructs a gateway. A nil hub gets a private one.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, nil)
	}
	return &WSGateway{log: log, hub: hub, cfg: cfg.WithDefaults()}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the viewer loop until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.cfg.Origin.Check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.SubprotocolStream},
		OriginPatterns:     g.cfg.Origin.Patterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.SubprotocolStream {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.SubprotocolStream)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does not close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		Pump(ctx, g.log, conn, client, g.cfg.WriteTimeout, func() {
			shutdown(websocket.StatusAbnormalClosure, "write failed")
		})
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		Heartbeat(ctx, g.log, conn, client, g.cfg, func() {
			shutdown(websocket.StatusGoingAway, "heartbeat failed")
		})
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)
	joined := false

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := ReadEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch ClassifyReadErr(err) {
			case ReadErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case ReadErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case ReadErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case ReadErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env, !joined); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			joined = true

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope, first bool) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	ts := make([]session.Transport, 0, len(p.Transports))
	for _, name := range p.Transports {
		t, err := session.ParseTransport(name)
		if err != nil {
			return err
		}
		ts = append(ts, t)
	}
	client.SetFilter(ts)

	ack, err := NewEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID}, time.Now().UTC())
	if err != nil {
		return err
	}
	if !Enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}

	if first {
		g.hub.Join(client)
	}
	return nil
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env, err := NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = Enqueue(ctx, client, env)
}

// Pump writes queued envelopes until ctx or the client is done. fail runs on the first
// write error.
func Pump(ctx context.Context, log *slog.Logger, conn *websocket.Conn, client *Client, timeout time.Duration, fail func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := WriteEnvelope(ctx, conn, env, timeout); err != nil {
				log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				fail()
				return
			}
		}
	}
}

// Heartbeat pings until ctx or the client is done; fail runs after wsMaxPingFailures
// consecutive failures.
func Heartbeat(ctx context.Context, log *slog.Logger, conn *websocket.Conn, client *Client, cfg GatewayConfig, fail func()) {
	t := time.NewTicker(cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					fail()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// Enqueue offers env to the client's queue without blocking.
func Enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}
