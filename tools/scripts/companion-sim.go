// Package main simulates a companion wearable against a running biostream daemon.
//
// It attaches to the companion bridge, waits for stream.start, then emits synthetic
// readings for every requested data type until stream.stop or interrupt:
//   - handshake + subprotocol selection
//   - companion.hello / hello.ack
//   - stream.start -> periodic sensor.update
//   - stream.stop pauses emission; a later stream.start resumes it
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	v1 "biostream/contracts/stream/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

type simClient struct {
	conn *websocket.Conn
	seq  int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/companion", "Companion bridge URL")
		deviceID = flag.String("device", "sim-watch-1", "Device ID to announce")
		name     = flag.String("name", "Simulated Watch", "Device name to announce")
		every    = flag.Duration("every", time.Second, "Interval between readings")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *every <= 0 {
		fatalf("invalid -every: must be > 0")
	}

	root, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := mustConnect(root, *wsURL, *deviceID, *name, *timeout)
	defer closeWS(c.conn)

	fmt.Printf("attached: device=%s url=%s\n", *deviceID, *wsURL)

	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	var types []string
	start := time.Now()

	for {
		select {
		case <-root.Done():
			fmt.Println("interrupted")
			return

		case err := <-c.errCh:
			if err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				fmt.Println("bridge closed the connection")
				return
			}
			fatalf("connection error: %v", err)

		case env, ok := <-c.inbox:
			if !ok {
				fmt.Println("bridge closed the connection")
				return
			}
			switch env.Type {
			case v1.TypeStreamStart:
				var p v1.StreamStartPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					fatalf("unmarshal stream.start payload: %v", err)
				}
				types = p.DataTypes
				fmt.Printf("stream.start: session=%s types=%s\n", p.SessionID, strings.Join(types, ","))
			case v1.TypeStreamStop:
				types = nil
				fmt.Println("stream.stop")
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fmt.Fprintf(os.Stderr, "server error: code=%q msg=%q\n", ep.Code, ep.Message)
			default:
				if *verbose {
					fmt.Printf("ignored envelope: %s\n", env.Type)
				}
			}

		case now := <-ticker.C:
			for _, dt := range types {
				v := syntheticValue(dt, now.Sub(start))
				env := c.envelope(v1.TypeSensorUpdate, v1.SensorUpdatePayload{
					DeviceID:  *deviceID,
					DataType:  dt,
					Value:     &v,
					Timestamp: now.UTC(),
				})
				mustWriteWithTimeout(root, c.conn, env, *timeout)
				if *verbose {
					fmt.Printf("sensor.update: %s=%.2f\n", dt, v)
				}
			}
		}
	}
}

// syntheticValue produces a plausible, slowly varying reading for a data type.
func syntheticValue(dataType string, elapsed time.Duration) float64 {
	s := elapsed.Seconds()
	switch strings.ToUpper(dataType) {
	case "HEART_RATE":
		return math.Round(72 + 8*math.Sin(s/15))
	case "HRV":
		return 45 + 5*math.Cos(s/20)
	case "STEPS":
		return math.Floor(s * 1.6)
	case "CALORIES":
		return s * 0.09
	case "CORE_TEMPERATURE":
		return 36.8 + 0.2*math.Sin(s/120)
	case "ACCELERATION":
		return 0.98 + 0.05*math.Sin(s*2)
	default:
		return 0
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, deviceID, name string, stepTimeout time.Duration) *simClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.SubprotocolCompanion},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}

	assertSubprotocol(resp, v1.SubprotocolCompanion)
	conn.SetReadLimit(maxReadBytes)

	c := &simClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := c.envelope(v1.TypeCompanionHello, v1.CompanionHelloPayload{DeviceID: deviceID, DeviceName: name})
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload: %v", err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id")
	}
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *simClient) envelope(typ string, payload any) v1.Envelope {
	c.seq++
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("sim-%d-%d", time.Now().UnixNano(), c.seq),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func (c *simClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *simClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
