package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"biostream/cmd/internal/session"
	"biostream/cmd/security/token"
	v1 "biostream/contracts/stream/v1"

	"github.com/coder/websocket"
)

type upstreamRecorder struct {
	mu    sync.Mutex
	auth  []string
	envs  chan v1.Envelope
	conns int
}

func newUpstream(t *testing.T) (*upstreamRecorder, string) {
	t.Helper()
	rec := &upstreamRecorder{envs: make(chan v1.Envelope, 64)}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := token.ParseBearer(r.Header.Get("Authorization")); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rec.mu.Lock()
		rec.auth = append(rec.auth, r.Header.Get("Authorization"))
		rec.conns++
		rec.mu.Unlock()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.SubprotocolUplink}})
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

		for {
			_, b, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env v1.Envelope
			if json.Unmarshal(b, &env) == nil {
				rec.envs <- env
			}
		}
	})

	ts := startWSTestServer(t, "/ingest", h)
	return rec, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ingest"
}

func (r *upstreamRecorder) next(t *testing.T) v1.Envelope {
	t.Helper()
	select {
	case env := <-r.envs:
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream received nothing")
		return v1.Envelope{}
	}
}

func TestUplink_OpenAuthenticatesAndForwards(t *testing.T) {
	rec, u := newUpstream(t)
	up := NewUplink(testLogger(), UplinkConfig{URL: u})
	defer func() { _ = up.Close() }()

	if err := up.Open(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !up.Publish(session.SensorUpdate{Transport: session.ShortRangeRadio, DataType: session.HeartRate, Value: session.Float(64), Timestamp: time.Now()}) {
		t.Fatalf("Publish refused")
	}

	env := rec.next(t)
	p := decodePayload[v1.SensorUpdatePayload](t, env)
	if env.Type != v1.TypeSensorUpdate || p.DataType != "HEART_RATE" || p.Value == nil || *p.Value != 64 {
		t.Fatalf("unexpected upstream envelope %+v %+v", env, p)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.auth) != 1 || rec.auth[0] != "Bearer tok-1" {
		t.Fatalf("auth=%v", rec.auth)
	}
}

func TestUplink_ReuseAndReplaceByToken(t *testing.T) {
	rec, u := newUpstream(t)
	up := NewUplink(testLogger(), UplinkConfig{URL: u})
	defer func() { _ = up.Close() }()

	ctx := context.Background()
	if err := up.Open(ctx, "tok-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := up.Open(ctx, "tok-1"); err != nil {
		t.Fatalf("Open same token: %v", err)
	}
	if err := up.Open(ctx, "tok-2"); err != nil {
		t.Fatalf("Open new token: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.conns != 2 {
		t.Fatalf("conns=%d, want 2", rec.conns)
	}
	if rec.auth[1] != "Bearer tok-2" {
		t.Fatalf("auth=%v", rec.auth)
	}
}

func TestUplink_DisabledAndEmptyToken(t *testing.T) {
	up := NewUplink(testLogger(), UplinkConfig{})
	if err := up.Open(context.Background(), "tok"); !errors.Is(err, ErrUplinkDisabled) {
		t.Fatalf("expected ErrUplinkDisabled, got %v", err)
	}

	p := &stubProvider{}
	if got := WithUplink(p, up); got != session.Provider(p) {
		t.Fatalf("disabled uplink must not decorate")
	}

	_, u := newUpstream(t)
	up = NewUplink(testLogger(), UplinkConfig{URL: u})
	if err := up.Open(context.Background(), "  "); !errors.Is(err, token.ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestUplink_PublishAfterCloseIsDropped(t *testing.T) {
	_, u := newUpstream(t)
	up := NewUplink(testLogger(), UplinkConfig{URL: u})

	if err := up.Open(context.Background(), "tok"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := up.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := up.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if up.Publish(session.SensorUpdate{DataType: session.HeartRate}) {
		t.Fatalf("Publish should refuse after Close")
	}
	if up.Dropped() != 1 {
		t.Fatalf("dropped=%d", up.Dropped())
	}
}

func TestWithUplink_StreamLifecycle(t *testing.T) {
	rec, u := newUpstream(t)
	up := NewUplink(testLogger(), UplinkConfig{URL: u})
	inner := &stubProvider{}
	p := WithUplink(inner, up)

	var local []session.SensorUpdate
	err := p.StartStream(context.Background(), session.NewDataTypeSet(session.HeartRate), "tok-9", func(su session.SensorUpdate) {
		local = append(local, su)
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if !up.Connected() {
		t.Fatalf("expected uplink open while streaming")
	}

	inner.emit(session.SensorUpdate{Transport: session.ShortRangeRadio, DataType: session.HeartRate, Value: session.Float(58)})

	if len(local) != 1 {
		t.Fatalf("local handler got %d updates", len(local))
	}
	if env := rec.next(t); env.Type != v1.TypeSensorUpdate {
		t.Fatalf("upstream got %s", env.Type)
	}

	if err := p.StopStream(); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	if up.Connected() {
		t.Fatalf("expected uplink closed after stop")
	}
	if inner.stops != 1 {
		t.Fatalf("inner stops=%d", inner.stops)
	}
}

func TestWithUplink_InnerFailureClosesUplink(t *testing.T) {
	_, u := newUpstream(t)
	up := NewUplink(testLogger(), UplinkConfig{URL: u})
	inner := &stubProvider{startErr: errors.New("gatt busy")}
	p := WithUplink(inner, up)

	err := p.StartStream(context.Background(), session.NewDataTypeSet(session.HeartRate), "tok", func(session.SensorUpdate) {})
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if up.Connected() {
		t.Fatalf("uplink must not stay open after a failed start")
	}
}

func TestWithUplink_DialFailureIsConnectionError(t *testing.T) {
	up := NewUplink(testLogger(), UplinkConfig{URL: "ws://127.0.0.1:1/uplink", DialTimeout: time.Second})
	inner := &stubProvider{}
	p := WithUplink(inner, up)

	err := p.StartStream(context.Background(), session.NewDataTypeSet(session.HeartRate), "tok", func(session.SensorUpdate) {})
	if !errors.Is(err, session.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if inner.onUpdate != nil {
		t.Fatalf("inner provider must not start when the uplink is down")
	}
}

func TestWithUplink_ReplacedStreamCallbackNotForwarded(t *testing.T) {
	rec, u := newUpstream(t)
	up := NewUplink(testLogger(), UplinkConfig{URL: u})
	inner := &stubProvider{}

	var drops int
	ctl, err := session.NewController(testLogger(), session.Options{
		OnDrop: func(session.Transport, session.SensorUpdate) { drops++ },
	}, WithUplink(inner, up))
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer func() { _ = ctl.Close() }()

	ctx := context.Background()
	if _, err := ctl.Connect(ctx, session.ShortRangeRadio); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	types := session.NewDataTypeSet(session.HeartRate)
	var first, second int
	if _, err := ctl.StartStream(ctx, session.ShortRangeRadio, types, "tok-1", func(session.SensorUpdate) { first++ }); err != nil {
		t.Fatalf("StartStream tok-1: %v", err)
	}
	if _, err := ctl.StartStream(ctx, session.ShortRangeRadio, types, "tok-2", func(session.SensorUpdate) { second++ }); err != nil {
		t.Fatalf("StartStream tok-2: %v", err)
	}

	inner.mu.Lock()
	cbs := append([]session.UpdateFunc(nil), inner.callbacks...)
	inner.mu.Unlock()
	if len(cbs) != 2 {
		t.Fatalf("callbacks=%d, want 2", len(cbs))
	}

	cbs[0](session.SensorUpdate{Transport: session.ShortRangeRadio, DataType: session.HeartRate, Value: session.Float(1)})
	cbs[1](session.SensorUpdate{Transport: session.ShortRangeRadio, DataType: session.HeartRate, Value: session.Float(2)})

	if first != 0 || second != 1 || drops != 1 {
		t.Fatalf("first=%d second=%d drops=%d", first, second, drops)
	}

	// The upstream preserves write order, so a forwarded stale reading would arrive first.
	env := rec.next(t)
	p := decodePayload[v1.SensorUpdatePayload](t, env)
	if p.Value == nil || *p.Value != 2 {
		t.Fatalf("upstream got stale reading %+v", p)
	}
	if up.Dropped() != 1 {
		t.Fatalf("uplink dropped=%d, want 1", up.Dropped())
	}
}

func TestWithUplink_StoppedStreamCallbackNotForwarded(t *testing.T) {
	rec, u := newUpstream(t)
	up := NewUplink(testLogger(), UplinkConfig{URL: u})
	inner := &stubProvider{}
	p := WithUplink(inner, up)

	ctx := context.Background()
	types := session.NewDataTypeSet(session.HeartRate)
	if err := p.StartStream(ctx, types, "tok-1", func(session.SensorUpdate) {}); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	inner.mu.Lock()
	stale := inner.onUpdate
	inner.mu.Unlock()

	if err := p.StopStream(); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	if err := p.StartStream(ctx, types, "tok-1", func(session.SensorUpdate) {}); err != nil {
		t.Fatalf("StartStream again: %v", err)
	}
	defer func() { _ = p.StopStream() }()

	stale(session.SensorUpdate{Transport: session.ShortRangeRadio, DataType: session.HeartRate, Value: session.Float(1)})
	inner.emit(session.SensorUpdate{Transport: session.ShortRangeRadio, DataType: session.HeartRate, Value: session.Float(2)})

	pl := decodePayload[v1.SensorUpdatePayload](t, rec.next(t))
	if pl.Value == nil || *pl.Value != 2 {
		t.Fatalf("upstream got stale reading %+v", pl)
	}
}

type stubProvider struct {
	mu        sync.Mutex
	onUpdate  session.UpdateFunc
	callbacks []session.UpdateFunc
	startErr  error
	stops     int
}

func (p *stubProvider) Transport() session.Transport { return session.ShortRangeRadio }

func (p *stubProvider) Connect(context.Context) (session.DeviceDescriptor, error) {
	return session.DeviceDescriptor{ID: "stub", Transport: session.ShortRangeRadio}, nil
}

func (p *stubProvider) StartStream(_ context.Context, _ session.DataTypeSet, _ string, fn session.UpdateFunc) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.mu.Lock()
	p.onUpdate = fn
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
	return nil
}

func (p *stubProvider) StopStream() error {
	p.mu.Lock()
	p.stops++
	p.onUpdate = nil
	p.mu.Unlock()
	return nil
}

func (p *stubProvider) Disconnect() error { return nil }

func (p *stubProvider) CurrentDevice() (session.DeviceDescriptor, bool) {
	return session.DeviceDescriptor{}, false
}

func (p *stubProvider) SetConnectionStateListener(func(session.ConnectionState)) {}

func (p *stubProvider) emit(su session.SensorUpdate) {
	p.mu.Lock()
	fn := p.onUpdate
	p.mu.Unlock()
	if fn != nil {
		fn(su)
	}
}
