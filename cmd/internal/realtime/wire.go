package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	v1 "biostream/contracts/stream/v1"

	"github.com/coder/websocket"
)

// NewEnvelope marshals payload into a v1 envelope stamped with now.
func NewEnvelope(typ string, payload any, now time.Time) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now.UTC(),
		Payload: b,
	}, nil
}

// ReadEnvelope reads one frame and decodes it. Validation is left to the caller.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return env, nil
}

// WriteEnvelope writes env as a text frame, bounded by timeout.
func WriteEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ErrBadJSON wraps frames that are not a JSON envelope.
var ErrBadJSON = errors.New("invalid JSON frame")

// ReadErrKind classifies errors returned by ReadEnvelope.
type ReadErrKind uint8

const (
	ReadErrUnknown ReadErrKind = iota
	ReadErrClose
	ReadErrCtxDone
	ReadErrConnClosed
	ReadErrBadJSON
)

// ClassifyReadErr maps a read error to the action a read loop should take.
func ClassifyReadErr(err error) ReadErrKind {
	if websocket.CloseStatus(err) != -1 {
		return ReadErrClose
	}
	if errors.Is(err, ErrBadJSON) {
		return ReadErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReadErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ReadErrConnClosed
	}
	return ReadErrUnknown
}
