// Package v1 defines the biostream wire contract v1.
//
// The same envelope is used on the viewer feed, the companion bridge and the uplink.
// This package is dependency-light so simulators and external clients can import it.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	SubprotocolStream    = "biostream.stream.v1"
	SubprotocolCompanion = "biostream.companion.v1"
	SubprotocolUplink    = "biostream.uplink.v1"

	TypeHello          = "hello"
	TypeHelloAck       = "hello.ack"
	TypeCompanionHello = "companion.hello"
	TypeStreamStart    = "stream.start"
	TypeStreamStop     = "stream.stop"
	TypeSensorUpdate   = "sensor.update"
	TypeStateChange    = "state.change"
	TypeError          = "error"
)

var AllowedTypes = map[string]struct{}{
	TypeHello:          {},
	TypeHelloAck:       {},
	TypeCompanionHello: {},
	TypeStreamStart:    {},
	TypeStreamStop:     {},
	TypeSensorUpdate:   {},
	TypeStateChange:    {},
	TypeError:          {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload is sent by viewers after the handshake.
// Transports optionally narrows the feed; empty means all transports.
type HelloPayload struct {
	Transports []string `json:"transports,omitempty"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// CompanionHelloPayload announces a companion wearable to the bridge.
type CompanionHelloPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type StreamStartPayload struct {
	SessionID string   `json:"session_id"`
	DataTypes []string `json:"data_types"`
}

type StreamStopPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// SensorUpdatePayload carries one reading. Value is null when the sensor produced no value.
type SensorUpdatePayload struct {
	Transport string    `json:"transport,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	DataType  string    `json:"data_type"`
	Value     *float64  `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type StateChangePayload struct {
	Transport string `json:"transport"`
	State     string `json:"state"`
	DeviceID  string `json:"device_id,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
