package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	valid := Envelope{
		V:       Version,
		Type:    TypeSensorUpdate,
		ID:      "01J00000000000000000000000",
		TS:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload: json.RawMessage(`{}`),
	}

	cases := []struct {
		name    string
		mutate  func(e *Envelope)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Envelope) {}},
		{name: "bad version", mutate: func(e *Envelope) { e.V = 2 }, wantErr: true},
		{name: "missing type", mutate: func(e *Envelope) { e.Type = "" }, wantErr: true},
		{name: "unknown type", mutate: func(e *Envelope) { e.Type = "message.send" }, wantErr: true},
		{name: "missing id", mutate: func(e *Envelope) { e.ID = "" }, wantErr: true},
		{name: "missing ts", mutate: func(e *Envelope) { e.TS = time.Time{} }, wantErr: true},
		{name: "missing payload", mutate: func(e *Envelope) { e.Payload = nil }, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := valid
			tc.mutate(&e)
			err := e.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSensorUpdatePayload_NullValue(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(SensorUpdatePayload{DataType: "HEART_RATE", Timestamp: time.Unix(0, 0).UTC()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := raw["value"]
	if !ok {
		t.Fatalf("value key must be present")
	}
	if v != nil {
		t.Fatalf("expected null value, got %v", v)
	}
}
