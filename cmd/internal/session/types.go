package session

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"time"
)

// Transport identifies the physical channel a session is bound to.
type Transport uint8

const (
	// ShortRangeRadio is a BLE sensor reached directly by this host.
	ShortRangeRadio Transport = iota + 1
	// CompanionWearable is a wearable reached through its companion bridge.
	CompanionWearable
)

// Transports lists every known transport in a stable order.
var Transports = []Transport{ShortRangeRadio, CompanionWearable}

func (t Transport) String() string {
	switch t {
	case ShortRangeRadio:
		return "BLE"
	case CompanionWearable:
		return "WATCH_OS"
	default:
		return fmt.Sprintf("Transport(%d)", uint8(t))
	}
}

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == ShortRangeRadio || t == CompanionWearable
}

// RequiresToken reports whether starting a stream on t needs a bearer token.
func (t Transport) RequiresToken() bool {
	return t == ShortRangeRadio
}

// ParseTransport parses a transport name (case-insensitive).
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ble", "radio", "short_range_radio":
		return ShortRangeRadio, nil
	case "watch_os", "watchos", "wearable", "companion", "companion_wearable":
		return CompanionWearable, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTransport, s)
	}
}

// DataType is a sensor kind a stream can carry.
type DataType uint8

const (
	Steps DataType = iota + 1
	HeartRate
	CoreTemperature
	Acceleration
	Calories
	HeartRateVariability
)

var dataTypeNames = map[DataType]string{
	Steps:                "STEPS",
	HeartRate:            "HEART_RATE",
	CoreTemperature:      "CORE_TEMPERATURE",
	Acceleration:         "ACCELERATION",
	Calories:             "CALORIES",
	HeartRateVariability: "HRV",
}

func (d DataType) String() string {
	if n, ok := dataTypeNames[d]; ok {
		return n
	}
	return fmt.Sprintf("DataType(%d)", uint8(d))
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	_, ok := dataTypeNames[d]
	return ok
}

// ParseDataType parses the wire name of a data type (case-insensitive).
func ParseDataType(s string) (DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "HEART_RATE_VARIABILITY" {
		name = "HRV"
	}
	for d, n := range dataTypeNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// DataTypeSet is an immutable set of data types. The zero value is the empty set.
type DataTypeSet struct {
	bits uint32
}

// NewDataTypeSet builds a set from types; unknown types are ignored.
func NewDataTypeSet(types ...DataType) DataTypeSet {
	var s DataTypeSet
	for _, d := range types {
		if d.Valid() {
			s.bits |= 1 << d
		}
	}
	return s
}

// ParseDataTypeSet parses wire names into a set. Any unknown name is an error.
func ParseDataTypeSet(names []string) (DataTypeSet, error) {
	types := make([]DataType, 0, len(names))
	for _, n := range names {
		d, err := ParseDataType(n)
		if err != nil {
			return DataTypeSet{}, err
		}
		types = append(types, d)
	}
	return NewDataTypeSet(types...), nil
}

func (s DataTypeSet) Has(d DataType) bool { return d.Valid() && s.bits&(1<<d) != 0 }
func (s DataTypeSet) Len() int            { return bits.OnesCount32(s.bits) }
func (s DataTypeSet) Empty() bool         { return s.bits == 0 }

// Types returns the members in ascending order.
func (s DataTypeSet) Types() []DataType {
	out := make([]DataType, 0, s.Len())
	for d := range dataTypeNames {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Names returns the wire names of the members in ascending order.
func (s DataTypeSet) Names() []string {
	types := s.Types()
	out := make([]string, len(types))
	for i, d := range types {
		out[i] = d.String()
	}
	return out
}

func (s DataTypeSet) String() string {
	return "{" + strings.Join(s.Names(), ",") + "}"
}

// SensorUpdate is one reading delivered by a provider. Value is nil when the
// sensor reported the data type without a value.
type SensorUpdate struct {
	Transport Transport
	DeviceID  string
	DataType  DataType
	Value     *float64
	Timestamp time.Time
}

// ValueOr returns the reading or def when the reading carries no value.
func (u SensorUpdate) ValueOr(def float64) float64 {
	if u.Value == nil {
		return def
	}
	return *u.Value
}

// Float returns a pointer to v, for building SensorUpdates.
func Float(v float64) *float64 { return &v }

// DeviceDescriptor describes a connected device.
type DeviceDescriptor struct {
	ID        string
	Name      string
	Transport Transport
}

// State is the lifecycle state of a transport slot.
type State uint8

const (
	StateIdle State = iota
	StateScanning
	StateConnected
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ConnectionState is reported by providers when a connection changes outside controller calls.
type ConnectionState uint8

const (
	ConnectionLost ConnectionState = iota
	ConnectionEstablished
)

func (c ConnectionState) String() string {
	if c == ConnectionEstablished {
		return "connected"
	}
	return "disconnected"
}

// Session is a snapshot of the live binding between a transport and its stream.
type Session struct {
	ID        string
	Transport Transport
	DataTypes DataTypeSet
	Token     string
	Active    bool
	StartedAt time.Time
}
