package radio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"biostream/cmd/internal/session"
)

// kJPerKcal converts energy expended (kJ on the wire) to kilocalories.
const kJPerKcal = 4.184

// ErrShortFrame is returned for measurement frames shorter than their flags claim.
var ErrShortFrame = errors.New("heart rate frame too short")

// Measurement is one decoded Heart Rate Measurement notification.
type Measurement struct {
	BPM              uint16
	RR               []time.Duration
	EnergyKJ         uint16
	EnergyPresent    bool
	Contact          bool
	ContactSupported bool
}

// NoContact reports whether the sensor supports contact detection and has lost it.
func (m Measurement) NoContact() bool { return m.ContactSupported && !m.Contact }

// UnmarshalBinary decodes the characteristic value.
//
// Flags byte:
//
//	| 0x10 | 0x08 | 0x04  0x02 | 0x01 |
//	|  rr  | nrg  | scs   cnt  | fmt  |
func (m *Measurement) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return ErrShortFrame
	}
	flags := data[0]
	wide := flags&0x01 != 0
	out := Measurement{
		ContactSupported: flags&0x04 != 0,
		Contact:          flags&0x06 == 0x06,
		EnergyPresent:    flags&0x08 != 0,
	}
	rrPresent := flags&0x10 != 0

	off := 1
	if wide {
		if len(data) < off+2 {
			return ErrShortFrame
		}
		out.BPM = binary.LittleEndian.Uint16(data[off:])
		off += 2
	} else {
		out.BPM = uint16(data[off])
		off++
	}

	if out.EnergyPresent {
		if len(data) < off+2 {
			return ErrShortFrame
		}
		out.EnergyKJ = binary.LittleEndian.Uint16(data[off:])
		off += 2
	}

	if rrPresent {
		rr := data[off:]
		out.RR = make([]time.Duration, 0, len(rr)/2)
		for i := 0; i+1 < len(rr); i += 2 {
			// 1/1024 s resolution.
			out.RR = append(out.RR, time.Duration(binary.LittleEndian.Uint16(rr[i:]))*time.Second/1024)
		}
	}

	*m = out
	return nil
}

// RMSSD returns the root mean square of successive RR differences in milliseconds.
// It needs at least two intervals.
func RMSSD(rr []time.Duration) (float64, bool) {
	if len(rr) < 2 {
		return 0, false
	}
	var sum float64
	for i := 1; i < len(rr); i++ {
		d := float64(rr[i]-rr[i-1]) / float64(time.Millisecond)
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(rr)-1)), true
}

// Readings maps a measurement to the updates requested by types.
// Types the heart rate profile cannot serve are ignored.
func Readings(m Measurement, types session.DataTypeSet, deviceID string, at time.Time) []session.SensorUpdate {
	base := session.SensorUpdate{
		Transport: session.ShortRangeRadio,
		DeviceID:  deviceID,
		Timestamp: at,
	}

	var out []session.SensorUpdate
	if types.Has(session.HeartRate) {
		u := base
		u.DataType = session.HeartRate
		if !m.NoContact() {
			u.Value = session.Float(float64(m.BPM))
		}
		out = append(out, u)
	}
	if m.NoContact() {
		return out
	}
	if types.Has(session.HeartRateVariability) {
		if v, ok := RMSSD(m.RR); ok {
			u := base
			u.DataType = session.HeartRateVariability
			u.Value = session.Float(v)
			out = append(out, u)
		}
	}
	if types.Has(session.Calories) && m.EnergyPresent {
		u := base
		u.DataType = session.Calories
		u.Value = session.Float(float64(m.EnergyKJ) / kJPerKcal)
		out = append(out, u)
	}
	return out
}
