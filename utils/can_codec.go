package utils

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

// EncodeFrame packs physical signal values into a frame ready to transmit.
// Signals missing from values take their default; every value is clamped to
// the signal's physical range and then to what its raw bit width can hold.
func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}
	if fd.DLC <= 0 || fd.DLC > 8 {
		return can.Frame{}, fmt.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}

	f := can.Frame{ID: fd.ID, Length: uint8(fd.DLC)}
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok {
			v = s.Default
		}
		raw := rawFromPhysical(s, v)
		start, length := uint8(s.StartBit), uint8(s.BitLength)
		if s.Signed {
			f.Data.SetSignedBitsLittleEndian(start, length, raw)
		} else {
			f.Data.SetUnsignedBitsLittleEndian(start, length, uint64(raw))
		}
	}
	return f, nil
}

// DecodeFrame unpacks every signal of a received frame into physical units.
func (m *CANMap) DecodeFrame(frame can.Frame) (map[string]float64, error) {
	fd, err := m.FrameByID(frame.ID)
	if err != nil {
		return nil, err
	}
	if int(frame.Length) < fd.DLC {
		return nil, fmt.Errorf("frame 0x%X expects DLC %d, got %d", frame.ID, fd.DLC, frame.Length)
	}

	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		start, length := uint8(s.StartBit), uint8(s.BitLength)
		var raw float64
		if s.Signed {
			raw = float64(frame.Data.SignedBitsLittleEndian(start, length))
		} else {
			raw = float64(frame.Data.UnsignedBitsLittleEndian(start, length))
		}
		out[s.Name] = raw*s.Factor + s.Offset
	}
	return out, nil
}

func rawFromPhysical(s SignalDef, v float64) int64 {
	if s.Max > s.Min {
		v = clamp(v, s.Min, s.Max)
	}
	raw := int64(math.Round((v - s.Offset) / s.Factor))

	if s.BitLength >= 63 {
		return raw
	}
	var lo, hi int64
	if s.Signed {
		lo = -int64(1) << (s.BitLength - 1)
		hi = int64(1)<<(s.BitLength-1) - 1
	} else {
		lo = 0
		hi = int64(1)<<s.BitLength - 1
	}
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
