package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CodeFunc decides whether the sample for channel ch of slot is sent as an
// absolute value. Samples whose delta does not fit in an int8 are always
// sent as absolute values.
type CodeFunc func(slot, ch int) bool

// Encode builds a notification payload carrying samples, one array per
// enabled channel in layout order, the inverse of DecodeRaw. It is used by
// device simulators and tests.
func Encode(s Settings, counter uint16, samples [][]int32, st *State, absolute CodeFunc) ([]byte, error) {
	if st == nil {
		st = &State{}
	}
	if absolute == nil {
		absolute = func(int, int) bool { return false }
	}
	switch s.Class() {
	case EmgSens:
		return encodeEmgSens(s.Layout(), counter, samples, st, absolute)
	case InRat:
		return encodeInRat(counter, samples, st, absolute)
	default:
		return nil, fmt.Errorf("unsupported device class: %v", s.Class())
	}
}

func encodeEmgSens(layout []Channel, counter uint16, samples [][]int32, st *State, absolute CodeFunc) ([]byte, error) {
	n := len(layout)
	if len(samples) != n {
		return nil, fmt.Errorf("got %d channels, layout has %d", len(samples), n)
	}
	for i, s := range samples {
		if len(s) != EmgSensSlots {
			return nil, fmt.Errorf("channel %v: got %d samples, want %d", layout[i], len(s), EmgSensSlots)
		}
	}
	prev := make([]int32, n)
	for i, c := range layout {
		prev[i] = st.prev[c]
	}

	buf := binary.LittleEndian.AppendUint16(nil, counter)
	for slot := 0; slot < EmgSensSlots; slot++ {
		maskAt := len(buf)
		buf = append(buf, 0)
		var mask byte
		for i := 0; i < n; i++ {
			v := samples[i][slot]
			abs, err := codeFor(v, prev[i], absolute(slot, i))
			if err != nil {
				return nil, fmt.Errorf("slot %d channel %v: %w", slot, layout[i], err)
			}
			if abs {
				mask |= 1 << i
				buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(v)))
			} else {
				buf = append(buf, byte(int8(v-prev[i])))
			}
			prev[i] = v
		}
		buf[maskAt] = mask
	}
	for i, c := range layout {
		st.prev[c] = prev[i]
	}
	return buf, nil
}

func encodeInRat(counter uint16, samples [][]int32, st *State, absolute CodeFunc) ([]byte, error) {
	if len(samples) != 1 || len(samples[0]) != InRatSamples {
		return nil, fmt.Errorf("inrat payload needs one channel of %d samples", InRatSamples)
	}
	prev := st.prev[ChannelBio]
	buf := make([]byte, inRatHeaderLen, inRatHeaderLen+2*InRatSamples)
	binary.LittleEndian.PutUint16(buf, counter)
	var mask uint32
	for i, v := range samples[0] {
		abs, err := codeFor(v, prev, absolute(i, 0))
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		if abs {
			mask |= 1 << i
			buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(v)))
		} else {
			buf = append(buf, byte(int8(v-prev)))
		}
		prev = v
	}
	binary.LittleEndian.PutUint32(buf[counterSize:], mask)
	st.prev[ChannelBio] = prev
	return buf, nil
}

func codeFor(v, prev int32, forceAbsolute bool) (absolute bool, err error) {
	if v < math.MinInt16 || v > math.MaxInt16 {
		return false, fmt.Errorf("sample %d out of int16 range", v)
	}
	d := v - prev
	return forceAbsolute || d < math.MinInt8 || d > math.MaxInt8, nil
}
