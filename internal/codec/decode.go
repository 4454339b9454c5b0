package codec

import (
	"encoding/binary"
	"fmt"
)

// Packet offsets and sizes.
const (
	counterSize    = 2
	inRatMaskSize  = 4
	absoluteSize   = 2
	deltaSize      = 1
	inRatHeaderLen = counterSize + inRatMaskSize
)

const reasonBrokenChain = "delta sample without a base after a counter gap"

// DecodeError reports a malformed notification payload. Slot is the index of
// the faulty sub-block (EmgSens) or sample (InRat), or -1 when the payload
// header itself is malformed.
type DecodeError struct {
	Class  Class
	Slot   int
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("%s payload: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("%s payload: slot %d at offset %d: %s", e.Class, e.Slot, e.Offset, e.Reason)
}

// State holds the previous reconstructed value of every channel and the
// counter of the last decoded payload. It is owned by the session acquiring
// from a device and reset at the start of each acquisition.
//
// A counter that does not follow the last decoded one breaks the delta chain
// of every channel; a broken channel accepts only an absolute sample.
type State struct {
	prev    [numChannels]int32
	broken  [numChannels]bool
	counter uint16
	started bool
}

// Reset zeroes all previous values.
func (s *State) Reset() { *s = State{} }

// Counter returns the counter of the last decoded payload. It reports false
// before the first payload.
func (s *State) Counter() (uint16, bool) { return s.counter, s.started }

// Missed returns the number of payloads between the last decoded one and
// counter, modulo the 16-bit wraparound.
func (s *State) Missed(counter uint16) int {
	if !s.started {
		return 0
	}
	return int(counter - s.counter - 1)
}

// chain returns the starting value of channel c for a payload with counter
// and whether its delta chain is intact.
func (s *State) chain(c Channel, counter uint16) (int32, bool) {
	return s.prev[c], !s.broken[c] && s.Missed(counter) == 0
}

func (s *State) commit(c Channel, v int32, intact bool) {
	s.prev[c] = v
	s.broken[c] = !intact
}

// Value returns the previous value of channel c.
func (s *State) Value(c Channel) int32 {
	if c >= numChannels {
		return 0
	}
	return s.prev[c]
}

// Frame is one decoded notification: a counter and one sample array per
// enabled channel, in wire order.
type Frame struct {
	Counter uint16
	Layout  []Channel

	// Raw holds the reconstructed integer samples.
	Raw [][]int32
	// Values holds the samples in physical units. It is nil until Scale
	// has been applied.
	Values [][]float64
}

// Channel returns the physical samples of channel c, or nil if the channel
// is not part of the frame.
func (f *Frame) Channel(c Channel) []float64 {
	for i, l := range f.Layout {
		if l == c && i < len(f.Values) {
			return f.Values[i]
		}
	}
	return nil
}

// Decode reconstructs and scales the samples carried by raw according to the
// settings in effect. On success the final sample of each channel is stored
// in st; on failure st is left unchanged.
func Decode(s Settings, raw []byte, st *State) (Frame, error) {
	f, err := DecodeRaw(s, raw, st)
	if err != nil {
		return f, err
	}
	Scale(s, &f)
	return f, nil
}

// DecodeRaw reconstructs the integer samples carried by raw without applying
// physical scale factors.
func DecodeRaw(s Settings, raw []byte, st *State) (Frame, error) {
	if s == nil {
		return Frame{}, fmt.Errorf("no settings")
	}
	if st == nil {
		st = &State{}
	}
	switch s.Class() {
	case EmgSens:
		return decodeEmgSens(s.Layout(), raw, st)
	case InRat:
		return decodeInRat(raw, st)
	default:
		return Frame{}, fmt.Errorf("unsupported device class: %v", s.Class())
	}
}

// Scale converts the raw samples of f into physical units.
func Scale(s Settings, f *Frame) {
	factors := s.scales()
	f.Values = make([][]float64, len(f.Raw))
	for i, samples := range f.Raw {
		vals := make([]float64, len(samples))
		for j, v := range samples {
			vals[j] = float64(v) * factors[i]
		}
		f.Values[i] = vals
	}
}

func decodeEmgSens(layout []Channel, raw []byte, st *State) (Frame, error) {
	n := len(layout)
	if n == 0 {
		return Frame{}, &DecodeError{Class: EmgSens, Slot: -1, Reason: "no enabled channels"}
	}
	if len(raw) < counterSize {
		return Frame{}, &DecodeError{Class: EmgSens, Slot: -1, Reason: fmt.Sprintf("short payload: %d bytes", len(raw))}
	}

	counter := binary.LittleEndian.Uint16(raw)
	prev := make([]int32, n)
	intact := make([]bool, n)
	samples := make([][]int32, n)
	for i, c := range layout {
		prev[i], intact[i] = st.chain(c, counter)
		samples[i] = make([]int32, EmgSensSlots)
	}

	off := counterSize
	for slot := 0; slot < EmgSensSlots; slot++ {
		if off >= len(raw) {
			return Frame{}, &DecodeError{Class: EmgSens, Slot: slot, Offset: off, Reason: "missing sub-block"}
		}
		mask := raw[off]
		if mask>>n != 0 {
			return Frame{}, &DecodeError{Class: EmgSens, Slot: slot, Offset: off,
				Reason: fmt.Sprintf("delta code %#08b inconsistent with %d enabled channels", mask, n)}
		}
		off++
		for i := 0; i < n; i++ {
			absolute := mask&(1<<i) != 0
			if !absolute && !intact[i] {
				return Frame{}, &DecodeError{Class: EmgSens, Slot: slot, Offset: off, Reason: reasonBrokenChain}
			}
			v, size, ok := sample(raw[off:], absolute, prev[i])
			if !ok {
				return Frame{}, &DecodeError{Class: EmgSens, Slot: slot, Offset: off, Reason: "truncated sub-block"}
			}
			off += size
			prev[i] = v
			intact[i] = true
			samples[i][slot] = v
		}
	}
	if off != len(raw) {
		return Frame{}, &DecodeError{Class: EmgSens, Slot: EmgSensSlots - 1, Offset: off,
			Reason: fmt.Sprintf("%d trailing bytes", len(raw)-off)}
	}

	for i, c := range layout {
		st.commit(c, prev[i], intact[i])
	}
	st.counter, st.started = counter, true
	return Frame{
		Counter: counter,
		Layout:  layout,
		Raw:     samples,
	}, nil
}

func decodeInRat(raw []byte, st *State) (Frame, error) {
	if len(raw) < inRatHeaderLen {
		return Frame{}, &DecodeError{Class: InRat, Slot: -1, Reason: fmt.Sprintf("short payload: %d bytes", len(raw))}
	}
	counter := binary.LittleEndian.Uint16(raw)
	mask := binary.LittleEndian.Uint32(raw[counterSize:])

	prev, intact := st.chain(ChannelBio, counter)
	samples := make([]int32, InRatSamples)
	off := inRatHeaderLen
	for i := 0; i < InRatSamples; i++ {
		absolute := mask&(1<<i) != 0
		if !absolute && !intact {
			return Frame{}, &DecodeError{Class: InRat, Slot: i, Offset: off, Reason: reasonBrokenChain}
		}
		v, size, ok := sample(raw[off:], absolute, prev)
		if !ok {
			return Frame{}, &DecodeError{Class: InRat, Slot: i, Offset: off, Reason: "truncated sample"}
		}
		off += size
		prev = v
		intact = true
		samples[i] = v
	}
	if off != len(raw) {
		return Frame{}, &DecodeError{Class: InRat, Slot: InRatSamples - 1, Offset: off,
			Reason: fmt.Sprintf("%d trailing bytes", len(raw)-off)}
	}

	st.commit(ChannelBio, prev, intact)
	st.counter, st.started = counter, true
	return Frame{
		Counter: counter,
		Layout:  []Channel{ChannelBio},
		Raw:     [][]int32{samples},
	}, nil
}

// sample reads one delta or absolute coded sample from the front of b.
func sample(b []byte, absolute bool, prev int32) (v int32, size int, ok bool) {
	if absolute {
		if len(b) < absoluteSize {
			return 0, 0, false
		}
		return int32(int16(binary.LittleEndian.Uint16(b))), absoluteSize, true
	}
	if len(b) < deltaSize {
		return 0, 0, false
	}
	return prev + int32(int8(b[0])), deltaSize, true
}
