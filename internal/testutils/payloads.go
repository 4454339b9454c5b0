package testutils

import (
	"github.com/srg/biorec/internal/codec"
)

// Ramp returns n payloads for settings carrying a per-channel ramp that
// starts at base and grows by step per sample. Every fourth sample is
// coded absolute, the rest as deltas.
func Ramp(settings codec.Settings, n int, base, step int32) [][]byte {
	layout := settings.Layout()
	per := settings.Class().SamplesPerNotification()
	var st codec.State
	payloads := make([][]byte, 0, n)
	v := base
	for i := 0; i < n; i++ {
		samples := make([][]int32, len(layout))
		for c := range layout {
			samples[c] = make([]int32, per)
		}
		for j := 0; j < per; j++ {
			for c := range layout {
				samples[c][j] = v + int32(c)
			}
			v += step
		}
		raw, err := codec.Encode(settings, uint16(i), samples, &st, func(slot, ch int) bool { return slot%4 == 0 })
		if err != nil {
			panic(err)
		}
		payloads = append(payloads, raw)
	}
	return payloads
}
