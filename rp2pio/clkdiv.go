package rp2pio

import (
	"math"

	"github.com/pkg/errors"

	"rp2pio-go/errcode"
	"rp2pio-go/x/mathx"
)

// clkDivForFrequency picks the 16.8 fixed-point divider of the base clock
// whose resulting state machine clock is the highest one not above the
// request, and reports the frequency actually achieved.
//
//	machine clock = 256*baseHz / (256*whole + frac)
func clkDivForFrequency(baseHz, freqHz uint32) (whole uint16, frac uint8, achievedHz uint32, err error) {
	if freqHz == 0 {
		return 0, 0, 0, errors.Wrap(errcode.InvalidParams, "frequency must be positive")
	}
	div256 := mathx.CeilDiv(256*uint64(baseHz), uint64(freqHz))
	if div256 < 256 {
		// Requests above the base clock run at the base clock.
		div256 = 256
	}
	if div256 > 256*math.MaxUint16 {
		return 0, 0, 0, errors.Wrapf(errcode.InvalidParams, "frequency %d Hz too low for base clock", freqHz)
	}
	whole = uint16(div256 / 256)
	frac = uint8(div256 % 256)
	achievedHz = uint32(256 * uint64(baseHz) / div256)
	return whole, frac, achievedHz, nil
}
