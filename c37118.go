// Package synchrophasor implements IEEE C37.118.2-2011 protocol for
// synchrophasor data transfer: frame codec, PMU server, PDC client and a
// passive stream splitter.
package synchrophasor

import (
	"math"
	"time"
)

// C37118 is the common header shared by every frame variant: sync word,
// declared frame size, source ID code, second-of-century and fractional
// second, and the trailing checksum.
type C37118 struct {
	Sync      uint16
	FrameSize uint16
	IDCode    uint16
	SOC       uint32
	FracSec   uint32
	CHK       uint16
}

// maxFracSecFraction is the widest value the low 24 bits of FracSec can
// hold; the fraction-of-second integer must stay within it.
const maxFracSecFraction = 0x00FFFFFF

// EncodeTime computes SOC and the fraction-of-second portion of FracSec
// for the given instant and time base: frac_sec = round(fraction *
// timeBase), per spec §4.2. A zero time base is a fatal configuration
// error (spec §9 Open Question (b)).
func EncodeTime(t time.Time, timeBase uint32) (soc uint32, fracSec uint32, err error) {
	if timeBase == 0 {
		return 0, 0, ErrFieldRange
	}
	soc = uint32(t.Unix())
	frac := uint32(math.Round(float64(t.Nanosecond()) / 1e9 * float64(timeBase)))
	if frac > maxFracSecFraction {
		return 0, 0, ErrFieldRange
	}
	return soc, frac, nil
}

// DecodeTime reconstructs a UTC instant from SOC and the fraction-of-
// second portion of FracSec (strip any time-quality byte first, e.g. via
// Fraction()).
func DecodeTime(soc uint32, fraction uint32, timeBase uint32) (time.Time, error) {
	if timeBase == 0 {
		return time.Time{}, ErrFieldRange
	}
	if fraction > maxFracSecFraction {
		return time.Time{}, ErrFieldRange
	}
	seconds := float64(fraction) / float64(timeBase)
	return time.Unix(int64(soc), int64(seconds*1e9)).UTC(), nil
}

// SetTime stamps SOC/FracSec for "now", encoding the fraction against
// timeBase. Passing soc or fracSec non-nil overrides the corresponding
// computed value (re-sending an unchanged configuration, or tests).
func (c *C37118) SetTime(now time.Time, timeBase uint32, soc *uint32, fracSec *uint32) error {
	s, f, err := EncodeTime(now, timeBase)
	if err != nil {
		return err
	}
	if soc != nil {
		s = *soc
	}
	if fracSec != nil {
		f = *fracSec
	}
	c.SOC = s
	c.FracSec = f
	return nil
}

// Time quality / leap second bits packed into the high byte of FracSec,
// per the standard's FRACSEC layout: bit 7 fixed 0, bit 6 leap second
// direction, bit 5 leap second occurred, bit 4 leap second pending, bits
// 3-0 time quality (message time quality indicator code).
const (
	fracSecLeapDirectionBit = 1 << 6
	fracSecLeapOccurredBit  = 1 << 5
	fracSecLeapPendingBit   = 1 << 4
	fracSecQualityMask      = 0x0F
)

// Fraction returns the fraction-of-second portion of FracSec (low 24
// bits), with the time-quality byte stripped.
func (c *C37118) Fraction() uint32 {
	return c.FracSec & maxFracSecFraction
}

// TimeQualityByte returns the raw high byte of FracSec.
func (c *C37118) TimeQualityByte() uint8 {
	return uint8(c.FracSec >> 24)
}

// TimeQuality returns the 4-bit message time quality indicator.
func (c *C37118) TimeQuality() uint8 {
	return c.TimeQualityByte() & fracSecQualityMask
}

// LeapSecondPending reports whether a leap second is pending in the
// current or next minute.
func (c *C37118) LeapSecondPending() bool {
	return c.TimeQualityByte()&fracSecLeapPendingBit != 0
}

// LeapSecondOccurred reports whether a leap second occurred in the
// current minute.
func (c *C37118) LeapSecondOccurred() bool {
	return c.TimeQualityByte()&fracSecLeapOccurredBit != 0
}

// LeapSecondDirection returns "-" for a subtracted leap second, "+"
// otherwise.
func (c *C37118) LeapSecondDirection() string {
	if c.TimeQualityByte()&fracSecLeapDirectionBit != 0 {
		return "-"
	}
	return "+"
}

// SetTimeQuality packs the time-quality byte into FracSec's high byte,
// leaving the fraction-of-second bits untouched.
func (c *C37118) SetTimeQuality(leapDir string, leapOccurred, leapPending bool, quality uint8) {
	var b uint8
	if leapDir == "-" {
		b |= fracSecLeapDirectionBit
	}
	if leapOccurred {
		b |= fracSecLeapOccurredBit
	}
	if leapPending {
		b |= fracSecLeapPendingBit
	}
	b |= quality & fracSecQualityMask
	c.FracSec = (c.FracSec & maxFracSecFraction) | (uint32(b) << 24)
}
