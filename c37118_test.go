package synchrophasor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTime_RoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 34, 56, 500_000_000, time.UTC)
	soc, fracSec, err := EncodeTime(now, DefaultTimeBase)
	require.NoError(t, err)
	assert.Equal(t, uint32(now.Unix()), soc)

	got, err := DecodeTime(soc, fracSec, DefaultTimeBase)
	require.NoError(t, err)
	assert.WithinDuration(t, now, got, time.Millisecond)
}

func TestEncodeTime_ZeroTimeBaseRejected(t *testing.T) {
	_, _, err := EncodeTime(time.Now(), 0)
	assert.ErrorIs(t, err, ErrFieldRange)
}

func TestDecodeTime_ZeroTimeBaseRejected(t *testing.T) {
	_, err := DecodeTime(0, 0, 0)
	assert.ErrorIs(t, err, ErrFieldRange)
}

func TestDecodeTime_FractionOutOfRangeRejected(t *testing.T) {
	_, err := DecodeTime(0, maxFracSecFraction+1, DefaultTimeBase)
	assert.ErrorIs(t, err, ErrFieldRange)
}

func TestSetTime_OverridesWithExplicitValues(t *testing.T) {
	var c C37118
	soc := uint32(1000)
	frac := uint32(5000)
	require.NoError(t, c.SetTime(time.Now(), DefaultTimeBase, &soc, &frac))
	assert.Equal(t, soc, c.SOC)
	assert.Equal(t, frac, c.FracSec)
}

func TestTimeQuality_RoundTrip(t *testing.T) {
	var c C37118
	c.SetTimeQuality("-", true, true, 0x0B)
	assert.Equal(t, "-", c.LeapSecondDirection())
	assert.True(t, c.LeapSecondOccurred())
	assert.True(t, c.LeapSecondPending())
	assert.Equal(t, uint8(0x0B), c.TimeQuality())
}

func TestFraction_StripsTimeQualityByte(t *testing.T) {
	var c C37118
	c.FracSec = (0xAB << 24) | 0x001234
	assert.Equal(t, uint32(0x001234), c.Fraction())
	assert.Equal(t, uint8(0xAB), c.TimeQualityByte())
}
