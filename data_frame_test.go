package synchrophasor

import (
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfigWithFormat(freqFloat, analogFloat, phasorFloat, coordPolar bool) *ConfigFrame {
	cfg := NewConfigFrame()
	cfg.IDCode = 7
	cfg.TimeBase = DefaultTimeBase
	cfg.DataRate = 30
	station := NewPMUStation("STATION1", 7, freqFloat, analogFloat, phasorFloat, coordPolar)
	station.AddPhasor("VA", 1, PhunitVoltage)
	station.AddAnalog("PWR", 1, AnunitPow)
	station.AddDigital(nil, 0, 0xFFFF)
	cfg.AddPMUStation(station)
	return cfg
}

func TestDataFrame_RoundTrip_FloatRectangular(t *testing.T) {
	cfg := newTestConfigWithFormat(true, true, true, false)
	station := cfg.PMUStationList[0]
	df := NewDataFrame(cfg)
	df.IDCode = cfg.IDCode
	require.NoError(t, df.SetTime(time.Now(), cfg.TimeBase, nil, nil))
	station.PhasorValues[0] = complex(12345.5, -678.25)
	station.Freq = 60.01
	station.DFreq = 0.02
	station.AnalogValues[0] = 42.5

	data, err := df.Pack()
	require.NoError(t, err)

	got := NewDataFrame(cfg)
	require.NoError(t, got.Unpack(data))

	measurements := got.GetMeasurements()
	require.Len(t, measurements.Measurements, 1)
	assert.InDelta(t, 12345.5, real(measurements.Measurements[0].Phasors[0]), 0.01)
	assert.InDelta(t, -678.25, imag(measurements.Measurements[0].Phasors[0]), 0.01)
	assert.InDelta(t, 60.01, measurements.Measurements[0].Frequency, 0.001)
	assert.InDelta(t, 42.5, measurements.Measurements[0].Analog[0], 0.001)
}

func TestDataFrame_RoundTrip_FixedPolar(t *testing.T) {
	cfg := newTestConfigWithFormat(false, false, false, true)
	station := cfg.PMUStationList[0]
	station.Anunit[0] = (uint32(AnunitPow) << 24) | (uint32(10) & 0x00FFFFFF) // scale 10

	df := NewDataFrame(cfg)
	df.IDCode = cfg.IDCode
	require.NoError(t, df.SetTime(time.Now(), cfg.TimeBase, nil, nil))
	station.PhasorValues[0] = cmplx.Rect(1000, 0.5)
	station.Freq = station.GetNominalFrequency() + 0.05
	station.DFreq = 0.1
	station.AnalogValues[0] = 50

	data, err := df.Pack()
	require.NoError(t, err)

	got := NewDataFrame(cfg)
	require.NoError(t, got.Unpack(data))

	m := got.GetMeasurements().Measurements[0]
	assert.InDelta(t, 1000, cmplx.Abs(m.Phasors[0]), 1)
	assert.InDelta(t, station.Freq, m.Frequency, 0.01)
	assert.InDelta(t, 50, m.Analog[0], 10) // lossy at 16-bit fixed scale
}

func TestDataFrame_Pack_RejectsNilConfig(t *testing.T) {
	df := NewDataFrame(nil)
	_, err := df.Pack()
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestDataFrame_Unpack_RejectsNilConfig(t *testing.T) {
	df := NewDataFrame(nil)
	err := df.Unpack(make([]byte, 20))
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestDataFrame_Pack_RejectsZeroAnalogScale(t *testing.T) {
	cfg := newTestConfigWithFormat(false, false, false, false)
	cfg.PMUStationList[0].Anunit[0] = uint32(AnunitPow) << 24 // scale component zero
	df := NewDataFrame(cfg)
	df.IDCode = cfg.IDCode
	require.NoError(t, df.SetTime(time.Now(), cfg.TimeBase, nil, nil))

	_, err := df.Pack()
	assert.ErrorIs(t, err, ErrFieldRange)
}

func TestDataFrame_Unpack_CRCFailureRejected(t *testing.T) {
	cfg := newTestConfigWithFormat(true, true, true, false)
	df := NewDataFrame(cfg)
	df.IDCode = cfg.IDCode
	require.NoError(t, df.SetTime(time.Now(), cfg.TimeBase, nil, nil))

	data, err := df.Pack()
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF

	got := NewDataFrame(cfg)
	assert.ErrorIs(t, got.Unpack(data), ErrCRCFailed)
}

func TestDataFrame_DigitalChannels_RoundTrip(t *testing.T) {
	cfg := newTestConfigWithFormat(true, true, true, false)
	station := cfg.PMUStationList[0]
	station.DigitalValues[0][0] = true
	station.DigitalValues[0][3] = true

	df := NewDataFrame(cfg)
	df.IDCode = cfg.IDCode
	require.NoError(t, df.SetTime(time.Now(), cfg.TimeBase, nil, nil))

	data, err := df.Pack()
	require.NoError(t, err)

	got := NewDataFrame(cfg)
	require.NoError(t, got.Unpack(data))

	m := got.GetMeasurements().Measurements[0]
	assert.True(t, m.Digital[0][0])
	assert.True(t, m.Digital[0][3])
	assert.False(t, m.Digital[0][1])
}
