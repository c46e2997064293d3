package synchrophasor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStation_AnnexDDefaults(t *testing.T) {
	s := DefaultStation("STATION1", 7)
	assert.Equal(t, uint16(7), s.IDCode)
	assert.Equal(t, uint16(1), s.Phnmr)
	assert.True(t, s.FormatPhasorType())
	assert.False(t, s.FormatCoord())
	assert.Equal(t, DefaultFnom, s.Fnom)
}

func TestAddPhasor_ScaleMaskedTo24Bits(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)
	s.AddPhasor("VA", 0xFFFFFFFF, PhunitVoltage)
	assert.Equal(t, uint32(0x00FFFFFF), s.GetPhasorFactor(0))
	assert.Equal(t, uint8(PhunitVoltage), s.GetPhasorUnitType(0))
}

func TestAddPhasor_CurrentTypeBitSet(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)
	s.AddPhasor("IA", 1, PhunitCurrent)
	assert.Equal(t, uint8(PhunitCurrent), s.GetPhasorUnitType(0))
}

func TestAddAnalog_SignedScalePreserved(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)
	s.AddAnalog("A1", -1000, AnunitPow)
	assert.Equal(t, int32(-1000), s.GetAnalogScale(0))
	assert.Equal(t, uint8(AnunitPow), s.GetAnalogType(0))
}

func TestSetPhasorCount_ResizesAndZeroInits(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)
	s.AddPhasor("VA", 1, PhunitVoltage)
	require.NoError(t, s.SetPhasorCount(3))
	assert.Equal(t, uint16(3), s.Phnmr)
	assert.Len(t, s.CHNAMPhasor, 3)
	assert.Len(t, s.Phunit, 3)
	assert.Len(t, s.PhasorValues, 3)
}

func TestCfgCnt_BumpsOnlyAfterTransmitted(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)
	before := s.CfgCnt
	s.SetStationName("RENAMED")
	assert.Equal(t, before, s.CfgCnt, "no bump before first transmission")

	s.MarkTransmitted()
	s.SetStationName("RENAMED AGAIN")
	assert.Equal(t, before+1, s.CfgCnt, "bump expected after first transmission")
}

func TestStatAccessors_RoundTrip(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)

	s.SetDataValid(false)
	assert.False(t, s.DataValid())
	s.SetDataValid(true)
	assert.True(t, s.DataValid())

	s.SetPMUError(2)
	assert.Equal(t, uint8(2), s.PMUError())

	s.SetTimeSync(false)
	assert.False(t, s.TimeSync())

	s.SetTriggerDetected(true)
	assert.True(t, s.TriggerDetected())

	s.SetConfigChangePending(true)
	assert.True(t, s.ConfigChangePending())

	s.SetUnlockedTime(3)
	assert.Equal(t, uint8(3), s.UnlockedTime())

	s.SetTriggerCode(0x0A)
	assert.Equal(t, uint8(0x0A), s.TriggerCode())
}

func TestTimeQuality_IndependentOfUnlockedTime(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)

	s.SetUnlockedTime(1)
	s.SetTimeQuality(2)
	assert.Equal(t, uint8(1), s.UnlockedTime())
	assert.Equal(t, uint8(2), s.TimeQuality())

	s.SetTimeQuality(3)
	assert.Equal(t, uint8(1), s.UnlockedTime(), "setting time quality must not disturb unlocked time bits")
	assert.Equal(t, uint8(3), s.TimeQuality())
}

func TestGetNominalFrequency(t *testing.T) {
	s := NewPMUStation("S", 1, true, true, true, false)
	s.Fnom = FreqNom60Hz
	assert.Equal(t, float32(60), s.GetNominalFrequency())
	s.Fnom = FreqNom50Hz
	assert.Equal(t, float32(50), s.GetNominalFrequency())
}
