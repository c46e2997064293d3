package synchrophasor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalcCRC_Deterministic(t *testing.T) {
	data := []byte{0xAA, 0x01, 0x00, 0x10, 0x00, 0x07}
	assert.Equal(t, CalcCRC(data), CalcCRC(data))
}

func TestCalcCRC_DetectsCorruption(t *testing.T) {
	data := []byte{0xAA, 0x01, 0x00, 0x10, 0x00, 0x07}
	corrupted := append([]byte(nil), data...)
	corrupted[2] ^= 0xFF
	assert.NotEqual(t, CalcCRC(data), CalcCRC(corrupted))
}

func TestCalcCRC_EmptyInput(t *testing.T) {
	assert.Equal(t, uint16(0xFFFF), CalcCRC(nil))
}
