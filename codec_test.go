package synchrophasor

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDecoder_DecodesConfigThenData(t *testing.T) {
	cfg := newTestConfig()
	cfgBytes, err := cfg.Pack()
	require.NoError(t, err)

	df := NewDataFrame(cfg)
	df.IDCode = cfg.IDCode
	require.NoError(t, df.SetTime(time.Now(), cfg.TimeBase, nil, nil))
	dataBytes, err := df.Pack()
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, cfgBytes...), dataBytes...))
	dec := NewStreamDecoder(stream)

	frame1, err := dec.Next()
	require.NoError(t, err)
	_, isCfg := frame1.(*ConfigFrame)
	assert.True(t, isCfg)
	assert.NotNil(t, dec.Config(cfg.IDCode))

	frame2, err := dec.Next()
	require.NoError(t, err)
	_, isData := frame2.(*DataFrame)
	assert.True(t, isData)
}

func TestStreamDecoder_DataBeforeConfigFailsWithMissingConfiguration(t *testing.T) {
	cfg := newTestConfig()
	df := NewDataFrame(cfg)
	df.IDCode = cfg.IDCode
	require.NoError(t, df.SetTime(time.Now(), cfg.TimeBase, nil, nil))
	dataBytes, err := df.Pack()
	require.NoError(t, err)

	dec := NewStreamDecoder(bytes.NewReader(dataBytes))
	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestStreamDecoder_CleanEOFBetweenFrames(t *testing.T) {
	dec := NewStreamDecoder(bytes.NewReader(nil))
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestStreamDecoder_CRCCorruptionResyncs(t *testing.T) {
	h := NewHeaderFrame(7, "hello")
	frame1, err := h.Pack()
	require.NoError(t, err)
	frame1[len(frame1)-1] ^= 0xFF // corrupt CRC

	h2 := NewHeaderFrame(7, "world")
	frame2, err := h2.Pack()
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, frame1...), frame2...))
	dec := NewStreamDecoder(stream)

	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrCRCFailed)

	got, err := dec.Next()
	require.NoError(t, err)
	hf, ok := got.(*HeaderFrame)
	require.True(t, ok)
	assert.Equal(t, "world", hf.Data)
}

func TestStreamDecoder_UnknownSyncTypeResyncs(t *testing.T) {
	bad := []byte{SyncAA, 0x71, 0x00, 0x04}

	h := NewHeaderFrame(7, "after")
	good, err := h.Pack()
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, bad...), good...))
	dec := NewStreamDecoder(stream)

	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrUnknownFrame)

	got, err := dec.Next()
	require.NoError(t, err)
	hf, ok := got.(*HeaderFrame)
	require.True(t, ok)
	assert.Equal(t, "after", hf.Data)
}

func TestStreamDecoder_Config1FrameLearnsConfig(t *testing.T) {
	cfg2 := newTestConfig()
	cfg1 := NewConfig1Frame()
	cfg1.ConfigFrame = *cfg2
	cfg1.Sync = (SyncAA << 8) | SyncCfg1
	data, err := cfg1.Pack()
	require.NoError(t, err)

	dec := NewStreamDecoder(bytes.NewReader(data))
	_, err = dec.Next()
	require.NoError(t, err)
	assert.NotNil(t, dec.Config(cfg2.IDCode))
}
