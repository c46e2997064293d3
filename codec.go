package synchrophasor

import (
	"encoding/binary"
	"errors"
	"io"
)

// StreamDecoder reads a continuous byte stream and yields complete,
// CRC-verified frames (C2 decode_stream). It tolerates corruption:
// an unknown sync type or a failed CRC advances past frame_size bytes
// and resumes, rather than aborting the stream.
//
// A StreamDecoder learns one Configuration per pmu_id as Config frames
// arrive, and uses it to decode subsequent Data frames carrying that
// same pmu_id (invariant I6).
type StreamDecoder struct {
	r       io.Reader
	buf     []byte
	configs map[uint16]*ConfigFrame
}

// NewStreamDecoder wraps r for frame-at-a-time decoding.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{
		r:       r,
		buf:     make([]byte, 65536),
		configs: make(map[uint16]*ConfigFrame),
	}
}

// Config returns the most recently learned configuration for pmuID, or
// nil if none has been observed yet.
func (d *StreamDecoder) Config(pmuID uint16) *ConfigFrame {
	return d.configs[pmuID]
}

// Next reads and returns the next frame. It returns ErrEndOfStream once
// the reader is exhausted, whether at a clean EOF between frames or
// part-way through a frame (the partial frame is discarded). ErrUnknownFrame and ErrCRCFailed are
// recoverable: the decoder has already resynchronized and a further
// call to Next continues with the next frame in the stream.
func (d *StreamDecoder) Next() (Frame, error) {
	header := d.buf[:4]
	if _, err := io.ReadFull(d.r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, err
	}

	frameSize := int(binary.BigEndian.Uint16(header[2:4]))
	if frameSize < 4 {
		return nil, ErrInvalidSize
	}
	if frameSize > len(d.buf) {
		grown := make([]byte, frameSize)
		copy(grown, d.buf)
		d.buf = grown
	}
	copy(d.buf, header)

	if _, err := io.ReadFull(d.r, d.buf[4:frameSize]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, err
	}

	frameType, err := GetFrameType(d.buf[:frameSize])
	if err != nil {
		return nil, err
	}

	pmuID := binary.BigEndian.Uint16(d.buf[4:6])
	var cfg *ConfigFrame
	if frameType == FrameTypeData {
		cfg = d.configs[pmuID]
	}

	frame, err := Decode(d.buf[:frameSize], cfg)
	if err != nil {
		if errors.Is(err, ErrUnknownFrame) || errors.Is(err, ErrCRCFailed) {
			return nil, err
		}
		return nil, err
	}

	switch f := frame.(type) {
	case *ConfigFrame:
		d.configs[f.IDCode] = f
	case *Config1Frame:
		d.configs[f.IDCode] = &f.ConfigFrame
	}

	return frame, nil
}
