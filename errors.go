package synchrophasor

import "errors"

// Sentinel errors for the frame codec and endpoints. Callers should use
// errors.Is to match, since errors raised by the endpoints are usually
// wrapped with call-site context (client address, command name, ...).
var (
	// ErrInvalidFrame is returned when a byte sequence does not begin
	// with a recognizable sync word.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrCRCFailed is returned when a frame's trailing CRC does not
	// match the computed checksum of the preceding bytes.
	ErrCRCFailed = errors.New("CRC check failed")
	// ErrInvalidParameter is returned for calls made with nil or
	// otherwise unusable arguments (e.g. packing a DataFrame with no
	// associated configuration).
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidSize is returned when a buffer is too short for the
	// frame type being parsed, or a declared size is nonsensical.
	ErrInvalidSize = errors.New("invalid size")
	// ErrNotImpl marks wire features this module recognizes but does
	// not encode (Configuration Frame 3).
	ErrNotImpl = errors.New("function not implemented")

	// ErrShortFrame is returned by a frame's Unpack when the buffer is
	// shorter than that frame type's minimum length.
	ErrShortFrame = errors.New("short frame")
	// ErrUnknownFrame is returned for a sync word whose type nibble
	// does not match one of the five known frame types.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrInvalidLayout is returned by Pack when declared channel counts
	// don't match the length of the corresponding value/name slices.
	ErrInvalidLayout = errors.New("invalid frame layout")
	// ErrFieldRange is returned when a field value is out of its legal
	// range (frac_sec >= time_base, time_base == 0, time_base too wide
	// for 24 bits, ...).
	ErrFieldRange = errors.New("field out of range")
	// ErrMissingConfiguration is returned when decoding a Data frame
	// without a previously-learned Configuration for its PMU ID.
	ErrMissingConfiguration = errors.New("missing configuration for data frame")
	// ErrConnectionLost is returned by endpoint operations performed
	// against a connection that has already closed.
	ErrConnectionLost = errors.New("connection lost")
	// ErrTimeout is returned by Splitter.Run when the upstream PMU does
	// not answer the configuration request in time. PDC.GetHeader and
	// PDC.GetConfig do not return it: their expiry is a nil result.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrNotReady is returned when an operation requires a prior Run or
	// SetConfiguration call that hasn't happened yet.
	ErrNotReady = errors.New("not ready")
	// ErrEndOfStream is returned by the stream decoder when the
	// underlying reader is exhausted, between frames or mid-frame; a
	// partial frame is never returned.
	ErrEndOfStream = errors.New("end of stream")
)
