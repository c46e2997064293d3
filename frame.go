package synchrophasor

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
)

// Frame type constants (sync word bits 6..4).
const (
	FrameTypeData   = 0
	FrameTypeHeader = 1
	FrameTypeCfg1   = 2
	FrameTypeCfg2   = 3
	FrameTypeCmd    = 4
	FrameTypeCfg3   = 5
)

// Sync byte constants: high byte is fixed (0xAA with the sign bit set),
// low byte packs frame type (bits 6..4) and version (bits 3..0, 0001 for
// this standard).
const (
	SyncAA   = 0xAA
	SyncData = 0x01
	SyncHdr  = 0x11
	SyncCfg1 = 0x21
	SyncCfg2 = 0x31
	SyncCmd  = 0x41
	SyncCfg3 = 0x51
)

// Command codes (CommandFrame.CMD).
const (
	CmdStop    = 0x01
	CmdStart   = 0x02
	CmdHeader  = 0x03
	CmdCfg1    = 0x04
	CmdCfg2    = 0x05
	CmdCfg3    = 0x06
	CmdExt     = 0x08
	CmdCfg3Nak = 0x0F // reserved code used as a Cfg3 negative-ack, see spec Open Question (a)
)

// Nominal frequency constants
const (
	FreqNom60Hz = 0
	FreqNom50Hz = 1
)

// Phasor unit types
const (
	PhunitVoltage = 0
	PhunitCurrent = 1
)

// Analog unit types
const (
	AnunitPow  = 0
	AnunitRMS  = 1
	AnunitPeak = 2
)

// Frame is implemented by every frame variant; it exposes the common
// header for generic handling in the stream decoder and endpoints.
type Frame interface {
	Header() *C37118
	Pack() ([]byte, error)
}

// FrameType represents the type of frame
type FrameType int

// GetFrameType extracts frame type from byte data
func GetFrameType(data []byte) (FrameType, error) {
	if len(data) < 2 {
		return -1, ErrInvalidSize
	}
	if data[0] != SyncAA {
		return -1, ErrInvalidFrame
	}
	frameType := (data[1] >> 4) & 0x07
	return FrameType(frameType), nil
}

// HeaderFrame represents a header frame
type HeaderFrame struct {
	C37118
	Data string
}

// NewHeaderFrame creates a new header frame
func NewHeaderFrame(idCode uint16, info string) *HeaderFrame {
	h := &HeaderFrame{Data: info}
	h.Sync = (SyncAA << 8) | SyncHdr
	h.FrameSize = 16
	h.IDCode = idCode
	return h
}

// Header returns the common frame header.
func (h *HeaderFrame) Header() *C37118 { return &h.C37118 }

// Pack converts header frame to bytes
func (h *HeaderFrame) Pack() ([]byte, error) {
	h.FrameSize = uint16(16 + len(h.Data))

	buf := new(bytes.Buffer)
	if err := writeBinary(buf, h.Sync, h.FrameSize, h.IDCode, h.SOC, h.FracSec); err != nil {
		return nil, err
	}
	buf.WriteString(h.Data)

	data := buf.Bytes()
	crc := CalcCRC(data)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack parses bytes into header frame
func (h *HeaderFrame) Unpack(data []byte) error {
	if len(data) < 16 {
		return ErrShortFrame
	}

	buf := bytes.NewReader(data)
	if err := readBinary(buf, &h.Sync, &h.FrameSize); err != nil {
		return err
	}
	if int(h.FrameSize) < 16 || int(h.FrameSize) > len(data) {
		return ErrInvalidSize
	}
	if err := readBinary(buf, &h.IDCode, &h.SOC, &h.FracSec); err != nil {
		return err
	}

	dataSize := int(h.FrameSize) - 16
	if dataSize > 0 {
		dataBytes := make([]byte, dataSize)
		if _, err := io.ReadFull(buf, dataBytes); err != nil {
			return err
		}
		h.Data = string(dataBytes)
	}

	crcData := data[:h.FrameSize-2]
	if err := binary.Read(bytes.NewReader(data[h.FrameSize-2:h.FrameSize]), binary.BigEndian, &h.CHK); err != nil {
		return err
	}
	if CalcCRC(crcData) != h.CHK {
		return ErrCRCFailed
	}
	return nil
}

// ConfigFrame represents a Configuration frame, version 1 or 2 (they
// share layout; NewConfig1Frame stamps the version-1 sync word).
type ConfigFrame struct {
	C37118
	TimeBase       uint32
	NumPMU         uint16
	DataRate       int16
	PMUStationList []*PMUStation

	transmitted bool
}

// NewConfigFrame creates a new configuration frame (version 2).
func NewConfigFrame() *ConfigFrame {
	cfg := &ConfigFrame{PMUStationList: make([]*PMUStation, 0)}
	cfg.Sync = (SyncAA << 8) | SyncCfg2
	return cfg
}

// Header returns the common frame header.
func (c *ConfigFrame) Header() *C37118 { return &c.C37118 }

// AddPMUStation adds a PMU station to the configuration
func (c *ConfigFrame) AddPMUStation(pmu *PMUStation) {
	c.PMUStationList = append(c.PMUStationList, pmu)
	c.NumPMU++
	c.touch()
}

// GetPMUStationByIDCode returns PMU station by ID code
func (c *ConfigFrame) GetPMUStationByIDCode(idCode uint16) *PMUStation {
	for _, pmu := range c.PMUStationList {
		if pmu.IDCode == idCode {
			return pmu
		}
	}
	return nil
}

func (c *ConfigFrame) touch() {
	if c.transmitted {
		for _, pmu := range c.PMUStationList {
			pmu.CfgCnt++
		}
	}
}

// MarkTransmitted records that this configuration has gone out on the
// wire at least once, enabling cfg_count bumps on subsequent edits
// (spec §4.3). Called automatically by Pack.
func (c *ConfigFrame) MarkTransmitted() {
	c.transmitted = true
	for _, pmu := range c.PMUStationList {
		pmu.MarkTransmitted()
	}
}

// validate checks invariant I3 (declared counts match supplied slice
// lengths) and I4 (frac_sec < time_base) before encoding, and that
// time_base is nonzero and fits in 24 bits.
func (c *ConfigFrame) validate() error {
	if c.TimeBase == 0 || c.TimeBase > maxFracSecFraction {
		return ErrFieldRange
	}
	if c.Fraction() >= c.TimeBase {
		return ErrFieldRange
	}
	if int(c.NumPMU) != len(c.PMUStationList) {
		return ErrInvalidLayout
	}
	for _, pmu := range c.PMUStationList {
		if int(pmu.Phnmr) != len(pmu.CHNAMPhasor) || int(pmu.Phnmr) != len(pmu.Phunit) || int(pmu.Phnmr) != len(pmu.PhasorValues) {
			return ErrInvalidLayout
		}
		if int(pmu.Annmr) != len(pmu.CHNAMAnalog) || int(pmu.Annmr) != len(pmu.Anunit) || int(pmu.Annmr) != len(pmu.AnalogValues) {
			return ErrInvalidLayout
		}
		if int(pmu.Dgnmr) != len(pmu.Dgunit) || int(pmu.Dgnmr) != len(pmu.DigitalValues) {
			return ErrInvalidLayout
		}
		if int(pmu.Dgnmr)*16 != len(pmu.CHNAMDigital) {
			return ErrInvalidLayout
		}
	}
	return nil
}

// Pack converts configuration frame to bytes
func (c *ConfigFrame) Pack() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	size := uint16(22) // common header, TIME_BASE, NUM_PMU and CHK
	for _, pmu := range c.PMUStationList {
		size += 30
		size += 16 * (pmu.Phnmr + pmu.Annmr + 16*pmu.Dgnmr)
		size += 4 * (pmu.Phnmr + pmu.Annmr + pmu.Dgnmr)
	}
	size += 2 // data rate
	c.FrameSize = size

	buf := new(bytes.Buffer)
	if err := writeBinary(buf, c.Sync, c.FrameSize, c.IDCode, c.SOC, c.FracSec, c.TimeBase, c.NumPMU); err != nil {
		return nil, err
	}

	for _, pmu := range c.PMUStationList {
		buf.WriteString(padString(pmu.STN))
		if err := writeBinary(buf, pmu.IDCode, pmu.Format, pmu.Phnmr, pmu.Annmr, pmu.Dgnmr); err != nil {
			return nil, err
		}
		for _, name := range pmu.CHNAMPhasor {
			buf.WriteString(padString(name))
		}
		for _, name := range pmu.CHNAMAnalog {
			buf.WriteString(padString(name))
		}
		for i := 0; i < int(pmu.Dgnmr*16); i++ {
			if i < len(pmu.CHNAMDigital) {
				buf.WriteString(padString(pmu.CHNAMDigital[i]))
			} else {
				buf.WriteString(padString(""))
			}
		}
		for _, unit := range pmu.Phunit {
			if err := binary.Write(buf, binary.BigEndian, unit); err != nil {
				return nil, err
			}
		}
		for _, unit := range pmu.Anunit {
			if err := binary.Write(buf, binary.BigEndian, unit); err != nil {
				return nil, err
			}
		}
		for _, unit := range pmu.Dgunit {
			if err := binary.Write(buf, binary.BigEndian, unit); err != nil {
				return nil, err
			}
		}
		if err := writeBinary(buf, pmu.Fnom, pmu.CfgCnt); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(buf, binary.BigEndian, c.DataRate); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	crc := CalcCRC(data)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return nil, err
	}

	c.MarkTransmitted()
	return buf.Bytes(), nil
}

// unpackPMUStation reads a single PMU station from the buffer
func (c *ConfigFrame) unpackPMUStation(buf *bytes.Reader) (*PMUStation, error) {
	pmu := &PMUStation{}

	stnBytes := make([]byte, 16)
	if _, err := io.ReadFull(buf, stnBytes); err != nil {
		return nil, err
	}
	pmu.STN = strings.TrimSpace(string(stnBytes))

	if err := readBinary(buf, &pmu.IDCode, &pmu.Format); err != nil {
		return nil, err
	}

	var phnmr, annmr, dgnmr uint16
	if err := readBinary(buf, &phnmr, &annmr, &dgnmr); err != nil {
		return nil, err
	}
	if phnmr > 1000 || annmr > 1000 || dgnmr > 100 {
		return nil, ErrInvalidSize
	}
	pmu.Phnmr, pmu.Annmr, pmu.Dgnmr = phnmr, annmr, dgnmr

	if err := c.readChannelNames(buf, pmu, phnmr, annmr, dgnmr); err != nil {
		return nil, err
	}

	pmu.Phunit = make([]uint32, phnmr)
	for j := 0; j < int(phnmr); j++ {
		if err := binary.Read(buf, binary.BigEndian, &pmu.Phunit[j]); err != nil {
			return nil, err
		}
	}
	pmu.Anunit = make([]uint32, annmr)
	for j := 0; j < int(annmr); j++ {
		if err := binary.Read(buf, binary.BigEndian, &pmu.Anunit[j]); err != nil {
			return nil, err
		}
	}
	pmu.Dgunit = make([]uint32, dgnmr)
	for j := 0; j < int(dgnmr); j++ {
		if err := binary.Read(buf, binary.BigEndian, &pmu.Dgunit[j]); err != nil {
			return nil, err
		}
	}

	if err := readBinary(buf, &pmu.Fnom, &pmu.CfgCnt); err != nil {
		return nil, err
	}

	pmu.PhasorValues = make([]complex128, phnmr)
	pmu.AnalogValues = make([]float32, annmr)
	pmu.DigitalValues = make([][]bool, dgnmr)
	for j := 0; j < int(dgnmr); j++ {
		pmu.DigitalValues[j] = make([]bool, 16)
	}
	pmu.MarkTransmitted()

	return pmu, nil
}

// readChannelNames reads channel names for a PMU station
func (c *ConfigFrame) readChannelNames(buf *bytes.Reader, pmu *PMUStation, phnmr, annmr, dgnmr uint16) error {
	pmu.CHNAMPhasor = make([]string, phnmr)
	for j := 0; j < int(phnmr); j++ {
		nameBytes := make([]byte, 16)
		if _, err := io.ReadFull(buf, nameBytes); err != nil {
			return err
		}
		pmu.CHNAMPhasor[j] = strings.TrimSpace(string(nameBytes))
	}

	pmu.CHNAMAnalog = make([]string, annmr)
	for j := 0; j < int(annmr); j++ {
		nameBytes := make([]byte, 16)
		if _, err := io.ReadFull(buf, nameBytes); err != nil {
			return err
		}
		pmu.CHNAMAnalog[j] = strings.TrimSpace(string(nameBytes))
	}

	pmu.CHNAMDigital = make([]string, 16*dgnmr)
	for j := 0; j < int(16*dgnmr); j++ {
		nameBytes := make([]byte, 16)
		if _, err := io.ReadFull(buf, nameBytes); err != nil {
			return err
		}
		pmu.CHNAMDigital[j] = strings.TrimSpace(string(nameBytes))
	}
	return nil
}

// Unpack parses bytes into configuration frame
func (c *ConfigFrame) Unpack(data []byte) error {
	if len(data) < 24 {
		return ErrShortFrame
	}

	buf := bytes.NewReader(data)
	if err := readBinary(buf, &c.Sync, &c.FrameSize); err != nil {
		return err
	}
	if int(c.FrameSize) < 24 || int(c.FrameSize) > len(data) {
		return ErrInvalidSize
	}
	if err := readBinary(buf, &c.IDCode, &c.SOC, &c.FracSec, &c.TimeBase); err != nil {
		return err
	}

	var numPMU uint16
	if err := binary.Read(buf, binary.BigEndian, &numPMU); err != nil {
		return err
	}
	if numPMU > 1000 {
		return ErrInvalidSize
	}

	for i := 0; i < int(numPMU); i++ {
		pmu, err := c.unpackPMUStation(buf)
		if err != nil {
			return err
		}
		c.AddPMUStation(pmu)
	}

	if err := binary.Read(buf, binary.BigEndian, &c.DataRate); err != nil {
		return err
	}

	crcData := data[:c.FrameSize-2]
	if err := binary.Read(bytes.NewReader(data[c.FrameSize-2:c.FrameSize]), binary.BigEndian, &c.CHK); err != nil {
		return err
	}
	if CalcCRC(crcData) != c.CHK {
		return ErrCRCFailed
	}
	c.MarkTransmitted()
	return nil
}

// Config1Frame is a Configuration frame, version 1: identical layout to
// ConfigFrame, distinguished only by its sync word.
type Config1Frame struct {
	ConfigFrame
}

// NewConfig1Frame creates a new configuration frame version 1
func NewConfig1Frame() *Config1Frame {
	cfg := &Config1Frame{}
	cfg.Sync = (SyncAA << 8) | SyncCfg1
	cfg.PMUStationList = make([]*PMUStation, 0)
	return cfg
}

// Config3Frame recognizes a Configuration Frame 3 sync word on decode,
// but carries no parsed payload: spec §1 names Config Frame 3 encoding
// as a non-goal, and this module never produces one.
type Config3Frame struct {
	C37118
	Raw []byte
}

// Header returns the common frame header.
func (c *Config3Frame) Header() *C37118 { return &c.C37118 }

// Pack is unsupported: this module never encodes Configuration Frame 3.
func (c *Config3Frame) Pack() ([]byte, error) { return nil, ErrNotImpl }

// Unpack records the frame's header and raw bytes without interpreting
// the Cfg3-specific payload.
func (c *Config3Frame) Unpack(data []byte) error {
	if len(data) < 24 {
		return ErrShortFrame
	}
	buf := bytes.NewReader(data)
	if err := readBinary(buf, &c.Sync, &c.FrameSize); err != nil {
		return err
	}
	if int(c.FrameSize) > len(data) {
		return ErrInvalidSize
	}
	if err := readBinary(buf, &c.IDCode, &c.SOC, &c.FracSec); err != nil {
		return err
	}
	crcData := data[:c.FrameSize-2]
	if err := binary.Read(bytes.NewReader(data[c.FrameSize-2:c.FrameSize]), binary.BigEndian, &c.CHK); err != nil {
		return err
	}
	if CalcCRC(crcData) != c.CHK {
		return ErrCRCFailed
	}
	c.Raw = append([]byte(nil), data...)
	return nil
}

// Decode parses one complete frame. cfg is required (non-nil) when data
// is a Data frame; without it, decoding fails with
// ErrMissingConfiguration (spec §4.2).
func Decode(data []byte, cfg *ConfigFrame) (Frame, error) {
	frameType, err := GetFrameType(data)
	if err != nil {
		return nil, err
	}

	switch frameType {
	case FrameTypeData:
		if cfg == nil {
			return nil, ErrMissingConfiguration
		}
		df := NewDataFrame(cfg)
		return df, df.Unpack(data)

	case FrameTypeHeader:
		hf := &HeaderFrame{}
		return hf, hf.Unpack(data)

	case FrameTypeCfg1:
		cf := NewConfig1Frame()
		return cf, cf.Unpack(data)

	case FrameTypeCfg2:
		cf := NewConfigFrame()
		return cf, cf.Unpack(data)

	case FrameTypeCfg3:
		cf := &Config3Frame{}
		return cf, cf.Unpack(data)

	case FrameTypeCmd:
		cmd := NewCommandFrame()
		return cmd, cmd.Unpack(data)

	default:
		return nil, ErrUnknownFrame
	}
}

// UnpackFrame is a compatibility alias for Decode.
func UnpackFrame(data []byte, cfg *ConfigFrame) (Frame, error) {
	return Decode(data, cfg)
}
