package synchrophasor

import (
	"bytes"
	"encoding/binary"
)

// CommandFrame represents a command frame
type CommandFrame struct {
	C37118
	CMD        uint16
	ExtraFrame []byte
}

// NewCommandFrame creates a new command frame
func NewCommandFrame() *CommandFrame {
	cmd := &CommandFrame{}
	cmd.Sync = (SyncAA << 8) | SyncCmd
	cmd.FrameSize = 18
	return cmd
}

// Header returns the common frame header.
func (c *CommandFrame) Header() *C37118 { return &c.C37118 }

// Pack converts command frame to bytes
func (c *CommandFrame) Pack() ([]byte, error) {
	c.FrameSize = uint16(18 + len(c.ExtraFrame))

	buf := new(bytes.Buffer)
	if err := writeBinary(buf, c.Sync, c.FrameSize, c.IDCode, c.SOC, c.FracSec, c.CMD); err != nil {
		return nil, err
	}
	if c.ExtraFrame != nil {
		buf.Write(c.ExtraFrame)
	}

	data := buf.Bytes()
	crc := CalcCRC(data)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack parses bytes into command frame
func (c *CommandFrame) Unpack(data []byte) error {
	if len(data) < 18 {
		return ErrShortFrame
	}

	buf := bytes.NewReader(data)
	if err := readBinary(buf, &c.Sync, &c.FrameSize); err != nil {
		return err
	}
	if int(c.FrameSize) < 18 || int(c.FrameSize) > len(data) {
		return ErrInvalidSize
	}
	if err := readBinary(buf, &c.IDCode, &c.SOC, &c.FracSec, &c.CMD); err != nil {
		return err
	}

	extraSize := int(c.FrameSize) - 18
	if extraSize > 0 {
		c.ExtraFrame = make([]byte, extraSize)
		if _, err := buf.Read(c.ExtraFrame); err != nil {
			return err
		}
	}

	crcData := data[:c.FrameSize-2]
	if err := binary.Read(bytes.NewReader(data[c.FrameSize-2:c.FrameSize]), binary.BigEndian, &c.CHK); err != nil {
		return err
	}
	if CalcCRC(crcData) != c.CHK {
		return ErrCRCFailed
	}
	return nil
}

// NewNakFrame builds a CommandFrame carrying the Cfg3 negative-
// acknowledgement code (spec §9 Open Question (a)): CmdCfg3 is
// recognized but has no encoder, so this module replies rather than
// silently dropping the request.
func NewNakFrame(idCode uint16) *CommandFrame {
	nak := NewCommandFrame()
	nak.IDCode = idCode
	nak.CMD = CmdCfg3Nak
	return nak
}
