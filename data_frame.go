package synchrophasor

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/cmplx"
)

// DataFrame represents a data frame
type DataFrame struct {
	C37118
	AssociatedConfig *ConfigFrame
}

// NewDataFrame creates a new data frame bound to cfg, which determines
// the frame's layout (station count, channel counts, fixed/float and
// polar/rectangular choices). A Data frame cannot be decoded without a
// previously learned configuration for the same PMU ID (spec invariant
// I6); AssociatedConfig is that configuration.
func NewDataFrame(cfg *ConfigFrame) *DataFrame {
	df := &DataFrame{AssociatedConfig: cfg}
	df.Sync = (SyncAA << 8) | SyncData
	return df
}

// Header returns the common frame header.
func (d *DataFrame) Header() *C37118 { return &d.C37118 }

func round16(v float64) int16  { return int16(math.Round(v)) }
func roundU16(v float64) uint16 {
	if v < 0 {
		v = 0
	}
	return uint16(math.Round(v))
}

// Pack converts data frame to bytes
func (d *DataFrame) Pack() ([]byte, error) {
	if d.AssociatedConfig == nil {
		return nil, ErrInvalidParameter
	}
	if err := d.AssociatedConfig.validate(); err != nil {
		return nil, err
	}

	size := uint16(14)
	for _, pmu := range d.AssociatedConfig.PMUStationList {
		size += 2
		if pmu.FormatPhasorType() {
			size += 8 * pmu.Phnmr
		} else {
			size += 4 * pmu.Phnmr
		}
		if pmu.FormatFreqType() {
			size += 8
		} else {
			size += 4
		}
		if pmu.FormatAnalogType() {
			size += 4 * pmu.Annmr
		} else {
			size += 2 * pmu.Annmr
		}
		size += 2 * pmu.Dgnmr
	}
	size += 2 // CRC
	d.FrameSize = size

	buf := new(bytes.Buffer)
	if err := writeBinary(buf, d.Sync, d.FrameSize, d.IDCode, d.SOC, d.FracSec); err != nil {
		return nil, err
	}

	for _, pmu := range d.AssociatedConfig.PMUStationList {
		if err := binary.Write(buf, binary.BigEndian, pmu.Stat); err != nil {
			return nil, err
		}

		for j := 0; j < int(pmu.Phnmr); j++ {
			v := pmu.PhasorValues[j]
			if pmu.FormatPhasorType() {
				if pmu.FormatCoord() {
					if err := writeBinary(buf, float32(cmplx.Abs(v)), float32(cmplx.Phase(v))); err != nil {
						return nil, err
					}
				} else {
					if err := writeBinary(buf, float32(real(v)), float32(imag(v))); err != nil {
						return nil, err
					}
				}
			} else {
				if pmu.FormatCoord() {
					magInt := roundU16(cmplx.Abs(v))
					angInt := round16(cmplx.Phase(v) * 1e4)
					if err := writeBinary(buf, magInt, angInt); err != nil {
						return nil, err
					}
				} else {
					reInt := round16(real(v))
					imInt := round16(imag(v))
					if err := writeBinary(buf, reInt, imInt); err != nil {
						return nil, err
					}
				}
			}
		}

		if pmu.FormatFreqType() {
			if err := writeBinary(buf, pmu.Freq, pmu.DFreq); err != nil {
				return nil, err
			}
		} else {
			freqOffset := float64(pmu.Freq) - float64(pmu.GetNominalFrequency())
			freqInt := round16(freqOffset * 1000)
			dfreqInt := round16(float64(pmu.DFreq) * 100)
			if err := writeBinary(buf, freqInt, dfreqInt); err != nil {
				return nil, err
			}
		}

		for j := 0; j < int(pmu.Annmr); j++ {
			if pmu.FormatAnalogType() {
				if err := binary.Write(buf, binary.BigEndian, pmu.AnalogValues[j]); err != nil {
					return nil, err
				}
			} else {
				scale := pmu.GetAnalogScale(j)
				if scale == 0 {
					return nil, ErrFieldRange
				}
				analogInt := round16(float64(pmu.AnalogValues[j]) / float64(scale))
				if err := binary.Write(buf, binary.BigEndian, analogInt); err != nil {
					return nil, err
				}
			}
		}

		for j := 0; j < int(pmu.Dgnmr); j++ {
			var digWord uint16
			for k := 0; k < 16; k++ {
				if pmu.DigitalValues[j][k] {
					digWord |= 1 << uint(k)
				}
			}
			if err := binary.Write(buf, binary.BigEndian, digWord); err != nil {
				return nil, err
			}
		}
	}

	data := buf.Bytes()
	crc := CalcCRC(data)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack parses bytes into data frame, using AssociatedConfig to
// determine layout (spec invariant I6: a Data frame is only decodable
// given a previously received configuration for the same pmu_id).
func (d *DataFrame) Unpack(data []byte) error {
	if d.AssociatedConfig == nil {
		return ErrMissingConfiguration
	}
	if len(data) < 16 {
		return ErrShortFrame
	}

	buf := bytes.NewReader(data)
	if err := readBinary(buf, &d.Sync, &d.FrameSize); err != nil {
		return err
	}
	if int(d.FrameSize) < 16 || int(d.FrameSize) > len(data) {
		return ErrInvalidSize
	}
	if err := readBinary(buf, &d.IDCode, &d.SOC, &d.FracSec); err != nil {
		return err
	}

	for _, pmu := range d.AssociatedConfig.PMUStationList {
		if err := binary.Read(buf, binary.BigEndian, &pmu.Stat); err != nil {
			return err
		}

		for j := 0; j < int(pmu.Phnmr); j++ {
			if pmu.FormatPhasorType() {
				var val1, val2 float32
				if err := readBinary(buf, &val1, &val2); err != nil {
					return err
				}
				if pmu.FormatCoord() {
					pmu.PhasorValues[j] = cmplx.Rect(float64(val1), float64(val2))
				} else {
					pmu.PhasorValues[j] = complex(float64(val1), float64(val2))
				}
			} else {
				if pmu.FormatCoord() {
					var mag uint16
					var ang int16
					if err := readBinary(buf, &mag, &ang); err != nil {
						return err
					}
					pmu.PhasorValues[j] = cmplx.Rect(float64(mag), float64(ang)/1e4)
				} else {
					var re, im int16
					if err := readBinary(buf, &re, &im); err != nil {
						return err
					}
					pmu.PhasorValues[j] = complex(float64(re), float64(im))
				}
			}
		}

		if pmu.FormatFreqType() {
			if err := readBinary(buf, &pmu.Freq, &pmu.DFreq); err != nil {
				return err
			}
		} else {
			var freqInt, dfreqInt int16
			if err := readBinary(buf, &freqInt, &dfreqInt); err != nil {
				return err
			}
			pmu.Freq = pmu.GetNominalFrequency() + float32(freqInt)/1000.0
			pmu.DFreq = float32(dfreqInt) / 100.0
		}

		for j := 0; j < int(pmu.Annmr); j++ {
			if pmu.FormatAnalogType() {
				if err := binary.Read(buf, binary.BigEndian, &pmu.AnalogValues[j]); err != nil {
					return err
				}
			} else {
				var analogInt int16
				if err := binary.Read(buf, binary.BigEndian, &analogInt); err != nil {
					return err
				}
				pmu.AnalogValues[j] = float32(float64(analogInt) * float64(pmu.GetAnalogScale(j)))
			}
		}

		for j := 0; j < int(pmu.Dgnmr); j++ {
			var digWord uint16
			if err := binary.Read(buf, binary.BigEndian, &digWord); err != nil {
				return err
			}
			for k := 0; k < 16; k++ {
				pmu.DigitalValues[j][k] = (digWord & (1 << uint(k))) != 0
			}
		}
	}

	if int(d.FrameSize) < 2 {
		return ErrInvalidSize
	}
	crcData := data[:d.FrameSize-2]
	if err := binary.Read(bytes.NewReader(data[d.FrameSize-2:d.FrameSize]), binary.BigEndian, &d.CHK); err != nil {
		return err
	}
	if CalcCRC(crcData) != d.CHK {
		return ErrCRCFailed
	}
	return nil
}

// Measurement is one station's decoded sample, as returned by
// GetMeasurements.
type Measurement struct {
	StreamID  uint16
	Stat      uint16
	Phasors   []complex128
	Analog    []float32
	Digital   [][]bool
	Frequency float32
	Rocof     float32
}

// DataFrameMeasurements is the structured view of a decoded DataFrame.
type DataFrameMeasurements struct {
	PMUID        uint16
	Time         float64
	Measurements []Measurement
}

// GetMeasurements returns the measurements in a structured format.
func (d *DataFrame) GetMeasurements() DataFrameMeasurements {
	measurements := make([]Measurement, 0, len(d.AssociatedConfig.PMUStationList))
	for _, pmu := range d.AssociatedConfig.PMUStationList {
		measurements = append(measurements, Measurement{
			StreamID:  pmu.IDCode,
			Stat:      pmu.Stat,
			Phasors:   pmu.PhasorValues,
			Analog:    pmu.AnalogValues,
			Digital:   pmu.DigitalValues,
			Frequency: pmu.Freq,
			Rocof:     pmu.DFreq,
		})
	}

	timestamp := float64(d.SOC) + float64(d.Fraction())/float64(d.AssociatedConfig.TimeBase)

	return DataFrameMeasurements{
		PMUID:        d.IDCode,
		Time:         timestamp,
		Measurements: measurements,
	}
}
