package synchrophasor

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultResponseTimeout bounds how long GetHeader/GetConfig wait for
// their matching response before giving up (spec §5 "bounded wait
// (default 5 s); expiry returns an empty result, not an error").
const DefaultResponseTimeout = 5 * time.Second

// PDC is the Phasor Data Concentrator endpoint (C5): a TCP client for
// exactly one PMU. A single authoritative read loop owns the socket;
// GetHeader/GetConfig register a waiter and are satisfied by the loop
// filtering its own output by frame type.
type PDC struct {
	IDCode  uint16
	address string

	logger  *logrus.Logger
	metrics MetricsRecorder

	mu        sync.Mutex
	conn      net.Conn
	config    *ConfigFrame
	header    *HeaderFrame
	headerWaiters []chan *HeaderFrame
	configWaiters []chan *ConfigFrame
	running   bool

	// onHeaderUpdate and onConfigUpdate, if set, are invoked from the
	// read loop every time a Header or Config frame is decoded,
	// independent of any pending GetHeader/GetConfig waiter. Used by
	// Splitter to re-broadcast a configuration it observes changing
	// upstream (spec §4.6 "forwarded on live change").
	onHeaderUpdate func(*HeaderFrame)
	onConfigUpdate func(*ConfigFrame)

	data chan *DataFrame
	quit chan struct{}
	done chan struct{}
}

// NewPDC creates a PDC endpoint for pmuAddress, identified to the PMU by
// idCode (used only in command frames the PDC itself sends).
func NewPDC(idCode uint16, pmuAddress string) *PDC {
	return &PDC{
		IDCode:  idCode,
		address: pmuAddress,
		logger:  logrus.StandardLogger(),
		data:    make(chan *DataFrame, 256),
	}
}

// SetLogger overrides the default logger.
func (p *PDC) SetLogger(l *logrus.Logger) { p.logger = l }

// SetMetrics installs a metrics recorder; nil disables reporting.
func (p *PDC) SetMetrics(m MetricsRecorder) { p.metrics = m }

// SetOnHeaderUpdate installs a callback fired from the read loop every
// time a Header frame is decoded, whether or not a GetHeader call is
// pending.
func (p *PDC) SetOnHeaderUpdate(fn func(*HeaderFrame)) {
	p.mu.Lock()
	p.onHeaderUpdate = fn
	p.mu.Unlock()
}

// SetOnConfigUpdate installs a callback fired from the read loop every
// time a Config frame is decoded, whether or not a GetConfig call is
// pending.
func (p *PDC) SetOnConfigUpdate(fn func(*ConfigFrame)) {
	p.mu.Lock()
	p.onConfigUpdate = fn
	p.mu.Unlock()
}

// Run establishes the connection and starts the read loop. Run returns
// once connected; frame processing continues in the background until
// Quit is called or the connection is lost.
func (p *PDC) Run() error {
	conn, err := net.Dial("tcp", p.address)
	if err != nil {
		return fmt.Errorf("pdc: dial %s: %w", p.address, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.running = true
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.logger.WithField("address", p.address).Info("pdc: connected")
	go p.readLoop()
	return nil
}

// Join blocks until the read loop exits, whether from Quit or from the
// upstream connection being lost.
func (p *PDC) Join() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// Quit closes the connection and stops the read loop. Idempotent.
func (p *PDC) Quit() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	quit := p.quit
	conn := p.conn
	p.mu.Unlock()

	close(quit)
	if conn != nil {
		_ = conn.Close()
	}
	<-p.done
}

func (p *PDC) sendCommand(cmdCode uint16) error {
	cmd := NewCommandFrame()
	cmd.IDCode = p.IDCode
	if err := cmd.SetTime(time.Now(), DefaultTimeBase, nil, nil); err != nil {
		return err
	}
	cmd.CMD = cmdCode

	data, err := cmd.Pack()
	if err != nil {
		return fmt.Errorf("pdc: pack command 0x%04x: %w", cmdCode, err)
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("pdc: send command 0x%04x: %w", cmdCode, err)
	}
	if p.metrics != nil {
		p.metrics.RecordCommand(fmt.Sprintf("0x%04x", cmdCode))
	}
	return nil
}

// Start requests the PMU begin streaming data (command 0x0002).
func (p *PDC) Start() error { return p.sendCommand(CmdStart) }

// Stop requests the PMU stop streaming data (command 0x0001).
func (p *PDC) Stop() error { return p.sendCommand(CmdStop) }

// GetHeader requests the header frame and blocks until it arrives or
// DefaultResponseTimeout elapses, in which case it returns (nil, nil):
// expiry is not an error (spec §5).
func (p *PDC) GetHeader() (*HeaderFrame, error) {
	waiter := make(chan *HeaderFrame, 1)
	p.mu.Lock()
	p.headerWaiters = append(p.headerWaiters, waiter)
	p.mu.Unlock()

	if err := p.sendCommand(CmdHeader); err != nil {
		return nil, err
	}

	select {
	case h := <-waiter:
		return h, nil
	case <-time.After(DefaultResponseTimeout):
		return nil, nil
	}
}

// GetConfig requests the configuration frame at the given version (1 or
// 2; anything else defaults to 2) and blocks until it arrives or
// DefaultResponseTimeout elapses, returning (nil, nil) on expiry.
func (p *PDC) GetConfig(version int) (*ConfigFrame, error) {
	var cmdCode uint16
	switch version {
	case 1:
		cmdCode = CmdCfg1
	case 2:
		cmdCode = CmdCfg2
	default:
		cmdCode = CmdCfg2
	}

	waiter := make(chan *ConfigFrame, 1)
	p.mu.Lock()
	p.configWaiters = append(p.configWaiters, waiter)
	p.mu.Unlock()

	if err := p.sendCommand(cmdCode); err != nil {
		return nil, err
	}

	select {
	case c := <-waiter:
		return c, nil
	case <-time.After(DefaultResponseTimeout):
		return nil, nil
	}
}

// Get returns the next data frame, or (nil, false) once the stream has
// ended (connection closed or Quit called).
func (p *PDC) Get() (*DataFrame, bool) {
	d, ok := <-p.data
	return d, ok
}

func (p *PDC) currentConfig() *ConfigFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// readLoop is the single authoritative reader: it owns the socket,
// decodes frames, and fans them out to GetHeader/GetConfig waiters and
// to the Get() data channel.
func (p *PDC) readLoop() {
	defer close(p.done)
	defer close(p.data)
	buf := make([]byte, 65536)

	for {
		frame, err := p.readFrame(buf)
		if err != nil {
			select {
			case <-p.quit:
			default:
				p.logger.WithError(err).Warn("pdc: read loop stopped")
				if p.metrics != nil {
					p.metrics.RecordFrameError("read")
				}
			}
			return
		}

		switch f := frame.(type) {
		case *HeaderFrame:
			p.mu.Lock()
			p.header = f
			waiters := p.headerWaiters
			p.headerWaiters = nil
			onUpdate := p.onHeaderUpdate
			p.mu.Unlock()
			for _, w := range waiters {
				w <- f
			}
			if onUpdate != nil {
				onUpdate(f)
			}
		case *ConfigFrame:
			p.mu.Lock()
			p.config = f
			waiters := p.configWaiters
			p.configWaiters = nil
			onUpdate := p.onConfigUpdate
			p.mu.Unlock()
			for _, w := range waiters {
				w <- f
			}
			if onUpdate != nil {
				onUpdate(f)
			}
		case *Config1Frame:
			cfg2 := &ConfigFrame{}
			cfg2.C37118 = f.C37118
			cfg2.TimeBase = f.TimeBase
			cfg2.NumPMU = f.NumPMU
			cfg2.DataRate = f.DataRate
			cfg2.PMUStationList = f.PMUStationList
			p.mu.Lock()
			p.config = cfg2
			waiters := p.configWaiters
			p.configWaiters = nil
			onUpdate := p.onConfigUpdate
			p.mu.Unlock()
			for _, w := range waiters {
				w <- cfg2
			}
			if onUpdate != nil {
				onUpdate(cfg2)
			}
		case *DataFrame:
			select {
			case p.data <- f:
			default:
				p.logger.Warn("pdc: data queue full, dropping frame")
				if p.metrics != nil {
					p.metrics.RecordFrameError("queue_full")
				}
			}
		case *CommandFrame:
			p.logger.WithField("cmd", f.CMD).Debug("pdc: command echoed by pmu")
		}
	}
}

func (p *PDC) readFrame(buf []byte) (Frame, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionLost
	}

	totalRead := 0
	for totalRead < 4 {
		n, err := conn.Read(buf[totalRead:])
		if err != nil {
			return nil, err
		}
		totalRead += n
	}

	frameSize := int(binary.BigEndian.Uint16(buf[2:4]))
	if frameSize < 4 || frameSize > len(buf) {
		return nil, ErrInvalidSize
	}

	for totalRead < frameSize {
		n, err := conn.Read(buf[totalRead:frameSize])
		if err != nil {
			return nil, err
		}
		totalRead += n
	}

	return Decode(buf[:frameSize], p.currentConfig())
}
