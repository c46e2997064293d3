package synchrophasor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/phasorlink/synchrophasor/internal/wallclock"
)

// clientState is the per-connection lifecycle of a PMU server session
// (spec §4.4): a client starts connected, moves to streaming on command
// 0x0002, back to connected on 0x0001, and to disconnecting on any
// terminal I/O error or on Stop.
type clientState int

const (
	clientConnected clientState = iota
	clientStreaming
	clientDisconnecting
)

// outboundQueueSize bounds each client's write queue (spec §5: slow
// consumers are dropped rather than stalling the source).
const outboundQueueSize = 64

// pmuClient tracks one connected PDC's session state and its bounded
// outbound queue.
type pmuClient struct {
	conn    net.Conn
	id      string
	mu      sync.Mutex
	state   clientState
	outbox  chan []byte
	closeCh chan struct{}
	once    sync.Once
}

func newPMUClient(conn net.Conn) *pmuClient {
	return &pmuClient{
		conn:    conn,
		id:      conn.RemoteAddr().String(),
		state:   clientConnected,
		outbox:  make(chan []byte, outboundQueueSize),
		closeCh: make(chan struct{}),
	}
}

func (c *pmuClient) setState(s clientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *pmuClient) getState() clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// enqueue attempts a non-blocking send and reports false on a full
// queue; Send treats that as a too-slow client and drops it.
func (c *pmuClient) enqueue(data []byte) bool {
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

func (c *pmuClient) close() {
	c.once.Do(func() {
		close(c.closeCh)
		_ = c.conn.Close()
	})
}

// PMU is the PMU server endpoint (C4): a TCP server that accepts
// multiple PDC clients, each tracked by its own session state.
type PMU struct {
	Config1  *Config1Frame
	Config2  *ConfigFrame
	Header   *HeaderFrame
	DataRate int16

	logger  *log.Logger
	metrics MetricsRecorder

	mu            sync.Mutex
	listener      net.Listener
	clients       map[*pmuClient]struct{}
	running       bool
	stopCh        chan struct{}
	sampleFn      pmuSampleFn
	pushOnConnect bool
}

// NewPMU creates a PMU server identified by idCode, listening address
// is supplied to Run. Station and channel layout start from
// DefaultStation and must be customized via SetConfiguration before
// Run if different channels are wanted.
func NewPMU(idCode uint16, stationName string, dataRate int16) *PMU {
	pmu := &PMU{
		DataRate: dataRate,
		clients:  make(map[*pmuClient]struct{}),
	}

	cfg2 := NewConfigFrame()
	cfg2.IDCode = idCode
	cfg2.TimeBase = DefaultTimeBase
	cfg2.DataRate = dataRate
	cfg2.AddPMUStation(DefaultStation(stationName, idCode))

	cfg1 := NewConfig1Frame()
	cfg1.ConfigFrame = *cfg2
	cfg1.Sync = (SyncAA << 8) | SyncCfg1

	pmu.Config2 = cfg2
	pmu.Config1 = cfg1
	pmu.Header = NewHeaderFrame(idCode, fmt.Sprintf("PMU %s", strings.TrimSpace(stationName)))

	return pmu
}

// SetLogger overrides the default logger.
func (p *PMU) SetLogger(logger *log.Logger) { p.logger = logger }

// SetMetrics installs a metrics recorder; nil disables reporting.
func (p *PMU) SetMetrics(m MetricsRecorder) { p.metrics = m }

// SetPushOnConnect enables sending the cached Header and Config2 frames
// to every client as soon as it connects, instead of waiting for it to
// ask (spec §4.6: "sent to each newly connected downstream client at
// connect time"). A plain PMU endpoint stays pull-only; Splitter turns
// this on for its downstream-facing PMU.
func (p *PMU) SetPushOnConnect(v bool) {
	p.mu.Lock()
	p.pushOnConnect = v
	p.mu.Unlock()
}

func (p *PMU) log() *log.Logger {
	if p.logger == nil {
		p.logger = log.New()
	}
	return p.logger
}

// SetConfiguration replaces the version-2 configuration and derives
// Config1 from it. The stations' cfg_count values are served as given;
// SetConfiguration does not change them. Safe to call before or after
// Run.
func (p *PMU) SetConfiguration(cfg *ConfigFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Config2 = cfg
	cfg1 := NewConfig1Frame()
	cfg1.ConfigFrame = *cfg
	cfg1.Sync = (SyncAA << 8) | SyncCfg1
	p.Config1 = cfg1
}

// SetHeader replaces the free-form header text.
func (p *PMU) SetHeader(info string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Header = NewHeaderFrame(p.Config2.IDCode, info)
}

// SetDataRate updates the data frame production rate (frames/s if
// positive, as in spec §3).
func (p *PMU) SetDataRate(rate int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DataRate = rate
	p.Config2.DataRate = rate
}

// SetIEEEDataSample installs sample values for every station's current
// phasor/analog/digital channels, as would arrive from a real
// acquisition front-end. fn is called once per tick by the data sender
// to refresh pmu.Config2.PMUStationList before encoding.
func (p *PMU) SetIEEEDataSample(fn func([]*PMUStation)) {
	p.mu.Lock()
	p.sampleFn = fn
	p.mu.Unlock()
}

// pmuSampleFn is the type of the sample callback installed by
// SetIEEEDataSample and kept in PMU.sampleFn.
type pmuSampleFn = func([]*PMUStation)

// Clients returns the current number of connected PDC clients.
func (p *PMU) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Run starts the accept loop and the data sender. Returns once the
// listener is bound; both loops continue in the background until Stop.
func (p *PMU) Run(address string) error {
	return p.run(address, true)
}

// RunPassive starts only the accept loop: no synthetic data sender
// runs. Used by Splitter, whose downstream Data frames arrive already
// encoded from the upstream PMU rather than being produced locally.
func (p *PMU) RunPassive(address string) error {
	return p.run(address, false)
}

func (p *PMU) run(address string, withSampler bool) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("pmu: listen %s: %w", address, err)
	}

	p.mu.Lock()
	p.listener = listener
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.log().WithField("address", address).Info("pmu: listening")

	go p.acceptLoop()
	if withSampler {
		go p.dataSender()
	}
	return nil
}

// Stop closes the listener, then closes every session's connection.
// Frames still queued for a client are discarded, not flushed.
// Idempotent.
func (p *PMU) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	listener := p.listener
	stopCh := p.stopCh
	clients := make([]*pmuClient, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	close(stopCh)
	if listener != nil {
		_ = listener.Close()
	}
	for _, c := range clients {
		c.setState(clientDisconnecting)
		c.close()
	}

	p.log().Info("pmu: stopped")
}

// DropClients disconnects every currently connected client without
// closing the listener or the data sender: new clients can still
// connect afterward. Used by Splitter when the upstream source is lost
// (spec §4.6: "all downstream clients are dropped" while the service
// keeps accepting); Stop is reserved for a full shutdown.
func (p *PMU) DropClients() {
	p.mu.Lock()
	clients := make([]*pmuClient, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		c.setState(clientDisconnecting)
		c.close()
	}
}

// cachedHeaderAndConfig returns the current Header and Config2 frames.
func (p *PMU) cachedHeaderAndConfig() (*HeaderFrame, *ConfigFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Header, p.Config2
}

// pushCachedFrames stamps and unicasts the current Header and Config2
// frames to a single client.
func (p *PMU) pushCachedFrames(client *pmuClient) {
	header, cfg2 := p.cachedHeaderAndConfig()
	if cfg2 == nil {
		return
	}
	if header != nil {
		if err := header.SetTime(time.Now(), cfg2.TimeBase, nil, nil); err == nil {
			if data, err := header.Pack(); err == nil {
				client.enqueue(data)
			}
		}
	}
	if err := cfg2.SetTime(time.Now(), cfg2.TimeBase, nil, nil); err == nil {
		if data, err := cfg2.Pack(); err == nil {
			client.enqueue(data)
		}
	}
}

// BroadcastConfigChange re-sends the cached Header and Config2 frames
// to every connected client. Called when the cached configuration
// changes out from under clients that connected before the change
// (spec §4.6: "forwarded on live change").
func (p *PMU) BroadcastConfigChange() {
	p.mu.Lock()
	clients := make([]*pmuClient, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		p.pushCachedFrames(c)
	}
}

// Addr returns the listener's bound address, useful when Run was given
// port 0. Returns nil if the server has not been started.
func (p *PMU) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Join blocks until the server is stopped.
func (p *PMU) Join() {
	p.mu.Lock()
	stopCh := p.stopCh
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	<-stopCh
}

func (p *PMU) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			running := p.running
			p.mu.Unlock()
			if running {
				p.log().WithError(err).Error("pmu: accept error")
				continue
			}
			return
		}

		client := newPMUClient(conn)
		p.mu.Lock()
		p.clients[client] = struct{}{}
		pushOnConnect := p.pushOnConnect
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.RecordClientConnected()
		}
		p.log().WithField("client", client.id).Info("pmu: client connected")

		go p.writerLoop(client)
		go p.readerLoop(client)

		if pushOnConnect {
			p.pushCachedFrames(client)
		}
	}
}

func (p *PMU) removeClient(client *pmuClient) {
	p.mu.Lock()
	delete(p.clients, client)
	p.mu.Unlock()
	client.setState(clientDisconnecting)
	client.close()
	if p.metrics != nil {
		p.metrics.RecordClientDisconnected()
	}
	p.log().WithField("client", client.id).Info("pmu: client disconnected")
}

func (p *PMU) writerLoop(client *pmuClient) {
	for {
		select {
		case data := <-client.outbox:
			if err := client.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
				return
			}
			if _, err := client.conn.Write(data); err != nil {
				p.log().WithField("client", client.id).WithError(err).Debug("pmu: write failed")
				return
			}
		case <-client.closeCh:
			return
		}
	}
}

func (p *PMU) readerLoop(client *pmuClient) {
	defer p.removeClient(client)

	buffer := make([]byte, 65536)
	for {
		if err := client.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}

		n, err := client.conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				select {
				case <-client.closeCh:
					return
				default:
					continue
				}
			}
			return
		}

		if p.metrics != nil {
			p.metrics.RecordBytesReceived(n)
		}

		if n < 4 {
			continue
		}
		frameSize := int(binary.BigEndian.Uint16(buffer[2:4]))
		if frameSize < 4 || n < frameSize {
			continue
		}

		frame, err := Decode(buffer[:frameSize], nil)
		if err != nil {
			p.log().WithFields(log.Fields{"client": client.id, "error": err}).Debug("pmu: decode error")
			if p.metrics != nil {
				p.metrics.RecordFrameError("decode_error")
			}
			continue
		}
		if cmd, ok := frame.(*CommandFrame); ok {
			p.handleCommand(client, cmd)
		}
	}
}

func (p *PMU) handleCommand(client *pmuClient, cmd *CommandFrame) {
	var response []byte
	var err error
	var cmdName string

	p.mu.Lock()
	cfg2 := p.Config2
	cfg1 := p.Config1
	header := p.Header
	p.mu.Unlock()

	switch cmd.CMD {
	case CmdStart:
		cmdName = "START"
		client.setState(clientStreaming)

	case CmdStop:
		cmdName = "STOP"
		client.setState(clientConnected)

	case CmdHeader:
		cmdName = "HEADER"
		if setErr := header.SetTime(time.Now(), cfg2.TimeBase, nil, nil); setErr != nil {
			err = setErr
			break
		}
		response, err = header.Pack()
		if err == nil && p.metrics != nil {
			p.metrics.RecordHeaderFrameSent(len(response))
		}

	case CmdCfg1:
		cmdName = "CONFIG1"
		if setErr := cfg1.SetTime(time.Now(), cfg2.TimeBase, nil, nil); setErr != nil {
			err = setErr
			break
		}
		response, err = cfg1.Pack()
		if err == nil && p.metrics != nil {
			p.metrics.RecordConfigFrameSent(len(response))
		}

	case CmdCfg2:
		cmdName = "CONFIG2"
		if setErr := cfg2.SetTime(time.Now(), cfg2.TimeBase, nil, nil); setErr != nil {
			err = setErr
			break
		}
		response, err = cfg2.Pack()
		if err == nil && p.metrics != nil {
			p.metrics.RecordConfigFrameSent(len(response))
		}

	case CmdCfg3:
		cmdName = "CONFIG3"
		nak := NewNakFrame(cfg2.IDCode)
		if setErr := nak.SetTime(time.Now(), cfg2.TimeBase, nil, nil); setErr != nil {
			err = setErr
			break
		}
		response, err = nak.Pack()

	case CmdExt:
		cmdName = "EXT"
		nak := NewNakFrame(cfg2.IDCode)
		if setErr := nak.SetTime(time.Now(), cfg2.TimeBase, nil, nil); setErr != nil {
			err = setErr
			break
		}
		response, err = nak.Pack()

	default:
		cmdName = fmt.Sprintf("UNKNOWN(0x%04X)", cmd.CMD)
	}

	if p.metrics != nil {
		p.metrics.RecordCommand(cmdName)
	}
	p.log().WithFields(log.Fields{"client": client.id, "command": cmdName}).Debug("pmu: received command")

	if err != nil {
		p.log().WithFields(log.Fields{"client": client.id, "command": cmdName, "error": err}).Error("pmu: error building response")
		if p.metrics != nil {
			p.metrics.RecordFrameError("pack_error")
		}
		return
	}
	if response != nil {
		if !client.enqueue(response) {
			p.log().WithField("client", client.id).Warn("pmu: response queue full, dropping")
		}
	}
}

// Send broadcasts frame to every client currently in streaming state.
// Clients in connected state are skipped. A write failure to one
// client must not block sends to others (spec §4.4); the writer loop
// runs independently per client.
func (p *PMU) Send(frame Frame) error {
	data, err := frame.Pack()
	if err != nil {
		return err
	}

	p.mu.Lock()
	clients := make([]*pmuClient, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	sent := 0
	for _, c := range clients {
		if c.getState() != clientStreaming {
			continue
		}
		if c.enqueue(data) {
			sent++
		} else {
			p.log().WithField("client", c.id).Warn("pmu: outbound queue full, dropping client")
			p.removeClient(c)
		}
	}
	if sent > 0 && p.metrics != nil {
		switch frame.(type) {
		case *DataFrame:
			p.metrics.RecordDataFrameSent(len(data))
		}
	}
	return nil
}

// SendTo unicasts frame to the client identified by id (its
// conn.RemoteAddr().String()).
func (p *PMU) SendTo(id string, frame Frame) error {
	data, err := frame.Pack()
	if err != nil {
		return err
	}

	p.mu.Lock()
	var target *pmuClient
	for c := range p.clients {
		if c.id == id {
			target = c
			break
		}
	}
	p.mu.Unlock()

	if target == nil {
		return ErrNotReady
	}
	if !target.enqueue(data) {
		return ErrConnectionLost
	}
	return nil
}

// dataSender produces synthetic phasor samples at DataRate and calls
// Send for every tick, exercising the same broadcast path a real
// acquisition source would use.
func (p *PMU) dataSender() {
	p.mu.Lock()
	rate := p.DataRate
	p.mu.Unlock()
	if rate <= 0 {
		rate = DefaultDataRate
	}

	ticker := wallclock.New(time.Second/time.Duration(rate), 0, true)
	ticker.OnSkippedTicks = func(count int64, window time.Duration) {
		p.log().WithField("skipped_ticks", count).Warnf("pmu: dropped %d ticks in the last %v", count, window)
	}
	defer ticker.Stop()

	counter := 0
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		cfg2 := p.Config2
		sampleFn := p.sampleFn
		p.mu.Unlock()

		if sampleFn != nil {
			sampleFn(cfg2.PMUStationList)
		} else {
			defaultSample(cfg2.PMUStationList, counter)
		}

		df := NewDataFrame(cfg2)
		df.IDCode = cfg2.IDCode
		if err := df.SetTime(time.Now(), cfg2.TimeBase, nil, nil); err != nil {
			p.log().WithError(err).Error("pmu: error stamping data frame")
			continue
		}

		if err := p.Send(df); err != nil {
			p.log().WithError(err).Error("pmu: error sending data frame")
			if p.metrics != nil {
				p.metrics.RecordFrameError("data_pack_error")
			}
		}

		counter++
		if counter >= 360 {
			counter = 0
		}
	}
}

// LogConfiguration logs the complete PMU configuration at info/debug
// level, mirroring the detail an operator would want at startup.
func (p *PMU) LogConfiguration() {
	p.mu.Lock()
	cfg2 := p.Config2
	header := p.Header
	p.mu.Unlock()

	if cfg2 == nil {
		p.log().Warn("pmu: no configuration available to log")
		return
	}

	p.log().WithFields(log.Fields{
		"id_code":   cfg2.IDCode,
		"time_base": cfg2.TimeBase,
		"data_rate": cfg2.DataRate,
		"num_pmu":   cfg2.NumPMU,
	}).Info("pmu: configuration")

	for i, station := range cfg2.PMUStationList {
		p.log().WithFields(log.Fields{
			"index":             i,
			"station_name":      strings.TrimSpace(station.STN),
			"station_id":        station.IDCode,
			"nominal_frequency": station.GetNominalFrequency(),
			"config_count":      station.CfgCnt,
			"phasor_channels":   station.Phnmr,
			"analog_channels":   station.Annmr,
			"digital_channels":  station.Dgnmr,
		}).Info("pmu: station configuration")

		for j, name := range station.CHNAMPhasor {
			p.log().WithFields(log.Fields{
				"station":      strings.TrimSpace(station.STN),
				"channel_type": "phasor",
				"index":        j,
				"name":         strings.TrimSpace(name),
				"unit_type":    station.GetPhasorUnitType(j),
				"scale_factor": station.GetPhasorFactor(j),
			}).Debug("pmu: phasor channel")
		}

		for j, name := range station.CHNAMAnalog {
			p.log().WithFields(log.Fields{
				"station":      strings.TrimSpace(station.STN),
				"channel_type": "analog",
				"index":        j,
				"name":         strings.TrimSpace(name),
				"unit_type":    station.GetAnalogType(j),
				"scale_factor": station.GetAnalogScale(j),
			}).Debug("pmu: analog channel")
		}
	}

	if header != nil {
		p.log().WithField("header", header.Data).Info("pmu: header")
	}
}

// defaultSample fills a synthetic signal into every station's channels
// (a phasor rotating one degree per tick, sinusoidal frequency, ROCOF
// and analog values): a thin stand-in for a real acquisition front-end, used
// only when no SetIEEEDataSample callback is installed.
func defaultSample(stations []*PMUStation, counter int) {
	for _, pmu := range stations {
		for i := range pmu.PhasorValues {
			angle := float64(counter) * math.Pi / 180.0
			pmu.PhasorValues[i] = complex(30000*math.Cos(angle), 30000*math.Sin(angle))
		}
		nominal := pmu.GetNominalFrequency()
		pmu.Freq = nominal + 0.5*float32(math.Sin(float64(counter)*0.1))
		pmu.DFreq = 0.05 * float32(math.Cos(float64(counter)*0.1))
		for i := range pmu.AnalogValues {
			pmu.AnalogValues[i] = 100.0 * float32(math.Sin(float64(counter)*0.1+float64(i)))
		}
	}
}
