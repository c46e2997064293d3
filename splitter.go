package synchrophasor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Splitter composes one PDC endpoint (upstream, a single PMU source)
// with one PMU endpoint (downstream, many PDC sinks), and presents a
// single PMU-like interface to the outside world (spec §4.6). Frames
// received upstream are not forwarded byte for byte: Data frames are
// re-packed from their decoded values, and the Header and Config frames
// are re-served from the downstream PMU endpoint's own copies.
type Splitter struct {
	sourceAddr string
	listenAddr string
	pmuID      uint16

	logger  *log.Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	pdc     *PDC
	pmu     *PMU
	running bool
	stopCh  chan struct{}
}

// NewSplitter configures a splitter pulling from sourceIP:sourcePort
// and serving downstream clients on listenIP:listenPort. pmuID is the ID
// code in the command frames sent upstream; downstream clients see the
// ID code of the upstream configuration.
func NewSplitter(sourceIP string, sourcePort int, listenIP string, listenPort int, pmuID uint16) *Splitter {
	return &Splitter{
		sourceAddr: fmt.Sprintf("%s:%d", sourceIP, sourcePort),
		listenAddr: fmt.Sprintf("%s:%d", listenIP, listenPort),
		pmuID:      pmuID,
		logger:     log.StandardLogger(),
	}
}

// SetLogger overrides the default logger.
func (s *Splitter) SetLogger(l *log.Logger) { s.logger = l }

// SetMetrics installs a metrics recorder shared by the embedded PDC and
// PMU endpoints.
func (s *Splitter) SetMetrics(m MetricsRecorder) { s.metrics = m }

// Run connects upstream, retrieves header and configuration, binds the
// downstream listener, and starts forwarding. A failed initial upstream
// connection is returned as an error; a later upstream loss is retried
// in the background. Run returns once the downstream listener is bound.
func (s *Splitter) Run() error {
	s.mu.Lock()
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	pdc, header, cfg, err := s.dialUpstream()
	if err != nil {
		return err
	}

	pmu := NewPMU(s.pmuID, "SPLITTER", cfg.DataRate)
	pmu.SetLogger(s.logger)
	if s.metrics != nil {
		pmu.SetMetrics(s.metrics)
	}
	pmu.SetConfiguration(cfg)
	pmu.SetHeader(header.Data)
	pmu.SetPushOnConnect(true)

	if err := pmu.RunPassive(s.listenAddr); err != nil {
		pdc.Quit()
		return fmt.Errorf("splitter: downstream listen: %w", err)
	}

	s.mu.Lock()
	s.pdc = pdc
	s.pmu = pmu
	s.mu.Unlock()

	go s.forwardLoop(pdc, pmu)
	go s.reconnectLoop()
	go s.attachmentLoop()

	return nil
}

// attachmentLoop keeps the upstream PMU streaming continuously while
// any downstream client is attached, and turns it off once none
// remain, to avoid pointless upstream bandwidth (spec §4.6). Downstream
// clients' own start/stop commands are never propagated upstream; only
// the attached/not-attached transition matters here.
func (s *Splitter) attachmentLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	wasAttached := true // dialUpstream already issued Start
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		pdc := s.pdc
		pmu := s.pmu
		s.mu.Unlock()
		if pdc == nil || pmu == nil {
			continue
		}

		attached := pmu.Clients() > 0
		if attached == wasAttached {
			continue
		}
		wasAttached = attached

		if attached {
			if err := pdc.Start(); err != nil {
				s.logger.WithError(err).Error("splitter: error starting upstream transmission")
			}
		} else {
			if err := pdc.Stop(); err != nil {
				s.logger.WithError(err).Error("splitter: error stopping upstream transmission")
			}
		}
	}
}

func (s *Splitter) dialUpstream() (*PDC, *HeaderFrame, *ConfigFrame, error) {
	pdc := NewPDC(s.pmuID, s.sourceAddr)
	pdc.SetLogger(s.logger)
	if s.metrics != nil {
		pdc.SetMetrics(s.metrics)
	}
	pdc.SetOnHeaderUpdate(s.onUpstreamHeader)
	pdc.SetOnConfigUpdate(s.onUpstreamConfig)

	if err := pdc.Run(); err != nil {
		return nil, nil, nil, err
	}

	header, err := pdc.GetHeader()
	if err != nil {
		pdc.Quit()
		return nil, nil, nil, err
	}
	cfg, err := pdc.GetConfig(2)
	if err != nil {
		pdc.Quit()
		return nil, nil, nil, err
	}
	if cfg == nil {
		pdc.Quit()
		return nil, nil, nil, ErrTimeout
	}
	if header == nil {
		header = NewHeaderFrame(s.pmuID, "")
	}

	if err := pdc.Start(); err != nil {
		pdc.Quit()
		return nil, nil, nil, err
	}

	return pdc, header, cfg, nil
}

// onUpstreamHeader applies a Header frame observed on the upstream PDC
// (whether requested by dialUpstream or pushed unprompted by the
// source) to the downstream PMU and re-broadcasts it to already-
// connected clients (spec §4.6: "forwarded on live change").
func (s *Splitter) onUpstreamHeader(h *HeaderFrame) {
	s.mu.Lock()
	pmu := s.pmu
	s.mu.Unlock()
	if pmu == nil || h == nil {
		return
	}
	pmu.SetHeader(h.Data)
	pmu.BroadcastConfigChange()
}

// onUpstreamConfig is onUpstreamHeader's counterpart for Config frames.
func (s *Splitter) onUpstreamConfig(c *ConfigFrame) {
	s.mu.Lock()
	pmu := s.pmu
	s.mu.Unlock()
	if pmu == nil || c == nil {
		return
	}
	pmu.SetConfiguration(c)
	pmu.BroadcastConfigChange()
}

// forwardLoop reads data frames off the upstream PDC and re-broadcasts
// them downstream to streaming clients only. When the upstream stream
// ends, downstream clients are dropped (not the listener, which must
// keep accepting across the outage) so reconnectLoop can reattach a new
// PDC to the same long-lived downstream PMU.
func (s *Splitter) forwardLoop(pdc *PDC, pmu *PMU) {
	for {
		df, ok := pdc.Get()
		if !ok {
			s.logger.Warn("splitter: upstream stream ended")
			pmu.DropClients()
			return
		}
		if err := pmu.Send(df); err != nil {
			s.logger.WithError(err).Error("splitter: downstream send failed")
		}
	}
}

// reconnectLoop watches the stop signal; actual reconnect-on-failure
// happens by restarting dialUpstream with exponential backoff whenever
// forwardLoop observes the upstream stream end and the splitter hasn't
// been stopped.
func (s *Splitter) reconnectLoop() {
	for {
		s.mu.Lock()
		pdc := s.pdc
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}

		select {
		case <-s.stopCh:
			return
		case <-pdcClosed(pdc):
		}

		s.mu.Lock()
		running = s.running
		s.mu.Unlock()
		if !running {
			return
		}

		s.logger.Warn("splitter: upstream lost, reconnecting")
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0

		var pdc2 *PDC
		var header *HeaderFrame
		var cfg *ConfigFrame
		err := backoff.Retry(func() error {
			select {
			case <-s.stopCh:
				return backoff.Permanent(ErrConnectionLost)
			default:
			}
			var dialErr error
			pdc2, header, cfg, dialErr = s.dialUpstream()
			return dialErr
		}, b)
		if err != nil {
			return
		}

		s.mu.Lock()
		pmu := s.pmu
		s.mu.Unlock()
		pmu.SetConfiguration(cfg)
		pmu.SetHeader(header.Data)

		s.mu.Lock()
		s.pdc = pdc2
		s.mu.Unlock()

		go s.forwardLoop(pdc2, pmu)
	}
}

// pdcClosed returns a channel that's closed once pdc's read loop has
// exited (connection lost or Quit), by waiting on pdc.Join in a
// goroutine, so reconnectLoop can select on it alongside the stop
// signal. For a nil pdc the returned channel is already closed.
func pdcClosed(pdc *PDC) <-chan struct{} {
	ch := make(chan struct{})
	if pdc == nil {
		close(ch)
		return ch
	}
	go func() {
		pdc.Join()
		close(ch)
	}()
	return ch
}

// Stop tears down both the downstream listener and the upstream
// connection. Idempotent.
func (s *Splitter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	pdc := s.pdc
	pmu := s.pmu
	s.mu.Unlock()

	close(stopCh)
	if pmu != nil {
		pmu.Stop()
	}
	if pdc != nil {
		pdc.Quit()
	}
}

// Join blocks until the splitter is stopped.
func (s *Splitter) Join() {
	s.mu.Lock()
	pmu := s.pmu
	s.mu.Unlock()
	if pmu != nil {
		pmu.Join()
	}
}
