package synchrophasor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is a MetricsRecorder backed by
// github.com/prometheus/client_golang. One instance can be shared
// across a PMU, PDC and Splitter in the same process; register it once
// and expose its registry via promhttp in the hosting command.
type PrometheusMetrics struct {
	clientsConnected prometheus.Gauge
	commands         *prometheus.CounterVec
	dataFramesSent   prometheus.Counter
	dataBytesSent    prometheus.Counter
	configFramesSent prometheus.Counter
	headerFramesSent prometheus.Counter
	bytesReceived    prometheus.Counter
	frameErrors      *prometheus.CounterVec
	dataFrameRate    prometheus.Gauge
}

// NewPrometheusMetrics registers the recorder's collectors against reg.
// Pass prometheus.DefaultRegisterer to use the global registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synchrophasor_clients_connected",
			Help: "Number of PDC clients currently connected.",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synchrophasor_commands_total",
			Help: "Command frames processed, by command type.",
		}, []string{"command"}),
		dataFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "synchrophasor_data_frames_sent_total",
			Help: "Data frames sent to clients.",
		}),
		dataBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "synchrophasor_data_bytes_sent_total",
			Help: "Bytes of data, configuration and header frames sent to clients.",
		}),
		configFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "synchrophasor_config_frames_sent_total",
			Help: "Configuration frames sent to clients.",
		}),
		headerFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "synchrophasor_header_frames_sent_total",
			Help: "Header frames sent to clients.",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "synchrophasor_bytes_received_total",
			Help: "Bytes received from clients.",
		}),
		frameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synchrophasor_frame_errors_total",
			Help: "Frame errors, by error type.",
		}, []string{"error"}),
		dataFrameRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synchrophasor_data_frame_rate_hz",
			Help: "Observed data frame production rate.",
		}),
	}
}

// RecordClientConnected implements MetricsRecorder.
func (m *PrometheusMetrics) RecordClientConnected() { m.clientsConnected.Inc() }

// RecordClientDisconnected implements MetricsRecorder.
func (m *PrometheusMetrics) RecordClientDisconnected() { m.clientsConnected.Dec() }

// RecordCommand implements MetricsRecorder.
func (m *PrometheusMetrics) RecordCommand(cmdType string) { m.commands.WithLabelValues(cmdType).Inc() }

// RecordDataFrameSent implements MetricsRecorder.
func (m *PrometheusMetrics) RecordDataFrameSent(size int) {
	m.dataFramesSent.Inc()
	m.dataBytesSent.Add(float64(size))
}

// RecordConfigFrameSent implements MetricsRecorder.
func (m *PrometheusMetrics) RecordConfigFrameSent(size int) {
	m.configFramesSent.Inc()
	m.dataBytesSent.Add(float64(size))
}

// RecordHeaderFrameSent implements MetricsRecorder.
func (m *PrometheusMetrics) RecordHeaderFrameSent(size int) {
	m.headerFramesSent.Inc()
	m.dataBytesSent.Add(float64(size))
}

// RecordBytesReceived implements MetricsRecorder.
func (m *PrometheusMetrics) RecordBytesReceived(size int) { m.bytesReceived.Add(float64(size)) }

// RecordFrameError implements MetricsRecorder.
func (m *PrometheusMetrics) RecordFrameError(errorType string) {
	m.frameErrors.WithLabelValues(errorType).Inc()
}

// UpdateDataFrameRate implements MetricsRecorder.
func (m *PrometheusMetrics) UpdateDataFrameRate(rate float64) { m.dataFrameRate.Set(rate) }
