// Command pmy is a minimal PMU server: it serves a single default
// station and fills each tick with a simple sine/constant sample
// source. It is wiring around the library, not a modeled load-flow
// simulator.
package main

import (
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/phasorlink/synchrophasor"
)

func main() {
	ip := flag.String("ip", "0.0.0.0", "listen address")
	port := flag.Int("port", 4712, "listen port")
	metricsPort := flag.Int("metrics-port", 9090, "prometheus metrics port")
	idCode := flag.Uint("id", 7, "PMU ID code")
	station := flag.String("station", "PMY1", "station name")
	dataRate := flag.Int("rate", 30, "data frames per second")
	logLevel := flag.String("log-level", "info", "logrus level")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	registry := prometheus.NewRegistry()
	metrics := synchrophasor.NewPrometheusMetrics(registry)

	go func() {
		addr := fmt.Sprintf(":%d", *metricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		log.WithField("address", addr).Info("pmy: metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Fatal("pmy: metrics server failed")
		}
	}()

	pmu := synchrophasor.NewPMU(uint16(*idCode), *station, int16(*dataRate))
	pmu.SetLogger(log.StandardLogger())
	pmu.SetMetrics(metrics)
	pmu.SetIEEEDataSample(constantSample)
	pmu.LogConfiguration()

	address := fmt.Sprintf("%s:%d", *ip, *port)
	if err := pmu.Run(address); err != nil {
		log.WithError(err).Fatal("pmy: failed to start")
	}
	log.WithField("address", address).Info("pmy: started, waiting for PDC connections")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	pmu.Stop()
}

// constantSample fills each station's channels with a simple
// sine/constant source — thin wiring, not a modeled load-flow
// simulator.
func constantSample(stations []*synchrophasor.PMUStation) {
	for _, s := range stations {
		for i := range s.PhasorValues {
			s.PhasorValues[i] = complex(float64(69000), 0)
		}
		s.Freq = s.GetNominalFrequency()
		s.DFreq = 0
		for i := range s.AnalogValues {
			s.AnalogValues[i] = float32(100 * math.Sin(float64(i)))
		}
	}
}
