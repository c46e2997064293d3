// Command splytter runs the Stream Splitter: it attaches to one
// upstream PMU and re-serves its stream to many downstream PDC
// clients.
package main

import (
	"flag"
	"fmt"
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
	sourceIP := flag.String("source-ip", "127.0.0.1", "upstream PMU address")
	sourcePort := flag.Int("source-port", 4712, "upstream PMU port")
	listenIP := flag.String("listen-ip", "0.0.0.0", "downstream listen address")
	listenPort := flag.Int("listen-port", 4713, "downstream listen port")
	metricsPort := flag.Int("metrics-port", 9091, "prometheus metrics port")
	idCode := flag.Uint("id", 7, "ID code for command frames sent upstream")
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
		log.WithField("address", addr).Info("splytter: metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Fatal("splytter: metrics server failed")
		}
	}()

	splitter := synchrophasor.NewSplitter(*sourceIP, *sourcePort, *listenIP, *listenPort, uint16(*idCode))
	splitter.SetLogger(log.StandardLogger())
	splitter.SetMetrics(metrics)

	if err := splitter.Run(); err != nil {
		log.WithError(err).Fatal("splytter: failed to start")
	}
	log.WithFields(log.Fields{
		"source": fmt.Sprintf("%s:%d", *sourceIP, *sourcePort),
		"listen": fmt.Sprintf("%s:%d", *listenIP, *listenPort),
	}).Info("splytter: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	splitter.Stop()
}
