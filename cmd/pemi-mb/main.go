// Command pemi-mb runs the PEMI middlebox against a pair of live network
// interfaces.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ooni/pemi"
)

// apexLogger adapts apex/log's global logger to [pemi.Logger].
type apexLogger struct{}

func (apexLogger) Debug(message string)          { log.Debug(message) }
func (apexLogger) Debugf(format string, v ...any) { log.Debugf(format, v...) }
func (apexLogger) Info(message string)            { log.Info(message) }
func (apexLogger) Infof(format string, v ...any)  { log.Infof(format, v...) }
func (apexLogger) Warn(message string)            { log.Warn(message) }
func (apexLogger) Warnf(format string, v ...any)  { log.Warnf(format, v...) }

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("config", "", "path to a JSON configuration file")
	ifaceNear := flag.String("iface-near", "", "override: interface facing the server side")
	ifaceFar := flag.String("iface-far", "", "override: interface facing the client side")
	logPath := flag.String("log-path", "", "override: observation log path")
	metricsAddr := flag.String("metrics-addr", "", "override: Prometheus metrics listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("pemi-mb: configuration error")
		os.Exit(int(pemi.ExitCodeForError(err)))
	}
	if *ifaceNear != "" {
		cfg.IfaceNear = *ifaceNear
	}
	if *ifaceFar != "" {
		cfg.IfaceFar = *ifaceFar
	}
	if *logPath != "" {
		cfg.LogPath = *logPath
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("pemi-mb: configuration error")
		os.Exit(int(pemi.ExitCodeForError(err)))
	}

	os.Exit(int(run(cfg)))
}

func loadConfig(path string) (*pemi.Config, error) {
	if path == "" {
		return pemi.DefaultConfig(), nil
	}
	return pemi.LoadConfigFile(path)
}

// run wires up and drives the engine (one per shard, via [pemi.RunSharded])
// until shutdown, returning the process exit code (spec §6).
func run(cfg *pemi.Config) pemi.ExitCode {
	metrics := pemi.NewMetrics()
	registry := prometheus.NewRegistry()
	for _, c := range metrics.Collectors() {
		if err := registry.Register(c); err != nil {
			log.WithError(err).Error("pemi-mb: metrics registration failed")
			return pemi.ExitConfigError
		}
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.WithError(err).Warn("pemi-mb: metrics server stopped")
			}
		}()
	}

	var obslog *pemi.ObservationLog
	if cfg.LogPath != "" {
		var err error
		obslog, err = pemi.OpenObservationLog(cfg.LogPath)
		if err != nil {
			log.WithError(err).Error("pemi-mb: cannot open observation log")
			return pemi.ExitConfigError
		}
		defer obslog.Close()
	}

	io, err := pemi.NewPacketIOPcap(cfg.IfaceNear, cfg.IfaceFar)
	if err != nil {
		log.WithError(err).Error("pemi-mb: cannot open network interfaces")
		return pemi.ExitCodeForError(err)
	}
	defer io.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("pemi-mb: running (near=%s far=%s, shard_count=%d)", cfg.IfaceNear, cfg.IfaceFar, cfg.ShardCount)
	if err := pemi.RunSharded(ctx, cfg, io, pemi.SystemClock{}, apexLogger{}, metrics, obslog); err != nil {
		log.WithError(err).Error("pemi-mb: engine stopped")
		return pemi.ExitCodeForError(err)
	}
	log.Info("pemi-mb: clean shutdown")
	return pemi.ExitClean
}
