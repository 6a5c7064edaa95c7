// Bmvd reads a Victron BMV-600S battery monitor over its serial interface
// and serves the latest readings over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Taronyu/bmvd/pkg/config"
	"github.com/Taronyu/bmvd/pkg/monitor_reader"
	"github.com/Taronyu/bmvd/pkg/pathing"
	"github.com/Taronyu/bmvd/pkg/webserver"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.String("config", pathing.GetDefaultConfigPath(), "path to the config file")
	device := pflag.String("device", "", "serial device to read from (overrides config)")
	dataFile := pflag.String("datafile", "", "replay a captured data file instead of reading a serial device")
	endpoint := pflag.String("endpoint", "", "host:port to serve the API on (overrides config)")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn or error (overrides config)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("bmvd %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if pflag.NArg() > 0 {
		cfg.SerialDevice = pflag.Arg(0)
	}
	if *device != "" {
		cfg.SerialDevice = *device
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	addr := cfg.Endpoint()
	if *endpoint != "" {
		addr = *endpoint
	}

	log := setupLogger(cfg.LogLevel)
	log.Infof("bmvd %s starting", Version)

	var source monitor_reader.Source
	if *dataFile != "" {
		source = monitor_reader.FileSource{Path: *dataFile}
	} else {
		source = monitor_reader.SerialSource{Device: cfg.SerialDevice}
	}

	reader := monitor_reader.NewBatteryReader(source, log)
	server := webserver.New(addr, reader, log)
	reader.OnSnapshot(server.Broadcast)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reader.Start(ctx); err != nil {
		log.Fatalf("Failed to start battery reader: %v", err)
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Failed to shut down HTTP server: %v", err)
	}

	// The reader observes the cancelled context on its own; worst case it
	// is sitting in one serial read timeout.
	reader.Stop()
	select {
	case <-reader.Done():
	case <-time.After(10 * time.Second):
		log.Warn("Battery reader did not stop in time")
	}

	log.Info("Shutdown complete")
}

func setupLogger(level string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		log.Warnf("Unknown log level %q, falling back to info", level)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}
