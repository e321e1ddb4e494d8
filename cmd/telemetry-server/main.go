// Command telemetry-server boots the configuration, device registry,
// CSV journal, and UDP ingest loop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/telemetry-go/internal/config"
	"github.com/ventosilenzioso/telemetry-go/internal/journal"
	"github.com/ventosilenzioso/telemetry-go/internal/registry"
	"github.com/ventosilenzioso/telemetry-go/internal/server"
	"github.com/ventosilenzioso/telemetry-go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "./telemetry.env", "path to the telemetry configuration file")
	flag.Parse()

	logger.Banner("telemetry-server", "1.0.0")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("%v", err)
	}

	jrnl, err := journal.Open(cfg.CSVLogDir, time.Now())
	if err != nil {
		logger.Fatal("%v", err)
	}
	defer jrnl.Close()
	logger.Info("journal: %s", jrnl.Path())

	reg := registry.New(logrus.StandardLogger())
	srv := server.New(cfg, reg, jrnl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil {
		logger.Fatal("%v", err)
	}
}
