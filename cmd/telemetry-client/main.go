// Command telemetry-client runs a single simulated device against a
// telemetry server: register, sync, emit samples on a fixed tick, shut
// down gracefully on interrupt or when --duration elapses.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ventosilenzioso/telemetry-go/internal/client"
	"github.com/ventosilenzioso/telemetry-go/internal/config"
	"github.com/ventosilenzioso/telemetry-go/internal/protocol"
	"github.com/ventosilenzioso/telemetry-go/pkg/logger"
)

func main() {
	configPath := flag.String("config", "./telemetry.env", "path to the telemetry configuration file")
	port := flag.Int("port", 0, "server port (defaults to the configured PORT)")
	interval := flag.Duration("interval", 1*time.Second, "tick interval")
	duration := flag.Duration("duration", 0, "run duration, 0 runs until interrupted")
	macFlag := flag.String("mac", "", "device MAC, colon- or hyphen-separated hex (derived from --seed if empty)")
	seed := flag.Int64("seed", 0, "PRNG seed for delta generation")
	batching := flag.Int("batching", 1, "entries per batch; 1 disables BATCHED_DATA mode")
	deltaThresh := flag.Int("delta-thresh", 5, "delta magnitude threshold")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: telemetry-client [flags] <host>")
		os.Exit(2)
	}
	host := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("%v", err)
	}

	resolvedPort := cfg.Port
	if *port != 0 {
		resolvedPort = *port
	}

	mac, err := parseMAC(*macFlag, *seed)
	if err != nil {
		logger.Fatal("%v", err)
	}

	opts := client.Options{
		Host:        host,
		Port:        resolvedPort,
		Interval:    *interval,
		Duration:    *duration,
		MAC:         mac,
		Seed:        *seed,
		Batching:    *batching > 1,
		BatchSize:   byte(*batching),
		DeltaThresh: int8(*deltaThresh),
	}

	c := client.New(cfg, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupt received, shutting down")
		cancel()
	}()

	if err := c.Run(ctx); err != nil {
		logger.Fatal("%v", err)
	}
}

func parseMAC(raw string, seed int64) ([protocol.MACSize]byte, error) {
	var mac [protocol.MACSize]byte
	if raw == "" {
		for i := range mac {
			mac[i] = byte((seed + int64(i)*2654435761) % 256)
		}
		return mac, nil
	}

	clean := strings.NewReplacer(":", "", "-", "").Replace(raw)
	decoded, err := hex.DecodeString(clean)
	if err != nil || len(decoded) != protocol.MACSize {
		return mac, fmt.Errorf("invalid MAC %q: expected %d hex bytes", raw, protocol.MACSize)
	}
	copy(mac[:], decoded)
	return mac, nil
}
