// Package client implements the per-tick sample-generation state
// machine: it decides, tick by tick, which message kind (if any) to
// emit, maintains its own sequence counter, and drives the
// BOOT->REGISTERING->SYNCED->RUNNING->SHUTTING_DOWN->CLOSED lifecycle.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ventosilenzioso/telemetry-go/internal/config"
	"github.com/ventosilenzioso/telemetry-go/internal/protocol"
	"github.com/ventosilenzioso/telemetry-go/pkg/logger"
)

// Phase is the client lifecycle state of spec.md §4.8.
type Phase int

const (
	PhaseBoot Phase = iota
	PhaseRegistering
	PhaseSynced
	PhaseRunning
	PhaseShuttingDown
	PhaseClosed
)

// Options configures one client run, mirroring spec.md §6's CLI surface.
type Options struct {
	Host          string
	Port          int
	Interval      time.Duration
	Duration      time.Duration
	MAC           [protocol.MACSize]byte
	Seed          int64
	Batching      bool
	BatchSize     byte
	DeltaThresh   int8
}

// registrationAttempts and registrationTimeout implement spec.md §4.7's
// retry policy: 3 attempts, 5 seconds each.
const registrationAttempts = 3
const registrationTimeout = 5 * time.Second

// Client drives the tick loop against a single server endpoint.
type Client struct {
	cfg  config.Config
	opts Options
	conn *net.UDPConn
	rng  *rand.Rand

	phase     Phase
	deviceID  uint16
	seq       uint16
	tick      int
	lastKind  byte
	lastValue int64
	lastSent  time.Time

	pendingEntries []protocol.BatchEntry
	batchesSent    int
}

// New constructs a Client. Dial is deferred to Run.
func New(cfg config.Config, opts Options) *Client {
	return &Client{
		cfg:  cfg,
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

// Run executes the full lifecycle: register, sync, tick until duration
// elapses or ctx is canceled, then shut down gracefully.
func (c *Client) Run(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(c.opts.Host), Port: c.opts.Port}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c.conn = conn
	defer conn.Close()

	c.phase = PhaseRegistering
	if err := c.register(); err != nil {
		return err
	}
	c.phase = PhaseSynced

	c.phase = PhaseRunning
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	var deadline time.Time
	if c.opts.Duration > 0 {
		deadline = time.Now().Add(c.opts.Duration)
	}
	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case now := <-ticker.C:
			if !deadline.IsZero() && now.After(deadline) {
				return c.shutdown()
			}
			c.onTick(now)
		}
	}
}

// register implements the 3-attempt, 5s-timeout STARTUP handshake.
func (c *Client) register() error {
	payload := protocol.EncodeStartup(c.opts.MAC, c.batchSizePtr())

	for attempt := 1; attempt <= registrationAttempts; attempt++ {
		datagram := protocol.Encode(c.cfg.ProtocolVersion, c.cfg.Kinds.Startup, 0, 0, 0, payload)
		if _, err := c.conn.Write(datagram); err != nil {
			logger.Warn("registration attempt %d: send failed: %v", attempt, err)
			continue
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(registrationTimeout)); err != nil {
			return fmt.Errorf("client: set read deadline: %w", err)
		}

		buf := make([]byte, c.cfg.MaxPacketSize)
		n, err := c.conn.Read(buf)
		if err != nil {
			logger.Warn("registration attempt %d: no STARTUP_ACK: %v", attempt, err)
			continue
		}

		pkt, err := protocol.Decode(buf[:n], c.cfg.ProtocolVersion)
		if err != nil || pkt.Header.Kind != c.cfg.Kinds.StartupAck {
			logger.Warn("registration attempt %d: malformed STARTUP_ACK", attempt)
			continue
		}

		deviceID, resumeSeq, err := protocol.DecodeStartupAck(pkt.Payload)
		if err != nil {
			logger.Warn("registration attempt %d: %v", attempt, err)
			continue
		}

		c.deviceID = deviceID
		if resumeSeq != nil {
			c.seq = *resumeSeq
			logger.Info("resumed as device %d at seq %d", deviceID, c.seq)
		} else {
			c.seq = 0
			logger.Info("registered as device %d", deviceID)
		}
		return nil
	}
	return fmt.Errorf("client: registration failed after %d attempts", registrationAttempts)
}

func (c *Client) batchSizePtr() *byte {
	if !c.opts.Batching {
		return nil
	}
	bs := c.opts.BatchSize
	return &bs
}

// onTick implements spec.md §4.7's per-tick decision algorithm.
func (c *Client) onTick(now time.Time) {
	c.tick++

	if c.tick == 1 || c.seq%100 == 0 {
		c.sendTimeSync(now)
		return
	}

	if c.seq%10 == 0 && c.lastKind != c.cfg.Kinds.Keyframe {
		c.sendKeyframe(now, int16(c.rng.Intn(200)-100))
		return
	}

	threshold := int64(c.opts.DeltaThresh)
	delta := c.rng.Int63n(20*threshold+1) - 10*threshold
	if abs64(delta) > threshold {
		c.lastValue += delta
		if c.lastValue > 127 || c.lastValue < -128 {
			c.sendKeyframe(now, int16(clamp64(c.lastValue, -32768, 32767)))
		} else {
			c.sendDelta(now, int8(delta))
		}
		return
	}

	if now.Sub(c.lastSent) >= 5*c.opts.Interval {
		c.sendHeartbeat(now)
		return
	}
}

func (c *Client) sendTimeSync(now time.Time) {
	payload := protocol.EncodeTimeSync(uint32(now.Unix()))
	c.send(c.cfg.Kinds.TimeSync, payload, now)
}

func (c *Client) sendKeyframe(now time.Time, value int16) {
	c.lastValue = int64(value)
	payload := protocol.EncodeKeyframe(value)
	c.send(c.cfg.Kinds.Keyframe, payload, now)
}

func (c *Client) sendDelta(now time.Time, delta int8) {
	payload := protocol.EncodeDelta(delta)
	c.send(c.cfg.Kinds.DataDelta, payload, now)
}

func (c *Client) sendHeartbeat(now time.Time) {
	c.send(c.cfg.Kinds.Heartbeat, nil, now)
}

// send either transmits immediately, or — when batching is enabled —
// appends to the pending batch and flushes it once BatchSize entries
// have accumulated, emitting a TIME_SYNC after every 10th batch, per
// spec.md §4.7.
func (c *Client) send(kind byte, payload []byte, now time.Time) {
	c.lastKind = kind
	c.lastSent = now

	if c.opts.Batching && kind != c.cfg.Kinds.TimeSync {
		c.pendingEntries = append(c.pendingEntries, protocol.BatchEntry{Offset: 0, Kind: kind, Value: payload})
		if len(c.pendingEntries) >= int(c.opts.BatchSize) {
			c.flushBatch(now)
		}
		return
	}

	c.transmit(kind, payload)
}

func (c *Client) flushBatch(now time.Time) {
	if len(c.pendingEntries) == 0 {
		return
	}
	payload := protocol.EncodeBatch(c.pendingEntries)
	c.transmit(c.cfg.Kinds.BatchedData, payload)
	c.pendingEntries = nil
	c.batchesSent++

	if c.batchesSent%10 == 0 {
		c.sendTimeSync(now)
	}
}

func (c *Client) transmit(kind byte, payload []byte) {
	c.seq++
	datagram := protocol.Encode(c.cfg.ProtocolVersion, kind, c.deviceID, c.seq, 0, payload)
	if _, err := c.conn.Write(datagram); err != nil {
		logger.Warn("device %d: send failed: %v", c.deviceID, err)
	}
}

// shutdown flushes any pending batch, sends SHUTDOWN, and transitions
// to CLOSED.
func (c *Client) shutdown() error {
	c.phase = PhaseShuttingDown
	if c.opts.Batching {
		c.flushBatch(time.Now())
	}
	c.transmit(c.cfg.Kinds.Shutdown, nil)
	c.phase = PhaseClosed
	logger.Info("device %d closed", c.deviceID)
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
