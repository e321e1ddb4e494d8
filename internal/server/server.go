// Package server implements the ingest pipeline: a single UDP listener
// that decodes, classifies, journals, and applies every datagram before
// looping for the next one, per spec.md §5's serialized-ingest model.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ventosilenzioso/telemetry-go/internal/config"
	"github.com/ventosilenzioso/telemetry-go/internal/classify"
	"github.com/ventosilenzioso/telemetry-go/internal/journal"
	"github.com/ventosilenzioso/telemetry-go/internal/protocol"
	"github.com/ventosilenzioso/telemetry-go/internal/registry"
	"github.com/ventosilenzioso/telemetry-go/pkg/logger"
)

// sweepInterval is the cadence of the cooperative timeout check,
// per spec.md §4.5.
const sweepInterval = 1500 * time.Millisecond

// readDeadline bounds each ReadFromUDP call so the timeout sweep runs
// between receives even when the socket is otherwise idle, per
// spec.md §5.
const readDeadline = 1 * time.Second

// Server owns the UDP socket and drives the ingest pipeline. It holds
// no internal locking of its own: the socket is read by exactly one
// goroutine (Serve's caller), and every shared resource it touches
// (Registry, Journal) is already safe for that single-goroutine access
// pattern.
type Server struct {
	cfg   config.Config
	conn  *net.UDPConn
	reg   *registry.Registry
	jrnl  *journal.Journal
	clock func() time.Time

	lastSweep time.Time
}

// New constructs a Server bound to cfg's host/port. The socket is not
// opened until Serve is called.
func New(cfg config.Config, reg *registry.Registry, jrnl *journal.Journal) *Server {
	return &Server{cfg: cfg, reg: reg, jrnl: jrnl, clock: time.Now}
}

// Serve opens the UDP socket and runs the ingest loop until ctx is
// canceled or a fatal socket error occurs. It is the only goroutine
// that calls ReadFromUDP, decodes, classifies, and journals — the
// serialized-ingest guarantee of spec.md §5.
func (s *Server) Serve(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: s.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.conn = conn
	defer conn.Close()

	logger.Success("listening on %s", addr)
	s.lastSweep = s.clock()

	buf := make([]byte, s.cfg.MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			logger.Info("ingest loop stopping")
			return nil
		default:
		}

		if err := conn.SetReadDeadline(s.clock().Add(readDeadline)); err != nil {
			return fmt.Errorf("server: set read deadline: %w", err)
		}

		n, from, err := conn.ReadFromUDP(buf)
		now := s.clock()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.maybeSweep(now)
				continue
			}
			return fmt.Errorf("server: read: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram, from, now)
		s.maybeSweep(now)
	}
}

func (s *Server) maybeSweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for _, ev := range s.reg.Sweep(now) {
		logger.Warn("device %d idle %s (ceiling %s, mean %s)", ev.DeviceID, ev.IdleFor, ev.Ceiling, ev.MeanInterval)
	}
}

// handleDatagram implements spec.md §4.4's on_datagram algorithm.
func (s *Server) handleDatagram(datagram []byte, from *net.UDPAddr, arrival time.Time) {
	start := time.Now()

	pkt, err := protocol.Decode(datagram, s.cfg.ProtocolVersion)
	if err != nil {
		logger.Warn("framing error from %s: %v", from, err)
		return
	}
	h := pkt.Header

	if h.Kind == s.cfg.Kinds.Startup {
		s.handleStartup(pkt, from, arrival, start)
		return
	}

	if h.DeviceID == 0 {
		logger.Warn("datagram kind %d from %s carries device_id 0 outside STARTUP", h.Kind, from)
		return
	}

	if _, ok := s.reg.Lookup(h.DeviceID); !ok {
		logger.Warn("unknown device %d from %s", h.DeviceID, from)
		return
	}

	result, err := s.reg.ClassifySeq(h.DeviceID, h.Seq)
	if err != nil {
		logger.Warn("classify device %d: %v", h.DeviceID, err)
		return
	}

	// accepted covers any non-duplicate, non-out-of-window packet and
	// only moves last-seen, last-activity, and status forward. mutates additionally excludes
	// DelayedRecovery: per spec.md §4.4 step 6, a delayed packet proves
	// the device is alive but must never update packet-count, interval
	// history, or dispatch its payload into value state — a later seq
	// already advanced past it.
	accepted := result.Tag != classify.Duplicate && result.Tag != classify.OutOfWindow
	mutates := accepted && result.Tag != classify.DelayedRecovery
	if accepted {
		if prior, err := s.reg.RecordArrival(h.DeviceID, arrival, mutates); err == nil && prior == registry.StatusTimeout {
			logger.Info("device %d recovered from timeout", h.DeviceID)
		}
	}

	flags := journalFlags{
		duplicate: result.Tag == classify.Duplicate,
		gap:       result.Tag == classify.FillMissing,
		delayed:   result.Tag == classify.DelayedRecovery,
	}

	switch h.Kind {
	case s.cfg.Kinds.TimeSync:
		s.handleTimeSync(pkt, h, arrival, start, mutates, flags)
	case s.cfg.Kinds.Keyframe:
		s.handleKeyframe(pkt, h, arrival, start, mutates, flags)
	case s.cfg.Kinds.DataDelta:
		s.handleDelta(pkt, h, arrival, start, mutates, flags)
	case s.cfg.Kinds.BatchedData:
		s.handleBatch(pkt, h, arrival, start, mutates, flags)
	case s.cfg.Kinds.Heartbeat:
		s.writeRow(h.Kind, h.DeviceID, h.Seq, arrival, arrival, 0, flags, start, len(datagram), 0)
	case s.cfg.Kinds.Shutdown:
		s.reg.MarkStatus(h.DeviceID, registry.StatusDown)
		s.writeRow(h.Kind, h.DeviceID, h.Seq, arrival, arrival, 0, flags, start, len(datagram), 0)
		logger.Info("device %d shut down", h.DeviceID)
	default:
		logger.Warn("unknown message kind %d from device %d", h.Kind, h.DeviceID)
	}
}

func (s *Server) handleStartup(pkt protocol.Packet, from *net.UDPAddr, arrival time.Time, start time.Time) {
	mac, batchSize, err := protocol.DecodeStartup(pkt.Payload)
	if err != nil {
		logger.Warn("malformed STARTUP from %s: %v", from, err)
		return
	}
	batching := batchSize != nil
	var bs byte
	if batching {
		bs = *batchSize
	}

	result := s.reg.Register(from, mac, batching, bs)
	if !result.Accepted {
		return
	}

	var ackPayload []byte
	if result.Resumed {
		ackPayload = protocol.EncodeStartupAckResume(result.DeviceID, result.ResumeSeq)
	} else {
		ackPayload = protocol.EncodeStartupAck(result.DeviceID)
	}

	ack := protocol.Encode(s.cfg.ProtocolVersion, s.cfg.Kinds.StartupAck, result.DeviceID, 0, 0, ackPayload)
	if _, err := s.conn.WriteToUDP(ack, from); err != nil {
		logger.Error("send STARTUP_ACK to %s: %v", from, err)
		return
	}

	s.writeRow(s.cfg.Kinds.Startup, result.DeviceID, 0, arrival, arrival, 0, journalFlags{}, start, len(pkt.Payload)+protocol.HeaderSize, 0)
}

func (s *Server) handleTimeSync(pkt protocol.Packet, h protocol.Header, arrival time.Time, start time.Time, mutates bool, flags journalFlags) {
	epoch, err := protocol.DecodeTimeSync(pkt.Payload)
	if err != nil {
		logger.Warn("malformed TIME_SYNC from device %d: %v", h.DeviceID, err)
		return
	}
	if mutates {
		if err := s.reg.SetBaseTime(h.DeviceID, epoch); err != nil {
			logger.Warn(err.Error())
		}
	}
	s.writeRow(h.Kind, h.DeviceID, h.Seq, deviceTime(arrival, h), arrival, int64(epoch), flags, start, len(pkt.Payload)+protocol.HeaderSize, 0)
}

func (s *Server) handleKeyframe(pkt protocol.Packet, h protocol.Header, arrival time.Time, start time.Time, mutates bool, flags journalFlags) {
	v, err := protocol.DecodeKeyframe(pkt.Payload)
	if err != nil {
		logger.Warn("malformed KEYFRAME from device %d: %v", h.DeviceID, err)
		return
	}
	if mutates {
		if err := s.reg.SetValue(h.DeviceID, int64(v)); err != nil {
			logger.Warn(err.Error())
		}
	}
	s.writeRow(h.Kind, h.DeviceID, h.Seq, deviceTime(arrival, h), arrival, int64(v), flags, start, len(pkt.Payload)+protocol.HeaderSize, 0)
}

func (s *Server) handleDelta(pkt protocol.Packet, h protocol.Header, arrival time.Time, start time.Time, mutates bool, flags journalFlags) {
	d, err := protocol.DecodeDelta(pkt.Payload)
	if err != nil {
		logger.Warn("malformed DATA_DELTA from device %d: %v", h.DeviceID, err)
		return
	}
	value := int64(d)
	if mutates {
		newValue, err := s.reg.ApplyDelta(h.DeviceID, int64(d))
		if err != nil {
			logger.Warn(err.Error())
		} else {
			value = newValue
		}
	}
	s.writeRow(h.Kind, h.DeviceID, h.Seq, deviceTime(arrival, h), arrival, value, flags, start, len(pkt.Payload)+protocol.HeaderSize, 0)
}

// handleBatch unpacks a BATCHED_DATA payload and journals one row per
// constituent entry, sharing the datagram's classification flags
// across every entry (the batch itself carries a single sequence
// number — entries are not individually sequenced).
func (s *Server) handleBatch(pkt protocol.Packet, h protocol.Header, arrival time.Time, start time.Time, mutates bool, flags journalFlags) {
	entries, decodeErr := protocol.DecodeBatch(s.cfg.Kinds, pkt.Payload)
	for i, e := range entries {
		value := int64(0)
		switch e.Kind {
		case s.cfg.Kinds.Keyframe:
			v, err := protocol.DecodeKeyframe(e.Value)
			if err != nil {
				logger.Warn("malformed batch KEYFRAME entry %d device %d: %v", i, h.DeviceID, err)
				continue
			}
			value = int64(v)
			if mutates {
				_ = s.reg.SetValue(h.DeviceID, value)
			}
		case s.cfg.Kinds.DataDelta:
			d, err := protocol.DecodeDelta(e.Value)
			if err != nil {
				logger.Warn("malformed batch DATA_DELTA entry %d device %d: %v", i, h.DeviceID, err)
				continue
			}
			value = int64(d)
			if mutates {
				newValue, err := s.reg.ApplyDelta(h.DeviceID, int64(d))
				if err == nil {
					value = newValue
				}
			}
		case s.cfg.Kinds.TimeSync:
			epoch, err := protocol.DecodeTimeSync(e.Value)
			if err != nil {
				logger.Warn("malformed batch TIME_SYNC entry %d device %d: %v", i, h.DeviceID, err)
				continue
			}
			value = int64(epoch)
			if mutates {
				_ = s.reg.SetBaseTime(h.DeviceID, epoch)
			}
		case s.cfg.Kinds.Heartbeat:
		}

		entryTime := arrival.Add(time.Duration(e.Offset) * time.Millisecond)
		s.writeRow(e.Kind, h.DeviceID, h.Seq, entryTime, arrival, value, flags, start, len(pkt.Payload)+protocol.HeaderSize, i)
	}
	if decodeErr != nil {
		logger.Warn("truncated BATCHED_DATA from device %d: %v", h.DeviceID, decodeErr)
	}
}

type journalFlags struct {
	duplicate bool
	gap       bool
	delayed   bool
}

func (s *Server) writeRow(kind byte, deviceID, seq uint16, timestamp, arrival time.Time, value int64, flags journalFlags, start time.Time, packetSize int, batchIndex int) {
	row := journal.Record{
		MsgType:     kind,
		DeviceID:    deviceID,
		Seq:         seq,
		Timestamp:   timestamp,
		ArrivalTime: arrival,
		Value:       value,
		Duplicate:   flags.duplicate,
		Gap:         flags.gap,
		Delayed:     flags.delayed,
		CPUTimeMS:   float64(time.Since(start).Microseconds()) / 1000.0,
		PacketSize:  packetSize,
		BatchIndex:  batchIndex,
	}
	if err := s.jrnl.WriteRow(row); err != nil {
		logger.Error("journal write failed: %v", err)
	}
}

// deviceTime derives the device-local timestamp for a non-batch
// message from the datagram's timestamp_offset field. Offsets are
// milliseconds relative to the datagram's arrival, matching the
// client's encoding in internal/client.
func deviceTime(arrival time.Time, h protocol.Header) time.Time {
	return arrival.Add(time.Duration(h.TimestampOffset) * time.Millisecond)
}
