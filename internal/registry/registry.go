// Package registry owns the per-device map: registration lifecycle,
// endpoint/MAC lookup, liveness bookkeeping, and the periodic timeout
// sweep. A single mutex guards the whole map and every device record,
// matching spec.md §5's "single-writer per resource" discipline — the
// ingest pipeline never needs its own locking to call into Registry.
package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/telemetry-go/internal/classify"
)

// Status is a device's lifecycle state (spec.md §4.8).
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusTimeout
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusActive:
		return "ACTIVE"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// intervalWindow bounds the rolling inter-arrival history used by the
// timeout observer's adaptive ceiling.
const intervalWindow = 32

// minPacketsForTimeout is the number of accepted packets a device must
// have before the timeout observer considers it for a silence check.
const minPacketsForTimeout = 10

// timeoutMultiplier converts the mean inter-arrival interval into an
// idle ceiling: 10x the mean, per spec.md §4.5.
const timeoutMultiplier = 10.0

// device is the server-side record for one assigned device-id. All
// fields are mutated only while the Registry's mutex is held.
type device struct {
	id       uint16
	addr     *net.UDPAddr
	mac      string
	status   Status
	baseTime uint32
	hasBase  bool

	lastSeen     time.Time
	lastActivity time.Time
	hasActivity  bool

	intervals    []time.Duration
	packetCount  int
	timeoutFlag  bool

	value int64

	batching  bool
	batchSize byte

	seq *classify.SequenceState
}

// DeviceView is a read-only snapshot of a device record, safe to hand
// out beyond the registry's lock.
type DeviceView struct {
	ID           uint16
	Addr         *net.UDPAddr
	MAC          string
	Status       Status
	BaseTime     uint32
	Value        int64
	PacketCount  int
	LastSeen     time.Time
	LastActivity time.Time
	HasActivity  bool
}

// Registry is the single owner of every device record.
type Registry struct {
	mu     sync.Mutex
	byID   map[uint16]*device
	byMAC  map[string]uint16
	byAddr map[string]uint16
	nextID uint16
	log    *logrus.Logger
}

// New constructs an empty Registry. log receives structured per-device
// fields (device_id, mac, status) on registration/resume/reject/timeout
// events; pass logrus.StandardLogger() for default behavior.
func New(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		byID:   make(map[uint16]*device),
		byMAC:  make(map[string]uint16),
		byAddr: make(map[string]uint16),
		nextID: 1,
		log:    log,
	}
}

// FormatMAC renders a 6-byte hardware address as canonical
// colon-separated uppercase hex, e.g. "AA:BB:CC:DD:EE:FF".
func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// RegisterResult reports how Register handled a STARTUP request.
type RegisterResult struct {
	// Accepted is false when the request was rejected silently (MAC
	// already live, or endpoint already bound to a different MAC) —
	// the caller must not send any ACK in that case.
	Accepted bool
	// Resumed is true when an existing DOWN record was reused; the ACK
	// payload must then carry the 4-byte (device-id, resume-seq) form.
	Resumed   bool
	DeviceID  uint16
	ResumeSeq uint16
}

// Register implements spec.md §4.3's policy: resume a DOWN record for
// a known MAC, reject silently on a live-MAC or endpoint conflict, or
// allocate a fresh device-id. On resume, ResumeSeq is the device's head
// sequence number plus one (0 if no packet was ever classified); the
// client sets its counter to that value.
func (r *Registry) Register(addr *net.UDPAddr, mac [6]byte, batching bool, batchSize byte) RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	macKey := FormatMAC(mac)
	addrKey := addr.String()

	if existingID, known := r.byMAC[macKey]; known {
		dev := r.byID[existingID]
		if dev.status != StatusDown {
			r.log.WithFields(logrus.Fields{"device_id": existingID, "mac": macKey, "addr": addrKey}).
				Warn("registration rejected: MAC already live")
			return RegisterResult{Accepted: false}
		}

		delete(r.byAddr, dev.addr.String())
		dev.addr = addr
		dev.status = StatusIdle
		dev.batching = batching
		dev.batchSize = batchSize
		r.byAddr[addrKey] = existingID

		resumeSeq := uint16(0)
		if head, ok := dev.seq.HeadSeq(); ok {
			resumeSeq = head + 1
		}

		r.log.WithFields(logrus.Fields{"device_id": existingID, "mac": macKey, "addr": addrKey, "resume_seq": resumeSeq}).
			Info("device resumed")
		return RegisterResult{Accepted: true, Resumed: true, DeviceID: existingID, ResumeSeq: resumeSeq}
	}

	if boundID, bound := r.byAddr[addrKey]; bound {
		if existing := r.byID[boundID]; existing != nil && existing.mac != macKey && existing.status != StatusDown {
			r.log.WithFields(logrus.Fields{"device_id": boundID, "mac": macKey, "addr": addrKey}).
				Warn("registration rejected: endpoint bound to a different MAC")
			return RegisterResult{Accepted: false}
		}
	}

	id := r.nextID
	r.nextID++

	dev := &device{
		id:        id,
		addr:      addr,
		mac:       macKey,
		status:    StatusIdle,
		batching:  batching,
		batchSize: batchSize,
		seq:       classify.NewSequenceState(batching, batchSize),
	}
	r.byID[id] = dev
	r.byMAC[macKey] = id
	r.byAddr[addrKey] = id

	r.log.WithFields(logrus.Fields{"device_id": id, "mac": macKey, "addr": addrKey}).Info("device registered")
	return RegisterResult{Accepted: true, Resumed: false, DeviceID: id}
}

// Lookup returns a read-only snapshot of the device, if it exists.
func (r *Registry) Lookup(id uint16) (DeviceView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.byID[id]
	if !ok {
		return DeviceView{}, false
	}
	return snapshot(dev), true
}

// LookupByMAC resolves a device-id from its canonical MAC string.
func (r *Registry) LookupByMAC(mac string) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byMAC[mac]
	return id, ok
}

// LookupByEndpoint resolves a device-id from a bind address.
func (r *Registry) LookupByEndpoint(addr *net.UDPAddr) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddr[addr.String()]
	return id, ok
}

// MarkStatus transitions a device's lifecycle state directly (used for
// SHUTDOWN -> DOWN).
func (r *Registry) MarkStatus(id uint16, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.byID[id]; ok {
		dev.status = status
	}
}

// ClassifySeq runs the sequence classifier for a device under the
// registry's lock, so classification and the state it mutates
// (head-seq, missing-set, duplicate window) stay consistent with
// concurrent registrations.
func (r *Registry) ClassifySeq(id uint16, seq uint16) (classify.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.byID[id]
	if !ok {
		return classify.Result{}, fmt.Errorf("registry: unknown device %d", id)
	}
	return dev.seq.Classify(seq), nil
}

// RecordArrival updates liveness bookkeeping for an accepted (not
// duplicate, not out-of-window) datagram: last-seen/last-activity
// always move forward, but the rolling inter-arrival history, the
// packet count, and the timeout latch only advance when mutates is
// true. A delayed-recovery packet passes accepted but not mutates —
// it proves the device is alive, but per spec.md §4.4 step 6 it must
// not count toward the interval statistics a later packet already
// advanced past. It returns the device's status before this call so
// the ingest pipeline can decide whether to log an ACTIVE transition.
func (r *Registry) RecordArrival(id uint16, arrival time.Time, mutates bool) (priorStatus Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("registry: unknown device %d", id)
	}

	priorStatus = dev.status
	dev.lastSeen = arrival
	if dev.status != StatusDown {
		dev.status = StatusActive
	}

	if !mutates {
		dev.lastActivity = arrival
		dev.hasActivity = true
		return priorStatus, nil
	}

	if dev.hasActivity {
		gap := arrival.Sub(dev.lastActivity)
		if gap > 0 {
			dev.intervals = append(dev.intervals, gap)
			if len(dev.intervals) > intervalWindow {
				dev.intervals = dev.intervals[len(dev.intervals)-intervalWindow:]
			}
		}
	}

	dev.lastActivity = arrival
	dev.hasActivity = true
	dev.packetCount++
	dev.timeoutFlag = false
	return priorStatus, nil
}

// SetBaseTime applies a TIME_SYNC update.
func (r *Registry) SetBaseTime(id uint16, epochSeconds uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("registry: unknown device %d", id)
	}
	dev.baseTime = epochSeconds
	dev.hasBase = true
	return nil
}

// SetValue applies a KEYFRAME update (replaces the current value).
func (r *Registry) SetValue(id uint16, value int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("registry: unknown device %d", id)
	}
	dev.value = value
	return nil
}

// ApplyDelta applies a DATA_DELTA update (adds to the current value)
// and returns the resulting value.
func (r *Registry) ApplyDelta(id uint16, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("registry: unknown device %d", id)
	}
	dev.value += delta
	return dev.value, nil
}

// BaseTime returns the device's current base time.
func (r *Registry) BaseTime(id uint16) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("registry: unknown device %d", id)
	}
	return dev.baseTime, nil
}

// snapshot must be called with r.mu held.
func snapshot(d *device) DeviceView {
	return DeviceView{
		ID:           d.id,
		Addr:         d.addr,
		MAC:          d.mac,
		Status:       d.status,
		BaseTime:     d.baseTime,
		Value:        d.value,
		PacketCount:  d.packetCount,
		LastSeen:     d.lastSeen,
		LastActivity: d.lastActivity,
		HasActivity:  d.hasActivity,
	}
}

// TimeoutEvent reports one device the sweep found silent beyond its
// adaptive ceiling.
type TimeoutEvent struct {
	DeviceID     uint16
	IdleFor      time.Duration
	Ceiling      time.Duration
	MeanInterval time.Duration
}

// Sweep scans every device and returns the ones that have gone silent
// beyond their own adaptive ceiling (10x their mean inter-arrival
// interval), skipping devices with fewer than minPacketsForTimeout
// accepted packets and devices whose latch is already set. It also
// transitions a newly-silent device's status to TIMEOUT.
func (r *Registry) Sweep(now time.Time) []TimeoutEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []TimeoutEvent
	for _, dev := range r.byID {
		if dev.packetCount < minPacketsForTimeout {
			continue
		}
		if dev.status == StatusDown {
			continue
		}
		if !dev.hasActivity {
			continue
		}
		if len(dev.intervals) == 0 {
			continue
		}

		var total time.Duration
		for _, iv := range dev.intervals {
			total += iv
		}
		mean := total / time.Duration(len(dev.intervals))
		if mean <= 0 {
			continue
		}
		ceiling := time.Duration(float64(mean) * timeoutMultiplier)

		idle := now.Sub(dev.lastActivity)
		if idle < ceiling {
			continue
		}
		if dev.timeoutFlag {
			continue
		}

		dev.timeoutFlag = true
		dev.status = StatusTimeout
		r.log.WithFields(logrus.Fields{
			"device_id":     dev.id,
			"idle_for":      idle,
			"ceiling":       ceiling,
			"mean_interval": mean,
		}).Warn("device timeout")

		events = append(events, TimeoutEvent{
			DeviceID:     dev.id,
			IdleFor:      idle,
			Ceiling:      ceiling,
			MeanInterval: mean,
		})
	}
	return events
}
