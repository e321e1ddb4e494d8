package registry

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(discardWriter{})
	return log
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return addr
}

func TestRegisterFreshDeviceAllocatesID(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	result := r.Register(udpAddr(t, "127.0.0.1:9001"), mac, false, 0)
	if !result.Accepted || result.Resumed {
		t.Fatalf("got %+v, want fresh acceptance", result)
	}
	if result.DeviceID == 0 {
		t.Fatal("device-id must never be 0 for a registered device")
	}
}

func TestRegisterSameMACWhileLiveIsRejected(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	first := r.Register(udpAddr(t, "127.0.0.1:9001"), mac, false, 0)
	if !first.Accepted {
		t.Fatal("first registration should be accepted")
	}
	second := r.Register(udpAddr(t, "127.0.0.1:9002"), mac, false, 0)
	if second.Accepted {
		t.Fatal("registration with a live MAC must be rejected silently")
	}
}

func TestRegisterResumeAfterDown(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	first := r.Register(udpAddr(t, "127.0.0.1:9001"), mac, false, 0)
	r.ClassifySeq(first.DeviceID, 5) // establishes head-seq = 5
	r.MarkStatus(first.DeviceID, StatusDown)

	second := r.Register(udpAddr(t, "127.0.0.1:9003"), mac, false, 0)
	if !second.Accepted || !second.Resumed {
		t.Fatalf("got %+v, want resumed acceptance", second)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("resumed device-id = %d, want %d", second.DeviceID, first.DeviceID)
	}
	if second.ResumeSeq != 6 {
		t.Fatalf("resume seq = %d, want head_seq+1 = 6", second.ResumeSeq)
	}
}

func TestRegisterEndpointBoundToDifferentMACRejected(t *testing.T) {
	r := New(testLogger())
	addr := udpAddr(t, "127.0.0.1:9001")
	macA := [6]byte{1, 1, 1, 1, 1, 1}
	macB := [6]byte{2, 2, 2, 2, 2, 2}

	first := r.Register(addr, macA, false, 0)
	if !first.Accepted {
		t.Fatal("first registration should be accepted")
	}
	second := r.Register(addr, macB, false, 0)
	if second.Accepted {
		t.Fatal("endpoint already bound to a different live MAC must be rejected")
	}
}

func TestLookupByMACAndEndpoint(t *testing.T) {
	r := New(testLogger())
	addr := udpAddr(t, "127.0.0.1:9001")
	mac := [6]byte{9, 9, 9, 9, 9, 9}
	result := r.Register(addr, mac, false, 0)

	gotByMAC, ok := r.LookupByMAC(FormatMAC(mac))
	if !ok || gotByMAC != result.DeviceID {
		t.Fatalf("LookupByMAC = (%d, %v), want (%d, true)", gotByMAC, ok, result.DeviceID)
	}
	gotByAddr, ok := r.LookupByEndpoint(addr)
	if !ok || gotByAddr != result.DeviceID {
		t.Fatalf("LookupByEndpoint = (%d, %v), want (%d, true)", gotByAddr, ok, result.DeviceID)
	}
}

func TestRecordArrivalUpdatesStatusAndPacketCount(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	result := r.Register(udpAddr(t, "127.0.0.1:9001"), mac, false, 0)

	now := time.Now()
	if _, err := r.RecordArrival(result.DeviceID, now, true); err != nil {
		t.Fatalf("RecordArrival: %v", err)
	}
	view, ok := r.Lookup(result.DeviceID)
	if !ok {
		t.Fatal("device not found")
	}
	if view.Status != StatusActive {
		t.Fatalf("status = %v, want StatusActive", view.Status)
	}
	if view.PacketCount != 1 {
		t.Fatalf("packet count = %d, want 1", view.PacketCount)
	}
}

func TestRecordArrivalNonMutatingSkipsCounters(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	result := r.Register(udpAddr(t, "127.0.0.1:9002"), mac, false, 0)

	t0 := time.Now()
	if _, err := r.RecordArrival(result.DeviceID, t0, true); err != nil {
		t.Fatalf("RecordArrival: %v", err)
	}

	t1 := t0.Add(time.Second)
	if _, err := r.RecordArrival(result.DeviceID, t1, false); err != nil {
		t.Fatalf("RecordArrival: %v", err)
	}

	view, ok := r.Lookup(result.DeviceID)
	if !ok {
		t.Fatal("device not found")
	}
	if view.PacketCount != 1 {
		t.Fatalf("packet count = %d, want 1 (delayed arrival must not count)", view.PacketCount)
	}
	if view.Status != StatusActive {
		t.Fatalf("status = %v, want StatusActive", view.Status)
	}
}

func TestApplyDeltaAccumulatesValue(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	result := r.Register(udpAddr(t, "127.0.0.1:9001"), mac, false, 0)

	if err := r.SetValue(result.DeviceID, 100); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	got, err := r.ApplyDelta(result.DeviceID, -7)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if got != 93 {
		t.Fatalf("got %d, want 93", got)
	}
}

func TestSweepSkipsDevicesBelowMinimumPackets(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	result := r.Register(udpAddr(t, "127.0.0.1:9001"), mac, false, 0)

	base := time.Now()
	for i := 0; i < minPacketsForTimeout-1; i++ {
		r.RecordArrival(result.DeviceID, base.Add(time.Duration(i)*time.Second), true)
	}

	events := r.Sweep(base.Add(time.Hour))
	if len(events) != 0 {
		t.Fatalf("got %d timeout events, want 0 (below minimum packet count)", len(events))
	}
}

func TestSweepFiresAfterAdaptiveCeiling(t *testing.T) {
	r := New(testLogger())
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	result := r.Register(udpAddr(t, "127.0.0.1:9001"), mac, false, 0)

	base := time.Now()
	for i := 0; i < minPacketsForTimeout+5; i++ {
		r.RecordArrival(result.DeviceID, base.Add(time.Duration(i)*time.Second), true)
	}
	lastArrival := base.Add(time.Duration(minPacketsForTimeout+4) * time.Second)

	events := r.Sweep(lastArrival.Add(20 * time.Second))
	if len(events) != 1 {
		t.Fatalf("got %d timeout events, want 1", len(events))
	}

	// The latch prevents a second report before another packet arrives.
	events = r.Sweep(lastArrival.Add(40 * time.Second))
	if len(events) != 0 {
		t.Fatalf("got %d timeout events on second sweep, want 0 (latch must suppress repeats)", len(events))
	}
}
