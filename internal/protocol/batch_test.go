package protocol

import (
	"errors"
	"testing"

	"github.com/ventosilenzioso/telemetry-go/internal/config"
)

func testKinds() config.MessageKinds {
	return config.MessageKinds{
		Startup:     0,
		StartupAck:  1,
		TimeSync:    2,
		Keyframe:    3,
		DataDelta:   4,
		Heartbeat:   5,
		BatchedData: 6,
		Shutdown:    7,
	}
}

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	kinds := testKinds()
	entries := []BatchEntry{
		{Offset: 0, Kind: kinds.Keyframe, Value: EncodeKeyframe(100)},
		{Offset: 10, Kind: kinds.DataDelta, Value: EncodeDelta(-5)},
		{Offset: 20, Kind: kinds.Heartbeat, Value: nil},
	}
	payload := EncodeBatch(entries)
	got, err := DecodeBatch(kinds, payload)
	if err != nil {
		t.Fatalf("DecodeBatch returned error: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Offset != entries[i].Offset || got[i].Kind != entries[i].Kind {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestDecodeBatchUnrecognizedKindAbortsRemainder(t *testing.T) {
	kinds := testKinds()
	good := []BatchEntry{{Offset: 0, Kind: kinds.Heartbeat, Value: nil}}
	payload := EncodeBatch(good)
	payload = append(payload, 0, 1, 0xFF) // bogus trailing entry with unrecognized kind

	got, err := DecodeBatch(kinds, payload)
	if err == nil {
		t.Fatal("expected error for unrecognized entry kind")
	}
	if !errors.Is(err, ErrPayloadMalformed) {
		t.Fatalf("got %v, want ErrPayloadMalformed", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d successfully-decoded entries, want 1", len(got))
	}
}

func TestDecodeBatchTruncatedEntryValue(t *testing.T) {
	kinds := testKinds()
	payload := []byte{0, 0, kinds.Keyframe, 0x01} // declares a 2-byte keyframe value, only 1 present
	_, err := DecodeBatch(kinds, payload)
	if !errors.Is(err, ErrPayloadMalformed) {
		t.Fatalf("got %v, want ErrPayloadMalformed", err)
	}
}

func TestDecodeBatchEmptyPayload(t *testing.T) {
	got, err := DecodeBatch(testKinds(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d entries, want 0", len(got))
	}
}
