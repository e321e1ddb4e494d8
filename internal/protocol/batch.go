package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ventosilenzioso/telemetry-go/internal/config"
)

// BatchEntry is one constituent message packed inside a BATCHED_DATA
// payload: its own time offset, its message kind, and that kind's raw
// value bytes (not including the offset/kind header).
//
// Entry-offset is unsigned 16-bit (SPEC_FULL.md Open Question Decision
// #3), matching the top-level header's timestamp_offset width.
type BatchEntry struct {
	Offset uint16
	Kind   byte
	Value  []byte
}

// EncodeBatch concatenates entries into a single BATCHED_DATA payload.
func EncodeBatch(entries []BatchEntry) []byte {
	out := make([]byte, 0, len(entries)*4)
	for _, e := range entries {
		buf := make([]byte, 3)
		binary.BigEndian.PutUint16(buf[0:2], e.Offset)
		buf[2] = e.Kind
		out = append(out, buf...)
		out = append(out, e.Value...)
	}
	return out
}

// entryValueLen reports the number of value bytes a given message kind
// carries inside a batch entry, and whether that kind is allowed to
// appear inside a batch at all. STARTUP, STARTUP_ACK and SHUTDOWN never
// appear as batch entries.
func entryValueLen(kinds config.MessageKinds, kind byte) (int, bool) {
	switch kind {
	case kinds.Keyframe:
		return 2, true
	case kinds.DataDelta:
		return 1, true
	case kinds.Heartbeat:
		return 0, true
	case kinds.TimeSync:
		return 4, true
	default:
		return 0, false
	}
}

// DecodeBatch unpacks a BATCHED_DATA payload into its constituent
// entries, in wire order. Per spec.md §7's PayloadParseError handling,
// an unrecognized entry kind or a truncated trailing entry aborts
// decoding the remainder of the batch; entries already decoded are
// still returned, alongside the error, so the caller can journal and
// apply what was successfully parsed before the truncation.
func DecodeBatch(kinds config.MessageKinds, payload []byte) ([]BatchEntry, error) {
	var entries []BatchEntry
	offset := 0
	for offset < len(payload) {
		if offset+3 > len(payload) {
			return entries, fmt.Errorf("%w: truncated batch entry header at byte %d", ErrPayloadMalformed, offset)
		}
		entryOffset := binary.BigEndian.Uint16(payload[offset : offset+2])
		entryKind := payload[offset+2]
		offset += 3

		valueLen, ok := entryValueLen(kinds, entryKind)
		if !ok {
			return entries, fmt.Errorf("%w: batch entry kind %d not permitted inside BATCHED_DATA", ErrPayloadMalformed, entryKind)
		}
		if offset+valueLen > len(payload) {
			return entries, fmt.Errorf("%w: batch entry value runs past payload end", ErrPayloadMalformed)
		}
		value := make([]byte, valueLen)
		copy(value, payload[offset:offset+valueLen])
		offset += valueLen

		entries = append(entries, BatchEntry{Offset: entryOffset, Kind: entryKind, Value: value})
	}
	return entries, nil
}
