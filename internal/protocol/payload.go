package protocol

import (
	"encoding/binary"
	"fmt"
)

// MACSize is the length, in bytes, of the hardware identifier carried
// in STARTUP.
const MACSize = 6

// EncodeStartup builds a STARTUP payload: 6 bytes of MAC, optionally
// followed by a 1-byte batch size.
func EncodeStartup(mac [MACSize]byte, batchSize *byte) []byte {
	out := make([]byte, 0, MACSize+1)
	out = append(out, mac[:]...)
	if batchSize != nil {
		out = append(out, *batchSize)
	}
	return out
}

// DecodeStartup parses a STARTUP payload. batchSize is nil when the
// client did not opt into batching.
func DecodeStartup(payload []byte) (mac [MACSize]byte, batchSize *byte, err error) {
	if len(payload) < MACSize {
		return mac, nil, fmt.Errorf("%w: STARTUP needs %d bytes, got %d", ErrPayloadTooShort, MACSize, len(payload))
	}
	copy(mac[:], payload[:MACSize])
	if len(payload) > MACSize {
		b := payload[MACSize]
		batchSize = &b
	}
	return mac, batchSize, nil
}

// EncodeStartupAck builds the 2-byte fresh-registration ACK payload.
func EncodeStartupAck(deviceID uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, deviceID)
	return buf
}

// EncodeStartupAckResume builds the 4-byte re-registration ACK payload:
// assigned device-id followed by the sequence the client should resume
// from (head_seq + 1 — see SPEC_FULL.md Open Question Decision #2).
func EncodeStartupAckResume(deviceID, resumeSeq uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], deviceID)
	binary.BigEndian.PutUint16(buf[2:4], resumeSeq)
	return buf
}

// DecodeStartupAck parses either ACK payload shape. resumeSeq is nil
// for the fresh-registration (2-byte) form.
func DecodeStartupAck(payload []byte) (deviceID uint16, resumeSeq *uint16, err error) {
	switch len(payload) {
	case 2:
		return binary.BigEndian.Uint16(payload), nil, nil
	case 4:
		id := binary.BigEndian.Uint16(payload[0:2])
		seq := binary.BigEndian.Uint16(payload[2:4])
		return id, &seq, nil
	default:
		return 0, nil, fmt.Errorf("%w: STARTUP_ACK must be 2 or 4 bytes, got %d", ErrPayloadMalformed, len(payload))
	}
}

// EncodeTimeSync builds a TIME_SYNC payload from an epoch-seconds value.
func EncodeTimeSync(epochSeconds uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, epochSeconds)
	return buf
}

// DecodeTimeSync parses a TIME_SYNC payload.
func DecodeTimeSync(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: TIME_SYNC needs 4 bytes, got %d", ErrPayloadTooShort, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeKeyframe builds a KEYFRAME payload from a signed 16-bit value.
func EncodeKeyframe(value int16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(value))
	return buf
}

// DecodeKeyframe parses a KEYFRAME payload.
func DecodeKeyframe(payload []byte) (int16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("%w: KEYFRAME needs 2 bytes, got %d", ErrPayloadTooShort, len(payload))
	}
	return int16(binary.BigEndian.Uint16(payload)), nil
}

// EncodeDelta builds a DATA_DELTA payload from a signed 8-bit delta.
func EncodeDelta(delta int8) []byte {
	return []byte{byte(delta)}
}

// DecodeDelta parses a DATA_DELTA payload.
func DecodeDelta(payload []byte) (int8, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("%w: DATA_DELTA needs 1 byte, got %d", ErrPayloadTooShort, len(payload))
	}
	return int8(payload[0]), nil
}
