// Package protocol implements the wire framing for the telemetry
// datagram format: a fixed header (version/kind, device id, sequence
// number, timestamp offset, payload length) followed by a kind-specific
// payload. All multi-byte fields are big-endian.
//
// The header is hand-packed field by field rather than through
// encoding/binary's struct-reflection path, the way the teacher's
// BitStream reads/writes one field at a time — the wire image must stay
// byte-exact under the build's chosen HEADER_FORMAT, which a single
// static Go struct cannot express across header revisions.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ventosilenzioso/telemetry-go/internal/config"
)

// HeaderSize is re-exported from config so callers that only import
// protocol still get the authoritative wire width.
const HeaderSize = config.HeaderSize

// Errors returned by Decode. The ingest pipeline branches on these with
// errors.Is rather than string matching.
var (
	ErrShortDatagram   = fmt.Errorf("protocol: datagram shorter than header")
	ErrBadVersion      = fmt.Errorf("protocol: protocol version mismatch")
	ErrLengthMismatch  = fmt.Errorf("protocol: payload_len does not match actual body length")
	ErrPayloadTooShort = fmt.Errorf("protocol: payload shorter than the message kind requires")
	ErrPayloadMalformed = fmt.Errorf("protocol: payload fields malformed for message kind")
)

// Header is the fixed-width framing that precedes every payload.
type Header struct {
	Version          byte
	Kind             byte
	DeviceID         uint16
	Seq              uint16
	TimestampOffset  uint16
	PayloadLen       uint16
}

// Packet is a fully decoded datagram: header plus raw payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// EncodeHeader packs h into the HeaderSize-byte wire image.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = (h.Version << 4) | (h.Kind & 0x0F)
	binary.BigEndian.PutUint16(buf[1:3], h.DeviceID)
	binary.BigEndian.PutUint16(buf[3:5], h.Seq)
	binary.BigEndian.PutUint16(buf[5:7], h.TimestampOffset)
	binary.BigEndian.PutUint16(buf[7:9], h.PayloadLen)
	return buf
}

// DecodeHeader unpacks the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortDatagram
	}
	return Header{
		Version:         buf[0] >> 4,
		Kind:            buf[0] & 0x0F,
		DeviceID:        binary.BigEndian.Uint16(buf[1:3]),
		Seq:             binary.BigEndian.Uint16(buf[3:5]),
		TimestampOffset: binary.BigEndian.Uint16(buf[5:7]),
		PayloadLen:      binary.BigEndian.Uint16(buf[7:9]),
	}, nil
}

// Encode assembles a complete datagram: header followed by payload.
// payload_len in the header is always len(payload) — callers never pass
// a mismatched length.
func Encode(version, kind byte, deviceID, seq, timestampOffset uint16, payload []byte) []byte {
	h := Header{
		Version:         version,
		Kind:            kind,
		DeviceID:        deviceID,
		Seq:             seq,
		TimestampOffset: timestampOffset,
		PayloadLen:      uint16(len(payload)),
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, EncodeHeader(h)...)
	out = append(out, payload...)
	return out
}

// Decode validates framing and splits datagram into header and payload.
// wantVersion is the build's configured PROTOCOL_VERSION; any datagram
// whose upper nibble doesn't match is rejected with ErrBadVersion before
// payload length is even checked, matching spec.md §4.1's error
// ordering (short-datagram, then bad-version, then length-mismatch).
func Decode(datagram []byte, wantVersion byte) (Packet, error) {
	if len(datagram) < HeaderSize {
		return Packet{}, ErrShortDatagram
	}
	h, err := DecodeHeader(datagram)
	if err != nil {
		return Packet{}, err
	}
	if h.Version != wantVersion {
		return Packet{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, wantVersion)
	}
	body := datagram[HeaderSize:]
	if int(h.PayloadLen) != len(body) {
		return Packet{}, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, h.PayloadLen, len(body))
	}
	return Packet{Header: h, Payload: body}, nil
}
