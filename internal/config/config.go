// Package config loads the flat key/value table that binds the wire
// protocol's constants, header layout, and server paths. It is read
// once at boot into an immutable Config value; nothing downstream
// touches the environment or the config file again.
package config

import (
	"fmt"
	"strconv"

	"github.com/joho/godotenv"
)

// HeaderSize is the fixed width, in bytes, of the wire header this
// build understands: ver_msgtype(1) + device_id(2) + seq(2) +
// timestamp_offset(2) + payload_len(2). It is a compile-time constant
// per spec's Open Question #1 — this build fixes the no-flags-byte
// layout and never auto-detects between layouts at runtime.
const HeaderSize = 9

// MessageKinds names the numeric codes assigned to each message kind,
// loaded from the config file rather than hard-coded so a deployment
// can renumber them without a rebuild.
type MessageKinds struct {
	Startup     byte
	StartupAck  byte
	TimeSync    byte
	Keyframe    byte
	DataDelta   byte
	Heartbeat   byte
	BatchedData byte
	Shutdown    byte
}

// Config is the immutable, fully-validated configuration surface.
// Construct it once via Load and pass it by value into components;
// nothing on the ingest hot path re-reads the environment or the file.
type Config struct {
	Host string
	Port int

	ProtocolVersion byte
	Kinds           MessageKinds

	HeaderFormat  string
	MaxPacketSize int
	CSVLogDir     string
}

// requiredKeys lists every key Load treats as mandatory. Absence of
// any of these aborts the process before a socket is opened.
var requiredKeys = []string{
	"HOST",
	"PORT",
	"PROTOCOL_VERSION",
	"MSG_STARTUP",
	"MSG_STARTUP_ACK",
	"MSG_TIME_SYNC",
	"MSG_KEYFRAME",
	"MSG_DATA_DELTA",
	"MSG_HEARTBEAT",
	"MSG_BATCHED_DATA",
	"MSG_SHUTDOWN",
	"HEADER_FORMAT",
	"MAX_PACKET_SIZE",
	"CSV_LOG_DIR",
}

// Load reads path as a flat KEY=VALUE file and returns a validated
// Config. A missing file, a missing required key, or an unparseable
// numeric value is a FatalConfigError: the caller should log it and
// exit before opening any socket.
func Load(path string) (Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: could not read %q: %w", path, err)
	}

	for _, key := range requiredKeys {
		if _, ok := values[key]; !ok {
			return Config{}, fmt.Errorf("config: required key %q not found in %q", key, path)
		}
	}

	var cfg Config
	cfg.Host = values["HOST"]
	cfg.HeaderFormat = values["HEADER_FORMAT"]
	cfg.CSVLogDir = values["CSV_LOG_DIR"]

	port, err := parseIntKey(values, "PORT")
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	version, err := parseByteKey(values, "PROTOCOL_VERSION")
	if err != nil {
		return Config{}, err
	}
	cfg.ProtocolVersion = version

	maxPacket, err := parseIntKey(values, "MAX_PACKET_SIZE")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPacketSize = maxPacket

	formatSize, err := structFormatSize(cfg.HeaderFormat)
	if err != nil {
		return Config{}, fmt.Errorf("config: HEADER_FORMAT %q: %w", cfg.HeaderFormat, err)
	}
	if formatSize != HeaderSize {
		return Config{}, fmt.Errorf("config: HEADER_FORMAT %q describes a %d-byte header, this build expects %d", cfg.HeaderFormat, formatSize, HeaderSize)
	}

	kindFields := []struct {
		key string
		dst *byte
	}{
		{"MSG_STARTUP", &cfg.Kinds.Startup},
		{"MSG_STARTUP_ACK", &cfg.Kinds.StartupAck},
		{"MSG_TIME_SYNC", &cfg.Kinds.TimeSync},
		{"MSG_KEYFRAME", &cfg.Kinds.Keyframe},
		{"MSG_DATA_DELTA", &cfg.Kinds.DataDelta},
		{"MSG_HEARTBEAT", &cfg.Kinds.Heartbeat},
		{"MSG_BATCHED_DATA", &cfg.Kinds.BatchedData},
		{"MSG_SHUTDOWN", &cfg.Kinds.Shutdown},
	}
	for _, f := range kindFields {
		v, err := parseByteKey(values, f.key)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}

	return cfg, nil
}

// parseIntKey parses a required integer value, accepting hex (0x...)
// and octal (0...) forms the same way the original constants loader
// accepted int(value, 0).
func parseIntKey(values map[string]string, key string) (int, error) {
	raw := values[key]
	n, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid int value for %s: %q", key, raw)
	}
	return int(n), nil
}

// parseByteKey parses a required value that must fit in a byte, used
// for the protocol version and every MSG_* code (all of which fit in
// 4 bits per spec).
func parseByteKey(values map[string]string, key string) (byte, error) {
	n, err := parseIntKey(values, key)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 0xFF {
		return 0, fmt.Errorf("config: value for %s out of byte range: %d", key, n)
	}
	return byte(n), nil
}

// structFormatSize computes the packed byte size a Python
// struct.calcsize call would return for format, covering the format
// codes the original header layouts actually use. The leading
// byte-order character (!, <, >, =, @), if present, carries no size
// of its own and is skipped. Any other character is rejected rather
// than silently ignored, so a typo in HEADER_FORMAT fails loudly
// instead of under-counting the header width.
func structFormatSize(format string) (int, error) {
	if format == "" {
		return 0, fmt.Errorf("empty format")
	}
	size := 0
	for i, c := range format {
		if i == 0 {
			switch c {
			case '!', '<', '>', '=', '@':
				continue
			}
		}
		switch c {
		case 'B', 'b', 'c', 'x', 's':
			size++
		case 'H', 'h':
			size += 2
		case 'I', 'i', 'L', 'l', 'f':
			size += 4
		case 'Q', 'q', 'd':
			size += 8
		default:
			return 0, fmt.Errorf("unsupported format code %q", c)
		}
	}
	return size, nil
}
