// Package journal implements the durable, append-per-record CSV log
// the rest of the system treats as the source of truth for analysis.
// One file is opened per server session; every row is flushed and
// synced to disk before the call returns, so an abrupt process exit
// leaves a valid, readable prefix (never a buffered-but-lost tail).
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Columns is the canonical, binding column order for every row.
var Columns = []string{
	"msg_type",
	"device_id",
	"seq",
	"timestamp",
	"arrival_time",
	"value",
	"duplicate_flag",
	"gap_flag",
	"delayed_flag",
	"cpu_time_ms",
	"packet_size",
	"batch_index",
}

// timeLayout matches spec.md §4.6's "YYYY-MM-DD HH:MM:SS" local-time form.
const timeLayout = "2006-01-02 15:04:05"

// Record is one journaled datagram (or, for a BATCHED_DATA datagram,
// one constituent entry).
type Record struct {
	MsgType      byte
	DeviceID     uint16
	Seq          uint16
	Timestamp    time.Time
	ArrivalTime  time.Time
	Value        int64
	Duplicate    bool
	Gap          bool
	Delayed      bool
	CPUTimeMS    float64
	PacketSize   int
	BatchIndex   int
}

// Journal owns the single CSV file for one server session. Every
// WriteRow call is serialized under mu: the append-per-row contract
// forbids buffering rows across datagrams, so there is exactly one
// writer and one flush per row.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	path   string
}

// Open creates a new session CSV file under dir, named
// server_log_<YYYY-MM-DD_HH-MM-SS>.csv using startedAt, writes the
// header row, and returns a ready-to-use Journal.
func Open(dir string, startedAt time.Time) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: could not create log dir %q: %w", dir, err)
	}

	name := fmt.Sprintf("server_log_%s.csv", startedAt.Format("2006-01-02_15-04-05"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: could not open %q: %w", path, err)
	}

	j := &Journal{file: f, writer: csv.NewWriter(f), path: path}
	if err := j.writer.Write(Columns); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: could not write header: %w", err)
	}
	if err := j.flush(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the journal's on-disk file path.
func (j *Journal) Path() string {
	return j.path
}

// WriteRow appends r and flushes it to disk before returning. A
// JournalError (I/O failure) is returned to the caller so the ingest
// pipeline can log it and continue serving — the server never aborts
// on a journal write failure.
func (j *Journal) WriteRow(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := []string{
		fmt.Sprintf("%d", r.MsgType),
		fmt.Sprintf("%d", r.DeviceID),
		fmt.Sprintf("%d", r.Seq),
		r.Timestamp.Format(timeLayout),
		r.ArrivalTime.Format(timeLayout),
		fmt.Sprintf("%d", r.Value),
		boolFlag(r.Duplicate),
		boolFlag(r.Gap),
		boolFlag(r.Delayed),
		fmt.Sprintf("%.3f", r.CPUTimeMS),
		fmt.Sprintf("%d", r.PacketSize),
		fmt.Sprintf("%d", r.BatchIndex),
	}

	if err := j.writer.Write(row); err != nil {
		return fmt.Errorf("journal: write row: %w", err)
	}
	return j.flush()
}

// flush pushes the csv.Writer's buffer to the OS and then fsyncs the
// file, so durability does not depend on the OS page cache surviving a
// crash between Flush and the next WriteRow.
func (j *Journal) flush() error {
	j.writer.Flush()
	if err := j.writer.Error(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// Close flushes any remaining buffered output and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.flush()
	return j.file.Close()
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
