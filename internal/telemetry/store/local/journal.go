package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

// Journal is a single-slot intent record providing crash safety for the
// append path. Every engine operation runs on the async store facade's
// one worker goroutine, and a Put is Append immediately followed by
// WriteIndex, so at most one append can ever be un-indexed when the
// process dies. A multi-entry sequenced WAL would never hold more than
// one live record here; the journal therefore keeps exactly one.
//
// Protocol:
//
//	Record(log)  — before the body write: rewrite the slot, fsync
//	Clear()      — after the index commit: empty the slot, fsync
//
// On startup, a non-empty slot whose log is missing from the index is
// the one write the crash interrupted; Store.replayIntent re-applies it.
// A torn slot (short file, checksum mismatch) means the crash happened
// while recording intent, before the caller could have been told
// anything succeeded, so it is discarded.
//
// Slot layout: [bodyLen:4, big-endian][crc32(body):4][body: JSON log].
type Journal struct {
	file *os.File
	path string
}

// OpenJournal opens (or creates) the journal slot file at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{file: f, path: path}, nil
}

// Record overwrites the slot with rec and flushes it to disk. The write
// is durable when Record returns; the caller may then touch the body
// log knowing the intent survives a crash.
func (j *Journal) Record(rec *telemetry.Log) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", rec.ID, err)
	}

	buf := make([]byte, 0, 8+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))
	buf = append(buf, body...)

	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("journal: reset slot: %w", err)
	}
	if _, err := j.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("journal: write slot: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync slot: %w", err)
	}
	return nil
}

// Clear empties the slot, marking the recorded intent as fulfilled.
func (j *Journal) Clear() error {
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("journal: clear: %w", err)
	}
	return j.file.Sync()
}

// Pending returns the recorded intent, or ok=false when the slot is
// empty or torn. A torn slot is not an error: it can only mean the
// previous process died inside Record, before the intent was durable.
func (j *Journal) Pending() (rec *telemetry.Log, ok bool) {
	var hdr [8]byte
	if _, err := j.file.ReadAt(hdr[:], 0); err != nil {
		return nil, false
	}
	bodyLen := binary.BigEndian.Uint32(hdr[0:4])
	wantCRC := binary.BigEndian.Uint32(hdr[4:8])

	body := make([]byte, bodyLen)
	if n, err := j.file.ReadAt(body, 8); err != nil || n != int(bodyLen) {
		return nil, false
	}
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, false
	}

	var l telemetry.Log
	if err := json.Unmarshal(body, &l); err != nil {
		return nil, false
	}
	return &l, true
}

// Path returns the filesystem path of the slot file.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the slot file.
func (j *Journal) Close() error {
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync on close: %w", err)
	}
	return j.file.Close()
}

// size reports the current slot file length, for tests.
func (j *Journal) size() (int64, error) {
	end, err := j.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return end, nil
}
