// Package local provides a single-process, disk-backed implementation of
// store.Engine: an append-only log file for log bodies, a bbolt index for
// lifecycle state, and a single-slot intent journal for crash safety.
package local

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
)

// A telemetry Log carries an open-ended Payload (any), so the on-disk
// entry format frames a JSON encoding of the whole Log rather than a
// fixed binary layout. The framing is a 4-byte big-endian length prefix
// followed by a trailing CRC32, which makes truncated-tail and
// checksum-mismatch recovery straightforward:
//
//	[totalLen : 4 bytes, uint32, big-endian]
//	[json body: totalLen-4 bytes]
//	[checksum : 4 bytes, uint32, CRC32 of json body]
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	seq  atomic.Uint64 // monotone entry counter, for diagnostics only
}

// OpenLog opens (or creates) the log file at path.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("log: open %s: %w", path, err)
	}
	return &Log{file: f, path: path}, nil
}

// Append serializes log to JSON and appends it to the log file, returning
// the byte offset of the entry.
func (l *Log) Append(log *telemetry.Log) (int64, error) {
	body, err := json.Marshal(log)
	if err != nil {
		return 0, fmt.Errorf("log: encode: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq.Add(1)

	offset, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("log: seek end: %w", err)
	}

	checksum := crc32.ChecksumIEEE(body)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+4))
	if _, err := l.file.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("log: write len prefix: %w", err)
	}
	if _, err := l.file.Write(body); err != nil {
		return 0, fmt.Errorf("log: write entry: %w", err)
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], checksum)
	if _, err := l.file.Write(crcBuf[:]); err != nil {
		return 0, fmt.Errorf("log: write checksum: %w", err)
	}

	return offset, nil
}

// ReadAt reads and decodes the entry at the given byte offset.
func (l *Log) ReadAt(offset int64) (*telemetry.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAt(offset)
}

func (l *Log) readAt(offset int64) (*telemetry.Log, error) {
	var lenBuf [4]byte
	if _, err := l.file.ReadAt(lenBuf[:], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("log: read len prefix at %d: %w", offset, err)
	}
	entryLen := binary.BigEndian.Uint32(lenBuf[:])
	if entryLen < 4 {
		return nil, store.ErrNotFound
	}

	buf := make([]byte, entryLen)
	if _, err := l.file.ReadAt(buf, offset+4); err != nil {
		return nil, fmt.Errorf("log: read entry at %d: %w", offset, err)
	}

	body := buf[:len(buf)-4]
	storedCRC := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, fmt.Errorf("log: checksum mismatch at %d: %w", offset, store.ErrCorrupted)
	}

	var rec telemetry.Log
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("log: decode at %d: %w", offset, err)
	}
	return &rec, nil
}

// ReadAll calls fn for every valid entry in the log, in order. A corrupt or
// truncated trailing entry (from a crash mid-write) stops iteration rather
// than erroring, since it cannot represent a committed write.
func (l *Log) ReadAll(fn func(offset int64, rec *telemetry.Log) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var offset int64
	for {
		rec, err := l.readAt(offset)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupted) {
				break
			}
			return fmt.Errorf("log: readall at %d: %w", offset, err)
		}

		var lenBuf [4]byte
		if _, err := l.file.ReadAt(lenBuf[:], offset); err != nil {
			break
		}
		entryLen := binary.BigEndian.Uint32(lenBuf[:])
		entryOffset := offset
		offset += 4 + int64(entryLen)

		if err := fn(entryOffset, rec); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the filesystem path of this log file.
func (l *Log) Path() string { return l.path }

// Reopen closes the current file and reopens the file at path. Used by
// compaction after atomically renaming the compacted log into place.
func (l *Log) Reopen(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("log: sync before reopen: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("log: close before reopen: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("log: reopen %s: %w", path, err)
	}
	l.file = f
	l.path = path
	return nil
}

// Sync flushes the OS file buffer to physical disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("log: sync: %w", err)
	}
	return l.file.Close()
}
