package local

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
)

const (
	bodiesFileName  = "log.dat"
	indexFileName   = "index.db"
	journalFileName = "intent.dat"
)

// FsyncPolicy controls when body-log writes are flushed to physical
// disk. The journal is always synced — it is the crash-safety anchor and
// a few bytes per write — so the policy trades durability of the body
// log only.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync after every write
	FsyncInterval FsyncPolicy = "interval" // fsync on a ticker, skipped while idle
	FsyncBatch    FsyncPolicy = "batch"    // fsync every FsyncBatchSize writes
	FsyncNever    FsyncPolicy = "never"    // never fsync (tests only)
)

// Config tunes Store behaviour. All zero-values are safe; DefaultConfig
// fills in sensible defaults.
type Config struct {
	Fsync              FsyncPolicy
	FsyncIntervalMs    int
	FsyncBatchSize     int
	CompactionInterval time.Duration
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Fsync:              FsyncInterval,
		FsyncIntervalMs:    200,
		FsyncBatchSize:     64,
		CompactionInterval: time.Hour,
	}
}

// merge overlays the explicitly-set fields of o onto c.
func (c Config) merge(o Config) Config {
	if o.Fsync != "" {
		c.Fsync = o.Fsync
	}
	if o.FsyncIntervalMs > 0 {
		c.FsyncIntervalMs = o.FsyncIntervalMs
	}
	if o.FsyncBatchSize > 0 {
		c.FsyncBatchSize = o.FsyncBatchSize
	}
	if o.CompactionInterval > 0 {
		c.CompactionInterval = o.CompactionInterval
	}
	return c
}

// Store is the disk-backed implementation of store.Engine: an
// append-only body log, a bbolt index, and a single-slot intent journal.
//
// Concurrency is deliberately simple. The engine is only ever driven by
// the async store facade's single worker goroutine, so operations never
// race each other; one plain mutex exists solely to fence the background
// compactor (and the flush ticker's view of the dirty flag) off from
// that worker. There is nothing finer-grained to exploit.
type Store struct {
	dir     string
	cfg     Config
	bodies  *Log
	idx     *Index
	journal *Journal

	mu sync.Mutex
	// intentID is the one append recorded in the journal but not yet
	// index-committed. Empty when no append is in flight.
	intentID string
	// dirty means the body log has unsynced writes (interval policy).
	dirty bool
	// writesSinceSync counts appends toward the batch policy threshold.
	writesSinceSync int
	// deadRows counts index deletions since the last compaction, so the
	// compactor can skip cycles with nothing to reclaim.
	deadRows int
	closed   bool

	compactor *Compactor
	flushStop chan struct{}
	flushWG   sync.WaitGroup
}

var _ store.Engine = (*Store)(nil)

// Open creates (or reopens) a Store backed by files in dir, replaying
// any interrupted append left in the intent journal. An optional Config
// overrides defaults field-by-field.
func Open(dir string, cfgs ...Config) (*Store, error) {
	cfg := DefaultConfig()
	for _, c := range cfgs {
		cfg = cfg.merge(c)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local store: create dir %s: %w", dir, err)
	}

	s := &Store{dir: dir, cfg: cfg, flushStop: make(chan struct{})}

	var err error
	if s.bodies, err = OpenLog(filepath.Join(dir, bodiesFileName)); err != nil {
		return nil, fmt.Errorf("local store: open body log: %w", err)
	}
	if s.idx, err = OpenIndex(filepath.Join(dir, indexFileName)); err != nil {
		_ = s.bodies.Close()
		return nil, fmt.Errorf("local store: open index: %w", err)
	}
	if s.journal, err = OpenJournal(filepath.Join(dir, journalFileName)); err != nil {
		_ = s.bodies.Close()
		_ = s.idx.Close()
		return nil, fmt.Errorf("local store: open journal: %w", err)
	}

	if err := s.replayIntent(); err != nil {
		_ = s.closeFiles()
		return nil, fmt.Errorf("local store: replay intent: %w", err)
	}

	if cfg.Fsync == FsyncInterval {
		s.startFlushLoop()
	}
	s.compactor = NewCompactor(s, cfg.CompactionInterval)
	s.compactor.Start()

	return s, nil
}

// replayIntent re-applies the one append the previous process may have
// left half-done: journaled but absent from the index. If the index
// already has the row, only the Clear was lost; if the journal slot is
// torn, the caller was never told the write succeeded, and Pending
// discards it.
func (s *Store) replayIntent() error {
	rec, ok := s.journal.Pending()
	if !ok {
		return nil
	}
	if _, err := s.idx.Read(rec.ID); err == nil {
		return s.journal.Clear()
	}

	offset, err := s.bodies.Append(rec)
	if err != nil {
		return fmt.Errorf("re-append %s: %w", rec.ID, err)
	}
	// The interrupted append was the newest write in the store, so its
	// recovered row must order after every surviving one.
	seq, err := s.maxSeq()
	if err != nil {
		return err
	}
	entry := store.IndexEntry{
		Offset: offset,
		Status: store.StatusPending,
		Group:  rec.Group,
		Seq:    seq + 1,
	}
	if err := s.idx.Write(rec.ID, entry); err != nil {
		return fmt.Errorf("re-index %s: %w", rec.ID, err)
	}
	if err := s.bodies.Sync(); err != nil {
		return err
	}
	return s.journal.Clear()
}

// maxSeq scans the index for the highest insertion sequence.
func (s *Store) maxSeq() (uint64, error) {
	var max uint64
	err := s.idx.ForEach(func(_ string, entry store.IndexEntry) error {
		if entry.Seq > max {
			max = entry.Seq
		}
		return nil
	})
	return max, err
}

// ─── store.Engine ─────────────────────────────────────────────────────────────

// Append journals the write intent, then appends log to the body log and
// returns its byte offset. The write becomes fully durable once the
// caller commits it with WriteIndex, which clears the journal slot.
//
// If the body append itself fails, the journal is cleared rather than
// kept for replay: the caller is about to report the put as failed, and
// resurrecting the row on the next start would contradict that.
func (s *Store) Append(log *telemetry.Log) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.journal.Record(log); err != nil {
		return 0, fmt.Errorf("local store: journal intent: %w", err)
	}
	s.intentID = log.ID

	offset, err := s.bodies.Append(log)
	if err != nil {
		s.intentID = ""
		_ = s.journal.Clear()
		return 0, fmt.Errorf("local store: append body: %w", err)
	}

	s.noteWriteLocked()
	return offset, nil
}

// ReadAt reads the log body written at offset.
func (s *Store) ReadAt(offset int64) (*telemetry.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.bodies.ReadAt(offset)
	if err != nil {
		return nil, fmt.Errorf("local store: read at %d: %w", offset, err)
	}
	return rec, nil
}

// WriteIndex upserts the index entry for id. When id is the journaled
// in-flight append, the slot is cleared — the row is now findable
// through the index, which is the authoritative copy.
func (s *Store) WriteIndex(id string, entry store.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.idx.Write(id, entry); err != nil {
		return fmt.Errorf("local store: write index %s: %w", id, err)
	}
	if s.intentID == id {
		s.intentID = ""
		// A failed Clear leaves a stale slot; harmless, because the next
		// startup finds the id indexed and just clears it then.
		_ = s.journal.Clear()
	}
	return nil
}

// ReadIndex retrieves the index entry for id.
func (s *Store) ReadIndex(id string) (store.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.idx.Read(id)
	if err != nil {
		return store.IndexEntry{}, fmt.Errorf("local store: read index %s: %w", id, err)
	}
	return entry, nil
}

// DeleteIndex removes the index entry for id. The body stays in the log
// until the compactor reclaims it.
func (s *Store) DeleteIndex(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.idx.Delete(id); err != nil {
		return fmt.Errorf("local store: delete index %s: %w", id, err)
	}
	s.deadRows++
	return nil
}

// ForEach iterates over every index entry.
func (s *Store) ForEach(fn func(id string, entry store.IndexEntry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.idx.ForEach(fn); err != nil {
		return fmt.Errorf("local store: foreach index: %w", err)
	}
	return nil
}

// Compactor returns the background Compactor so callers can trigger
// on-demand compaction (e.g. in tests).
func (s *Store) Compactor() *Compactor { return s.compactor }

// Close stops the background goroutines and closes the files. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.compactor != nil {
		s.compactor.Stop()
	}
	close(s.flushStop)
	s.flushWG.Wait()
	return s.closeFiles()
}

func (s *Store) closeFiles() error {
	bodiesErr := s.bodies.Close()
	idxErr := s.idx.Close()
	journalErr := s.journal.Close()
	if bodiesErr != nil {
		return fmt.Errorf("local store: close body log: %w", bodiesErr)
	}
	if idxErr != nil {
		return fmt.Errorf("local store: close index: %w", idxErr)
	}
	if journalErr != nil {
		return fmt.Errorf("local store: close journal: %w", journalErr)
	}
	return nil
}

// ─── Body-log flushing ────────────────────────────────────────────────────────

// noteWriteLocked applies the fsync policy after a body append.
func (s *Store) noteWriteLocked() {
	switch s.cfg.Fsync {
	case FsyncAlways:
		_ = s.bodies.Sync()
	case FsyncBatch:
		s.writesSinceSync++
		if s.writesSinceSync >= s.cfg.FsyncBatchSize {
			s.writesSinceSync = 0
			_ = s.bodies.Sync()
		}
	case FsyncInterval:
		s.dirty = true
	}
}

// startFlushLoop runs the interval-policy flusher. A tick with no writes
// since the last one does not touch the disk, so an idle SDK does not
// keep waking it.
func (s *Store) startFlushLoop() {
	interval := time.Duration(s.cfg.FsyncIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	s.flushWG.Add(1)
	go func() {
		defer s.flushWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.flushStop:
				// Final flush so Close never drops acknowledged writes.
				s.mu.Lock()
				d := s.dirty
				s.dirty = false
				s.mu.Unlock()
				if d {
					_ = s.bodies.Sync()
				}
				return
			case <-ticker.C:
				s.mu.Lock()
				d := s.dirty
				s.dirty = false
				s.mu.Unlock()
				if d {
					_ = s.bodies.Sync()
				}
			}
		}
	}()
}
