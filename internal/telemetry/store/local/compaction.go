package local

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
)

// Compactor periodically reclaims dead space in the body log. A body is
// dead when no index entry points at its offset: either the row was
// deleted (sent batches, cleared groups), or the body is a stale
// duplicate superseded by an intent replay. Without compaction the body
// log grows forever even though the channel deletes every log it
// delivers.
type Compactor struct {
	s        *Store
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCompactor creates a Compactor over s. Call Start to begin the
// periodic cycle.
func NewCompactor(s *Store, interval time.Duration) *Compactor {
	return &Compactor{s: s, interval: interval, stop: make(chan struct{})}
}

// Start launches the background compaction goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				_ = c.RunOnce()
			}
		}
	}()
}

// Stop ends the background goroutine and waits for any in-progress
// cycle to finish. Idempotent.
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// RunOnce performs one compaction cycle. It returns nil without touching
// the disk when no rows have been deleted since the previous cycle.
func (c *Compactor) RunOnce() error {
	return c.s.compact()
}

// compact rewrites the body log keeping only the bodies the index still
// points at.
//
// The cycle walks the index (the authority on liveness), copies each
// live body into a fresh file, repoints every offset in one atomic bbolt
// transaction, and then renames the fresh file over the old one. A
// failed rename is undone by writing the old offsets back in a second
// atomic transaction, so a compaction that cannot complete leaves the
// store exactly as it found it.
func (s *Store) compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deadRows == 0 {
		return nil
	}
	if s.intentID != "" {
		// The worker is between an append and its index commit; the new
		// body has no index entry yet and a rewrite now would drop it.
		// Wait for the next cycle.
		return nil
	}

	// Snapshot the live rows from the index.
	type liveRow struct {
		id    string
		entry store.IndexEntry
	}
	var live []liveRow
	if err := s.idx.ForEach(func(id string, entry store.IndexEntry) error {
		live = append(live, liveRow{id: id, entry: entry})
		return nil
	}); err != nil {
		return fmt.Errorf("compact: scan index: %w", err)
	}

	// Copy each live body into the replacement log. A body that cannot
	// be read any more is dropped together with its index entry; the row
	// is unreadable either way and keeping the entry would make every
	// future cycle retry it.
	freshPath := s.bodies.Path() + ".compact"
	fresh, err := OpenLog(freshPath)
	if err != nil {
		return fmt.Errorf("compact: open replacement log: %w", err)
	}
	abandon := func() {
		_ = fresh.Close()
		_ = os.Remove(freshPath)
	}

	moved := make(map[string]store.IndexEntry, len(live))
	reverted := make(map[string]store.IndexEntry, len(live))
	var unreadable []string
	for _, row := range live {
		rec, rerr := s.bodies.ReadAt(row.entry.Offset)
		if rerr != nil {
			unreadable = append(unreadable, row.id)
			continue
		}
		newOff, aerr := fresh.Append(rec)
		if aerr != nil {
			abandon()
			return fmt.Errorf("compact: copy %s: %w", row.id, aerr)
		}
		updated := row.entry
		updated.Offset = newOff
		moved[row.id] = updated
		reverted[row.id] = row.entry
	}
	if err := fresh.Sync(); err != nil {
		abandon()
		return fmt.Errorf("compact: sync replacement log: %w", err)
	}
	if err := fresh.Close(); err != nil {
		_ = os.Remove(freshPath)
		return fmt.Errorf("compact: close replacement log: %w", err)
	}

	// Repoint all offsets at once, then swap the files. rename(2)
	// replaces the target atomically, so there is no window with no body
	// log on disk.
	if err := s.idx.WriteAll(moved); err != nil {
		_ = os.Remove(freshPath)
		return fmt.Errorf("compact: repoint index: %w", err)
	}
	if err := os.Rename(freshPath, s.bodies.Path()); err != nil {
		if rerr := s.idx.WriteAll(reverted); rerr != nil {
			return fmt.Errorf("compact: swap failed (%v) and revert failed: %w", err, rerr)
		}
		_ = os.Remove(freshPath)
		return fmt.Errorf("compact: swap body log: %w", err)
	}
	if err := s.bodies.Reopen(s.bodies.Path()); err != nil {
		return fmt.Errorf("compact: reopen body log: %w", err)
	}

	for _, id := range unreadable {
		_ = s.idx.Delete(id)
	}

	s.deadRows = 0
	return nil
}
