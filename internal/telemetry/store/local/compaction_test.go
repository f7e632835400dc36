package local_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store/local"
)

// putRow appends a log and commits its index entry, like the log store's
// put path does.
func putRow(t *testing.T, s *local.Store, l *telemetry.Log, seq uint64) {
	t.Helper()
	offset, err := s.Append(l)
	if err != nil {
		t.Fatalf("Append %s: %v", l.ID, err)
	}
	entry := store.IndexEntry{Offset: offset, Status: store.StatusPending, Group: l.Group, Seq: seq}
	if err := s.WriteIndex(l.ID, entry); err != nil {
		t.Fatalf("WriteIndex %s: %v", l.ID, err)
	}
}

func bodyLogSize(t *testing.T, dir string) int64 {
	t.Helper()
	info, err := os.Stat(filepath.Join(dir, "log.dat"))
	if err != nil {
		t.Fatalf("stat body log: %v", err)
	}
	return info.Size()
}

func TestCompaction_NoOpWithoutDeletes(t *testing.T) {
	dir := t.TempDir()
	s, err := local.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		putRow(t, s, newTestLog(t, "analytics", fmt.Sprintf("event-%d", i)), uint64(i+1))
	}
	before := bodyLogSize(t, dir)

	if err := s.Compactor().RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if after := bodyLogSize(t, dir); after != before {
		t.Errorf("no-op compaction changed the body log: %d → %d", before, after)
	}
}

func TestCompaction_ReclaimsDeletedRows(t *testing.T) {
	dir := t.TempDir()
	s, err := local.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	logs := make([]*telemetry.Log, 6)
	for i := range logs {
		logs[i] = newTestLog(t, "analytics", fmt.Sprintf("event-%d", i))
		putRow(t, s, logs[i], uint64(i+1))
	}
	// Delete every even row, as if those batches had been delivered.
	for i := 0; i < len(logs); i += 2 {
		if err := s.DeleteIndex(logs[i].ID); err != nil {
			t.Fatalf("DeleteIndex: %v", err)
		}
	}
	before := bodyLogSize(t, dir)

	if err := s.Compactor().RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if after := bodyLogSize(t, dir); after >= before {
		t.Errorf("compaction did not shrink the body log: %d → %d", before, after)
	}

	// Every surviving row must be readable at its repointed offset, and
	// every deleted one must stay gone.
	for i, l := range logs {
		entry, err := s.ReadIndex(l.ID)
		if i%2 == 0 {
			if err == nil {
				t.Errorf("deleted row %d still indexed", i)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ReadIndex[%d]: %v", i, err)
		}
		got, err := s.ReadAt(entry.Offset)
		if err != nil {
			t.Fatalf("ReadAt[%d] after compaction: %v", i, err)
		}
		if got.ID != l.ID {
			t.Errorf("row %d: offset repointed to the wrong body", i)
		}
	}
}

func TestCompaction_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	live := newTestLog(t, "analytics", "keep")
	dead := newTestLog(t, "analytics", "drop")

	{
		s, err := local.Open(dir)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		putRow(t, s, dead, 1)
		putRow(t, s, live, 2)
		if err := s.DeleteIndex(dead.ID); err != nil {
			t.Fatalf("DeleteIndex: %v", err)
		}
		if err := s.Compactor().RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	{
		s, err := local.Open(dir)
		if err != nil {
			t.Fatalf("Open (reopen): %v", err)
		}
		defer s.Close()

		entry, err := s.ReadIndex(live.ID)
		if err != nil {
			t.Fatalf("ReadIndex after reopen: %v", err)
		}
		got, err := s.ReadAt(entry.Offset)
		if err != nil {
			t.Fatalf("ReadAt after reopen: %v", err)
		}
		if got.ID != live.ID {
			t.Error("compacted offset wrong after reopen")
		}
	}
}

// TestCompaction_FailedCycleLeavesStoreIntact forces the cycle to fail
// before the swap (the replacement log path is occupied by a directory)
// and verifies nothing was lost or repointed.
func TestCompaction_FailedCycleLeavesStoreIntact(t *testing.T) {
	dir := t.TempDir()
	s, err := local.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	keep := newTestLog(t, "analytics", "keep")
	drop := newTestLog(t, "analytics", "drop")
	putRow(t, s, keep, 1)
	putRow(t, s, drop, 2)

	entryBefore, err := s.ReadIndex(keep.ID)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if err := s.DeleteIndex(drop.ID); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}

	// Occupy the replacement path so the cycle cannot even start writing.
	blockPath := filepath.Join(dir, "log.dat.compact")
	if err := os.Mkdir(blockPath, 0o750); err != nil {
		t.Fatalf("mkdir block: %v", err)
	}

	if err := s.Compactor().RunOnce(); err == nil {
		t.Fatal("expected the blocked cycle to fail")
	}

	// The live row is untouched: same offset, same body.
	entryAfter, err := s.ReadIndex(keep.ID)
	if err != nil {
		t.Fatalf("ReadIndex after failed cycle: %v", err)
	}
	if entryAfter.Offset != entryBefore.Offset {
		t.Errorf("failed cycle repointed offset: %d → %d", entryBefore.Offset, entryAfter.Offset)
	}
	got, err := s.ReadAt(entryAfter.Offset)
	if err != nil {
		t.Fatalf("ReadAt after failed cycle: %v", err)
	}
	if got.ID != keep.ID {
		t.Error("body mismatch after failed cycle")
	}

	// Unblock; the next cycle succeeds.
	if err := os.Remove(blockPath); err != nil {
		t.Fatalf("remove block: %v", err)
	}
	if err := s.Compactor().RunOnce(); err != nil {
		t.Fatalf("RunOnce after unblock: %v", err)
	}
	if _, err := s.ReadIndex(keep.ID); err != nil {
		t.Fatalf("live row lost by the retried cycle: %v", err)
	}
}

// TestCompaction_DropsSupersededDuplicate verifies that the dead body
// copy left behind by an intent replay is reclaimed: recovery re-appends
// the journaled log, so the original (un-indexed) copy becomes garbage.
func TestCompaction_DropsSupersededDuplicate(t *testing.T) {
	dir := t.TempDir()
	l := newTestLog(t, "analytics", "dup")

	{
		s, err := local.Open(dir)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		// Crash between Append and WriteIndex.
		if _, err := s.Append(l); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	s, err := local.Open(dir) // replays the intent, leaving a dead first copy
	if err != nil {
		t.Fatalf("Open (recovery): %v", err)
	}
	defer s.Close()

	before := bodyLogSize(t, dir)
	// The replay's dead copy is invisible to DeleteIndex, so nudge the
	// dead-row counter the way normal traffic would.
	extra := newTestLog(t, "analytics", "extra")
	putRow(t, s, extra, 100)
	if err := s.DeleteIndex(extra.ID); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}

	if err := s.Compactor().RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if after := bodyLogSize(t, dir); after >= before {
		t.Errorf("superseded duplicate not reclaimed: %d → %d", before, after)
	}

	entry, err := s.ReadIndex(l.ID)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	got, err := s.ReadAt(entry.Offset)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got.ID != l.ID {
		t.Error("recovered row unreadable after compaction")
	}
}

// TestCompaction_SkipsWhileAppendInFlight pins the safety rule that a
// cycle never runs between an Append and its WriteIndex, where the new
// body is not yet indexed and a rewrite would drop it.
func TestCompaction_SkipsWhileAppendInFlight(t *testing.T) {
	dir := t.TempDir()
	s, err := local.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	old := newTestLog(t, "analytics", "old")
	putRow(t, s, old, 1)
	if err := s.DeleteIndex(old.ID); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}

	inflight := newTestLog(t, "analytics", "inflight")
	offset, err := s.Append(inflight)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	before := bodyLogSize(t, dir)
	if err := s.Compactor().RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if after := bodyLogSize(t, dir); after != before {
		t.Errorf("cycle ran with an append in flight: %d → %d", before, after)
	}

	// Commit the append; now the cycle may reclaim the deleted row.
	entry := store.IndexEntry{Offset: offset, Status: store.StatusPending, Group: "analytics", Seq: 2}
	if err := s.WriteIndex(inflight.ID, entry); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	if err := s.Compactor().RunOnce(); err != nil {
		t.Fatalf("RunOnce (after commit): %v", err)
	}
	got, err := s.ReadAt(mustReadOffset(t, s, inflight.ID))
	if err != nil {
		t.Fatalf("ReadAt after compaction: %v", err)
	}
	if got.ID != inflight.ID {
		t.Error("in-flight row lost by compaction")
	}
}

func mustReadOffset(t *testing.T, s *local.Store, id string) int64 {
	t.Helper()
	entry, err := s.ReadIndex(id)
	if err != nil {
		t.Fatalf("ReadIndex %s: %v", id, err)
	}
	return entry.Offset
}
