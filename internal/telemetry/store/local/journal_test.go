package local

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/node"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "intent.dat"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func journalLog() *telemetry.Log {
	return &telemetry.Log{
		ID:          node.MustNewID(),
		Group:       "analytics",
		Type:        "test.event",
		Payload:     map[string]any{"k": "v"},
		TimestampMs: time.Now().UnixMilli(),
	}
}

func TestJournal_EmptySlotHasNoPending(t *testing.T) {
	j := openJournal(t)
	if rec, ok := j.Pending(); ok {
		t.Fatalf("empty journal reported pending intent %v", rec)
	}
}

func TestJournal_RecordThenPending(t *testing.T) {
	j := openJournal(t)
	want := journalLog()

	if err := j.Record(want); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, ok := j.Pending()
	if !ok {
		t.Fatal("recorded intent not pending")
	}
	if got.ID != want.ID || got.Group != want.Group || got.Type != want.Type {
		t.Errorf("round-trip mismatch: got %+v want %+v", got, want)
	}
}

func TestJournal_RecordOverwritesSlot(t *testing.T) {
	j := openJournal(t)
	first, second := journalLog(), journalLog()

	if err := j.Record(first); err != nil {
		t.Fatalf("Record (first): %v", err)
	}
	if err := j.Record(second); err != nil {
		t.Fatalf("Record (second): %v", err)
	}

	got, ok := j.Pending()
	if !ok {
		t.Fatal("slot empty after second record")
	}
	if got.ID != second.ID {
		t.Errorf("slot holds %s, want the later record %s", got.ID, second.ID)
	}
}

func TestJournal_ClearEmptiesSlot(t *testing.T) {
	j := openJournal(t)
	if err := j.Record(journalLog()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if _, ok := j.Pending(); ok {
		t.Fatal("cleared journal still reports a pending intent")
	}
	n, err := j.size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 0 {
		t.Errorf("slot file size after clear: got %d want 0", n)
	}
}

// TestJournal_TornSlotIsDiscarded simulates a crash partway through
// Record: the slot holds a length prefix promising more bytes than were
// written. The torn intent was never durable, so Pending must ignore it.
func TestJournal_TornSlotIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.dat")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.Record(journalLog()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	full, err := j.size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Tear the slot: keep the header and half the body.
	if err := os.Truncate(path, 8+(full-8)/2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal (reopen): %v", err)
	}
	defer j2.Close()
	if rec, ok := j2.Pending(); ok {
		t.Fatalf("torn slot reported pending intent %v", rec)
	}
}

// TestJournal_CorruptBodyIsDiscarded flips a body byte so the checksum
// no longer matches.
func TestJournal_CorruptBodyIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.dat")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.Record(journalLog()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read slot: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("rewrite slot: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal (reopen): %v", err)
	}
	defer j2.Close()
	if rec, ok := j2.Pending(); ok {
		t.Fatalf("corrupt slot reported pending intent %v", rec)
	}
}

// TestJournal_SlotSurvivesReopen is the happy recovery path: a durable
// intent is still pending after a process restart.
func TestJournal_SlotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.dat")
	want := journalLog()

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.Record(want); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal (reopen): %v", err)
	}
	defer j2.Close()
	got, ok := j2.Pending()
	if !ok {
		t.Fatal("durable intent lost across reopen")
	}
	if got.ID != want.ID {
		t.Errorf("ID after reopen: got %s want %s", got.ID, want.ID)
	}
}
