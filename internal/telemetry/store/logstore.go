package store

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/node"
)

// pendingEntry is kept in the in-memory FIFO pending list for one group.
type pendingEntry struct {
	id     string
	offset int64
	seq    uint64
}

// groupState is the in-memory bookkeeping for one group's rows. The Engine
// remains the durable source of truth; this is a cache rebuilt at startup
// from ForEach.
type groupState struct {
	pending *list.List // *pendingEntry, oldest-first
	claimed map[string][]string // batch_id -> log ids claimed under it
}

// LogStore provides the durable log operations the channel needs — put,
// count, batch claim, delete, and claim release — synchronously on top of
// a pluggable Engine. It is never called directly by the channel, only
// through internal/telemetry/asyncstore's single-worker facade.
type LogStore struct {
	eng Engine

	mu     sync.Mutex
	groups map[string]*groupState
}

// Open creates a LogStore over eng and rebuilds in-memory state by scanning
// every persisted index entry. Rows left StatusClaimed from a prior process
// are loaded as claimed; callers invoke ClearPendingState once startup is
// otherwise complete so those rows become eligible again.
func Open(eng Engine) (*LogStore, error) {
	s := &LogStore{eng: eng, groups: make(map[string]*groupState)}
	if err := s.loadFromEngine(); err != nil {
		return nil, fmt.Errorf("logstore: load state: %w", err)
	}
	return s, nil
}

func (s *LogStore) groupFor(name string) *groupState {
	g, ok := s.groups[name]
	if !ok {
		g = &groupState{pending: list.New(), claimed: make(map[string][]string)}
		s.groups[name] = g
	}
	return g
}

// Put serializes and persists one log under group. The log's ID is
// generated if unset.
func (s *LogStore) Put(group string, log *telemetry.Log) error {
	if log.ID == "" {
		log.ID = node.MustNewID()
	}
	log.Group = group

	offset, err := s.eng.Append(log)
	if err != nil {
		return fmt.Errorf("logstore: append: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeqLocked()
	entry := IndexEntry{Offset: offset, Status: StatusPending, Group: group, Seq: seq}
	if err := s.eng.WriteIndex(log.ID, entry); err != nil {
		return fmt.Errorf("logstore: write index: %w", err)
	}

	g := s.groupFor(group)
	g.pending.PushBack(&pendingEntry{id: log.ID, offset: offset, seq: seq})
	return nil
}

// seqCounter is a monotone counter shared across all groups so FIFO order
// can be recovered purely from the index after a restart.
var seqCounterMu sync.Mutex
var seqCounter uint64

func (s *LogStore) nextSeqLocked() uint64 {
	seqCounterMu.Lock()
	defer seqCounterMu.Unlock()
	seqCounter++
	return seqCounter
}

// Count returns the number of persisted, unclaimed rows for group.
func (s *LogStore) Count(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return g.pending.Len()
}

// GetLogs atomically claims up to limit oldest unclaimed rows for group
// under a freshly generated batch_id, returning the logs in insertion
// order. Returns ErrNoPendingLogs if nothing is available.
func (s *LogStore) GetLogs(group string, limit int) (batchID string, logs []*telemetry.Log, err error) {
	s.mu.Lock()
	g := s.groupFor(group)

	type claim struct {
		id     string
		offset int64
		seq    uint64
	}
	var claims []claim
	for i := 0; i < limit && g.pending.Len() > 0; i++ {
		front := g.pending.Front()
		g.pending.Remove(front)
		pe := front.Value.(*pendingEntry)
		claims = append(claims, claim{id: pe.id, offset: pe.offset, seq: pe.seq})
	}

	if len(claims) == 0 {
		s.mu.Unlock()
		return "", nil, ErrNoPendingLogs
	}

	batchID = node.MustNewID()
	ids := make([]string, 0, len(claims))
	for _, c := range claims {
		ids = append(ids, c.id)
	}
	g.claimed[batchID] = ids
	s.mu.Unlock()

	logs = make([]*telemetry.Log, 0, len(claims))
	for _, c := range claims {
		log, rerr := s.eng.ReadAt(c.offset)
		if rerr != nil {
			// Corrupt/missing body: leave the row out of the returned
			// logs and continue — it is unreadable either way. Its id
			// stays under batchID, so DeleteBatch still removes it.
			continue
		}
		if werr := s.eng.WriteIndex(c.id, IndexEntry{
			Offset:  c.offset,
			Status:  StatusClaimed,
			Group:   group,
			BatchID: batchID,
			Seq:     c.seq,
		}); werr != nil {
			return "", nil, fmt.Errorf("logstore: write index %s: %w", c.id, werr)
		}
		logs = append(logs, log)
	}
	return batchID, logs, nil
}

// DeleteBatch permanently removes the rows claimed under batchID.
func (s *LogStore) DeleteBatch(group, batchID string) error {
	s.mu.Lock()
	g := s.groupFor(group)
	ids := g.claimed[batchID]
	delete(g.claimed, batchID)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.eng.DeleteIndex(id); err != nil {
			return fmt.Errorf("logstore: delete %s: %w", id, err)
		}
	}
	return nil
}

// DeleteGroup permanently removes every row for group, pending or claimed.
func (s *LogStore) DeleteGroup(group string) error {
	s.mu.Lock()
	g, ok := s.groups[group]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var ids []string
	for e := g.pending.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*pendingEntry).id)
	}
	for _, claimedIDs := range g.claimed {
		ids = append(ids, claimedIDs...)
	}
	delete(s.groups, group)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.eng.DeleteIndex(id); err != nil {
			return fmt.Errorf("logstore: delete group row %s: %w", id, err)
		}
	}
	return nil
}

// DrainChunk removes up to n pending rows for group (oldest first) without
// requiring a batch resolution, returning the logs removed. Used by the
// channel's discard drain, which walks the store in fixed-size chunks.
func (s *LogStore) DrainChunk(group string, n int) ([]*telemetry.Log, error) {
	batchID, logs, err := s.GetLogs(group, n)
	if err == ErrNoPendingLogs {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if derr := s.DeleteBatch(group, batchID); derr != nil {
		return nil, derr
	}
	return logs, nil
}

// ClearPendingState releases every open batch_id claim across all groups,
// re-eligibling those rows for future GetLogs calls. Row data is untouched.
// Open does not call it: rows claimed by a prior process stay claimed
// until the owner calls it (the channel does so at construction).
func (s *LogStore) ClearPendingState() error {
	s.mu.Lock()
	type release struct {
		group string
		id    string
	}
	var releases []release
	for name, g := range s.groups {
		for batchID, ids := range g.claimed {
			for _, id := range ids {
				releases = append(releases, release{group: name, id: id})
			}
			delete(g.claimed, batchID)
		}
	}
	s.mu.Unlock()

	for _, r := range releases {
		entry, err := s.eng.ReadIndex(r.id)
		if err != nil {
			continue
		}
		entry.Status = StatusPending
		entry.BatchID = ""
		if err := s.eng.WriteIndex(r.id, entry); err != nil {
			return fmt.Errorf("logstore: clear pending %s: %w", r.id, err)
		}
		s.mu.Lock()
		g := s.groupFor(r.group)
		g.pending.PushBack(&pendingEntry{id: r.id, offset: entry.Offset, seq: entry.Seq})
		s.mu.Unlock()
	}

	s.mu.Lock()
	for _, g := range s.groups {
		resortPending(g)
	}
	s.mu.Unlock()
	return nil
}

// Close releases the underlying engine.
func (s *LogStore) Close() error { return s.eng.Close() }

// loadFromEngine scans every index entry and rebuilds in-memory group
// state. Rows are sorted by Seq to preserve FIFO order after a restart.
func (s *LogStore) loadFromEngine() error {
	var maxSeq uint64
	err := s.eng.ForEach(func(id string, entry IndexEntry) error {
		g := s.groupFor(entry.Group)
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
		switch entry.Status {
		case StatusPending:
			g.pending.PushBack(&pendingEntry{id: id, offset: entry.Offset, seq: entry.Seq})
		case StatusClaimed:
			g.claimed[entry.BatchID] = append(g.claimed[entry.BatchID], id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Rows persisted by a prior process keep their insertion order; new
	// rows must sort after them.
	seqCounterMu.Lock()
	if seqCounter < maxSeq {
		seqCounter = maxSeq
	}
	seqCounterMu.Unlock()
	for _, g := range s.groups {
		resortPending(g)
	}
	return nil
}

func resortPending(g *groupState) {
	entries := make([]*pendingEntry, 0, g.pending.Len())
	for e := g.pending.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value.(*pendingEntry))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	g.pending.Init()
	for _, pe := range entries {
		g.pending.PushBack(pe)
	}
}
