package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
)

var bucketIndex = []byte("index")

// Index is a bbolt-backed persistent index mapping log IDs to their
// store.IndexEntry (offset in log.dat + group + claim state). bbolt is
// pure Go, ACID, a single file, and well-exercised in production (etcd).
type Index struct {
	db *bbolt.DB
}

// OpenIndex opens (or creates) the bbolt index at path.
func OpenIndex(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: init bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Write upserts the index entry for id.
func (idx *Index) Write(id string, entry store.IndexEntry) error {
	val, err := marshalEntry(entry)
	if err != nil {
		return fmt.Errorf("index: marshal entry for %s: %w", id, err)
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).Put([]byte(id), val)
	})
}

// Read retrieves the index entry for id, or store.ErrNotFound.
func (idx *Index) Read(id string) (store.IndexEntry, error) {
	var entry store.IndexEntry
	err := idx.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketIndex).Get([]byte(id))
		if val == nil {
			return store.ErrNotFound
		}
		var uerr error
		entry, uerr = unmarshalEntry(val)
		return uerr
	})
	return entry, err
}

// Delete removes the index entry for id.
func (idx *Index) Delete(id string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).Delete([]byte(id))
	})
}

// WriteAll upserts every entry in a single transaction, so readers see
// either none or all of the updates. Compaction uses this to repoint
// offsets atomically when it swaps body logs.
func (idx *Index) WriteAll(entries map[string]store.IndexEntry) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		for id, entry := range entries {
			val, err := marshalEntry(entry)
			if err != nil {
				return fmt.Errorf("index: marshal entry for %s: %w", id, err)
			}
			if err := b.Put([]byte(id), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEach iterates over every index entry, calling fn for each one.
func (idx *Index) ForEach(fn func(id string, entry store.IndexEntry) error) error {
	return idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(k, v []byte) error {
			entry, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			return fn(string(k), entry)
		})
	})
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error { return idx.db.Close() }

// marshalEntry packs an IndexEntry into a compact binary structure:
//
//	[offset    : 8 bytes, int64 ]
//	[status    : 1 byte         ]
//	[seq       : 8 bytes, uint64]
//	[groupLen  : 2 bytes, uint16]
//	[group     : groupLen bytes]
//	[batchLen  : 2 bytes, uint16]
//	[batch     : batchLen bytes]
func marshalEntry(e store.IndexEntry) ([]byte, error) {
	group := []byte(e.Group)
	batch := []byte(e.BatchID)
	buf := make([]byte, 8+1+8+2+len(group)+2+len(batch))
	binary.BigEndian.PutUint64(buf[0:], uint64(e.Offset))
	buf[8] = uint8(e.Status)
	binary.BigEndian.PutUint64(buf[9:], e.Seq)
	binary.BigEndian.PutUint16(buf[17:], uint16(len(group)))
	copy(buf[19:], group)
	off := 19 + len(group)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(batch)))
	copy(buf[off+2:], batch)
	return buf, nil
}

func unmarshalEntry(buf []byte) (store.IndexEntry, error) {
	if len(buf) < 19 {
		var e store.IndexEntry
		if err := json.Unmarshal(buf, &e); err == nil {
			return e, nil
		}
		return store.IndexEntry{}, fmt.Errorf("index: entry too short (%d bytes)", len(buf))
	}
	groupLen := int(binary.BigEndian.Uint16(buf[17:]))
	if 19+groupLen+2 > len(buf) {
		return store.IndexEntry{}, fmt.Errorf("index: group length %d exceeds buffer", groupLen)
	}
	group := string(buf[19 : 19+groupLen])
	off := 19 + groupLen
	batchLen := int(binary.BigEndian.Uint16(buf[off:]))
	if off+2+batchLen > len(buf) {
		return store.IndexEntry{}, fmt.Errorf("index: batch length %d exceeds buffer", batchLen)
	}
	batch := string(buf[off+2 : off+2+batchLen])

	return store.IndexEntry{
		Offset:  int64(binary.BigEndian.Uint64(buf[0:])),
		Status:  store.Status(buf[8]),
		Seq:     binary.BigEndian.Uint64(buf[9:]),
		Group:   group,
		BatchID: batch,
	}, nil
}
