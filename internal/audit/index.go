// index.go provides a bbolt-backed query index over the audit JSONL log.
//
// The index is a pure performance accelerant: it can always be rebuilt
// from the JSONL files by replaying them in filename order, so losing
// index.db is never a data-loss event — only a rebuild cost.
//
// Schema (bbolt bucket layout):
//
//	/by_seq
//	    key:   big-endian uint64 seq
//	    value: JSON-encoded Event
//
//	/by_kind
//	    key:   kind + "\x00" + big-endian uint64 seq
//	    value: big-endian uint64 seq (pointer into by_seq)
//
//	/meta
//	    key:   "schema_version"
//	    value: schema version string
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	indexSchemaVersion = "1"

	bucketBySeq  = "by_seq"
	bucketByKind = "by_kind"
	bucketMeta   = "meta"
)

// Index wraps a bbolt database providing query access to the audit log.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (or creates) the query index at path, initializing all
// required buckets and verifying the schema version.
func OpenIndex(path string) (*Index, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit.OpenIndex(%q): %w", path, err)
	}

	idx := &Index{db: bdb}
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBySeq, bucketByKind, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(indexSchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit.OpenIndex: init failed: %w", err)
	}

	if err := idx.checkSchema(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) checkSchema() error {
	return idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != indexSchemaVersion {
			return fmt.Errorf("audit index schema mismatch: have %q, need %q; rebuild the index", v, indexSchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Put indexes ev. Safe to call repeatedly with the same seq (idempotent
// overwrite), which is what makes rebuild-by-replay safe.
func (idx *Index) Put(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit.Index.Put: marshal: %w", err)
	}
	sk := seqKey(ev.Seq)
	return idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketBySeq)).Put(sk, data); err != nil {
			return err
		}
		kindKey := append([]byte(ev.Kind), 0x00)
		kindKey = append(kindKey, sk...)
		return tx.Bucket([]byte(bucketByKind)).Put(kindKey, sk)
	})
}

// Tail returns every event with seq > fromSeq, in ascending seq order.
func (idx *Index) Tail(fromSeq uint64) ([]Event, error) {
	var out []Event
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketBySeq)).Cursor()
		start := seqKey(fromSeq + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// ByKind returns every event of the given kind, in ascending seq order.
func (idx *Index) ByKind(kind Kind) ([]Event, error) {
	var out []Event
	prefix := append([]byte(kind), 0x00)
	err := idx.db.View(func(tx *bolt.Tx) error {
		byKind := tx.Bucket([]byte(bucketByKind))
		bySeq := tx.Bucket([]byte(bucketBySeq))
		c := byKind.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := bySeq.Get(v)
			if data == nil {
				continue
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Rebuild truncates the index and repopulates it by replaying every
// JSONL event the Reader yields. Used after index corruption or loss.
func (idx *Index) Rebuild(events <-chan Event) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBySeq, bucketByKind} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		bySeq := tx.Bucket([]byte(bucketBySeq))
		byKind := tx.Bucket([]byte(bucketByKind))
		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			sk := seqKey(ev.Seq)
			if err := bySeq.Put(sk, data); err != nil {
				return err
			}
			kindKey := append([]byte(ev.Kind), 0x00)
			kindKey = append(kindKey, sk...)
			if err := byKind.Put(kindKey, sk); err != nil {
				return err
			}
		}
		return nil
	})
}
