package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Store is the bbolt-backed history log. Keys are the bucket sequence, so
// iteration order is append order.
type Store struct {
	path    string
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

// Open prepares a store at path, creating the file and its directory.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	s := &Store{path: path, timeout: time.Second, now: time.Now}
	err := s.update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) withDB(readOnly bool, fn func(db *bolt.DB) error) error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.timeout, ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	return s.withDB(false, func(db *bolt.DB) error { return db.Update(fn) })
}

// Append stores ev. The timestamp is set when zero and clamped so that
// timestamps never go backwards.
func (s *Store) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	if ev.Time.Before(s.last) {
		ev.Time = s.last
	}

	err := s.update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketEvents)
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	s.last = ev.Time
	return nil
}

// ReadAll returns every event in append order.
func (s *Store) ReadAll() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	err := s.withDB(true, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(bucketEvents)
			if bkt == nil {
				return nil
			}
			return bkt.ForEach(func(_, v []byte) error {
				var ev Event
				if err := json.Unmarshal(v, &ev); err != nil {
					return err
				}
				out = append(out, ev)
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	return out, nil
}

// Clear removes every event in a single transaction. Sequence numbers
// restart at 1.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEvents) != nil {
			if err := tx.DeleteBucket(bucketEvents); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(bucketEvents)
		return err
	})
	if err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
