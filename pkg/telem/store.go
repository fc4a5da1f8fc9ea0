// Package telem keeps the recent position track and session events in RAM
// with time-based retention, optionally persisting the track to disk so a
// daemon restart does not lose it.
package telem

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/logx"
)

const (
	trackCapacity = 5000
	eventCapacity = 1000
)

var (
	bucketTrack  = []byte("track")
	bucketEvents = []byte("events")
)

// Store manages the track and event history.
type Store struct {
	mu     sync.RWMutex
	logger *logx.Logger

	retention time.Duration
	track     *ringBuffer
	events    *ringBuffer

	db *bolt.DB
}

// NewStore creates a store. dbPath may be empty to keep everything in RAM.
func NewStore(logger *logx.Logger, retentionHours int, dbPath string) (*Store, error) {
	if retentionHours < 1 || retentionHours > 168 {
		return nil, fmt.Errorf("retention_hours must be between 1 and 168")
	}

	s := &Store{
		logger:    logger,
		retention: time.Duration(retentionHours) * time.Hour,
		track:     newRingBuffer(trackCapacity),
		events:    newRingBuffer(eventCapacity),
	}

	if dbPath != "" {
		db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open track database %s: %w", dbPath, err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketTrack); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists(bucketEvents)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize track database: %w", err)
		}
		s.db = db
		s.restore()
	}

	return s, nil
}

// AddFix records an accepted fix on the track.
func (s *Store) AddFix(fix pkg.Fix) error {
	s.mu.Lock()
	s.track.add(fix)
	s.mu.Unlock()

	return s.persist(bucketTrack, fix.Time, fix)
}

// AddEvent records a session event.
func (s *Store) AddEvent(event pkg.Event) error {
	s.mu.Lock()
	s.events.add(event)
	s.mu.Unlock()

	return s.persist(bucketEvents, event.Timestamp, event)
}

// Track returns the fixes recorded since the given time, oldest first.
func (s *Store) Track(since time.Time) []pkg.Fix {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pkg.Fix
	for _, item := range s.track.items() {
		fix := item.(pkg.Fix)
		if fix.Time.After(since) {
			out = append(out, fix)
		}
	}
	return out
}

// Events returns the events recorded since the given time, oldest first.
func (s *Store) Events(since time.Time) []pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pkg.Event
	for _, item := range s.events.items() {
		event := item.(pkg.Event)
		if event.Timestamp.After(since) {
			out = append(out, event)
		}
	}
	return out
}

// LastFix returns the newest fix on the track, or nil.
func (s *Store) LastFix() *pkg.Fix {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.track.items()
	if len(items) == 0 {
		return nil
	}
	fix := items[len(items)-1].(pkg.Fix)
	return &fix
}

// Cleanup drops persisted entries older than the retention window. RAM
// buffers are bounded by capacity and prune themselves.
func (s *Store) Cleanup() error {
	if s.db == nil {
		return nil
	}

	cutoff := timeKey(time.Now().Add(-s.retention))
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrack, bucketEvents} {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.First(); k != nil && string(k) < string(cutoff); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Close flushes and closes the backing database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) persist(bucket []byte, at time.Time, value interface{}) error {
	if s.db == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(timeKey(at), data)
	})
}

// restore reloads the retained track and events into the RAM buffers.
func (s *Store) restore() {
	cutoff := time.Now().Add(-s.retention)
	var fixes, events int

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTrack).ForEach(func(k, v []byte) error {
			var fix pkg.Fix
			if err := json.Unmarshal(v, &fix); err != nil || fix.Time.Before(cutoff) {
				return nil
			}
			s.track.add(fix)
			fixes++
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var event pkg.Event
			if err := json.Unmarshal(v, &event); err != nil || event.Timestamp.Before(cutoff) {
				return nil
			}
			s.events.add(event)
			events++
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("failed to restore persisted track", "error", err)
		return
	}
	if fixes > 0 || events > 0 {
		s.logger.Info("restored persisted track", "fixes", fixes, "events", events)
	}
}

// timeKey orders entries chronologically under a byte-wise comparison.
func timeKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

// ringBuffer is a fixed-capacity FIFO. Not safe for concurrent use; the
// store serializes access.
type ringBuffer struct {
	data     []interface{}
	capacity int
	head     int
	size     int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:     make([]interface{}, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer) add(item interface{}) {
	rb.data[(rb.head+rb.size)%rb.capacity] = item
	if rb.size < rb.capacity {
		rb.size++
		return
	}
	rb.head = (rb.head + 1) % rb.capacity
}

func (rb *ringBuffer) items() []interface{} {
	out := make([]interface{}, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.data[(rb.head+i)%rb.capacity]
	}
	return out
}
