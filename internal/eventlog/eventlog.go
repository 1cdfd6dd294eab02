// Package eventlog is the embedded, persistent counterpart to
// internal/debuglog's ephemeral JSONL trace: significant operational
// events (engine created/removed, stream started/ended, VPN mode
// transitions, health changes) that operators should be able to review
// after the fact, backed by go.etcd.io/bbolt the way the pack's own
// embedded-local-state projects use it.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Type categorizes an Event the way event_logger.py's EventType literal
// does (engine/stream/vpn/health/system).
type Type string

const (
	TypeEngine Type = "engine"
	TypeStream Type = "stream"
	TypeVPN    Type = "vpn"
	TypeHealth Type = "health"
	TypeSystem Type = "system"
)

// Event is one recorded operational event.
type Event struct {
	ID          uint64         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        Type           `json:"event_type"`
	Category    string         `json:"category"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	ContainerID string         `json:"container_id,omitempty"`
	StreamID    string         `json:"stream_id,omitempty"`
}

// maxEvents and maxAge mirror EventLogger.MAX_EVENTS / MAX_AGE_DAYS.
const (
	maxEvents = 10000
	maxAge    = 30 * 24 * time.Hour
)

var eventsBucket = []byte("events")

// Store is a bbolt-backed append-only event log with bounded retention.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Log records one event, returning its assigned ID, and enforces the
// retention policy (count + age) the same way
// EventLogger._cleanup_old_events_if_needed does.
func (s *Store) Log(typ Type, category, message string, details map[string]any, containerID, streamID string) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = n

		ev := Event{
			ID:          id,
			Timestamp:   time.Now().UTC(),
			Type:        typ,
			Category:    category,
			Message:     message,
			Details:     details,
			ContainerID: containerID,
			StreamID:    streamID,
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("eventlog: log event: %w", err)
	}
	s.cleanupIfNeeded()
	return id, nil
}

// Query describes an event-listing filter, mirroring get_events'
// parameter set.
type Query struct {
	Limit       int
	Offset      int
	Type        Type
	Category    string
	ContainerID string
	StreamID    string
	Since       time.Time
}

// List returns events matching q, newest first.
func (s *Store) List(q Query) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	var matched []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if !matches(ev, q) {
				continue
			}
			matched = append(matched, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: list events: %w", err)
	}
	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func matches(ev Event, q Query) bool {
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	if q.Category != "" && ev.Category != q.Category {
		return false
	}
	if q.ContainerID != "" && ev.ContainerID != q.ContainerID {
		return false
	}
	if q.StreamID != "" && ev.StreamID != q.StreamID {
		return false
	}
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Stats summarizes the log, mirroring get_event_stats.
type Stats struct {
	Total  int            `json:"total"`
	ByType map[Type]int   `json:"by_type"`
	Oldest *time.Time     `json:"oldest,omitempty"`
	Newest *time.Time     `json:"newest,omitempty"`
}

// Stats computes aggregate counts over the whole log.
func (s *Store) Stats() (Stats, error) {
	out := Stats{ByType: map[Type]int{
		TypeEngine: 0, TypeStream: 0, TypeVPN: 0, TypeHealth: 0, TypeSystem: 0,
	}}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()
		first := true
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			out.Total++
			out.ByType[ev.Type]++
			if first {
				t := ev.Timestamp
				out.Oldest = &t
				first = false
			}
			t := ev.Timestamp
			out.Newest = &t
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("eventlog: stats: %w", err)
	}
	return out, nil
}

// cleanupIfNeeded enforces maxEvents and maxAge, logging nothing on
// failure: the transaction's error is discarded here and never reaches
// the caller of Log — matching the Python original's best-effort cleanup (a failed
// cleanup must never fail the write it rides along with).
func (s *Store) cleanupIfNeeded() {
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		total := b.Stats().KeyN

		cutoff := time.Now().UTC().Add(-maxAge)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if ev.Timestamp.Before(cutoff) {
				b.Delete(k)
				total--
			}
		}

		if total > maxEvents {
			excess := total - maxEvents
			c := b.Cursor()
			for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
				b.Delete(k)
				excess--
			}
		}
		return nil
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
