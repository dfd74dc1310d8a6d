// Package bolt implements the event log on an embedded bbolt file.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

var (
	bucketEvents  = []byte("events")
	bucketStreams = []byte("streams")
)

var _ domain.EventLog = (*EventStore)(nil)

// EventStore keeps every event in one bucket keyed by big-endian sequence
// number. Each stream gets a sub-bucket of streams that indexes its
// sequence numbers.
type EventStore struct {
	db *bbolt.DB
}

// Open opens or creates the database at path. The parent directory is
// created if it does not exist.
func Open(path string) (*EventStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("bolt: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketStreams} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &EventStore{db: db}, nil
}

// Close closes the underlying database.
func (s *EventStore) Close() error { return s.db.Close() }

// Append stores ev under the next sequence number.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		key := seqKey(seq)
		if err := events.Put(key, data); err != nil {
			return err
		}
		idx, err := tx.Bucket(bucketStreams).CreateBucketIfNotExists([]byte(ev.Stream))
		if err != nil {
			return err
		}
		return idx.Put(key, nil)
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("bolt: append %s/%s: %w", ev.Stream, ev.Type, err)
	}
	return ev, nil
}

// Load returns every event of stream in sequence order.
func (s *EventStore) Load(ctx context.Context, stream string) ([]domain.Event, error) {
	return s.List(ctx, domain.ListOpts{Stream: stream})
}

// List returns events in sequence order filtered by opts.
func (s *EventStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	out := make([]domain.Event, 0)
	skipped := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		var c *bbolt.Cursor
		if opts.Stream != "" {
			idx := tx.Bucket(bucketStreams).Bucket([]byte(opts.Stream))
			if idx == nil {
				return nil
			}
			c = idx.Cursor()
		} else {
			c = events.Cursor()
		}
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev domain.Event
			if err := json.Unmarshal(events.Get(k), &ev); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if !matches(ev, opts) {
				continue
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			out = append(out, ev)
			if opts.Limit > 0 && len(out) == opts.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: list: %w", err)
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func matches(ev domain.Event, opts domain.ListOpts) bool {
	at := ev.RecordedAt.Time()
	if opts.Since != nil && at.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !at.Before(*opts.Until) {
		return false
	}
	return true
}
