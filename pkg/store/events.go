package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tracelearn/tracelearn/pkg/event"
	"github.com/tracelearn/tracelearn/pkg/metrics"
)

// AppendEvents durably writes a batch of canonical events in a single
// transaction. Events whose ID is already stored are skipped, making
// retried appends idempotent. The write is all-or-nothing: if the batch
// would exceed the configured event capacity it fails whole with
// ErrCapacity and nothing is persisted.
func (s *Store) AppendEvents(ctx context.Context, events []event.Canonical) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Serialized so the capacity check below sees a stable count; two
	// concurrent batches could otherwise both pass it and jointly exceed
	// the limit.
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	written := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		written = 0
		fresh := make([]event.Canonical, 0, len(events))
		for _, ev := range events {
			_, err := txn.Get(eventIDKey(ev.ID))
			switch err {
			case nil:
				continue // duplicate, idempotent skip
			case badger.ErrKeyNotFound:
				fresh = append(fresh, ev)
			default:
				return err
			}
		}

		if s.cfg.MaxEvents > 0 && s.eventCount.Load()+int64(len(fresh)) > s.cfg.MaxEvents {
			return fmt.Errorf("store.AppendEvents: %d stored + %d new exceeds limit %d: %w",
				s.eventCount.Load(), len(fresh), s.cfg.MaxEvents, ErrCapacity)
		}

		for _, ev := range fresh {
			tk := eventKey(ev.Timestamp, ev.ID)
			val, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("store.AppendEvents: marshal %s: %w", ev.ID, err)
			}
			if err := txn.Set(tk, val); err != nil {
				return err
			}
			if err := txn.Set(eventIDKey(ev.ID), tk); err != nil {
				return err
			}
		}
		written = len(fresh)
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.StoredEvents.Set(float64(s.eventCount.Add(int64(written))))
	return written, nil
}

// EventQuery bounds a time-range query. The range is half-open
// [From, To); Kind empty means all kinds; Limit 0 means unlimited.
type EventQuery struct {
	Kind  event.Kind
	From  time.Time
	To    time.Time
	Limit int
}

// QueryEvents returns stored events in the range ordered by timestamp
// ascending. The whole read happens inside one snapshot transaction and
// under the shared purge lock, so a concurrent purge never produces a
// torn result: re-querying the same range yields the same events barring
// retention purges between calls.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]event.Canonical, error) {
	s.purgeMu.RLock()
	defer s.purgeMu.RUnlock()

	var out []event.Canonical
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEvent)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(prefixEvent)
		if !q.From.IsZero() {
			start = fmt.Appendf(nil, "%s%020d:", prefixEvent, q.From.UnixNano())
		}
		var end []byte
		if !q.To.IsZero() {
			end = fmt.Appendf(nil, "%s%020d:", prefixEvent, q.To.UnixNano())
		}

		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if end != nil && bytes.Compare(item.Key(), end) >= 0 {
				break
			}
			var ev event.Canonical
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				slog.Warn("skipping undecodable event record", "key", string(item.Key()), "error", err)
				continue
			}
			if q.Kind != "" && ev.Kind != q.Kind {
				continue
			}
			out = append(out, ev)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.QueryEvents: %w", err)
	}
	return out, nil
}

// PurgeEvents irreversibly deletes events with timestamps before
// olderThan. It holds the purge lock exclusively so no query or
// extraction observes a half-purged range.
func (s *Store) PurgeEvents(ctx context.Context, olderThan time.Time) (int, error) {
	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()

	cutoff := fmt.Appendf(nil, "%s%020d:", prefixEvent, olderThan.UnixNano())

	type doomed struct {
		timeKey []byte
		id      string
	}
	var victims []doomed
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEvent)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if bytes.Compare(item.Key(), cutoff) >= 0 {
				break
			}
			var ev event.Canonical
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
				continue
			}
			victims = append(victims, doomed{timeKey: item.KeyCopy(nil), id: ev.ID})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store.PurgeEvents: scan: %w", err)
	}

	deleted := 0
	for len(victims) > 0 {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		// Delete in chunks to stay under badger's transaction size.
		chunk := victims
		if len(chunk) > 1000 {
			chunk = victims[:1000]
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, v := range chunk {
				if err := txn.Delete(v.timeKey); err != nil {
					return err
				}
				if err := txn.Delete(eventIDKey(v.id)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("store.PurgeEvents: delete: %w", err)
		}
		deleted += len(chunk)
		victims = victims[len(chunk):]
	}

	metrics.StoredEvents.Set(float64(s.eventCount.Add(int64(-deleted))))
	metrics.PurgedRecords.WithLabelValues("events").Add(float64(deleted))
	return deleted, nil
}
