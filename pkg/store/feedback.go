package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tracelearn/tracelearn/pkg/feedback"
)

// AppendFeedback persists one feedback record. Records are append-only
// and never rewritten.
func (s *Store) AppendFeedback(rec feedback.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store.AppendFeedback: marshal: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(feedbackKey(rec.Timestamp, rec.ID), val)
	})
}

// QueryFeedback returns records in [from, to) ordered by timestamp
// ascending. Zero bounds are open.
func (s *Store) QueryFeedback(ctx context.Context, from, to time.Time) ([]feedback.Record, error) {
	s.purgeMu.RLock()
	defer s.purgeMu.RUnlock()

	var out []feedback.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixFeedback)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(prefixFeedback)
		if !from.IsZero() {
			start = fmt.Appendf(nil, "%s%020d:", prefixFeedback, from.UnixNano())
		}
		var end []byte
		if !to.IsZero() {
			end = fmt.Appendf(nil, "%s%020d:", prefixFeedback, to.UnixNano())
		}

		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if end != nil && bytes.Compare(it.Item().Key(), end) >= 0 {
				break
			}
			var rec feedback.Record
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.QueryFeedback: %w", err)
	}
	return out, nil
}

// PutProvenance records which model generation produced a
// recommendation, keyed by recommendation ID.
func (s *Store) PutProvenance(p feedback.Provenance) error {
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store.PutProvenance: marshal: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(provenanceKey(p.RecommendationID), val)
	})
}

// Provenance is the ok-bool form of GetProvenance used by the feedback
// loop, which attributes unknown recommendation IDs instead of failing.
func (s *Store) Provenance(recommendationID string) (*feedback.Provenance, bool, error) {
	p, err := s.GetProvenance(recommendationID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// GetProvenance resolves a recommendation ID to its producing model
// generation, or ErrNotFound.
func (s *Store) GetProvenance(recommendationID string) (*feedback.Provenance, error) {
	var p feedback.Provenance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(provenanceKey(recommendationID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("store.GetProvenance: %s: %w", recommendationID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &p) })
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}
