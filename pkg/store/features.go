package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tracelearn/tracelearn/pkg/feature"
	"github.com/tracelearn/tracelearn/pkg/metrics"
)

// PutFeatureSet persists a feature set generation. Generations are
// write-once: writing an existing (name, generation) pair fails with
// ErrConflict rather than overwriting.
func (s *Store) PutFeatureSet(set *feature.Set) error {
	key := featureSetKey(set.Name, set.Generation)
	val, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("store.PutFeatureSet: marshal: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("store.PutFeatureSet: %s generation %d exists: %w",
				set.Name, set.Generation, ErrConflict)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, val)
	})
	return err
}

// GetFeatureSet loads one generation by name.
func (s *Store) GetFeatureSet(name string, gen uint64) (*feature.Set, error) {
	var set feature.Set
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(featureSetKey(name, gen))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("store.GetFeatureSet: %s/%d: %w", name, gen, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &set) })
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// LatestFeatureSet returns the highest stored generation for name, or
// ErrNotFound when none exists yet.
func (s *Store) LatestFeatureSet(name string) (*feature.Set, error) {
	var set feature.Set
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixFeatureSet + name + ":")
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration: seek past the last possible key.
		it.Seek([]byte(prefixFeatureSet + name + ";"))
		if !it.Valid() {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &set) })
	})
	if err != nil {
		return nil, fmt.Errorf("store.LatestFeatureSet: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("store.LatestFeatureSet: %s: %w", name, ErrNotFound)
	}
	return &set, nil
}

// ListFeatureSets returns all generations for name in ascending
// generation order. An empty name lists every stored set.
func (s *Store) ListFeatureSets(name string) ([]feature.Set, error) {
	prefix := prefixFeatureSet
	if name != "" {
		prefix += name + ":"
	}
	var out []feature.Set
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var set feature.Set
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &set) }); err != nil {
				continue
			}
			out = append(out, set)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.ListFeatureSets: %w", err)
	}
	return out, nil
}

// PurgeFeatureSets deletes generations extracted before olderThan,
// always keeping the newest generation per name so retraining and
// inference never lose their most recent inputs.
func (s *Store) PurgeFeatureSets(ctx context.Context, olderThan time.Time) (int, error) {
	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()

	latest := map[string]uint64{}
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixFeatureSet)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var set feature.Set
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &set) }); err != nil {
				continue
			}
			if set.Generation > latest[set.Name] {
				latest[set.Name] = set.Generation
			}
			if set.ExtractedAt.Before(olderThan) {
				victims = append(victims, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store.PurgeFeatureSets: scan: %w", err)
	}

	deleted := 0
	for _, key := range victims {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		name, gen, ok := parseFeatureKey(key)
		if !ok || gen == latest[name] {
			continue
		}
		if err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
			return deleted, fmt.Errorf("store.PurgeFeatureSets: delete: %w", err)
		}
		deleted++
	}
	metrics.PurgedRecords.WithLabelValues("features").Add(float64(deleted))
	return deleted, nil
}

func parseFeatureKey(key []byte) (name string, gen uint64, ok bool) {
	rest := strings.TrimPrefix(string(key), prefixFeatureSet)
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return "", 0, false
	}
	name = rest[:i]
	if _, err := fmt.Sscanf(rest[i+1:], "%d", &gen); err != nil {
		return "", 0, false
	}
	return name, gen, true
}
