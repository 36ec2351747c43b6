package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tracelearn/tracelearn/pkg/metrics"
	"github.com/tracelearn/tracelearn/pkg/model"
)

// PutArtifact persists a model artifact. Generations are write-once per
// name; rewriting an existing generation fails with ErrConflict.
func (s *Store) PutArtifact(a *model.Artifact) error {
	key := artifactKey(a.Name, a.Generation)
	val, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store.PutArtifact: marshal: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("store.PutArtifact: %s generation %d exists: %w", a.Name, a.Generation, ErrConflict)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, val)
	})
}

// GetArtifact loads one artifact by name and generation.
func (s *Store) GetArtifact(name string, gen uint64) (*model.Artifact, error) {
	var a model.Artifact
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(name, gen))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("store.GetArtifact: %s/%d: %w", name, gen, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &a) })
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ActiveArtifact returns the artifact currently active for name, or
// ErrNotFound during cold start.
func (s *Store) ActiveArtifact(name string) (*model.Artifact, error) {
	var a model.Artifact
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeModelKey(name))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("store.ActiveArtifact: %s: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var gen uint64
		if err := item.Value(func(val []byte) error {
			_, err := fmt.Sscanf(string(val), "%d", &gen)
			return err
		}); err != nil {
			return err
		}
		item, err = txn.Get(artifactKey(name, gen))
		if err != nil {
			return fmt.Errorf("store.ActiveArtifact: dangling active pointer %s/%d: %w", name, gen, err)
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &a) })
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtifacts returns artifacts in ascending generation order. An
// empty name lists artifacts for every model.
func (s *Store) ListArtifacts(name string) ([]model.Artifact, error) {
	prefix := prefixArtifact
	if name != "" {
		prefix += name + ":"
	}
	var out []model.Artifact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var a model.Artifact
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.ListArtifacts: %w", err)
	}
	return out, nil
}

// NextModelGeneration returns one past the highest stored generation for
// name, starting at 1.
func (s *Store) NextModelGeneration(name string) (uint64, error) {
	var next uint64 = 1
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixArtifact + name + ":")
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek([]byte(prefixArtifact + name + ";"))
		if !it.Valid() {
			return nil
		}
		var gen uint64
		suffix := string(it.Item().Key()[len(prefixArtifact)+len(name)+1:])
		if _, err := fmt.Sscanf(suffix, "%d", &gen); err != nil {
			return nil
		}
		next = gen + 1
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store.NextModelGeneration: %w", err)
	}
	return next, nil
}

// PromoteArtifact atomically makes the named candidate the active
// artifact: candidate → active and prior active → retired commit in one
// transaction, so no observer ever sees zero or two active artifacts for
// a name. expectedActive is the generation the caller observed as active
// when its promotion attempt began (0 for none); if the active pointer
// has moved since, the candidate loses the race: it is retired in the
// same transaction and ErrConflict returned, leaving the winner's
// artifact in place.
func (s *Store) PromoteArtifact(name, artifactID string, expectedActive uint64) (*model.Artifact, error) {
	var promoted model.Artifact
	var lostGen uint64
	lost := false
	attempt := func(txn *badger.Txn) error {
		lost = false
		cand, err := findArtifactByID(txn, name, artifactID)
		if err != nil {
			return err
		}
		if cand.Status != model.StatusCandidate {
			return fmt.Errorf("store.PromoteArtifact: %s is %s, not candidate: %w", artifactID, cand.Status, ErrConflict)
		}

		var prevGen uint64
		item, err := txn.Get(activeModelKey(name))
		switch err {
		case nil:
			if err := item.Value(func(val []byte) error {
				_, err := fmt.Sscanf(string(val), "%d", &prevGen)
				return err
			}); err != nil {
				return err
			}
		case badger.ErrKeyNotFound:
			// Cold start: nothing active yet.
		default:
			return err
		}

		if prevGen != expectedActive {
			// Another promotion landed first. The losing candidate is
			// retired in this same transaction so it is never observed
			// as active; the winner's artifact stays untouched.
			cand.Status = model.StatusRetired
			val, err := json.Marshal(cand)
			if err != nil {
				return err
			}
			lost, lostGen = true, prevGen
			return txn.Set(artifactKey(name, cand.Generation), val)
		}

		// Demote the prior active, if any.
		if prevGen != 0 && prevGen != cand.Generation {
			prevItem, err := txn.Get(artifactKey(name, prevGen))
			if err != nil {
				return err
			}
			var prev model.Artifact
			if err := prevItem.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
				return err
			}
			prev.Status = model.StatusRetired
			prevVal, err := json.Marshal(&prev)
			if err != nil {
				return err
			}
			if err := txn.Set(artifactKey(name, prevGen), prevVal); err != nil {
				return err
			}
		}

		cand.Status = model.StatusActive
		candVal, err := json.Marshal(cand)
		if err != nil {
			return err
		}
		if err := txn.Set(artifactKey(name, cand.Generation), candVal); err != nil {
			return err
		}
		if err := txn.Set(activeModelKey(name), fmt.Appendf(nil, "%010d", cand.Generation)); err != nil {
			return err
		}
		promoted = *cand
		return nil
	}

	// A badger-level write conflict means another promotion committed
	// first; re-running under a fresh snapshot lets the generation check
	// above retire the losing candidate instead of dropping it silently.
	var err error
	for i := 0; i < 3; i++ {
		err = s.db.Update(attempt)
		if err != badger.ErrConflict {
			break
		}
	}
	if err == badger.ErrConflict {
		return nil, fmt.Errorf("store.PromoteArtifact: %s: %w", name, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	if lost {
		return nil, fmt.Errorf("store.PromoteArtifact: %s: active moved to generation %d, candidate %s retired: %w",
			name, lostGen, artifactID, ErrConflict)
	}
	return &promoted, nil
}

// RetireArtifact moves a candidate directly to retired without touching
// the active pointer (the failed-threshold path).
func (s *Store) RetireArtifact(name, artifactID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		a, err := findArtifactByID(txn, name, artifactID)
		if err != nil {
			return err
		}
		if a.Status == model.StatusActive {
			return fmt.Errorf("store.RetireArtifact: %s is active; retire via promotion only: %w", artifactID, ErrConflict)
		}
		a.Status = model.StatusRetired
		val, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return txn.Set(artifactKey(name, a.Generation), val)
	})
	if err == badger.ErrConflict {
		return fmt.Errorf("store.RetireArtifact: %s: %w", name, ErrConflict)
	}
	return err
}

// PurgeArtifacts deletes retired artifacts trained before olderThan.
// Active and candidate artifacts are never purged.
func (s *Store) PurgeArtifacts(ctx context.Context, olderThan time.Time) (int, error) {
	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()

	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixArtifact)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var a model.Artifact
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
				continue
			}
			if a.Status == model.StatusRetired && a.TrainedAt.Before(olderThan) {
				victims = append(victims, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store.PurgeArtifacts: scan: %w", err)
	}

	deleted := 0
	for _, key := range victims {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
			return deleted, fmt.Errorf("store.PurgeArtifacts: delete: %w", err)
		}
		deleted++
	}
	metrics.PurgedRecords.WithLabelValues("models").Add(float64(deleted))
	return deleted, nil
}

// findArtifactByID scans a model's generations for the given artifact ID.
// Generation counts per name stay small, so a prefix scan suffices.
func findArtifactByID(txn *badger.Txn, name, artifactID string) (*model.Artifact, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixArtifact + name + ":")
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var a model.Artifact
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
			continue
		}
		if a.ID == artifactID {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("store: artifact %s/%s: %w", name, artifactID, ErrNotFound)
}
