// Package store persists the pipeline's durable collections — canonical
// events, feature set generations, model artifacts and feedback records —
// in a single embedded badger database under independent key prefixes.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tracelearn/tracelearn/pkg/metrics"
)

var (
	// ErrCapacity rejects a whole append batch when the configured event
	// limit would be exceeded. No partial batch is ever written.
	ErrCapacity = errors.New("store: capacity limit reached")
	// ErrConflict reports a lost promotion or purge race; the loser
	// retries or backs off and observes the winner's state.
	ErrConflict = errors.New("store: concurrent conflict")
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("store: not found")
)

// Config configures the embedded store.
type Config struct {
	Path      string `yaml:"path"`
	MaxEvents int64  `yaml:"max_events"` // 0 = unlimited
}

// Store wraps the badger database. The purge mutex coordinates retention
// purges against in-flight queries and extractions: readers hold it
// shared, purge holds it exclusively, so a query never observes a torn
// mix of pre- and post-purge state.
type Store struct {
	db  *badger.DB
	cfg Config

	// appendMu serializes append batches: the capacity check reads the
	// event count before committing, and two in-flight batches could
	// otherwise each pass it and jointly exceed the limit.
	appendMu   sync.Mutex
	purgeMu    sync.RWMutex
	eventCount atomic.Int64
}

// Open opens (or creates) the store at cfg.Path and recounts stored
// events for capacity accounting.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	s := &Store{db: db, cfg: cfg}

	count, err := s.countPrefix(prefixEventID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: counting events: %w", err)
	}
	s.eventCount.Store(count)
	metrics.StoredEvents.Set(float64(count))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key prefixes. Each durable collection lives under its own prefix so it
// is independently queryable, exportable and purgeable.
const (
	prefixEvent       = "ev:"  // ev:<ts-nanos %020d>:<id> → event JSON
	prefixEventID     = "evi:" // evi:<id> → time key (dedupe index)
	prefixFeatureSet  = "fs:"  // fs:<name>:<gen %010d> → feature set JSON
	prefixArtifact    = "ma:"  // ma:<name>:<gen %010d> → artifact JSON
	prefixActiveModel = "mac:" // mac:<name> → active generation %010d
	prefixFeedback    = "fb:"  // fb:<ts-nanos %020d>:<id> → record JSON
	prefixProvenance  = "rp:"  // rp:<recommendation id> → provenance JSON
)

func eventKey(ts time.Time, id string) []byte {
	return fmt.Appendf(nil, "%s%020d:%s", prefixEvent, ts.UnixNano(), id)
}

func eventIDKey(id string) []byte {
	return []byte(prefixEventID + id)
}

func featureSetKey(name string, gen uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%010d", prefixFeatureSet, name, gen)
}

func artifactKey(name string, gen uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%010d", prefixArtifact, name, gen)
}

func activeModelKey(name string) []byte {
	return []byte(prefixActiveModel + name)
}

func feedbackKey(ts time.Time, id string) []byte {
	return fmt.Appendf(nil, "%s%020d:%s", prefixFeedback, ts.UnixNano(), id)
}

func provenanceKey(recID string) []byte {
	return []byte(prefixProvenance + recID)
}

// countPrefix counts keys under a prefix (key-only iteration).
func (s *Store) countPrefix(prefix string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// EventCount returns the number of stored canonical events.
func (s *Store) EventCount() int64 {
	return s.eventCount.Load()
}
