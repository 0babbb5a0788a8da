package imports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const jobKeyPrefix = "imports:job:"

var (
	// ErrJobMissing is returned by a JobStore for unknown job ids.
	ErrJobMissing = errors.New("imports: job record missing")

	errMissingBadger = errors.New("imports: badger handle is required")
)

// JobStore persists job records so finished jobs outlive the process that ran them.
type JobStore interface {
	// Save upserts the record.
	Save(ctx context.Context, record Record) error
	// Load returns the record for id or ErrJobMissing.
	Load(ctx context.Context, id JobID) (Record, error)
	// ListUnfinished returns every record whose job is not terminal.
	ListUnfinished(ctx context.Context) ([]Record, error)
}

// BadgerJobStore keeps job records in BadgerDB. Terminal records expire after the
// configured retention.
type BadgerJobStore struct {
	db        *badger.DB
	retention time.Duration
}

// OpenBadger opens a BadgerDB at path; an empty path opens an in-memory instance.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for imports: %w", err)
	}
	return db, nil
}

// NewBadgerJobStore wraps db. A non-positive retention keeps terminal records forever.
func NewBadgerJobStore(db *badger.DB, retention time.Duration) (*BadgerJobStore, error) {
	if db == nil {
		return nil, errMissingBadger
	}
	return &BadgerJobStore{db: db, retention: retention}, nil
}

func jobKey(id JobID) []byte {
	return []byte(jobKeyPrefix + id.String())
}

func (store *BadgerJobStore) Save(_ context.Context, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return store.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(jobKey(record.Job.ID), data)
		if record.Job.Status.IsTerminal() && store.retention > 0 {
			entry = entry.WithTTL(store.retention)
		}
		return txn.SetEntry(entry)
	})
}

func (store *BadgerJobStore) Load(_ context.Context, id JobID) (Record, error) {
	var record Record
	err := store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrJobMissing
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (store *BadgerJobStore) ListUnfinished(_ context.Context) ([]Record, error) {
	var unfinished []Record
	err := store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return fmt.Errorf("decode job record %s: %w", it.Item().Key(), err)
			}
			if !record.Job.Status.IsTerminal() {
				unfinished = append(unfinished, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unfinished, nil
}

// MemoryJobStore keeps records in process memory. Useful for tests.
type MemoryJobStore struct {
	mu      sync.RWMutex
	records map[JobID]Record
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{records: make(map[JobID]Record)}
}

func (store *MemoryJobStore) Save(_ context.Context, record Record) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	record.Job = record.Job.clone()
	record.Items = append([]Item(nil), record.Items...)
	store.records[record.Job.ID] = record
	return nil
}

func (store *MemoryJobStore) Load(_ context.Context, id JobID) (Record, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	record, ok := store.records[id]
	if !ok {
		return Record{}, ErrJobMissing
	}
	record.Job = record.Job.clone()
	return record, nil
}

func (store *MemoryJobStore) ListUnfinished(_ context.Context) ([]Record, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	var unfinished []Record
	for _, record := range store.records {
		if !record.Job.Status.IsTerminal() {
			record.Job = record.Job.clone()
			unfinished = append(unfinished, record)
		}
	}
	return unfinished, nil
}
