package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Journal is the per-attempt view of one run's cached tasks. Entries only
// ever grow; nothing is removed or replaced. Safe for concurrent use.
type Journal struct {
	runID    string
	store    Store
	pageSize int

	mu     sync.RWMutex
	byKey  map[string]int
	tasks  []CachedTask
	cursor string
}

type Option func(*Journal)

// WithStore writes appends through to s and lets Lookup page from it.
func WithStore(s Store) Option {
	return func(j *Journal) { j.store = s }
}

func WithPageSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.pageSize = n
		}
	}
}

func New(runID string, opts ...Option) *Journal {
	j := &Journal{
		runID:    runID,
		pageSize: DefaultPageSize,
		byKey:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Journal) RunID() string { return j.runID }

func (j *Journal) Has(key string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.byKey[key]
	return ok
}

func (j *Journal) Get(key string) (CachedTask, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	i, ok := j.byKey[key]
	if !ok {
		return CachedTask{}, false
	}
	return j.tasks[i], true
}

// Tasks returns a copy of all entries in insertion order.
func (j *Journal) Tasks() []CachedTask {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]CachedTask, len(j.tasks))
	copy(out, j.tasks)
	return out
}

// Cursor is the continuation token of the pages not yet loaded.
func (j *Journal) Cursor() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cursor
}

// Replay loads previously recorded tasks in the supplied order and keeps
// cursor for lazy loading of the remainder. A key replayed twice with a
// different outcome fails with ErrDuplicateKey; the first entry is kept.
func (j *Journal) Replay(tasks []CachedTask, cursor string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cursor = cursor
	for _, t := range tasks {
		if err := j.insertLocked(t); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves key, pulling further pages from the store while the key is
// unknown and a cursor remains.
func (j *Journal) Lookup(ctx context.Context, key string) (CachedTask, bool, error) {
	if t, ok := j.Get(key); ok {
		return t, true, nil
	}
	if j.store == nil {
		return CachedTask{}, false, nil
	}

	for {
		cursor := j.Cursor()
		if cursor == "" {
			return CachedTask{}, false, nil
		}
		page, err := j.store.Page(ctx, j.runID, cursor, j.pageSize)
		if err != nil {
			return CachedTask{}, false, fmt.Errorf("load journal page: %w", err)
		}
		if err := j.Replay(page.Tasks, page.Next); err != nil {
			return CachedTask{}, false, err
		}
		if t, ok := j.Get(key); ok {
			return t, true, nil
		}
	}
}

// Append records a completed step under key.
func (j *Journal) Append(ctx context.Context, key string, output json.RawMessage, outputType string, properties []DisplayProperty) (CachedTask, error) {
	return j.Record(ctx, CachedTask{
		IdempotencyKey: key,
		Status:         TaskStatusCompleted,
		Output:         output,
		OutputType:     outputType,
		Properties:     properties,
	})
}

// Record appends t. The id, status and output type are filled in when empty.
// Recording an existing key with the same outcome is a no-op that returns
// the stored entry.
func (j *Journal) Record(ctx context.Context, t CachedTask) (CachedTask, error) {
	if t.IdempotencyKey == "" {
		return CachedTask{}, fmt.Errorf("journal: empty idempotency key")
	}
	if t.ID == "" {
		t.ID = TaskID(j.runID, t.IdempotencyKey)
	}
	if t.Status == "" {
		t.Status = TaskStatusCompleted
	}
	if t.OutputType == "" {
		t.OutputType = DefaultOutputType
	}

	if existing, ok := j.Get(t.IdempotencyKey); ok {
		if existing.SameOutcome(t) {
			return existing, nil
		}
		return CachedTask{}, fmt.Errorf("%w: %q", ErrDuplicateKey, t.IdempotencyKey)
	}

	if j.store != nil {
		if err := j.store.Append(ctx, j.runID, t); err != nil {
			return CachedTask{}, err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.insertLocked(t); err != nil {
		return CachedTask{}, err
	}
	return j.tasks[j.byKey[t.IdempotencyKey]], nil
}

func (j *Journal) insertLocked(t CachedTask) error {
	if i, ok := j.byKey[t.IdempotencyKey]; ok {
		if j.tasks[i].SameOutcome(t) {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrDuplicateKey, t.IdempotencyKey)
	}
	j.byKey[t.IdempotencyKey] = len(j.tasks)
	j.tasks = append(j.tasks, t)
	return nil
}
