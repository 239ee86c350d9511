package journal

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MemoryStore keeps journals in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
}

type memoryRun struct {
	byKey map[string]int
	tasks []CachedTask
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*memoryRun)}
}

func (s *MemoryStore) Append(_ context.Context, runID string, task CachedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		run = &memoryRun{byKey: make(map[string]int)}
		s.runs[runID] = run
	}
	if i, ok := run.byKey[task.IdempotencyKey]; ok {
		if run.tasks[i].SameOutcome(task) {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrDuplicateKey, task.IdempotencyKey)
	}
	run.byKey[task.IdempotencyKey] = len(run.tasks)
	run.tasks = append(run.tasks, task)
	return nil
}

// Page treats the cursor as the offset of the next entry.
func (s *MemoryStore) Page(_ context.Context, runID, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("journal: invalid cursor %q", cursor)
		}
		offset = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok || offset >= len(run.tasks) {
		return Page{}, nil
	}
	end := min(offset+limit, len(run.tasks))
	page := Page{Tasks: append([]CachedTask(nil), run.tasks[offset:end]...)}
	if end < len(run.tasks) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// Len reports the number of entries recorded for runID.
func (s *MemoryStore) Len(runID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if run, ok := s.runs[runID]; ok {
		return len(run.tasks)
	}
	return 0
}
