package loadbalance

import (
	"context"
	"sync"
)

// StickyStrategy 粘性策略 - 同一个 key 始终选择同一个候选者，候选者消失后重新选择
type StickyStrategy struct {
	mu     sync.Mutex
	sticky map[string]string
}

func NewStickyStrategy() *StickyStrategy {
	return &StickyStrategy{sticky: make(map[string]string)}
}

func (s *StickyStrategy) Select(_ context.Context, key string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.sticky[key]; ok {
		for _, c := range candidates {
			if c.ID() == id {
				return c, nil
			}
		}
	}

	selected := candidates[0]
	s.sticky[key] = selected.ID()
	return selected, nil
}

// Forget drops the binding of key.
func (s *StickyStrategy) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sticky, key)
}

func (s *StickyStrategy) Name() Kind {
	return KindSticky
}
