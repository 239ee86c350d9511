package loadbalance

import (
	"context"
	"sync"
)

// RoundRobinStrategy 轮询策略
type RoundRobinStrategy struct {
	mu      sync.Mutex
	indexes map[string]int
}

func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{indexes: make(map[string]int)}
}

func (s *RoundRobinStrategy) Select(_ context.Context, key string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 选择下一个候选者，候选集合变化时取模回绕
	index := s.indexes[key] % len(candidates)
	s.indexes[key] = (index + 1) % len(candidates)
	return candidates[index], nil
}

func (s *RoundRobinStrategy) Name() Kind {
	return KindRoundRobin
}
