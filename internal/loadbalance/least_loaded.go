package loadbalance

import (
	"context"
)

// LeastLoadedStrategy 最少负载策略，负载相同时选择靠前的候选者
type LeastLoadedStrategy struct{}

func NewLeastLoadedStrategy() *LeastLoadedStrategy {
	return &LeastLoadedStrategy{}
}

func (s *LeastLoadedStrategy) Select(_ context.Context, _ string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	selected := candidates[0]
	minLoad := selected.Load()
	for _, c := range candidates[1:] {
		if load := c.Load(); load < minLoad {
			selected, minLoad = c, load
		}
	}
	return selected, nil
}

func (s *LeastLoadedStrategy) Name() Kind {
	return KindLeastLoaded
}
