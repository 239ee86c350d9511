package loadbalance

import (
	"context"
	"math/rand/v2"
)

// RandomStrategy 随机策略
type RandomStrategy struct{}

func NewRandomStrategy() *RandomStrategy {
	return &RandomStrategy{}
}

func (s *RandomStrategy) Select(_ context.Context, _ string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func (s *RandomStrategy) Name() Kind {
	return KindRandom
}
