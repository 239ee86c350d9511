package loadbalance

import (
	"context"
	"fmt"
)

// Manager 负载均衡管理器
type Manager struct {
	strategies map[Kind]Strategy
	fallback   Kind
}

// NewManager 创建负载均衡管理器，fallback 为空或未知时使用轮询策略
func NewManager(fallback Kind) *Manager {
	m := &Manager{strategies: make(map[Kind]Strategy)}

	// 注册所有策略
	for _, s := range []Strategy{
		NewRoundRobinStrategy(),
		NewRandomStrategy(),
		NewStickyStrategy(),
		NewLeastLoadedStrategy(),
	} {
		m.strategies[s.Name()] = s
	}

	if _, ok := m.strategies[fallback]; !ok {
		fallback = KindRoundRobin
	}
	m.fallback = fallback
	return m
}

// Select picks a candidate with the strategy of kind, or the fallback
// strategy when kind is empty or unknown.
func (m *Manager) Select(ctx context.Context, kind Kind, key string, candidates []Candidate) (Candidate, error) {
	strategy, ok := m.strategies[kind]
	if !ok {
		strategy = m.strategies[m.fallback]
	}

	selected, err := strategy.Select(ctx, key, candidates)
	if err != nil {
		return nil, fmt.Errorf("select using %s strategy: %w", strategy.Name(), err)
	}
	return selected, nil
}

// GetStrategy 获取指定的负载均衡策略
func (m *Manager) GetStrategy(kind Kind) (Strategy, error) {
	strategy, ok := m.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("unknown load balance strategy: %s", kind)
	}
	return strategy, nil
}

func (m *Manager) Fallback() Kind {
	return m.fallback
}
