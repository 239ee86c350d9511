package loadbalance

import (
	"context"
	"errors"
)

var ErrNoCandidates = errors.New("loadbalance: no available candidates")

// Kind 负载均衡策略类型
type Kind string

const (
	KindRoundRobin  Kind = "round_robin"
	KindRandom      Kind = "random"
	KindSticky      Kind = "sticky"
	KindLeastLoaded Kind = "least_loaded"
)

// Candidate is anything a strategy can pick, typically a live worker connection.
type Candidate interface {
	ID() string
	// Load is the number of in-flight units on the candidate.
	Load() int
}

// Strategy 负载均衡策略接口
type Strategy interface {
	// Select picks one of candidates for key. key scopes any state the
	// strategy keeps, e.g. an environment id or a run id.
	Select(ctx context.Context, key string, candidates []Candidate) (Candidate, error)
	Name() Kind
}
