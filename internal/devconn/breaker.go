package devconn

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by breaker.allow while calls are being shed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker 简单的熔断器实现
type breaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	successes    int
	openedAt     time.Time
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

func newBreaker(threshold int, resetTimeout time.Duration, now func() time.Time) *breaker {
	return &breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          now,
	}
}

// allow reports whether a call may proceed. When it may not, retryAt is the
// earliest time the breaker will let a trial call through.
func (b *breaker) allow() (retryAt time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != breakerOpen {
		return time.Time{}, nil
	}
	reopen := b.openedAt.Add(b.resetTimeout)
	if b.now().Before(reopen) {
		return reopen, ErrBreakerOpen
	}
	b.state = breakerHalfOpen
	b.failures = 0
	b.successes = 0
	return time.Time{}, nil
}

func (b *breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.failures++
		// 半开状态下一次失败即重新打开
		if b.state == breakerHalfOpen || b.failures >= b.threshold {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
		return
	}

	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= 2 {
			b.state = breakerClosed
			b.failures = 0
		}
	case breakerClosed:
		b.failures = 0
	}
}
