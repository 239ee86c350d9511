// Package events propagates run cancellation to every controller instance.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// canceledTTL bounds how long a cancel is remembered for runs that start
// watching after the event arrived.
const canceledTTL = 10 * time.Minute

// Bus publishes cancel events via Redis pub/sub and delivers them to local
// watchers. With a nil client it delivers in process only.
type Bus struct {
	rdb      *redis.Client
	logger   *zap.Logger
	source   string
	now      func() time.Time
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
	canceled map[string]time.Time
}

// NewBus constructs a bus with an injected Redis client. source identifies
// this instance in published events.
func NewBus(rdb *redis.Client, logger *zap.Logger, source string) *Bus {
	return &Bus{
		rdb:      rdb,
		logger:   logger,
		source:   source,
		now:      time.Now,
		watchers: make(map[string]map[chan struct{}]struct{}),
		canceled: make(map[string]time.Time),
	}
}

// Watch returns a channel closed when runID is canceled, and a func that
// stops watching.
func (b *Bus) Watch(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.canceled[runID]; ok {
		close(ch)
		return ch, func() {}
	}
	set, ok := b.watchers[runID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.watchers[runID] = set
	}
	set[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.watchers[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.watchers, runID)
			}
		}
	}
}

// Cancel announces that runID must stop.
func (b *Bus) Cancel(ctx context.Context, runID string) error {
	ev := RedisEvent{
		Type:      EventCancelRun,
		RunID:     runID,
		Source:    b.source,
		Timestamp: b.now().UnixMilli(),
	}
	return b.publish(ctx, ev)
}

func (b *Bus) publish(ctx context.Context, ev RedisEvent) error {
	if b.rdb == nil { // fallback when redis disabled
		b.deliver(ev)
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, redisChannel, payload).Err()
}

// Run consumes the Redis channel until ctx is done. It returns immediately
// without a client.
func (b *Bus) Run(ctx context.Context) error {
	if b.rdb == nil {
		<-ctx.Done()
		return nil
	}

	sub := b.rdb.Subscribe(ctx, redisChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("subscribed to run events", zap.String("channel", redisChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev RedisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("malformed run event", zap.Error(err))
				continue
			}
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev RedisEvent) {
	if ev.Type != EventCancelRun || ev.RunID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, at := range b.canceled {
		if now.Sub(at) > canceledTTL {
			delete(b.canceled, id)
		}
	}
	if _, ok := b.canceled[ev.RunID]; ok {
		return
	}
	b.canceled[ev.RunID] = now

	for ch := range b.watchers[ev.RunID] {
		close(ch)
	}
	delete(b.watchers, ev.RunID)
	b.logger.Debug("run canceled", zap.String("run_id", ev.RunID), zap.String("source", ev.Source))
}
