// Package yield decides when an attempt has to checkpoint and hand control
// back to its caller.
package yield

import (
	"slices"
	"time"
)

// Location is the point of a step at which the time budget is checked.
type Location string

const (
	StartTask          Location = "start_task"
	BeforeExecuteTask  Location = "before_execute_task"
	BeforeCompleteTask Location = "before_complete_task"
	AfterCompleteTask  Location = "after_complete_task"
)

// Config holds the remaining-time thresholds in milliseconds below which
// each location forces a checkpoint.
type Config struct {
	StartTaskThreshold          int64 `json:"startTaskThreshold" mapstructure:"start_task_threshold"`
	BeforeExecuteTaskThreshold  int64 `json:"beforeExecuteTaskThreshold" mapstructure:"before_execute_task_threshold"`
	BeforeCompleteTaskThreshold int64 `json:"beforeCompleteTaskThreshold" mapstructure:"before_complete_task_threshold"`
	AfterCompleteTaskThreshold  int64 `json:"afterCompleteTaskThreshold" mapstructure:"after_complete_task_threshold"`
}

func DefaultConfig() Config {
	return Config{
		StartTaskThreshold:          500,
		BeforeExecuteTaskThreshold:  1500,
		BeforeCompleteTaskThreshold: 1000,
		AfterCompleteTaskThreshold:  500,
	}
}

func (c Config) threshold(loc Location) time.Duration {
	var ms int64
	switch loc {
	case StartTask:
		ms = c.StartTaskThreshold
	case BeforeExecuteTask:
		ms = c.BeforeExecuteTaskThreshold
	case BeforeCompleteTask:
		ms = c.BeforeCompleteTaskThreshold
	case AfterCompleteTask:
		ms = c.AfterCompleteTaskThreshold
	}
	return time.Duration(ms) * time.Millisecond
}

// Metadata describes a forced checkpoint.
type Metadata struct {
	Location      Location `json:"location"`
	TimeRemaining int64    `json:"timeRemaining"`
	TimeElapsed   int64    `json:"timeElapsed"`
	Limit         *int64   `json:"limit,omitempty"`
}

// Coordinator tracks the time budget of one attempt.
type Coordinator struct {
	cfg     Config
	start   time.Time
	limit   time.Duration
	now     func() time.Time
	yielded []string
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithYielded sets the keys already yielded by previous attempts.
func WithYielded(keys []string) Option {
	return func(c *Coordinator) { c.yielded = keys }
}

// New creates a Coordinator for an attempt that started at start and may run
// for limitMs milliseconds. A limit of 0 disables forced checkpoints.
func New(cfg Config, start time.Time, limitMs int64, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:   cfg,
		start: start,
		limit: time.Duration(limitMs) * time.Millisecond,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns checkpoint metadata when the remaining budget has dropped
// below the threshold of loc, or nil when execution may continue.
func (c *Coordinator) Check(loc Location) *Metadata {
	if c.limit <= 0 {
		return nil
	}
	elapsed := c.now().Sub(c.start)
	remaining := c.limit - elapsed
	if remaining >= c.cfg.threshold(loc) {
		return nil
	}
	limit := c.limit.Milliseconds()
	return &Metadata{
		Location:      loc,
		TimeRemaining: remaining.Milliseconds(),
		TimeElapsed:   elapsed.Milliseconds(),
		Limit:         &limit,
	}
}

// Elapsed is the time spent since the attempt started.
func (c *Coordinator) Elapsed() time.Duration {
	return c.now().Sub(c.start)
}

// Yielded reports whether key was already yielded by a previous attempt.
func (c *Coordinator) Yielded(key string) bool {
	return slices.Contains(c.yielded, key)
}
