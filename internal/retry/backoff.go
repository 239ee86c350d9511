// Package retry decides whether and when a failed step or outbound request
// should be tried again. Every decision is a pure function of its inputs,
// the injected clock and the injected random source.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Engine defaults used when an Options field is absent.
const (
	DefaultLimit          = 10
	DefaultFactor         = 1.8
	DefaultMinTimeoutInMs = 1000
	DefaultMaxTimeoutInMs = 60000
	DefaultRandomize      = true
)

// Options configures exponential backoff. A nil field means "use the engine
// default", never "do not retry".
type Options struct {
	Limit          *int     `json:"limit,omitempty"`
	Factor         *float64 `json:"factor,omitempty"`
	MinTimeoutInMs *int64   `json:"minTimeoutInMs,omitempty"`
	MaxTimeoutInMs *int64   `json:"maxTimeoutInMs,omitempty"`
	Randomize      *bool    `json:"randomize,omitempty"`
}

// Resolved is Options with every default applied.
type Resolved struct {
	Limit      int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Randomize  bool
}

// Resolve applies engine defaults to o. A nil o resolves to all defaults.
func (o *Options) Resolve() Resolved {
	r := Resolved{
		Limit:      DefaultLimit,
		Factor:     DefaultFactor,
		MinTimeout: DefaultMinTimeoutInMs * time.Millisecond,
		MaxTimeout: DefaultMaxTimeoutInMs * time.Millisecond,
		Randomize:  DefaultRandomize,
	}
	if o == nil {
		return r
	}
	if o.Limit != nil {
		r.Limit = *o.Limit
	}
	if o.Factor != nil {
		r.Factor = *o.Factor
	}
	if o.MinTimeoutInMs != nil {
		r.MinTimeout = time.Duration(*o.MinTimeoutInMs) * time.Millisecond
	}
	if o.MaxTimeoutInMs != nil {
		r.MaxTimeout = time.Duration(*o.MaxTimeoutInMs) * time.Millisecond
	}
	if o.Randomize != nil {
		r.Randomize = *o.Randomize
	}
	return r
}

func (r Resolved) valid() bool {
	switch {
	case r.Limit <= 0:
		return false
	case r.Factor <= 0 || math.IsNaN(r.Factor) || math.IsInf(r.Factor, 0):
		return false
	case r.MinTimeout < 0 || r.MaxTimeout < 0:
		return false
	case r.MaxTimeout < r.MinTimeout:
		return false
	}
	return true
}

// Merge returns o with nil fields filled from fallback.
func Merge(o, fallback *Options) *Options {
	if o == nil {
		return fallback
	}
	if fallback == nil {
		return o
	}
	out := *o
	if out.Limit == nil {
		out.Limit = fallback.Limit
	}
	if out.Factor == nil {
		out.Factor = fallback.Factor
	}
	if out.MinTimeoutInMs == nil {
		out.MinTimeoutInMs = fallback.MinTimeoutInMs
	}
	if out.MaxTimeoutInMs == nil {
		out.MaxTimeoutInMs = fallback.MaxTimeoutInMs
	}
	if out.Randomize == nil {
		out.Randomize = fallback.Randomize
	}
	return &out
}

// Decision is the outcome of a retry evaluation.
type Decision struct {
	Retry   bool
	RetryAt time.Time
}

// Never is the decision that stops retrying.
var Never = Decision{}

// Policy evaluates retry decisions against a clock and a random source.
type Policy struct {
	now    func() time.Time
	jitter func() float64
}

// Option customizes a Policy.
type Option func(*Policy)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithJitter overrides the random source. fn must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(p *Policy) { p.jitter = fn }
}

// NewPolicy creates a Policy backed by the wall clock and math/rand.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{now: time.Now, jitter: rand.Float64}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay computes the wait before the retry that follows failed attempt n
// (1-based). ok is false when no further retry is allowed.
func (p *Policy) Delay(attempt int, o *Options) (d time.Duration, ok bool) {
	r := o.Resolve()
	if !r.valid() || attempt < 1 || attempt >= r.Limit {
		return 0, false
	}

	ms := float64(r.MinTimeout.Milliseconds()) * math.Pow(r.Factor, float64(attempt-1))
	if maxMs := float64(r.MaxTimeout.Milliseconds()); ms > maxMs || math.IsInf(ms, 0) || math.IsNaN(ms) {
		ms = maxMs
	}
	if r.Randomize {
		ms *= 0.5 + p.jitter()*0.5
	}
	return time.Duration(math.Round(ms)) * time.Millisecond, true
}

// Decide returns when to retry after failed attempt n, if at all.
func (p *Policy) Decide(attempt int, o *Options) Decision {
	d, ok := p.Delay(attempt, o)
	if !ok {
		return Never
	}
	return Decision{Retry: true, RetryAt: p.now().Add(d)}
}
