package retry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedPolicy() *Policy {
	return NewPolicy(WithClock(func() time.Time { return epoch }), WithJitter(func() float64 { return 0.5 }))
}

func TestDecide_Deterministic(t *testing.T) {
	p := fixedPolicy()
	opts := &Options{
		Factor:         lo.ToPtr(2.0),
		MinTimeoutInMs: lo.ToPtr[int64](100),
		MaxTimeoutInMs: lo.ToPtr[int64](10000),
		Randomize:      lo.ToPtr(false),
	}

	want := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: 1600 * time.Millisecond,
		8: 10000 * time.Millisecond,
	}
	for attempt, delay := range want {
		for i := 0; i < 3; i++ {
			d := p.Decide(attempt, opts)
			require.True(t, d.Retry, "attempt %d", attempt)
			assert.Equal(t, epoch.Add(delay), d.RetryAt, "attempt %d", attempt)
		}
	}
}

func TestDecide_Jitter(t *testing.T) {
	opts := &Options{MinTimeoutInMs: lo.ToPtr[int64](1000), Randomize: lo.ToPtr(true)}

	low := NewPolicy(WithClock(func() time.Time { return epoch }), WithJitter(func() float64 { return 0 }))
	assert.Equal(t, epoch.Add(500*time.Millisecond), low.Decide(1, opts).RetryAt)

	high := NewPolicy(WithClock(func() time.Time { return epoch }), WithJitter(func() float64 { return 0.999999 }))
	assert.Equal(t, epoch.Add(1000*time.Millisecond), high.Decide(1, opts).RetryAt)

	live := NewPolicy()
	for i := 0; i < 100; i++ {
		d, ok := live.Delay(1, opts)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1000*time.Millisecond)
	}
}

func TestDecide_Limits(t *testing.T) {
	p := fixedPolicy()

	assert.True(t, p.Decide(9, nil).Retry)
	assert.False(t, p.Decide(10, nil).Retry)
	assert.False(t, p.Decide(2, &Options{Limit: lo.ToPtr(2)}).Retry)

	invalid := []*Options{
		{Limit: lo.ToPtr(0)},
		{Limit: lo.ToPtr(-1)},
		{Factor: lo.ToPtr(0.0)},
		{MinTimeoutInMs: lo.ToPtr[int64](-5)},
		{MinTimeoutInMs: lo.ToPtr[int64](5000), MaxTimeoutInMs: lo.ToPtr[int64](100)},
	}
	for _, o := range invalid {
		assert.Equal(t, Never, p.Decide(1, o))
	}
	assert.Equal(t, Never, p.Decide(0, nil))
}

func TestMerge(t *testing.T) {
	step := &Options{Limit: lo.ToPtr(3)}
	def := &Options{Limit: lo.ToPtr(7), Factor: lo.ToPtr(3.0)}

	m := Merge(step, def)
	assert.Equal(t, 3, *m.Limit)
	assert.Equal(t, 3.0, *m.Factor)
	assert.Nil(t, m.Randomize)
	assert.Same(t, def, Merge(nil, def))
}

func TestMatchStatus(t *testing.T) {
	byStatus := map[string]string{"429": "A", "4xx": "B"}

	key, v, ok := MatchStatus(byStatus, 429)
	require.True(t, ok)
	assert.Equal(t, "429", key)
	assert.Equal(t, "A", v)

	_, v, ok = MatchStatus(byStatus, 404)
	require.True(t, ok)
	assert.Equal(t, "B", v)

	_, _, ok = MatchStatus(byStatus, 500)
	assert.False(t, ok)
}

func TestMatchStatus_RangePrecedence(t *testing.T) {
	byStatus := map[string]string{
		"5xx":     "wild",
		"500-599": "wide",
		"500-509": "narrow",
		"abc":     "ignored",
		"600-700": "ignored",
	}

	_, v, _ := MatchStatus(byStatus, 503)
	assert.Equal(t, "narrow", v)
	_, v, _ = MatchStatus(byStatus, 550)
	assert.Equal(t, "wide", v)

	delete(byStatus, "500-599")
	delete(byStatus, "500-509")
	_, v, _ = MatchStatus(byStatus, 550)
	assert.Equal(t, "wild", v)
}

func TestFilter(t *testing.T) {
	f := Filter{
		"error": map[string]any{"type": []any{"rate_limit", "overloaded"}},
		"code":  []int{429},
	}

	assert.True(t, f.Match(map[string]any{"error": map[string]any{"type": "rate_limit"}, "code": float64(429)}))
	assert.False(t, f.Match(map[string]any{"error": map[string]any{"type": "invalid"}, "code": float64(429)}))
	assert.False(t, f.Match(map[string]any{"error": map[string]any{"type": "rate_limit"}}))
	assert.False(t, f.Match("text body"))
	assert.True(t, Filter(nil).Match(nil))
}

func TestParseReset(t *testing.T) {
	tests := []struct {
		value  string
		format ResetFormat
		want   time.Time
	}{
		{"1714564800", "", time.Unix(1714564800, 0)},
		{"1714564800", ResetUnixTimestamp, time.Unix(1714564800, 0)},
		{"1714564800500", ResetUnixTimestampInMs, time.UnixMilli(1714564800500)},
		{"2024-05-01T12:00:30Z", ResetISO8601, epoch.Add(30 * time.Second)},
		{"6m0s", ResetISO8601DurationOpenAI, epoch.Add(6 * time.Minute)},
		{"20ms", ResetISO8601DurationOpenAI, epoch.Add(20 * time.Millisecond)},
		{"1.5s", ResetISO8601DurationOpenAI, epoch.Add(1500 * time.Millisecond)},
		{"1d2h", ResetISO8601DurationOpenAI, epoch.Add(26 * time.Hour)},
	}
	for _, tt := range tests {
		got, err := ParseReset(tt.value, tt.format, epoch)
		require.NoError(t, err, tt.value)
		assert.True(t, tt.want.Equal(got), "%s: want %s got %s", tt.value, tt.want, got)
	}

	for _, bad := range []string{"", "soon", "5 minutes"} {
		_, err := ParseReset(bad, ResetISO8601DurationOpenAI, epoch)
		assert.ErrorIs(t, err, ErrUnparseableReset, bad)
	}
}

func TestDecideFetch(t *testing.T) {
	p := fixedPolicy()
	opts := FetchOptions{
		ByStatus: map[string]FetchStrategy{
			"429": {
				Strategy: StrategyHeaders,
				HeadersStrategy: HeadersStrategy{
					LimitHeader:     "x-ratelimit-limit",
					RemainingHeader: "x-ratelimit-remaining",
					ResetHeader:     "x-ratelimit-reset",
					ResetFormat:     ResetISO8601DurationOpenAI,
				},
			},
			"5xx": {
				Strategy:   StrategyBackoff,
				BodyFilter: Filter{"retryable": []any{true}},
				Options:    Options{MinTimeoutInMs: lo.ToPtr[int64](200), Randomize: lo.ToPtr(false)},
			},
		},
		Timeout: &Options{MinTimeoutInMs: lo.ToPtr[int64](50), Randomize: lo.ToPtr(false)},
	}

	exhausted := http.Header{}
	exhausted.Set("x-ratelimit-limit", "60")
	exhausted.Set("x-ratelimit-remaining", "0")
	exhausted.Set("x-ratelimit-reset", "2s")
	d := p.DecideFetch(1, opts, Outcome{Status: 429, Header: exhausted})
	assert.Equal(t, Decision{Retry: true, RetryAt: epoch.Add(2 * time.Second)}, d)

	remaining := exhausted.Clone()
	remaining.Set("x-ratelimit-remaining", "3")
	assert.Equal(t, Decision{Retry: true, RetryAt: epoch}, p.DecideFetch(1, opts, Outcome{Status: 429, Header: remaining}))

	padded := exhausted.Clone()
	padded.Set("x-ratelimit-remaining", "09")
	assert.Equal(t, Decision{Retry: true, RetryAt: epoch}, p.DecideFetch(1, opts, Outcome{Status: 429, Header: padded}))

	padded.Set("x-ratelimit-limit", "010")
	assert.Equal(t, Decision{Retry: true, RetryAt: epoch}, p.DecideFetch(9, opts, Outcome{Status: 429, Header: padded}), "limit is decimal 10, not octal 8")
	assert.Equal(t, Never, p.DecideFetch(11, opts, Outcome{Status: 429, Header: padded}))

	broken := exhausted.Clone()
	broken.Set("x-ratelimit-reset", "later")
	assert.Equal(t, Never, p.DecideFetch(1, opts, Outcome{Status: 429, Header: broken}))

	body := map[string]any{"retryable": true}
	assert.Equal(t, Decision{Retry: true, RetryAt: epoch.Add(200 * time.Millisecond)}, p.DecideFetch(1, opts, Outcome{Status: 503, Body: body}))
	assert.Equal(t, Never, p.DecideFetch(1, opts, Outcome{Status: 503, Body: map[string]any{"retryable": false}}))
	assert.Equal(t, Never, p.DecideFetch(1, opts, Outcome{Status: 404}))

	assert.Equal(t, Decision{Retry: true, RetryAt: epoch.Add(50 * time.Millisecond)}, p.DecideFetch(1, opts, Outcome{TimedOut: true}))
	assert.Equal(t, Never, p.DecideFetch(1, opts, Outcome{Err: assert.AnError}))
}

func TestDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit"}}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	out := Do(context.Background(), srv.Client(), req)
	require.NoError(t, out.Err)
	assert.False(t, out.OK())
	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	assert.Equal(t, "0", out.Header.Get("x-ratelimit-remaining"))
	assert.Equal(t, map[string]any{"error": map[string]any{"type": "rate_limit"}}, out.Body)
}

func TestDo_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	out := Do(ctx, srv.Client(), req)
	assert.True(t, out.TimedOut)
	assert.Error(t, out.Err)
}
