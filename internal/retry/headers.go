package retry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ResetFormat names the encoding of a rate-limit reset header.
type ResetFormat string

const (
	ResetUnixTimestamp         ResetFormat = "unix_timestamp"
	ResetUnixTimestampInMs     ResetFormat = "unix_timestamp_in_ms"
	ResetISO8601               ResetFormat = "iso_8601"
	ResetISO8601DurationOpenAI ResetFormat = "iso_8601_duration_openai_variant"
)

var ErrUnparseableReset = errors.New("retry: unparseable reset header")

// openAIDuration matches values such as "6m0s", "1.5s", "20ms" or "1d2h".
var openAIDuration = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?(?:(\d+)ms)?$`)

// ParseReset converts a reset header value into an absolute time.
func ParseReset(value string, format ResetFormat, now time.Time) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, ErrUnparseableReset
	}

	switch format {
	case "", ResetUnixTimestamp:
		secs, err := cast.ToFloat64E(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableReset, v)
		}
		return time.UnixMilli(int64(math.Round(secs * 1000))), nil
	case ResetUnixTimestampInMs:
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableReset, v)
		}
		return time.UnixMilli(ms), nil
	case ResetISO8601:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrUnparseableReset, err)
		}
		return t, nil
	case ResetISO8601DurationOpenAI:
		d, err := parseOpenAIDuration(v)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown format %q", ErrUnparseableReset, format)
	}
}

func parseOpenAIDuration(v string) (time.Duration, error) {
	m := openAIDuration.FindStringSubmatch(v)
	if m == nil || m[0] == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableReset, v)
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second, time.Millisecond}
	var total time.Duration
	for i, unit := range units {
		s := m[i+1]
		if s == "" {
			continue
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnparseableReset, v)
		}
		total += time.Duration(n * float64(unit))
	}
	return total, nil
}

// HeadersStrategy retries according to rate-limit headers of the response.
type HeadersStrategy struct {
	LimitHeader     string      `json:"limitHeader"`
	RemainingHeader string      `json:"remainingHeader"`
	ResetHeader     string      `json:"resetHeader"`
	ResetFormat     ResetFormat `json:"resetFormat,omitempty"`
}

// decide retries at once while requests remain and waits for the reset once
// the window is exhausted.
func (s HeadersStrategy) decide(attempt int, h http.Header, now time.Time) Decision {
	if limit, ok := headerInt(h, s.LimitHeader); ok && limit > 0 && attempt > limit {
		return Never
	}
	remaining, ok := headerInt(h, s.RemainingHeader)
	if !ok {
		return Never
	}
	if remaining > 0 {
		return Decision{Retry: true, RetryAt: now}
	}
	resetAt, err := ParseReset(h.Get(s.ResetHeader), s.ResetFormat, now)
	if err != nil {
		return Never
	}
	if resetAt.Before(now) {
		resetAt = now
	}
	return Decision{Retry: true, RetryAt: resetAt}
}

// headerInt reads a decimal header value. Leading zeros do not change the base.
func headerInt(h http.Header, name string) (int, bool) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
