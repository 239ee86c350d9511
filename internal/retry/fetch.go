package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// StrategyKind discriminates a FetchStrategy.
type StrategyKind string

const (
	StrategyHeaders StrategyKind = "headers"
	StrategyBackoff StrategyKind = "backoff"
)

// FetchStrategy is the retry strategy bound to one ByStatus key. Header
// fields apply to the headers strategy, Options to the backoff strategy.
type FetchStrategy struct {
	Strategy   StrategyKind `json:"strategy"`
	BodyFilter Filter       `json:"bodyFilter,omitempty"`
	HeadersStrategy
	Options
}

// FetchOptions configures retries of an outbound HTTP call.
type FetchOptions struct {
	ByStatus        map[string]FetchStrategy `json:"byStatus,omitempty"`
	Timeout         *Options                 `json:"timeout,omitempty"`
	ConnectionError *Options                 `json:"connectionError,omitempty"`
}

// Outcome is the result of one outbound attempt: a response, a timeout or a
// connection error.
type Outcome struct {
	Status   int
	Header   http.Header
	Body     any
	RawBody  []byte
	TimedOut bool
	Err      error
}

// OK reports whether the attempt produced a 2xx response.
func (o Outcome) OK() bool {
	return o.Err == nil && !o.TimedOut && o.Status >= 200 && o.Status < 300
}

// DecideFetch evaluates retry eligibility of outbound attempt n.
func (p *Policy) DecideFetch(attempt int, opts FetchOptions, out Outcome) Decision {
	switch {
	case out.TimedOut:
		if opts.Timeout == nil {
			return Never
		}
		return p.Decide(attempt, opts.Timeout)
	case out.Err != nil:
		if opts.ConnectionError == nil {
			return Never
		}
		return p.Decide(attempt, opts.ConnectionError)
	}

	_, strategy, ok := MatchStatus(opts.ByStatus, out.Status)
	if !ok {
		return Never
	}
	if !strategy.BodyFilter.Match(out.Body) {
		return Never
	}
	switch strategy.Strategy {
	case StrategyHeaders:
		return strategy.HeadersStrategy.decide(attempt, out.Header, p.now())
	case StrategyBackoff:
		return p.Decide(attempt, &strategy.Options)
	}
	return Never
}

// FetchError reports a failed outbound attempt together with its retry
// decision, so the caller can schedule the retry at the decided time.
type FetchError struct {
	Outcome  Outcome
	Decision Decision
}

func (e *FetchError) Error() string {
	switch {
	case e.Outcome.TimedOut:
		return "fetch timed out"
	case e.Outcome.Err != nil:
		return fmt.Sprintf("fetch failed: %v", e.Outcome.Err)
	}
	return fmt.Sprintf("fetch failed with status %d", e.Outcome.Status)
}

func (e *FetchError) Unwrap() error { return e.Outcome.Err }

// Do performs req with client and captures the outcome. The body is read in
// full and decoded as JSON when possible.
func Do(ctx context.Context, client *http.Client, req *http.Request) Outcome {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return Outcome{Err: err, TimedOut: isTimeout(err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Status: resp.StatusCode, Header: resp.Header, Err: err, TimedOut: isTimeout(err)}
	}
	out := Outcome{Status: resp.StatusCode, Header: resp.Header, RawBody: raw}
	var body any
	if json.Unmarshal(raw, &body) == nil {
		out.Body = body
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
