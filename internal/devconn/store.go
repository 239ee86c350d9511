package devconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/retry"
)

// HeaderRateLimitReset carries the unix millisecond time a 429 expires.
const HeaderRateLimitReset = "x-ratelimit-reset"

// HTTPStore is a journal.Store backed by the server's run task endpoints.
// Repeated transport failures or 5xx responses open a breaker; while it is
// open calls fail with a journal.RateLimitedError so the run yields.
type HTTPStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
	breaker *breaker
}

func NewHTTPStore(baseURL, apiKey string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &HTTPStore{baseURL: baseURL, apiKey: apiKey, client: client, now: time.Now}
	s.breaker = newBreaker(3, 30*time.Second, func() time.Time { return s.now() })
	return s
}

func (s *HTTPStore) Append(ctx context.Context, runID string, task journal.CachedTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodPost, s.tasksURL(runID, nil), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %q", journal.ErrDuplicateKey, task.IdempotencyKey)
	}
	return s.failure(resp)
}

func (s *HTTPStore) Page(ctx context.Context, runID, cursor string, limit int) (journal.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := s.do(ctx, http.MethodGet, s.tasksURL(runID, q), nil)
	if err != nil {
		return journal.Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return journal.Page{}, s.failure(resp)
	}
	var page journal.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return journal.Page{}, fmt.Errorf("decode task page: %w", err)
	}
	return page, nil
}

func (s *HTTPStore) tasksURL(runID string, q url.Values) string {
	u := s.baseURL + "/api/v1/runs/" + url.PathEscape(runID) + "/journal"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (s *HTTPStore) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if retryAt, err := s.breaker.allow(); err != nil {
		return nil, &journal.RateLimitedError{Reset: retryAt}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		// a canceled caller says nothing about the server
		s.breaker.record(ctx.Err() == nil)
		return nil, err
	}
	s.breaker.record(resp.StatusCode >= http.StatusInternalServerError)
	return resp, nil
}

func (s *HTTPStore) failure(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		now := s.now()
		reset, err := retry.ParseReset(resp.Header.Get(HeaderRateLimitReset), retry.ResetUnixTimestampInMs, now)
		if err != nil {
			reset = now.Add(time.Second)
		}
		return &journal.RateLimitedError{Reset: reset}
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("journal request failed: %s: %s", resp.Status, bytes.TrimSpace(msg))
}
