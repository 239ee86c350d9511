package taskrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jobs/durable/internal/retry"
)

// FetchRequest is an outbound HTTP call made as a step.
type FetchRequest struct {
	URL         string            `json:"url" validate:"required,url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	TimeoutInMs int64             `json:"timeoutInMs,omitempty"`
}

// FetchResponse is the recorded result of a successful fetch.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// BackgroundFetch performs req as the step key. Non-2xx responses, timeouts
// and connection errors fail the step with the retry decision of opts.
func (io *IO) BackgroundFetch(ctx context.Context, key string, req FetchRequest, opts retry.FetchOptions, stepOpts *StepOptions) (*FetchResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("fetch %q: %w", key, err)
	}
	if stepOpts == nil {
		stepOpts = &StepOptions{Name: fmt.Sprintf("fetch %s", req.URL)}
	}

	raw, err := io.RunTask(ctx, key, stepOpts, func(ctx context.Context, task *Task) (any, error) {
		if req.TimeoutInMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutInMs)*time.Millisecond)
			defer cancel()
		}
		httpReq, err := newHTTPRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		out := retry.Do(ctx, io.m.client, httpReq)
		if !out.OK() {
			return nil, &retry.FetchError{
				Outcome:  out,
				Decision: io.m.policy.DecideFetch(task.Attempts+1, opts, out),
			}
		}
		return toFetchResponse(out)
	})
	if err != nil {
		return nil, err
	}

	var resp FetchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode fetch output %q: %w", key, err)
	}
	return &resp, nil
}

func newHTTPRequest(ctx context.Context, req FetchRequest) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	var (
		httpReq *http.Request
		err     error
	)
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, method, req.URL, body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, req.URL, nil)
	}
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func toFetchResponse(out retry.Outcome) (FetchResponse, error) {
	resp := FetchResponse{Status: out.Status, Headers: make(map[string]string, len(out.Header))}
	for k := range out.Header {
		resp.Headers[k] = out.Header.Get(k)
	}
	switch {
	case len(out.RawBody) == 0:
	case json.Valid(out.RawBody):
		resp.Body = out.RawBody
	default:
		b, err := json.Marshal(string(out.RawBody))
		if err != nil {
			return FetchResponse{}, err
		}
		resp.Body = b
	}
	return resp, nil
}
