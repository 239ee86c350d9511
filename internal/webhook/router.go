package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jobs/durable/internal/taskrun"
)

var ErrUnknownSource = errors.New("webhook: no handler for source key")

// Response is what the source answers to the original caller.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// Result is the outcome of handling one source request: events to deliver
// and an optional response for the caller.
type Result struct {
	Events   []taskrun.Event `json:"events"`
	Response *Response       `json:"response,omitempty"`
}

type SourceHandler func(ctx context.Context, src *SourceHeaders, body []byte) (*Result, error)

// Router dispatches parsed source requests by key.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]SourceHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]SourceHandler)}
}

func (r *Router) Handle(key string, h SourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Dispatch parses the headers of req and runs the handler for its key.
func (r *Router) Dispatch(ctx context.Context, h http.Header, body []byte) (*Result, error) {
	src, err := ParseSourceHeaders(h)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	handler, ok := r.handlers[src.Key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, src.Key)
	}

	res, err := handler(ctx, src, body)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	if res.Response == nil {
		res.Response = &Response{Status: http.StatusOK}
	}
	return res, nil
}
