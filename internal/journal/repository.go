package journal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrDuplicateKey = errors.New("journal: idempotency key already recorded with a different output")

// DefaultPageSize bounds one Store page.
const DefaultPageSize = 100

// Page is one slice of a run's journal in insertion order. Next is empty
// once the journal is exhausted.
type Page struct {
	Tasks []CachedTask `json:"tasks"`
	Next  string       `json:"nextCursor,omitempty"`
}

// Store is the durable backing of a journal.
//
// Append must be idempotent: the same key with the same outcome succeeds,
// the same key with a different outcome fails with ErrDuplicateKey.
// Page with an empty cursor starts at the first entry.
type Store interface {
	Append(ctx context.Context, runID string, task CachedTask) error
	Page(ctx context.Context, runID, cursor string, limit int) (Page, error)
}

// RateLimitedError is returned by a Store that refuses work until Reset.
type RateLimitedError struct {
	Reset time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("journal store rate limited until %s", e.Reset.Format(time.RFC3339))
}

// IsRateLimited extracts a RateLimitedError from err.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
