package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jobs/durable/internal/taskrun"
)

var ErrInvalidSecret = errors.New("webhook: source secret does not match")

// SourceContext is attached to events produced by EventSource.
type SourceContext struct {
	Key       string          `json:"key"`
	DynamicID *string         `json:"dynamicId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Request   Request         `json:"request"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// EventSource turns every request of a source into one event named event.
// The forwarded secret must equal secret. A body that is not JSON is carried
// as a JSON string.
func EventSource(event, secret string, now func() time.Time) SourceHandler {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context, src *SourceHeaders, body []byte) (*Result, error) {
		if subtle.ConstantTimeCompare([]byte(src.Secret), []byte(secret)) != 1 {
			return nil, ErrInvalidSecret
		}

		payload, err := bodyPayload(body)
		if err != nil {
			return nil, err
		}
		sctx, err := json.Marshal(SourceContext{
			Key:       src.Key,
			DynamicID: src.DynamicID,
			Params:    src.Params,
			Request:   src.Request,
			Metadata:  src.Metadata,
		})
		if err != nil {
			return nil, err
		}

		ev := taskrun.Event{
			ID:        uuid.NewString(),
			Name:      event,
			Payload:   payload,
			Context:   sctx,
			Timestamp: now().UTC(),
		}
		return &Result{
			Events:   []taskrun.Event{ev},
			Response: &Response{Status: http.StatusOK, Body: map[string]any{"ok": true, "eventId": ev.ID}},
		}, nil
	}
}

func bodyPayload(body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	return json.Marshal(string(body))
}
