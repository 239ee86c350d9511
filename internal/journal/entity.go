// Package journal records completed steps of a run keyed by idempotency key
// so that later attempts replay them instead of executing them again.
package journal

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusErrored   TaskStatus = "ERRORED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

// DefaultOutputType is recorded when a step does not name one.
const DefaultOutputType = "application/json"

// DisplayProperty is a label/value pair shown next to a step.
type DisplayProperty struct {
	Label    string  `json:"label"`
	Text     string  `json:"text"`
	URL      *string `json:"url,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

// CachedTask is one completed step. Once recorded it is never altered.
type CachedTask struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Status         TaskStatus        `json:"status"`
	Noop           bool              `json:"noop"`
	Output         json.RawMessage   `json:"output,omitempty"`
	OutputType     string            `json:"outputType,omitempty"`
	Properties     []DisplayProperty `json:"properties,omitempty"`
	ParentID       *string           `json:"parentId,omitempty"`
}

// SameOutcome reports whether t and other record the same result.
func (t CachedTask) SameOutcome(other CachedTask) bool {
	return t.Noop == other.Noop && bytes.Equal(compact(t.Output), compact(other.Output))
}

var taskNamespace = uuid.MustParse("5b0cf0a2-7f0a-4b52-9d35-1c3f4f6c7e21")

// TaskID derives the stable id of the step key within run.
func TaskID(runID, key string) string {
	return uuid.NewSHA1(taskNamespace, []byte(runID+"\x00"+key)).String()
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
