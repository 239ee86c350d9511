// Package taskrun executes one attempt of a run as a sequence of
// idempotency-keyed steps and reports exactly one Response per attempt.
package taskrun

import (
	"encoding/json"
	"time"

	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/retry"
	"github.com/jobs/durable/internal/yield"
)

type EnvironmentType string

const (
	EnvironmentProduction  EnvironmentType = "PRODUCTION"
	EnvironmentStaging     EnvironmentType = "STAGING"
	EnvironmentDevelopment EnvironmentType = "DEVELOPMENT"
	EnvironmentPreview     EnvironmentType = "PREVIEW"
)

type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type JobRef struct {
	ID      string `json:"id" validate:"required"`
	Version string `json:"version"`
}

// TaskRun identifies one logical execution request. Immutable once created.
type TaskRun struct {
	ID             string          `json:"id" validate:"required"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadType    string          `json:"payloadType,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	IsTest         bool            `json:"isTest"`
	IsRetry        bool            `json:"isRetry"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
}

type Attempt struct {
	ID        string    `json:"id"`
	Number    int       `json:"number" validate:"gte=0"`
	StartedAt time.Time `json:"startedAt"`
	WorkerID  string    `json:"workerId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Status    string    `json:"status,omitempty"`
}

type TaskRef struct {
	ID         string `json:"id"`
	FilePath   string `json:"filePath,omitempty"`
	ExportName string `json:"exportName,omitempty"`
}

type Queue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Environment struct {
	ID   string          `json:"id"`
	Slug string          `json:"slug"`
	Type EnvironmentType `json:"type" validate:"omitempty,oneof=PRODUCTION STAGING DEVELOPMENT PREVIEW"`
}

type Organization struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

type Project struct {
	ID   string `json:"id"`
	Ref  string `json:"ref,omitempty"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type Account struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SourceContext is set when the run was triggered by an inbound webhook.
type SourceContext struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Execution is the read-only context of a single attempt.
type Execution struct {
	Run     TaskRun `json:"run"`
	Attempt Attempt `json:"attempt"`
	Task    TaskRef `json:"task"`
	Queue   Queue   `json:"queue"`
	BatchID *string `json:"batchId,omitempty"`
}

// ConnectionAuth is resolved authentication for an external integration.
type ConnectionAuth struct {
	Type             string            `json:"type" validate:"required,oneof=oauth2 apiKey"`
	AccessToken      string            `json:"accessToken" validate:"required"`
	Scopes           []string          `json:"scopes,omitempty"`
	AdditionalFields map[string]string `json:"additionalFields,omitempty"`
}

// Request carries everything one attempt needs.
type Request struct {
	Event        Event          `json:"event"`
	Job          JobRef         `json:"job"`
	Execution    Execution      `json:"execution"`
	Environment  Environment    `json:"environment"`
	Organization Organization   `json:"organization"`
	Project      *Project       `json:"project,omitempty"`
	Account      *Account       `json:"account,omitempty"`
	Source       *SourceContext `json:"source,omitempty"`

	Tasks                  []journal.CachedTask      `json:"tasks,omitempty"`
	CachedTaskCursor       string                    `json:"cachedTaskCursor,omitempty"`
	PendingTasks           []Task                    `json:"pendingTasks,omitempty"`
	NoopTasksSet           []string                  `json:"noopTasksSet,omitempty"`
	Connections            map[string]ConnectionAuth `json:"connections,omitempty"`
	YieldedExecutions      []string                  `json:"yieldedExecutions,omitempty"`
	RunChunkExecutionLimit int64                     `json:"runChunkExecutionLimit,omitempty"`
	AutoYieldConfig        *yield.Config             `json:"autoYieldConfig,omitempty"`
}

// TaskID names the definition to run: the execution task id, falling back
// to the job id.
func (r *Request) TaskID() string {
	if r.Execution.Task.ID != "" {
		return r.Execution.Task.ID
	}
	return r.Job.ID
}

// RunID is the id of the run this attempt belongs to.
func (r *Request) RunID() string {
	return r.Execution.Run.ID
}

// Payload is the event payload, falling back to the run payload.
func (r *Request) Payload() json.RawMessage {
	if len(r.Event.Payload) > 0 {
		return r.Event.Payload
	}
	return r.Execution.Run.Payload
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusWaiting   TaskStatus = "WAITING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusErrored   TaskStatus = "ERRORED"
	TaskStatusCanceled  TaskStatus = "CANCELED"
)

// Task is the server-side snapshot of a step. Attempts counts the failed
// executions of the step so far.
type Task struct {
	ID             string                    `json:"id"`
	IdempotencyKey string                    `json:"idempotencyKey"`
	DisplayKey     *string                   `json:"displayKey,omitempty"`
	Name           string                    `json:"name"`
	Icon           *string                   `json:"icon,omitempty"`
	Status         TaskStatus                `json:"status"`
	Noop           bool                      `json:"noop"`
	Attempts       int                       `json:"attempts"`
	DelayUntil     *time.Time                `json:"delayUntil,omitempty"`
	StartedAt      *time.Time                `json:"startedAt,omitempty"`
	CompletedAt    *time.Time                `json:"completedAt,omitempty"`
	Output         json.RawMessage           `json:"output,omitempty"`
	OutputType     string                    `json:"outputType,omitempty"`
	ParentID       *string                   `json:"parentId,omitempty"`
	Properties     []journal.DisplayProperty `json:"properties,omitempty"`
	Retry          *retry.Options            `json:"retry,omitempty"`
}

// SchemaError is one payload validation failure.
type SchemaError struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// AuthIssue explains why an integration's connection could not be resolved.
type AuthIssue struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}
