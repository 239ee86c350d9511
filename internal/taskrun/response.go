package taskrun

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/yield"
)

// Status is the discriminant of a Response.
type Status string

const (
	StatusSuccess                             Status = "SUCCESS"
	StatusError                               Status = "ERROR"
	StatusYieldExecution                      Status = "YIELD_EXECUTION"
	StatusAutoYieldExecution                  Status = "AUTO_YIELD_EXECUTION"
	StatusAutoYieldExecutionWithCompletedTask Status = "AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK"
	StatusAutoYieldRateLimit                  Status = "AUTO_YIELD_RATE_LIMIT"
	StatusInvalidPayload                      Status = "INVALID_PAYLOAD"
	StatusUnresolvedAuthError                 Status = "UNRESOLVED_AUTH_ERROR"
	StatusResumeWithTask                      Status = "RESUME_WITH_TASK"
	StatusResumeWithParallelTask              Status = "RESUME_WITH_PARALLEL_TASK"
	StatusRetryWithTask                       Status = "RETRY_WITH_TASK"
	StatusCanceled                            Status = "CANCELED"
)

// Response is the single outcome of one attempt. The variant set is closed.
type Response interface {
	Status() Status
	response()
}

type Success struct {
	Output json.RawMessage `json:"output,omitempty"`
}

type Error struct {
	Error *taskerr.Field `json:"error"`
	Task  *Task          `json:"task,omitempty"`
}

type YieldExecution struct {
	Key string `json:"key"`
}

type AutoYieldExecution struct {
	yield.Metadata
}

type AutoYieldExecutionWithCompletedTask struct {
	ID         string                    `json:"id"`
	Properties []journal.DisplayProperty `json:"properties,omitempty"`
	Output     json.RawMessage           `json:"output,omitempty"`
	Data       yield.Metadata            `json:"data"`
}

type AutoYieldRateLimit struct {
	// Reset is a unix timestamp in milliseconds.
	Reset int64 `json:"reset"`
}

type InvalidPayload struct {
	Errors []SchemaError `json:"errors"`
}

type UnresolvedAuthError struct {
	Issues map[string]AuthIssue `json:"issues"`
}

type ResumeWithTask struct {
	Task Task `json:"task"`
}

// ResumeWithParallelTask carries one entry per child in spawn order; nil
// entries mark children that succeeded.
type ResumeWithParallelTask struct {
	Task        Task             `json:"task"`
	ChildErrors []*taskerr.Field `json:"childErrors"`
}

type RetryWithTask struct {
	Task    Task           `json:"task"`
	Error   *taskerr.Field `json:"error"`
	RetryAt time.Time      `json:"retryAt"`
}

type Canceled struct {
	Task Task `json:"task"`
}

func (Success) Status() Status                             { return StatusSuccess }
func (Error) Status() Status                               { return StatusError }
func (YieldExecution) Status() Status                      { return StatusYieldExecution }
func (AutoYieldExecution) Status() Status                  { return StatusAutoYieldExecution }
func (AutoYieldExecutionWithCompletedTask) Status() Status { return StatusAutoYieldExecutionWithCompletedTask }
func (AutoYieldRateLimit) Status() Status                  { return StatusAutoYieldRateLimit }
func (InvalidPayload) Status() Status                      { return StatusInvalidPayload }
func (UnresolvedAuthError) Status() Status                 { return StatusUnresolvedAuthError }
func (ResumeWithTask) Status() Status                      { return StatusResumeWithTask }
func (ResumeWithParallelTask) Status() Status              { return StatusResumeWithParallelTask }
func (RetryWithTask) Status() Status                       { return StatusRetryWithTask }
func (Canceled) Status() Status                            { return StatusCanceled }

func (Success) response()                             {}
func (Error) response()                               {}
func (YieldExecution) response()                      {}
func (AutoYieldExecution) response()                  {}
func (AutoYieldExecutionWithCompletedTask) response() {}
func (AutoYieldRateLimit) response()                  {}
func (InvalidPayload) response()                      {}
func (UnresolvedAuthError) response()                 {}
func (ResumeWithTask) response()                      {}
func (ResumeWithParallelTask) response()              {}
func (RetryWithTask) response()                       {}
func (Canceled) response()                            {}

var ErrInvalidResponse = errors.New("taskrun: invalid response")

// EncodeResponse serializes r with its status discriminant first.
func EncodeResponse(r Response) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidResponse)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	status, err := json.Marshal(r.Status())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"status":`)
	buf.Write(status)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeResponse restores the concrete variant named by the status field.
func DecodeResponse(data []byte) (Response, error) {
	var head struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var (
		r   Response
		err error
	)
	switch head.Status {
	case StatusSuccess:
		r, err = decodeAs[Success](data)
	case StatusError:
		var v Error
		if v, err = decodeAs[Error](data); err == nil && v.Error == nil {
			err = errors.New("missing error")
		}
		r = v
	case StatusYieldExecution:
		r, err = decodeAs[YieldExecution](data)
	case StatusAutoYieldExecution:
		r, err = decodeAs[AutoYieldExecution](data)
	case StatusAutoYieldExecutionWithCompletedTask:
		r, err = decodeAs[AutoYieldExecutionWithCompletedTask](data)
	case StatusAutoYieldRateLimit:
		r, err = decodeAs[AutoYieldRateLimit](data)
	case StatusInvalidPayload:
		r, err = decodeAs[InvalidPayload](data)
	case StatusUnresolvedAuthError:
		r, err = decodeAs[UnresolvedAuthError](data)
	case StatusResumeWithTask:
		r, err = decodeAs[ResumeWithTask](data)
	case StatusResumeWithParallelTask:
		r, err = decodeAs[ResumeWithParallelTask](data)
	case StatusRetryWithTask:
		var v RetryWithTask
		if v, err = decodeAs[RetryWithTask](data); err == nil && v.Error == nil {
			err = errors.New("missing error")
		}
		r = v
	case StatusCanceled:
		r, err = decodeAs[Canceled](data)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, head.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, head.Status, err)
	}
	return r, nil
}

func decodeAs[T Response](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Envelope embeds a Response inside other JSON documents.
type Envelope struct {
	Response
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Response == nil {
		return []byte("null"), nil
	}
	return EncodeResponse(e.Response)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		e.Response = nil
		return nil
	}
	r, err := DecodeResponse(data)
	if err != nil {
		return err
	}
	e.Response = r
	return nil
}
