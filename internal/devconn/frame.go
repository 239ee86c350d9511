package devconn

import (
	"github.com/jobs/durable/internal/taskrun"
)

type FrameType string

const (
	FrameServerReady FrameType = "SERVER_READY"
	FrameReady       FrameType = "READY"
	FrameExecuteRun  FrameType = "EXECUTE_RUN"
	FrameRunResponse FrameType = "RUN_RESPONSE"
	FrameCancelRun   FrameType = "CANCEL_RUN"
	FramePing        FrameType = "PING"
	FramePong        FrameType = "PONG"
)

// Frame is one JSON message on the channel. Type selects which fields are set:
//
//	SERVER_READY  connectionId
//	READY         version, tasks
//	EXECUTE_RUN   id, request
//	RUN_RESPONSE  id, response
//	CANCEL_RUN    runId
type Frame struct {
	Type         FrameType         `json:"type"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Version      string            `json:"version,omitempty"`
	Tasks        []string          `json:"tasks,omitempty"`
	ID           string            `json:"id,omitempty"`
	RunID        string            `json:"runId,omitempty"`
	Request      *taskrun.Request  `json:"request,omitempty"`
	Response     *taskrun.Envelope `json:"response,omitempty"`
}
