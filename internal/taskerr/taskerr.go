// Package taskerr classifies failures into the closed set of error shapes
// that may leave an attempt.
package taskerr

import (
	"fmt"
)

// Kind is the wire discriminant of an Error.
type Kind string

const (
	KindBuiltIn  Kind = "BUILT_IN_ERROR"
	KindCustom   Kind = "CUSTOM_ERROR"
	KindString   Kind = "STRING_ERROR"
	KindInternal Kind = "INTERNAL_ERROR"
)

// Code enumerates internal failure causes.
type Code string

const (
	CodeCouldNotFindExecutor    Code = "COULD_NOT_FIND_EXECUTOR"
	CodeCouldNotFindTask        Code = "COULD_NOT_FIND_TASK"
	CodeConfiguredIncorrectly   Code = "CONFIGURED_INCORRECTLY"
	CodeTaskAlreadyRunning      Code = "TASK_ALREADY_RUNNING"
	CodeTaskExecutionFailed     Code = "TASK_EXECUTION_FAILED"
	CodeTaskExecutionAborted    Code = "TASK_EXECUTION_ABORTED"
	CodeProcessExitedNonZero    Code = "TASK_PROCESS_EXITED_WITH_NON_ZERO_CODE"
	CodeProcessSigkillTimeout   Code = "TASK_PROCESS_SIGKILL_TIMEOUT"
	CodeTaskRunCancelled        Code = "TASK_RUN_CANCELLED"
	CodeTaskOutputError         Code = "TASK_OUTPUT_ERROR"
	CodeHandleErrorError        Code = "HANDLE_ERROR_ERROR"
	CodeGracefulExitTimeout     Code = "GRACEFUL_EXIT_TIMEOUT"
	CodeTaskRunHeartbeatTimeout Code = "TASK_RUN_HEARTBEAT_TIMEOUT"
)

var codes = map[Code]struct{}{
	CodeCouldNotFindExecutor:    {},
	CodeCouldNotFindTask:        {},
	CodeConfiguredIncorrectly:   {},
	CodeTaskAlreadyRunning:      {},
	CodeTaskExecutionFailed:     {},
	CodeTaskExecutionAborted:    {},
	CodeProcessExitedNonZero:    {},
	CodeProcessSigkillTimeout:   {},
	CodeTaskRunCancelled:        {},
	CodeTaskOutputError:         {},
	CodeHandleErrorError:        {},
	CodeGracefulExitTimeout:     {},
	CodeTaskRunHeartbeatTimeout: {},
}

// Valid reports whether c belongs to the closed code set.
func (c Code) Valid() bool {
	_, ok := codes[c]
	return ok
}

// Error is one of BuiltIn, Custom, String or Internal. The set is closed.
type Error interface {
	error
	Kind() Kind
	sealed()
}

// BuiltIn is a typed Go error, reported with its type name and stack.
type BuiltIn struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace"`
}

// Custom carries a user-defined error value serialized as JSON.
type Custom struct {
	Raw string `json:"raw"`
}

// String is a bare string failure.
type String struct {
	Raw string `json:"raw"`
}

// Internal is a failure raised by the execution machinery itself.
type Internal struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

func (BuiltIn) Kind() Kind  { return KindBuiltIn }
func (Custom) Kind() Kind   { return KindCustom }
func (String) Kind() Kind   { return KindString }
func (Internal) Kind() Kind { return KindInternal }

func (BuiltIn) sealed()  {}
func (Custom) sealed()   {}
func (String) sealed()   {}
func (Internal) sealed() {}

func (e BuiltIn) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e Custom) Error() string { return e.Raw }

func (e String) Error() string { return e.Raw }

func (e Internal) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Internalf builds an Internal error with a formatted message.
func Internalf(code Code, format string, args ...any) Internal {
	return Internal{Code: code, Message: fmt.Sprintf(format, args...)}
}
