package taskerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotaError struct {
	Limit int `json:"limit"`
}

func (q quotaError) Error() string { return fmt.Sprintf("quota %d exceeded", q.Limit) }

func (q quotaError) MarshalJSON() ([]byte, error) {
	type alias quotaError
	return json.Marshal(alias(q))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Error
	}{
		{"nil", nil, nil},
		{"plain string", errors.New("boom"), String{Raw: "boom"}},
		{"wrapped string", fmt.Errorf("step a: %w", errors.New("boom")), String{Raw: "step a: boom"}},
		{"canceled", context.Canceled, Internal{Code: CodeTaskRunCancelled, Message: "context canceled"}},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Internal{Code: CodeTaskExecutionAborted, Message: "call: context deadline exceeded"}},
		{"custom marshaler", quotaError{Limit: 3}, Custom{Raw: `{"limit":3}`}},
		{"already internal", Internalf(CodeCouldNotFindTask, "task %q", "x"), Internal{Code: CodeCouldNotFindTask, Message: `task "x"`}},
		{"pointer variant", &String{Raw: "p"}, String{Raw: "p"}},
		{"permanent string", Permanent(errors.New("bad input")), String{Raw: "bad input"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_TypedErrorIsBuiltIn(t *testing.T) {
	err := &fs.PathError{Op: "open", Path: "/nope", Err: errors.New("missing")}
	got := Classify(err)

	builtIn, ok := got.(BuiltIn)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "fs.PathError", builtIn.Name)
	assert.Equal(t, "open /nope: missing", builtIn.Message)
}

func TestFromPanic(t *testing.T) {
	got := FromPanic("kaboom")
	builtIn, ok := got.(BuiltIn)
	require.True(t, ok)
	assert.Equal(t, "panic", builtIn.Name)
	assert.Equal(t, "kaboom", builtIn.Message)
	assert.NotEmpty(t, builtIn.StackTrace)

	assert.Equal(t, Custom{Raw: `{"a":1}`}, FromPanic(map[string]int{"a": 1}))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(String{Raw: "x"}))
	assert.True(t, Retryable(Internal{Code: CodeTaskExecutionFailed}))
	assert.False(t, Retryable(Internal{Code: CodeCouldNotFindTask}))
	assert.False(t, Retryable(Internal{Code: CodeTaskRunCancelled}))
	assert.True(t, IsPermanent(fmt.Errorf("wrap: %w", Permanent(errors.New("x")))))
}

func TestEncodeDecode(t *testing.T) {
	variants := []Error{
		BuiltIn{Name: "TypeError", Message: "x is undefined", StackTrace: "at main"},
		Custom{Raw: `{"foo":"bar"}`},
		String{Raw: "oops"},
		Internal{Code: CodeGracefulExitTimeout},
		Internal{Code: CodeTaskOutputError, Message: "too large"},
	}
	for _, v := range variants {
		data, err := Encode(v)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	data, err := Encode(BuiltIn{Name: "E", Message: "m", StackTrace: "s"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"BUILT_IN_ERROR","name":"E","message":"m","stackTrace":"s"}`, string(data))

	data, err = Encode(Internal{Code: CodeTaskRunCancelled})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"INTERNAL_ERROR","code":"TASK_RUN_CANCELLED"}`, string(data))
}

func TestDecode_RejectsUnknownShapes(t *testing.T) {
	bad := []string{
		`{"type":"WHATEVER","raw":"x"}`,
		`{"type":"INTERNAL_ERROR","code":"NOT_A_CODE"}`,
		`{"type":"BUILT_IN_ERROR","name":"x"}`,
		`{"type":"STRING_ERROR"}`,
		`[1,2]`,
	}
	for _, b := range bad {
		_, err := Decode([]byte(b))
		assert.ErrorIs(t, err, ErrInvalidShape, b)
	}

	_, err := Encode(Internal{Code: "NOPE"})
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestField(t *testing.T) {
	type holder struct {
		Error *Field `json:"error,omitempty"`
	}
	data, err := json.Marshal(holder{Error: Wrap(String{Raw: "s"})})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"type":"STRING_ERROR","raw":"s"}}`, string(data))

	var h holder
	require.NoError(t, json.Unmarshal(data, &h))
	require.NotNil(t, h.Error)
	assert.Equal(t, String{Raw: "s"}, h.Error.Error)

	assert.Nil(t, Wrap(nil))
}
