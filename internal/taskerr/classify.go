package taskerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

// stackTracer is implemented by errors that captured a stack when created.
type stackTracer interface {
	StackTrace() string
}

// permanent marks an error that must not be retried.
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so that retry evaluation is skipped for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Classify maps err into exactly one Error variant. A nil err yields nil.
func Classify(err error) Error {
	if err == nil {
		return nil
	}

	var classified Error
	if errors.As(err, &classified) {
		return normalize(classified)
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Internal{Code: CodeTaskRunCancelled, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return Internal{Code: CodeTaskExecutionAborted, Message: err.Error()}
	}

	var m json.Marshaler
	if errors.As(err, &m) {
		raw, merr := m.MarshalJSON()
		if merr == nil {
			return Custom{Raw: string(raw)}
		}
	}

	if isPlainError(err) {
		return String{Raw: err.Error()}
	}

	out := BuiltIn{
		Name:    typeName(err),
		Message: err.Error(),
	}
	var st stackTracer
	if errors.As(err, &st) {
		out.StackTrace = st.StackTrace()
	}
	return out
}

// FromPanic classifies a value recovered from a panicking step.
func FromPanic(v any) Error {
	stack := string(debug.Stack())
	switch x := v.(type) {
	case nil:
		return Internal{Code: CodeTaskExecutionFailed, Message: "panic with nil value"}
	case Error:
		return x
	case error:
		return BuiltIn{Name: typeName(x), Message: x.Error(), StackTrace: stack}
	case string:
		return BuiltIn{Name: "panic", Message: x, StackTrace: stack}
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return Custom{Raw: fmt.Sprintf("%v", x)}
		}
		return Custom{Raw: string(raw)}
	}
}

// Retryable reports whether a classified failure may be retried at all.
func Retryable(e Error) bool {
	in, ok := e.(Internal)
	if !ok {
		return true
	}
	switch in.Code {
	case CodeCouldNotFindTask,
		CodeCouldNotFindExecutor,
		CodeConfiguredIncorrectly,
		CodeTaskAlreadyRunning,
		CodeTaskRunCancelled:
		return false
	}
	return true
}

func isPlainError(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch reflect.TypeOf(e).String() {
		case "*errors.errorString", "*fmt.wrapError", "*fmt.wrapErrors", "*errors.joinError", "*taskerr.permanent":
			continue
		default:
			return false
		}
	}
	return true
}

func normalize(e Error) Error {
	switch x := e.(type) {
	case *BuiltIn:
		return *x
	case *Custom:
		return *x
	case *String:
		return *x
	case *Internal:
		return *x
	}
	return e
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if pkg := t.PkgPath(); pkg != "" {
		name = pkg[strings.LastIndex(pkg, "/")+1:] + "." + name
	}
	if name == "" {
		name = t.String()
	}
	return name
}
