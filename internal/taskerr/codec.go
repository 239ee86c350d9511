package taskerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidShape is returned when a payload is not one of the known variants.
var ErrInvalidShape = errors.New("invalid task run error shape")

type envelope struct {
	Type       Kind    `json:"type"`
	Name       *string `json:"name,omitempty"`
	Message    *string `json:"message,omitempty"`
	StackTrace *string `json:"stackTrace,omitempty"`
	Raw        *string `json:"raw,omitempty"`
	Code       *Code   `json:"code,omitempty"`
}

// Encode writes e in its wire form: the type tag plus the variant's fields.
func Encode(e Error) ([]byte, error) {
	switch x := normalize(e).(type) {
	case BuiltIn:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			BuiltIn
		}{KindBuiltIn, x})
	case Custom:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Custom
		}{KindCustom, x})
	case String:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			String
		}{KindString, x})
	case Internal:
		if !x.Code.Valid() {
			return nil, fmt.Errorf("%w: unknown internal code %q", ErrInvalidShape, x.Code)
		}
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Internal
		}{KindInternal, x})
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidShape, e)
	}
}

// Decode parses the wire form. Any shape other than the four variants fails.
func Decode(data []byte) (Error, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	switch env.Type {
	case KindBuiltIn:
		if env.Name == nil || env.Message == nil || env.StackTrace == nil {
			return nil, fmt.Errorf("%w: BUILT_IN_ERROR requires name, message and stackTrace", ErrInvalidShape)
		}
		return BuiltIn{Name: *env.Name, Message: *env.Message, StackTrace: *env.StackTrace}, nil
	case KindCustom:
		if env.Raw == nil {
			return nil, fmt.Errorf("%w: CUSTOM_ERROR requires raw", ErrInvalidShape)
		}
		return Custom{Raw: *env.Raw}, nil
	case KindString:
		if env.Raw == nil {
			return nil, fmt.Errorf("%w: STRING_ERROR requires raw", ErrInvalidShape)
		}
		return String{Raw: *env.Raw}, nil
	case KindInternal:
		if env.Code == nil || !env.Code.Valid() {
			return nil, fmt.Errorf("%w: INTERNAL_ERROR requires a known code", ErrInvalidShape)
		}
		out := Internal{Code: *env.Code}
		if env.Message != nil {
			out.Message = *env.Message
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidShape, env.Type)
	}
}

// Field holds an Error inside JSON documents.
type Field struct {
	Error
}

// Wrap returns a Field for e, or nil when e is nil.
func Wrap(e Error) *Field {
	if e == nil {
		return nil
	}
	return &Field{Error: e}
}

func (f Field) MarshalJSON() ([]byte, error) {
	if f.Error == nil {
		return []byte("null"), nil
	}
	return Encode(f.Error)
}

func (f *Field) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		f.Error = nil
		return nil
	}
	e, err := Decode(data)
	if err != nil {
		return err
	}
	f.Error = e
	return nil
}
