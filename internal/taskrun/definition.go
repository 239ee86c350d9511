package taskrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jobs/durable/internal/retry"
)

// RunFunc is the body of a job. It returns the run output.
type RunFunc func(ctx context.Context, payload json.RawMessage, io *IO) (any, error)

// ValidateFunc checks a payload before any step runs.
type ValidateFunc func(payload json.RawMessage) []SchemaError

type AuthSource string

const (
	AuthHosted   AuthSource = "HOSTED"
	AuthLocal    AuthSource = "LOCAL"
	AuthResolver AuthSource = "RESOLVER"
)

// Integration is an external service a job talks to.
type Integration struct {
	ID         string
	AuthSource AuthSource
}

// Definition is a registered job.
type Definition struct {
	ID           string
	Version      string
	Run          RunFunc
	Validate     ValidateFunc
	Retry        *retry.Options
	Integrations map[string]Integration
}

var (
	ErrDuplicateDefinition = errors.New("taskrun: definition already registered")
	ErrInvalidDefinition   = errors.New("taskrun: invalid definition")
)

// Registry maps task ids to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

func (r *Registry) Register(def *Definition) error {
	if def == nil || def.ID == "" || def.Run == nil {
		return ErrInvalidDefinition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

func (r *Registry) Lookup(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// IDs lists the registered task ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validator returns the shared validator used for requests and payloads.
func Validator() *validator.Validate {
	return validate
}

// SchemaOf validates payloads by decoding them into T and applying its
// `validate` struct tags.
func SchemaOf[T any]() ValidateFunc {
	return func(payload json.RawMessage) []SchemaError {
		var v T
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return []SchemaError{{Path: []string{}, Message: err.Error()}}
		}
		t := reflect.TypeOf((*T)(nil)).Elem()
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
			if reflect.ValueOf(&v).Elem().IsNil() {
				return []SchemaError{{Path: []string{}, Message: "payload is required"}}
			}
		}
		if t.Kind() != reflect.Struct {
			return nil
		}
		return SchemaErrors(validate.Struct(v))
	}
}

// SchemaErrors converts a validator error into SchemaErrors.
func SchemaErrors(err error) []SchemaError {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []SchemaError{{Path: []string{}, Message: err.Error()}}
	}
	out := make([]SchemaError, 0, len(verrs))
	for _, fe := range verrs {
		path := strings.Split(fe.Namespace(), ".")
		if len(path) > 1 {
			path = path[1:]
		}
		msg := fmt.Sprintf("failed on the '%s' rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on the '%s=%s' rule", fe.Tag(), fe.Param())
		}
		out = append(out, SchemaError{Path: path, Message: msg})
	}
	return out
}
