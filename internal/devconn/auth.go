package devconn

import (
	"context"
	"strings"

	"github.com/jobs/durable/internal/taskrun"
)

// Close reasons sent with websocket.StatusPolicyViolation.
const (
	ReasonMissingAuthorization = "Missing Authorization header"
	ReasonInvalidAuthorization = "Invalid Authorization header"
	ReasonInvalidAPIKey        = "Invalid API key"
)

// Authenticator resolves an API key to the environment it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (env taskrun.Environment, ok bool, err error)
}

// StaticAuthenticator maps API keys to environments, typically from config.
type StaticAuthenticator map[string]taskrun.Environment

func (a StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (taskrun.Environment, bool, error) {
	env, ok := a[apiKey]
	return env, ok, nil
}

// ParseBearer extracts the key from the Authorization header values. A non-empty
// reason means the header is unusable.
func ParseBearer(values []string) (token, reason string) {
	if len(values) == 0 || values[0] == "" {
		return "", ReasonMissingAuthorization
	}
	parts := strings.Split(values[0], " ")
	if parts[0] != "Bearer" || len(parts) < 2 || parts[1] == "" {
		return "", ReasonInvalidAuthorization
	}
	return parts[1], ""
}
