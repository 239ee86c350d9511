package taskrun

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/retry"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/yield"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(NewRegistry)

// Machine executes attempts against registered definitions.
type Machine struct {
	registry     *Registry
	logger       *zap.Logger
	policy       *retry.Policy
	client       *http.Client
	now          func() time.Time
	yieldConfig  yield.Config
	defaultLimit int64
}

type Option func(*Machine)

// WithClock sets the time source of the machine and its retry policy.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithPolicy(p *retry.Policy) Option {
	return func(m *Machine) { m.policy = p }
}

// WithHTTPClient sets the client used by BackgroundFetch.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Machine) { m.client = c }
}

// WithYieldConfig sets the thresholds used when a request carries none.
func WithYieldConfig(cfg yield.Config) Option {
	return func(m *Machine) { m.yieldConfig = cfg }
}

// WithDefaultChunkLimit sets the run chunk limit in milliseconds used when a
// request carries none. Zero means unlimited.
func WithDefaultChunkLimit(ms int64) Option {
	return func(m *Machine) { m.defaultLimit = ms }
}

func NewMachine(registry *Registry, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		registry:    registry,
		logger:      logger,
		client:      http.DefaultClient,
		now:         time.Now,
		yieldConfig: yield.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy == nil {
		m.policy = retry.NewPolicy(retry.WithClock(m.now))
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

func (m *Machine) Registry() *Registry { return m.registry }

// Execute runs one attempt of req and returns its outcome.
func (m *Machine) Execute(ctx context.Context, req *Request, j *journal.Journal) Response {
	return m.ExecuteWithCancel(ctx, req, j, nil)
}

// ExecuteWithCancel is Execute with an external cancel signal. A closed
// cancel channel lets the in-flight step finish its journal append and then
// ends the attempt with CANCELED.
func (m *Machine) ExecuteWithCancel(ctx context.Context, req *Request, j *journal.Journal, cancel <-chan struct{}) Response {
	logger := m.logger.With(
		zap.String("run_id", req.RunID()),
		zap.String("task_id", req.TaskID()),
		zap.Int("attempt", req.Execution.Attempt.Number),
	)

	def, ok := m.registry.Lookup(req.TaskID())
	if !ok {
		logger.Warn("no definition for task")
		return Error{Error: taskerr.Wrap(taskerr.Internalf(taskerr.CodeCouldNotFindTask, "no definition registered for %q", req.TaskID()))}
	}
	if j == nil {
		j = journal.New(req.RunID())
	}

	start := req.Execution.Attempt.StartedAt
	if start.IsZero() {
		start = m.now()
	}
	cfg := m.yieldConfig
	if req.AutoYieldConfig != nil {
		cfg = *req.AutoYieldConfig
	}
	limit := req.RunChunkExecutionLimit
	if limit == 0 {
		limit = m.defaultLimit
	}
	coord := yield.New(cfg, start, limit, yield.WithClock(m.now), yield.WithYielded(req.YieldedExecutions))

	if md := coord.Check(yield.StartTask); md != nil {
		logger.Debug("auto-yield before start", zap.Int64("time_remaining_ms", md.TimeRemaining))
		return AutoYieldExecution{Metadata: *md}
	}

	if err := j.Replay(req.Tasks, req.CachedTaskCursor); err != nil {
		logger.Error("replay cached tasks", zap.Error(err))
		return Error{Error: taskerr.Wrap(taskerr.Internalf(taskerr.CodeTaskExecutionFailed, "replay cached tasks: %v", err))}
	}

	if errs := SchemaErrors(validate.Struct(req)); len(errs) > 0 {
		return InvalidPayload{Errors: errs}
	}
	if def.Validate != nil {
		if errs := def.Validate(req.Payload()); len(errs) > 0 {
			logger.Info("invalid payload", zap.Int("errors", len(errs)))
			return InvalidPayload{Errors: errs}
		}
	}
	if issues := unresolvedAuth(def, req); len(issues) > 0 {
		return UnresolvedAuthError{Issues: issues}
	}

	io := newIO(m, req, def, j, coord, cancel, logger)
	output, err := runJob(ctx, def, req.Payload(), io)
	if r := io.recorded(); r != nil {
		logger.Debug("attempt interrupted",
			zap.String("status", string(r.Status())),
			zap.Duration("elapsed", coord.Elapsed()))
		return r
	}
	if err != nil {
		if in, ok := AsInterrupt(err); ok {
			return in.Response
		}
		classified := classify(err)
		logger.Warn("run failed", zap.Duration("elapsed", coord.Elapsed()), zap.Error(err))
		return Error{Error: taskerr.Wrap(classified)}
	}
	if io.observeCancel() {
		return Canceled{Task: io.currentTask()}
	}

	raw, err := marshalOutput(output)
	if err != nil {
		return Error{Error: taskerr.Wrap(taskerr.Internalf(taskerr.CodeTaskOutputError, "%v", err))}
	}
	logger.Debug("run completed", zap.Duration("elapsed", coord.Elapsed()))
	return Success{Output: raw}
}

func runJob(ctx context.Context, def *Definition, payload []byte, io *IO) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = taskerr.FromPanic(r)
		}
	}()
	return def.Run(ctx, payload, io)
}

func unresolvedAuth(def *Definition, req *Request) map[string]AuthIssue {
	issues := make(map[string]AuthIssue)
	for key, integ := range def.Integrations {
		if integ.AuthSource != AuthHosted {
			continue
		}
		conn, ok := req.Connections[key]
		if !ok {
			issues[key] = AuthIssue{ID: integ.ID, Error: fmt.Sprintf("Could not resolve auth for integration %q", integ.ID)}
			continue
		}
		if err := validate.Struct(conn); err != nil {
			issues[key] = AuthIssue{ID: integ.ID, Error: fmt.Sprintf("Invalid connection for integration %q: %v", integ.ID, err)}
		}
	}
	return issues
}
