package taskrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/retry"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/yield"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
)

var ErrDuplicateStep = errors.New("taskrun: idempotency key is already running in this attempt")

// Interrupt ends the attempt with Response. Once raised, every further IO
// call returns the same Interrupt, so the attempt reports it even when the
// job swallows the error.
type Interrupt struct {
	Response Response
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("attempt interrupted: %s", i.Response.Status())
}

// AsInterrupt extracts an Interrupt from err.
func AsInterrupt(err error) (*Interrupt, bool) {
	var in *Interrupt
	if errors.As(err, &in) {
		return in, true
	}
	return nil, false
}

// StepFunc is the body of a step. Its result is stored as JSON.
type StepFunc func(ctx context.Context, task *Task) (any, error)

type StepOptions struct {
	Name       string
	Icon       string
	DisplayKey string
	Properties []journal.DisplayProperty
	Retry      *retry.Options
	// Noop steps carry no output; known noops listed by the request are skipped.
	Noop       bool
	DelayUntil *time.Time
}

// Child is one branch of RunParallel.
type Child struct {
	Key     string
	Options *StepOptions
	Run     StepFunc
}

// IO is the step API handed to a running job.
type IO struct {
	m       *Machine
	req     *Request
	def     *Definition
	journal *journal.Journal
	coord   *yield.Coordinator
	cancel  <-chan struct{}
	logger  *zap.Logger

	noop    map[string]struct{}
	pending map[string]Task

	mu        sync.Mutex
	interrupt *Interrupt
	canceled  bool
	inflight  map[string]struct{}
	current   *Task
}

type stepFailure struct {
	cause error
}

type stepResult struct {
	output  json.RawMessage
	cached  bool
	task    Task
	failure *stepFailure
	err     error
}

func newIO(m *Machine, req *Request, def *Definition, j *journal.Journal, coord *yield.Coordinator, cancel <-chan struct{}, logger *zap.Logger) *IO {
	io := &IO{
		m:        m,
		req:      req,
		def:      def,
		journal:  j,
		coord:    coord,
		cancel:   cancel,
		logger:   logger,
		noop:     make(map[string]struct{}, len(req.NoopTasksSet)),
		pending:  make(map[string]Task, len(req.PendingTasks)),
		inflight: make(map[string]struct{}),
	}
	for _, k := range req.NoopTasksSet {
		io.noop[k] = struct{}{}
	}
	for _, t := range req.PendingTasks {
		io.pending[t.IdempotencyKey] = t
	}
	return io
}

func (io *IO) Logger() *zap.Logger { return io.logger }

// Connection returns the resolved auth for the integration key.
func (io *IO) Connection(key string) (ConnectionAuth, bool) {
	c, ok := io.req.Connections[key]
	return c, ok
}

// Yield checkpoints the attempt at key unless a previous attempt already
// yielded there, in which case execution continues.
func (io *IO) Yield(key string) error {
	if err := io.interrupted(); err != nil {
		return err
	}
	if io.coord.Yielded(key) {
		return nil
	}
	return io.raise(YieldExecution{Key: key})
}

// RunTask runs fn at most once per run for key. A cached key returns the
// stored output without calling fn.
func (io *IO) RunTask(ctx context.Context, key string, opts *StepOptions, fn StepFunc) (json.RawMessage, error) {
	if opts == nil {
		opts = &StepOptions{}
	}
	res := io.step(ctx, key, nil, opts, fn)
	if res.failure != nil {
		return nil, io.fail(res.task, res.failure.cause, opts)
	}
	return res.output, res.err
}

// RunParallel runs children concurrently under key. Child outcomes are
// collected into one parent checkpoint; the parent completes inline only
// when every child was replayed from the journal.
func (io *IO) RunParallel(ctx context.Context, key string, opts *StepOptions, children []Child) ([]json.RawMessage, error) {
	if opts == nil {
		opts = &StepOptions{}
	}
	if err := io.interrupted(); err != nil {
		return nil, err
	}
	if md := io.coord.Check(yield.StartTask); md != nil {
		return nil, io.raise(AutoYieldExecution{Metadata: *md})
	}

	parent := io.newTask(key, nil, opts)
	cached, ok, err := io.journal.Lookup(ctx, key)
	if err != nil {
		return nil, io.storeError(err)
	}
	if ok {
		var outputs []json.RawMessage
		if err := json.Unmarshal(cached.Output, &outputs); err != nil {
			return nil, io.raise(Error{Error: taskerr.Wrap(taskerr.Internalf(taskerr.CodeTaskOutputError, "cached parallel output of %q: %v", key, err))})
		}
		return outputs, nil
	}
	if err := io.claim(key); err != nil {
		return nil, err
	}
	defer io.release(key)
	if io.observeCancel() {
		parent.Status = TaskStatusCanceled
		return nil, io.raise(Canceled{Task: parent})
	}

	now := io.m.now()
	parent.Status = TaskStatusRunning
	parent.StartedAt = &now
	io.setCurrent(parent)

	parentID := parent.ID
	mapper := iter.Mapper[Child, stepResult]{MaxGoroutines: len(children)}
	results := mapper.Map(children, func(c *Child) stepResult {
		copts := c.Options
		if copts == nil {
			copts = &StepOptions{}
		}
		return io.step(ctx, key+"/"+c.Key, &parentID, copts, c.Run)
	})

	if err := io.interrupted(); err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
	}

	outputs := make([]json.RawMessage, len(results))
	childErrors := make([]*taskerr.Field, len(results))
	failed := false
	allCached := true
	for i, r := range results {
		if r.failure != nil {
			childErrors[i] = taskerr.Wrap(classify(r.failure.cause))
			failed = true
			allCached = false
			continue
		}
		outputs[i] = r.output
		if !r.cached {
			allCached = false
		}
	}

	if failed {
		if md := io.coord.Check(yield.BeforeCompleteTask); md != nil {
			return nil, io.raise(AutoYieldExecution{Metadata: *md})
		}
	}
	if allCached {
		raw, err := json.Marshal(outputs)
		if err != nil {
			return nil, io.raise(Error{Error: taskerr.Wrap(taskerr.Internalf(taskerr.CodeTaskOutputError, "%v", err)), Task: &parent})
		}
		if res := io.complete(ctx, parent, raw); res.err != nil {
			return nil, res.err
		}
		return outputs, nil
	}

	if failed {
		// each failed child is decided with its own options, falling back to
		// the parent's; one child that may not retry fails the parent.
		parent.Attempts++
		fallback := retry.Merge(opts.Retry, io.def.Retry)
		for i, r := range results {
			if r.failure == nil {
				continue
			}
			var childRetry *retry.Options
			if o := children[i].Options; o != nil {
				childRetry = o.Retry
			}
			decision := io.retryDecision(r.task, r.failure.cause, classify(r.failure.cause), retry.Merge(childRetry, fallback))
			if !decision.Retry {
				parent.Status = TaskStatusErrored
				io.logger.Warn("parallel step failed",
					zap.String("key", key),
					zap.String("child", children[i].Key),
					zap.Error(r.failure.cause))
				return nil, io.raise(Error{Error: childErrors[i], Task: &parent})
			}
		}
	}
	parent.Status = TaskStatusWaiting
	return nil, io.raise(ResumeWithParallelTask{Task: parent, ChildErrors: childErrors})
}

// step runs one keyed unit of work. Failures of fn are returned in
// failure; interrupts and journal errors in err.
func (io *IO) step(ctx context.Context, key string, parentID *string, opts *StepOptions, fn StepFunc) stepResult {
	if err := io.interrupted(); err != nil {
		return stepResult{err: err}
	}
	if md := io.coord.Check(yield.StartTask); md != nil {
		return stepResult{err: io.raise(AutoYieldExecution{Metadata: *md})}
	}

	task := io.newTask(key, parentID, opts)
	if io.observeCancel() {
		task.Status = TaskStatusCanceled
		return stepResult{err: io.raise(Canceled{Task: task})}
	}

	cached, ok, err := io.journal.Lookup(ctx, key)
	if err != nil {
		return stepResult{err: io.storeError(err)}
	}
	if ok {
		io.logger.Debug("replayed cached step", zap.String("key", key))
		return stepResult{output: cached.Output, cached: true, task: fromCached(cached)}
	}
	if err := io.claim(key); err != nil {
		return stepResult{err: err}
	}
	defer io.release(key)
	if opts.Noop && io.knownNoop(task) {
		return stepResult{cached: true, task: task}
	}

	if md := io.coord.Check(yield.BeforeExecuteTask); md != nil {
		return stepResult{err: io.raise(AutoYieldExecution{Metadata: *md})}
	}
	now := io.m.now()
	if opts.DelayUntil != nil && opts.DelayUntil.After(now) {
		task.Status = TaskStatusWaiting
		task.DelayUntil = opts.DelayUntil
		return stepResult{err: io.raise(ResumeWithTask{Task: task})}
	}

	task.Status = TaskStatusRunning
	task.StartedAt = &now
	io.setCurrent(task)

	out, err := invoke(ctx, &task, fn)
	if err != nil {
		if in, ok := AsInterrupt(err); ok {
			return stepResult{err: in}
		}
		return stepResult{task: task, failure: &stepFailure{cause: err}}
	}
	raw, err := marshalOutput(out)
	if err != nil {
		cause := taskerr.Permanent(taskerr.Internalf(taskerr.CodeTaskOutputError, "step %q: %v", key, err))
		return stepResult{task: task, failure: &stepFailure{cause: cause}}
	}
	return io.complete(ctx, task, raw)
}

// complete records a finished step. The journal append is the atomic unit a
// cancel never interrupts.
func (io *IO) complete(ctx context.Context, task Task, raw json.RawMessage) stepResult {
	now := io.m.now()
	task.Status = TaskStatusCompleted
	task.CompletedAt = &now
	task.Output = raw
	task.OutputType = journal.DefaultOutputType
	entry := journal.CachedTask{
		ID:             task.ID,
		IdempotencyKey: task.IdempotencyKey,
		Status:         journal.TaskStatusCompleted,
		Noop:           task.Noop,
		Output:         raw,
		OutputType:     task.OutputType,
		Properties:     task.Properties,
		ParentID:       task.ParentID,
	}

	if md := io.coord.Check(yield.BeforeCompleteTask); md != nil {
		if _, err := io.journal.Record(ctx, entry); err != nil {
			io.logger.Warn("record completed step before yielding", zap.String("key", task.IdempotencyKey), zap.Error(err))
		}
		return stepResult{err: io.raise(AutoYieldExecutionWithCompletedTask{
			ID:         task.ID,
			Properties: task.Properties,
			Output:     raw,
			Data:       *md,
		})}
	}

	if _, err := io.journal.Record(ctx, entry); err != nil {
		return stepResult{err: io.storeError(err)}
	}
	io.setCurrent(task)
	if io.observeCancel() {
		return stepResult{err: io.raise(Canceled{Task: task})}
	}
	if md := io.coord.Check(yield.AfterCompleteTask); md != nil {
		return stepResult{err: io.raise(AutoYieldExecution{Metadata: *md})}
	}
	return stepResult{output: raw, task: task}
}

// fail turns a step failure into a retry or a terminal error. A forced
// checkpoint wins over both.
func (io *IO) fail(task Task, cause error, opts *StepOptions) error {
	if md := io.coord.Check(yield.BeforeCompleteTask); md != nil {
		return io.raise(AutoYieldExecution{Metadata: *md})
	}
	classified := classify(cause)
	if io.observeCancel() {
		task.Status = TaskStatusCanceled
		return io.raise(Canceled{Task: task})
	}

	decision := io.retryDecision(task, cause, classified, retry.Merge(opts.Retry, io.def.Retry))
	task.Attempts++
	errField := taskerr.Wrap(classified)
	if decision.Retry {
		task.Status = TaskStatusWaiting
		io.logger.Info("step failed, retry scheduled",
			zap.String("key", task.IdempotencyKey),
			zap.Int("attempts", task.Attempts),
			zap.Time("retry_at", decision.RetryAt),
			zap.Error(cause))
		return io.raise(RetryWithTask{Task: task, Error: errField, RetryAt: decision.RetryAt})
	}
	task.Status = TaskStatusErrored
	io.logger.Warn("step failed",
		zap.String("key", task.IdempotencyKey),
		zap.Int("attempts", task.Attempts),
		zap.Error(cause))
	return io.raise(Error{Error: errField, Task: &task})
}

func (io *IO) retryDecision(task Task, cause error, classified taskerr.Error, o *retry.Options) retry.Decision {
	if taskerr.IsPermanent(cause) || !taskerr.Retryable(classified) {
		return retry.Never
	}
	var fe *retry.FetchError
	if errors.As(cause, &fe) {
		return fe.Decision
	}
	return io.m.policy.Decide(task.Attempts+1, o)
}

func (io *IO) storeError(err error) error {
	if rl, ok := journal.IsRateLimited(err); ok {
		return io.raise(AutoYieldRateLimit{Reset: rl.Reset.UnixMilli()})
	}
	io.logger.Error("journal failure", zap.Error(err))
	return io.raise(Error{Error: taskerr.Wrap(taskerr.Internalf(taskerr.CodeTaskExecutionFailed, "journal: %v", err))})
}

// raise records r as the attempt outcome unless one was recorded already,
// and returns the recorded interrupt.
func (io *IO) raise(r Response) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.interrupt == nil {
		io.interrupt = &Interrupt{Response: r}
		io.logger.Debug("attempt interrupted", zap.String("status", string(r.Status())))
	}
	return io.interrupt
}

func (io *IO) interrupted() error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.interrupt == nil {
		return nil
	}
	return io.interrupt
}

func (io *IO) recorded() Response {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.interrupt == nil {
		return nil
	}
	return io.interrupt.Response
}

func (io *IO) observeCancel() bool {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.canceled {
		return true
	}
	select {
	case <-io.cancel:
		io.canceled = true
	default:
	}
	return io.canceled
}

// claim reserves key for a step that is about to run. A key that is
// journaled already never gets here; a key still running is an Error
// outcome for the attempt.
func (io *IO) claim(key string) error {
	io.mu.Lock()
	if _, ok := io.inflight[key]; !ok {
		io.inflight[key] = struct{}{}
		io.mu.Unlock()
		return nil
	}
	io.mu.Unlock()
	err := fmt.Errorf("%w: %q", ErrDuplicateStep, key)
	return io.raise(Error{Error: taskerr.Wrap(taskerr.Internalf(taskerr.CodeTaskExecutionFailed, "%v", err))})
}

func (io *IO) release(key string) {
	io.mu.Lock()
	defer io.mu.Unlock()
	delete(io.inflight, key)
}

func (io *IO) setCurrent(t Task) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.current = &t
}

func (io *IO) currentTask() Task {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.current == nil {
		return Task{Status: TaskStatusCanceled}
	}
	return *io.current
}

func (io *IO) knownNoop(t Task) bool {
	if _, ok := io.noop[t.ID]; ok {
		return true
	}
	_, ok := io.noop[t.IdempotencyKey]
	return ok
}

func (io *IO) newTask(key string, parentID *string, opts *StepOptions) Task {
	t := Task{
		ID:             journal.TaskID(io.req.RunID(), key),
		IdempotencyKey: key,
		Name:           key,
		Status:         TaskStatusPending,
		Noop:           opts.Noop,
		ParentID:       parentID,
		Properties:     opts.Properties,
		Retry:          opts.Retry,
	}
	if opts.Name != "" {
		t.Name = opts.Name
	}
	if opts.Icon != "" {
		icon := opts.Icon
		t.Icon = &icon
	}
	if opts.DisplayKey != "" {
		dk := opts.DisplayKey
		t.DisplayKey = &dk
	}
	if p, ok := io.pending[key]; ok {
		t.Attempts = p.Attempts
	}
	return t
}

func fromCached(c journal.CachedTask) Task {
	return Task{
		ID:             c.ID,
		IdempotencyKey: c.IdempotencyKey,
		Name:           c.IdempotencyKey,
		Status:         TaskStatusCompleted,
		Noop:           c.Noop,
		Output:         c.Output,
		OutputType:     c.OutputType,
		ParentID:       c.ParentID,
		Properties:     c.Properties,
	}
}

func invoke(ctx context.Context, task *Task, fn StepFunc) (out any, err error) {
	if fn == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = taskerr.FromPanic(r)
		}
	}()
	return fn(ctx, task)
}

func classify(err error) taskerr.Error {
	if c := taskerr.Classify(err); c != nil {
		return c
	}
	return taskerr.Internal{Code: taskerr.CodeTaskExecutionFailed}
}

func marshalOutput(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		if !json.Valid(x) {
			return nil, errors.New("output is not valid JSON")
		}
		return x, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
