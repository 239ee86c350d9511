package devconn

import (
	"sync"

	"go.uber.org/zap"
)

// runner executes submitted runs on a fixed number of workers.
type runner struct {
	logger     *zap.Logger
	maxWorkers int
	jobCh      chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func newRunner(maxWorkers int, logger *zap.Logger) *runner {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &runner{
		logger:     logger,
		maxWorkers: maxWorkers,
		jobCh:      make(chan func(), maxWorkers*2),
		stopCh:     make(chan struct{}),
	}
}

func (r *runner) Start() {
	for i := 0; i < r.maxWorkers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.logger.Debug("run pool started", zap.Int("workers", r.maxWorkers))
}

// Stop waits for running jobs. Queued jobs that have not started are dropped.
func (r *runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

// submit queues job and reports false when the queue is full.
func (r *runner) submit(job func()) bool {
	select {
	case r.jobCh <- job:
		return true
	default:
		return false
	}
}

func (r *runner) worker(id int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case job := <-r.jobCh:
			r.run(id, job)
		}
	}
}

func (r *runner) run(id int, job func()) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("run pool job panicked", zap.Int("worker", id), zap.Any("panic", v))
		}
	}()
	job()
}
