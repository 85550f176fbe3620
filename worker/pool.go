package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
	"github.com/clipforge/pipeline/queue"
)

// DefaultConcurrency is the worker count when none is configured.
const DefaultConcurrency = 4

// limiterAcquireInterval is how often a worker re-checks a saturated
// per-project concurrency gate.
const limiterAcquireInterval = 100 * time.Millisecond

// Limiter gates per-project concurrency. Implemented by queue.Limiter.
type Limiter interface {
	Acquire(projectID string) bool
	Release(projectID string)
}

// Pool runs a fixed set of worker goroutines that drain the queue and
// hand each job to the Executor. The pool size is fixed for its
// lifetime; backpressure comes from the bounded queue, not from
// spawning workers.
type Pool struct {
	queue       *queue.Queue
	executor    *Executor
	logger      *slog.Logger
	concurrency int
	workerID    id.WorkerID
	limiter     Limiter

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// activeJobs maps job ID -> cancel func for the attempt in flight.
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex

	// fatalCh receives the first unrecoverable error (store write
	// failure). Buffered so a worker never blocks reporting it.
	fatalCh   chan error
	fatalOnce sync.Once

	startMu sync.Mutex
	started bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLimiter installs a per-project concurrency gate.
func WithLimiter(l Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// NewPool creates a worker pool draining q into executor.
func NewPool(q *queue.Queue, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:       q,
		executor:    executor,
		logger:      logger,
		concurrency: DefaultConcurrency,
		workerID:    id.NewWorkerID(),
		activeJobs:  make(map[string]context.CancelFunc),
		fatalCh:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	executor.fatalFn = p.fatal
	return p
}

// ID returns the pool's worker identity, stamped on every record it runs.
func (p *Pool) ID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. Safe to call once.
func (p *Pool) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return nil
	}
	p.started = true

	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())

	p.logger.Info("starting worker pool",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return nil
}

// Stop shuts the pool down. Workers stop picking up new jobs
// immediately; jobs in flight get until ctx's deadline to finish, then
// their contexts are cancelled and the handlers are expected to bail.
func (p *Pool) Stop(ctx context.Context) error {
	p.startMu.Lock()
	if !p.started {
		p.startMu.Unlock()
		return nil
	}
	p.startMu.Unlock()

	p.baseCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancelActiveJobs()
		<-done
		p.logger.Warn("worker pool stopped with jobs cancelled")
		return ctx.Err()
	}
}

// CancelJob cancels the in-flight attempt for the given job. Returns
// false if the job is not currently running on this pool.
func (p *Pool) CancelJob(jobID id.JobID) bool {
	p.activeMu.Lock()
	cancel, ok := p.activeJobs[jobID.String()]
	p.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount reports how many jobs are executing right now.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// Fatal exposes the channel carrying the first unrecoverable error.
// A read from it means the process should exit.
func (p *Pool) Fatal() <-chan error {
	return p.fatalCh
}

func (p *Pool) fatal(err error) {
	p.fatalOnce.Do(func() {
		p.fatalCh <- err
	})
}

func (p *Pool) run(n int) {
	defer p.wg.Done()
	log := p.logger.With(slog.Int("worker", n))

	for {
		r, err := p.queue.Dequeue(p.baseCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrQueueClosed) {
				log.Error("dequeue failed", slog.String("error", err.Error()))
			}
			return
		}
		p.process(r, log)
	}
}

func (p *Pool) process(r *job.Record, log *slog.Logger) {
	if p.limiter != nil && r.ProjectID != "" {
		if !p.waitForSlot(r.ProjectID) {
			// Shutting down while waiting; the record stays queued in the
			// store and is recovered on restart.
			return
		}
		defer p.limiter.Release(r.ProjectID)
	}

	jobCtx, cancel := context.WithCancel(p.baseCtx)
	p.trackJob(r.ID, cancel)
	defer p.untrackJob(r.ID)
	defer cancel()

	if err := p.executor.Execute(jobCtx, r, p.workerID); err != nil {
		log.Debug("job attempt finished with error",
			slog.String("job_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// waitForSlot blocks until the project's concurrency gate opens or the
// pool is stopping. Returns false on shutdown.
func (p *Pool) waitForSlot(projectID string) bool {
	for {
		if p.limiter.Acquire(projectID) {
			return true
		}
		select {
		case <-p.baseCtx.Done():
			return false
		case <-time.After(limiterAcquireInterval):
		}
	}
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID.String()] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID.String())
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.activeJobs {
		cancel()
	}
}
