package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborline/stevedore/internal/infrastructure/logging"
	"github.com/harborline/stevedore/internal/infrastructure/monitoring"
)

// Executor runs one claimed task; implemented by the lifecycle
// orchestrator. A returned error marks the task permanently failed (the
// executor has already moved the instance to error and logged it).
type Executor interface {
	Execute(ctx context.Context, task *Task) error
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	LeaseTimeout time.Duration
}

// Pool runs N workers that pull tasks from the store and hand them to
// the executor. Crash safety comes from lease expiry, not heartbeats: a
// worker that dies mid-task simply stops renewing nothing, and the task
// becomes claimable again once its lease runs out.
type Pool struct {
	store   *Store
	exec    Executor
	cfg     PoolConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(store *Store, exec Executor, cfg PoolConfig, logger *logging.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	return &Pool{
		store:  store,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
	}
}

// WithMetrics adds queue observability to the pool.
func (p *Pool) WithMetrics(metrics *monitoring.Metrics) *Pool {
	p.metrics = metrics
	return p
}

// Start launches the workers.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := uuid.New().String()
		p.wg.Add(1)
		go p.worker(ctx, workerID)
	}

	p.logger.Info("Worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Duration("lease_timeout", p.cfg.LeaseTimeout),
	)
}

// Stop cancels the workers and waits for in-flight tasks to drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, workerID)
		}
	}
}

// poll claims and runs tasks until the queue is drained or the context
// is cancelled, so a busy queue is not throttled to one task per tick.
func (p *Pool) poll(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.store.Claim(ctx, workerID, p.cfg.LeaseTimeout)
		if err != nil {
			p.logger.Error("Task claim failed", zap.Error(err))
			return
		}
		if task == nil {
			return
		}
		p.run(ctx, workerID, task)
	}
}

func (p *Pool) run(ctx context.Context, workerID string, task *Task) {
	p.logger.Info("Task claimed",
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
		zap.String("operation", string(task.Operation)),
		zap.String("worker_id", workerID),
		zap.Int("attempts", task.Attempts),
	)
	// Attempts is bumped on every claim, so anything past 1 is a
	// redelivery after an expired lease.
	if p.metrics != nil && task.Attempts > 1 {
		p.metrics.IncTaskRedeliveries()
	}

	// The execution context expires with the lease, so a hung hypervisor
	// call is abandoned here and recovered by redelivery.
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTimeout)
	err := p.exec.Execute(execCtx, task)
	cancel()

	// Finalization must land even when the worker is shutting down.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()

	if err != nil {
		p.logger.Warn("Task failed",
			zap.String("task_id", task.ID),
			zap.String("instance_id", task.InstanceID),
			zap.Error(err),
		)
		if ferr := p.store.Fail(finCtx, task.ID, workerID, err.Error()); ferr != nil {
			p.logger.Error("Task finalization failed", zap.String("task_id", task.ID), zap.Error(ferr))
		}
		p.updateQueueDepth(finCtx)
		return
	}

	if ferr := p.store.Succeed(finCtx, task.ID, workerID); ferr != nil {
		p.logger.Error("Task finalization failed", zap.String("task_id", task.ID), zap.Error(ferr))
		return
	}
	p.logger.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
	)
	p.updateQueueDepth(finCtx)
}

// updateQueueDepth refreshes the per-status depth gauges after a task
// finalizes.
func (p *Pool) updateQueueDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return
	}
	p.metrics.SetQueueDepth(string(StatusPending), int(stats.Pending))
	p.metrics.SetQueueDepth(string(StatusRunning), int(stats.Running))
	p.metrics.SetQueueDepth(string(StatusSucceeded), int(stats.Succeeded))
	p.metrics.SetQueueDepth(string(StatusFailed), int(stats.Failed))
}
