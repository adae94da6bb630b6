package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	Name string
	Fn   func(context.Context) error
}

// Handle tracks a submitted task until it finishes
type Handle struct {
	name string
	done chan struct{}
	err  error
}

func newHandle(name string) *Handle {
	return &Handle{name: name, done: make(chan struct{})}
}

// CompletedHandle returns a handle that is already finished with err
func CompletedHandle(name string, err error) *Handle {
	h := newHandle(name)
	h.finish(err)
	return h
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Name returns the task name
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the task has finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// IsDone reports whether the task has finished
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes or ctx is done
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedTask struct {
	task   Task
	handle *Handle
}

// WorkerPool manages a bounded pool of goroutines for background work.
// Every task runs under the pool context, which Stop cancels.
type WorkerPool struct {
	name           string
	maxWorkers     int
	taskQueue      chan queuedTask
	queueSize      int
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	// submitters hold the read side; Stop takes the write side to close
	mu             sync.RWMutex
	closed         bool
	ctx            context.Context
	cancel         context.CancelFunc
	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan queuedTask, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Debug("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			p.drain()
			return
		case qt := <-p.taskQueue:
			p.executeTask(id, qt)
		}
	}
}

// drain fails queued tasks that never started
func (p *WorkerPool) drain() {
	for {
		select {
		case qt := <-p.taskQueue:
			qt.handle.finish(fmt.Errorf("worker pool '%s' stopped before task ran", p.name))
		default:
			return
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, qt queuedTask) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(qt.task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Warn("Background task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task", qt.task.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("Background task completed",
			zap.String("pool", p.name),
			zap.String("task", qt.task.Name),
			zap.Duration("duration", duration))
	}
	qt.handle.finish(err)
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()

	return task.Fn(p.ctx)
}

// Submit queues a task without blocking.
// Returns an error if the queue is full or the pool is stopped.
func (p *WorkerPool) Submit(task Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	h := newHandle(task.Name)
	select {
	case p.taskQueue <- queuedTask{task: task, handle: h}:
		atomic.AddUint64(&p.totalTasks, 1)
		return h, nil
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// SubmitWithContext queues a task, blocking until accepted or ctx is done
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	h := newHandle(task.Name)
	select {
	case <-p.ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return nil, ctx.Err()
	case p.taskQueue <- queuedTask{task: task, handle: h}:
		atomic.AddUint64(&p.totalTasks, 1)
		return h, nil
	}
}

// Stop cancels running tasks and waits for workers to exit
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Debug("Stopping worker pool", zap.String("name", p.name))
		// cancel first so a submitter blocked on a full queue lets go of the lock
		p.cancel()
		p.mu.Lock()
		p.closed = true
		close(p.stopChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}
