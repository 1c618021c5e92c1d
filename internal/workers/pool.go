// Package workers runs per-instrument evaluation cycles on a bounded pool of
// goroutines so a slow instrument cannot starve the others.
package workers

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolStopped     = errors.New("workers: pool is stopped")
	ErrQueueFull       = errors.New("workers: task queue is full")
	ErrShutdownTimeout = errors.New("workers: shutdown timed out")
)

// Task is one unit of work, typically a single instrument's evaluation cycle.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	Name            string        `mapstructure:"name" json:"name"`
	NumWorkers      int           `mapstructure:"num_workers" json:"numWorkers"`
	QueueSize       int           `mapstructure:"queue_size" json:"queueSize"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout" json:"taskTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdownTimeout"`
}

// DefaultConfig returns pool defaults sized for I/O bound cycles.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       256,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Queued    int   `json:"queued"`
}

// Pool is a fixed-size worker pool with a bounded queue. Submit never blocks:
// when the queue is full the caller skips the cycle rather than backing up
// the tick loop.
type Pool struct {
	logger *zap.Logger
	config Config

	queue  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool; call Start before submitting.
func NewPool(logger *zap.Logger, config Config) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("workers"),
		config: config,
		queue:  make(chan Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize))

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(logger, task)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			logger.Error("Task panicked", zap.Any("panic", r))
		}
	}()

	if err := task(ctx); err != nil {
		p.failed.Add(1)
		logger.Debug("Task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains the workers, waiting up to the shutdown timeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out", zap.String("name", p.config.Name))
		return ErrShutdownTimeout
	}
}

// Running reports whether the pool accepts tasks.
func (p *Pool) Running() bool {
	return p.running.Load()
}

// Stats returns a counter snapshot.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.queue),
	}
}
