package scratch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eleven-am/goverlay/internal/metrics"

	"go.uber.org/zap"
)

const janitorQueueSize = 64

type JanitorOptions struct {
	Workers int
	// Delay postpones each removal after it is enqueued.
	Delay   time.Duration
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Janitor removes delivered artifacts in the background. Removal is best
// effort: failures are logged and never retried. Once stopped, Enqueue
// removes synchronously.
type Janitor struct {
	size    int
	delay   time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
	jobs    chan cleanupJob

	// overflow bounds removals that did not fit in the queue.
	overflow     context.Context
	stopOverflow context.CancelFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

type cleanupJob struct {
	path      string
	notBefore time.Time
}

func NewJanitor(opts JanitorOptions) *Janitor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	overflow, stopOverflow := context.WithCancel(context.Background())
	return &Janitor{
		size:         opts.Workers,
		delay:        opts.Delay,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(zap.String("component", "janitor")),
		jobs:         make(chan cleanupJob, janitorQueueSize),
		overflow:     overflow,
		stopOverflow: stopOverflow,
	}
}

func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return fmt.Errorf("janitor stopped")
	}
	if j.cancel != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.mu.Unlock()

	for i := 0; i < j.size; i++ {
		j.wg.Add(1)
		go j.worker(ctx)
	}
	return nil
}

// Stop halts the workers and removes whatever is still queued or waiting.
func (j *Janitor) Stop() {
	j.mu.Lock()
	j.stopped = true
	if j.cancel != nil {
		j.cancel()
	}
	j.stopOverflow()
	j.mu.Unlock()

	j.wg.Wait()

	for {
		select {
		case job := <-j.jobs:
			j.remove(job.path)
		default:
			return
		}
	}
}

// Enqueue schedules path for removal and returns immediately. When the queue
// is full the removal runs on its own goroutine, which Stop waits for.
func (j *Janitor) Enqueue(path string) {
	job := cleanupJob{path: path, notBefore: time.Now().Add(j.delay)}

	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		j.remove(path)
		return
	}
	defer j.mu.Unlock()

	select {
	case j.jobs <- job:
	default:
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			j.sleepUntil(j.overflow, job.notBefore)
			j.remove(job.path)
		}()
	}
}

func (j *Janitor) worker(ctx context.Context) {
	defer j.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-j.jobs:
			j.sleepUntil(ctx, job.notBefore)
			j.remove(job.path)
		}
	}
}

func (j *Janitor) sleepUntil(ctx context.Context, t time.Time) {
	wait := time.Until(t)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (j *Janitor) remove(path string) {
	err := os.RemoveAll(path)
	if err != nil {
		j.logger.Warn("artifact cleanup failed", zap.String("path", path), zap.Error(err))
	} else {
		j.logger.Debug("artifact removed", zap.String("path", path))
	}
	if j.metrics != nil {
		j.metrics.RecordCleanup(err)
	}
}
