// Package workers hosts the periodic lifecycle tasks: expiry scanning,
// near-expiry alerting, retention cleanup, and the failed-delivery
// retrier. Each is a cancellable loop; errors are logged and counted,
// never propagated, so one bad tick cannot kill the loop.
package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/authvault/backend/internal/monitoring"
)

// batchLimit bounds the rows one tick may touch. Anything left over is
// picked up by the next tick.
const batchLimit = 500

// Task is one periodic job. Run returns the number of rows it handled.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Runner drives a set of tasks until its context is cancelled.
type Runner struct {
	tasks   []Task
	metrics *monitoring.Metrics
	logger  *log.Logger
	wg      sync.WaitGroup
}

// NewRunner creates an empty runner.
func NewRunner(metrics *monitoring.Metrics) *Runner {
	return &Runner{
		metrics: metrics,
		logger:  log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Add registers a task. Must be called before Start.
func (r *Runner) Add(t Task) { r.tasks = append(r.tasks, t) }

// Start launches one goroutine per task. Each runs once immediately,
// then on every interval tick, and exits when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	r.logger.Printf("Started %d lifecycle task(s)", len(r.tasks))
}

// Wait blocks until every task loop has exited.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	r.tick(ctx, t)
	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("%s stopped", t.Name)
			return
		case <-ticker.C:
			r.tick(ctx, t)
		}
	}
}

func (r *Runner) tick(ctx context.Context, t Task) {
	n, err := t.Run(ctx)
	r.metrics.WorkerIterations.WithLabelValues(t.Name).Inc()
	r.metrics.WorkerBatchSize.WithLabelValues(t.Name).Observe(float64(n))
	if err != nil {
		r.metrics.WorkerFailures.WithLabelValues(t.Name).Inc()
		r.logger.Printf("%s tick failed after %d row(s): %v", t.Name, n, err)
		return
	}
	if n > 0 {
		r.logger.Printf("%s handled %d row(s)", t.Name, n)
	}
}
