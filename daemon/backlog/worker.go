package backlog

import (
	"context"
	"time"

	"github.com/rhizomemesh/rhizome/internal/observability"
)

// DefaultInterval is the retry period.
const DefaultInterval = 2 * time.Second

const batchSize = 128

// RetryFunc offers an item again. It returns true when the item still
// could not be placed and should go back into the backlog.
type RetryFunc func(ctx context.Context, item Item) bool

// Worker drains the backlog periodically.
type Worker struct {
	queue    *Queue
	retry    RetryFunc
	interval time.Duration
	logger   *observability.Logger
	// OnDepth, when set, receives the backlog length after every round.
	OnDepth func(int)
}

func NewWorker(q *Queue, retry RetryFunc, interval time.Duration, logger *observability.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Worker{queue: q, retry: retry, interval: interval, logger: logger}
}

// Run retries the backlog every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single retry round.
func (w *Worker) RunOnce(ctx context.Context) {
	pruned, err := w.queue.Prune()
	if err != nil {
		w.logger.Error(err, "backlog prune failed")
	}
	items, dropped, err := w.queue.DequeueBatch(batchSize)
	if err != nil {
		w.logger.Error(err, "backlog dequeue failed")
		return
	}
	if dropped += pruned; dropped > 0 {
		w.logger.Debug("dropped expired backlog entries")
	}
	for _, it := range items {
		if !w.retry(ctx, it) {
			continue
		}
		if err := w.queue.Enqueue(it); err != nil {
			w.logger.WithBundle(it.Manifest.ID.String()).Error(err, "backlog requeue failed")
		}
	}
	if w.OnDepth != nil {
		w.OnDepth(w.queue.Len())
	}
}
