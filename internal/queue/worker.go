package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed item. A nil error completes the item with the
// returned result; a non-nil error fails it.
type Handler[T any] func(ctx context.Context, item Item[T]) (string, error)

// WorkerConfig configures a [Worker].
type WorkerConfig struct {
	// Concurrency is the number of goroutines claiming from the queue.
	// Values below 1 are treated as 1.
	Concurrency int

	// PollInterval bounds how long an idle goroutine waits before trying to
	// claim again when no wake-up arrives. Defaults to one second.
	PollInterval time.Duration
}

// Worker drains a [Queue] with a fixed number of goroutines.
type Worker[T any] struct {
	q       *Queue[T]
	handler Handler[T]
	cfg     WorkerConfig
}

// NewWorker creates a worker for q. Call [Worker.Run] to start it.
func NewWorker[T any](q *Queue[T], h Handler[T], cfg WorkerConfig) *Worker[T] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker[T]{q: q, handler: h, cfg: cfg}
}

// Run blocks until ctx is cancelled and all in-flight handlers returned.
func (w *Worker[T]) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range w.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker[T]) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Drain everything claimable before waiting again.
		for ctx.Err() == nil {
			item, ok := w.q.ClaimNext()
			if !ok {
				break
			}
			// Hand the wake-up on so idle siblings pick up remaining items.
			if w.q.Depth() > 0 {
				w.q.signal()
			}
			w.process(ctx, item)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.q.Ready():
		case <-ticker.C:
		}
	}
}

func (w *Worker[T]) process(ctx context.Context, item Item[T]) {
	result, err := w.handler(ctx, item)
	if err != nil {
		slog.Warn("queue: handler failed", "queue", w.q.Name(), "item_id", item.ID, "attempts", item.Attempts, "err", err)
		w.settled(item, "mark failed", w.q.FailClaim(item, err))
		return
	}
	w.settled(item, "mark completed", w.q.CompleteClaim(item, result))
}

func (w *Worker[T]) settled(item Item[T], op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleClaim):
		// The lease ran out and another worker owns the item now.
		slog.Warn("queue: "+op+" after lease expiry", "queue", w.q.Name(), "item_id", item.ID, "attempts", item.Attempts)
	default:
		slog.Error("queue: "+op, "queue", w.q.Name(), "item_id", item.ID, "err", err)
	}
}
