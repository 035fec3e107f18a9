package eventlog

import (
	"context"
	"time"
)

// Worker drives scheduled summary rollups. It keeps the cadence policy out
// of request handlers: summaries happen on a fixed interval regardless of
// traffic.
type Worker struct {
	service  *Service
	interval time.Duration
}

func NewWorker(service *Service, interval time.Duration) *Worker {
	return &Worker{service: service, interval: interval}
}

// Run blocks until ctx is cancelled, performing one rollup per interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := w.service.runSummary(ctx, now.UTC()); err != nil {
				w.service.logger.ErrorContext(ctx, "summary rollup failed", "error", err)
			}
		}
	}
}
