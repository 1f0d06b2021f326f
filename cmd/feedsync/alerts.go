package main

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

// alertQueue moves notification sends off the render path.
type alertQueue struct {
	jobs   chan func(context.Context) error
	logger *zap.Logger
}

func newAlertQueue(size int, logger *zap.Logger) *alertQueue {
	return &alertQueue{
		jobs:   make(chan func(context.Context) error, size),
		logger: logger,
	}
}

// Enqueue never blocks; alerts are dropped when the queue is full.
func (q *alertQueue) Enqueue(job func(context.Context) error) {
	select {
	case q.jobs <- job:
	default:
		q.logger.Warn("notification queue full, dropping alert")
	}
}

func (q *alertQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if err := job(ctx); err != nil {
				q.logger.Warn("notification failed", zap.Error(err))
			}
		}
	}
}

// stallDetector counts consecutive failed fetches.
type stallDetector struct {
	threshold int
	failures  atomic.Int64
	onStall   func(failures int, err error)
}

// Wrap resets the failure count whenever fetch succeeds.
func (d *stallDetector) Wrap(fetch feed.FetchFunc) feed.FetchFunc {
	return func(ctx context.Context, window int) ([]feed.Item, error) {
		items, err := fetch(ctx, window)
		if err == nil {
			d.failures.Store(0)
		}
		return items, err
	}
}

// Failed records a failed cycle and fires onStall once per streak, when the
// count reaches the threshold.
func (d *stallDetector) Failed(err error) {
	n := int(d.failures.Add(1))
	if d.threshold > 0 && n == d.threshold && d.onStall != nil {
		d.onStall(n, err)
	}
}
