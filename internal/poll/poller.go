// Package poll provides a single-flight periodic poller.
//
// A Poller runs one task on a fixed interval. At most one run of the task is
// outstanding at any time; triggers that arrive while a run is in flight are
// dropped rather than queued.
package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is the unit of work run on every tick.
type Task func(ctx context.Context)

// Poller schedules a Task on a ticker with single-flight execution.
type Poller struct {
	interval time.Duration
	task     Task
	logger   *zap.Logger

	inFlight atomic.Bool
	runs     sync.WaitGroup

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu      sync.Mutex
	taskCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	loops atomic.Int32
}

// New creates a stopped Poller.
func New(interval time.Duration, task Task, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		interval: interval,
		task:     task,
		logger:   logger,
		taskCtx:  context.Background(),
	}
}

// Start runs the task immediately and then on every interval until Stop is
// called. Calling Start on a running Poller replaces the previous ticker.
//
// ctx is handed to every run of the task. Stop does not cancel it, so a run
// that is in flight when Stop is called still completes.
func (p *Poller) Start(ctx context.Context) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.stop()

	p.mu.Lock()
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.taskCtx = ctx
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.loops.Add(1)
	go p.loop(loopCtx, done)
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		p.loops.Add(-1)
		close(done)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.TriggerActive()

	for {
		select {
		case <-ctx.Done():
			p.release(done)
			return
		case <-ticker.C:
			p.TriggerActive()
		}
	}
}

// release marks the Poller inactive when the loop identified by done ends
// because the Start context was cancelled. A loop replaced or stopped
// through stop no longer owns the fields and leaves them alone.
func (p *Poller) release(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != done {
		return
	}
	p.cancel()
	p.cancel, p.done = nil, nil
}

// Stop cancels future runs. It is safe to call on a Poller that was never
// started and safe to call more than once.
func (p *Poller) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	p.stop()
}

func (p *Poller) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether the ticker is scheduled. It turns false after Stop
// or once the context passed to Start is cancelled.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Loops reports how many ticker goroutines are running. It is never more
// than one.
func (p *Poller) Loops() int32 {
	return p.loops.Load()
}

// InFlight reports whether a run is outstanding.
func (p *Poller) InFlight() bool {
	return p.inFlight.Load()
}

// Trigger starts a run in the background unless one is already outstanding.
// It returns false when the trigger was dropped.
func (p *Poller) Trigger() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trigger()
}

// TriggerActive is Trigger for a running Poller. It returns false without
// running the task when the Poller is stopped, so a Stop followed by Wait
// never races with a late trigger.
func (p *Poller) TriggerActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return false
	}
	return p.trigger()
}

// trigger is called with p.mu held.
func (p *Poller) trigger() bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("poll skipped, previous run still in flight")
		return false
	}

	ctx := p.taskCtx
	p.runs.Add(1)
	go func() {
		defer p.runs.Done()
		defer p.inFlight.Store(false)
		p.task(ctx)
	}()
	return true
}

// Do runs the task on the calling goroutine under the same single-flight
// guard as Trigger. It returns false if a run was already outstanding.
func (p *Poller) Do(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("poll skipped, previous run still in flight")
		return false
	}
	defer p.inFlight.Store(false)
	p.task(ctx)
	return true
}

// Wait blocks until every background run started by Trigger has returned.
func (p *Poller) Wait() {
	p.runs.Wait()
}
