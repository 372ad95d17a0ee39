package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLaneFull is returned by Enqueue when a payer already has the maximum
// number of turns waiting.
var ErrLaneFull = errors.New("lane full")

// Queue manages per-payer lanes with a global concurrency semaphore.
// Turns from one payer run sequentially in arrival order; the semaphore
// bounds how many payers' turns run at once. A lane whose goroutine has sat
// idle for idleTimeout is torn down and recreated on the next message.
type Queue struct {
	lanes       map[string]chan *Turn
	semaphore   *semaphore.Weighted
	processor   func(*Turn) error
	active      atomic.Int64
	laneSize    int
	idleTimeout time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously across all lanes.
func NewQueue(maxConcurrent int64, laneSize int, idleTimeout time.Duration, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if laneSize <= 0 {
		laneSize = 16
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		lanes:       make(map[string]chan *Turn),
		semaphore:   semaphore.NewWeighted(maxConcurrent),
		laneSize:    laneSize,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for payer, lane := range q.lanes {
		close(lane)
		delete(q.lanes, payer)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Turn to its payer's lane, creating the lane (and its
// goroutine) on first use.
func (q *Queue) Enqueue(turn *Turn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return fmt.Errorf("queue not running")
	}

	lane, exists := q.lanes[turn.Payer]
	if !exists {
		lane = make(chan *Turn, q.laneSize)
		q.lanes[turn.Payer] = lane
		q.wg.Add(1)
		go q.processLane(turn.Payer, lane)
	}

	select {
	case lane <- turn:
		return nil
	default:
		return fmt.Errorf("enqueue turn for %s: %w", turn.Payer, ErrLaneFull)
	}
}

// processLane drains a single payer lane, acquiring a semaphore slot before
// running the processor synchronously.
func (q *Queue) processLane(payer string, lane chan *Turn) {
	defer q.wg.Done()
	idle := time.NewTimer(q.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case turn, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.run(turn)
			q.semaphore.Release(1)
			idle.Reset(q.idleTimeout)
		case <-idle.C:
			// Enqueue holds the lock while sending, so an empty lane seen
			// here stays empty until we remove it.
			q.mu.Lock()
			if len(lane) == 0 {
				if q.lanes[payer] == lane {
					delete(q.lanes, payer)
				}
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(q.idleTimeout)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) run(turn *Turn) {
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	turn.Ctx = q.ctx
	turn.start()
	err := q.process(turn)
	turn.finish(err)
	if err != nil {
		q.logger.Error("turn failed",
			"turn_id", string(turn.ID),
			"payer", turn.Payer,
			"error", err,
		)
	}
}

// process keeps a panicking processor from taking the lane, and with it the
// whole process, down.
func (q *Queue) process(turn *Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("turn panicked", "turn_id", string(turn.ID), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("turn %s panicked: %v", turn.ID, r)
		}
	}()
	return q.processor(turn)
}

// WaitIdle blocks until no turns are actively being processed, or the
// timeout expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Lanes returns the number of live lanes.
func (q *Queue) Lanes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}

// SetProcessor sets the function invoked for each dequeued Turn.
func (q *Queue) SetProcessor(fn func(*Turn) error) {
	q.processor = fn
}
