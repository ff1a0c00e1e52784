package muster

import (
	"cmp"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// ExpireWorker owns the expiration timers of pending events. A timer
	// that fires queues a Cancel on behalf of the creator, which a fixed pool
	// of workers issues against the Backend. Expiration is best effort:
	// failures are discarded and a full queue drops the request
	ExpireWorker struct {
		backend Backend
		logger  *zap.Logger
		ctx     context.Context
		cancel  context.CancelFunc
		queue   chan expireRequest
		timers  map[ID]*armedTimer
		timeout time.Duration
		mu      sync.Mutex
		wg      sync.WaitGroup
	}

	expireRequest struct {
		eventID ID
		creator ID
	}

	armedTimer struct {
		timer *time.Timer
	}
)

// NewExpireWorker starts the configured number of workers
func NewExpireWorker(
	backend Backend, cfg Config, logger *zap.Logger,
) *ExpireWorker {
	ctx, cancel := context.WithCancel(context.Background())

	ew := &ExpireWorker{
		backend: backend,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan expireRequest, max(1, cfg.ExpireQueueSize)),
		timers:  map[ID]*armedTimer{},
		timeout: cmp.Or(cfg.ExpireTimeout, DefaultExpireTimeout),
	}

	for i := 0; i < max(1, cfg.ExpireWorkers); i++ {
		ew.wg.Add(1)
		go ew.worker(i)
	}

	return ew
}

// Arm schedules the event's expiration. Arming an event twice replaces the
// earlier timer
func (ew *ExpireWorker) Arm(ev *Event, after time.Duration) {
	req := expireRequest{
		eventID: ev.ID,
		creator: ev.Creator(),
	}

	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.ctx.Err() != nil {
		return
	}
	if prev, ok := ew.timers[req.eventID]; ok {
		prev.timer.Stop()
	}
	armed := &armedTimer{}
	armed.timer = time.AfterFunc(after, func() {
		ew.fire(req, armed)
	})
	ew.timers[req.eventID] = armed
}

// Disarm stops the event's timer. It returns false if no timer was armed
func (ew *ExpireWorker) Disarm(id ID) bool {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	armed, ok := ew.timers[id]
	if !ok {
		return false
	}
	delete(ew.timers, id)
	return armed.timer.Stop()
}

// Armed returns the number of timers that have not yet fired
func (ew *ExpireWorker) Armed() int {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return len(ew.timers)
}

// Stop disarms every timer and waits for the workers to finish
func (ew *ExpireWorker) Stop() {
	ew.mu.Lock()
	for id, armed := range ew.timers {
		armed.timer.Stop()
		delete(ew.timers, id)
	}
	ew.cancel()
	ew.mu.Unlock()

	ew.wg.Wait()
}

func (ew *ExpireWorker) fire(req expireRequest, armed *armedTimer) {
	ew.mu.Lock()
	if ew.timers[req.eventID] == armed {
		delete(ew.timers, req.eventID)
	}
	ew.mu.Unlock()

	ew.enqueue(req)
}

func (ew *ExpireWorker) enqueue(req expireRequest) bool {
	if ew.ctx.Err() != nil {
		return false
	}

	select {
	case ew.queue <- req:
		return true
	default:
		ew.logger.Warn("Expiration queue full, dropping request",
			zap.String("event_id", string(req.eventID)),
			zap.Int("queue_size", len(ew.queue)),
		)
		return false
	}
}

func (ew *ExpireWorker) worker(id int) {
	defer ew.wg.Done()

	for {
		select {
		case <-ew.ctx.Done():
			return
		case req := <-ew.queue:
			ew.expire(id, req)
		}
	}
}

func (ew *ExpireWorker) expire(workerID int, req expireRequest) {
	ctx, cancel := context.WithTimeout(ew.ctx, ew.timeout)
	defer cancel()

	start := time.Now()
	err := ew.backend.Cancel(ctx, req.creator, req.eventID)
	duration := time.Since(start)

	if err != nil {
		ew.logger.Debug("Expiration cancel discarded",
			zap.Int("worker_id", workerID),
			zap.String("event_id", string(req.eventID)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	ew.logger.Debug("Event expired",
		zap.Int("worker_id", workerID),
		zap.String("event_id", string(req.eventID)),
		zap.Duration("duration", duration),
	)
}
