package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"go.uber.org/zap"
)

// IntakeQueue stages requests between the transport reader goroutine and the
// engine driver. The map carries the request payload and doubles as the
// authoritative known-id set; the in-flight counter tracks requests from
// intake until their terminal response and may transiently exceed the map
// size between HandleRequest and Pop.
type IntakeQueue struct {
	mu      sync.Mutex
	pending map[string]*ChatCompletionRequest

	inFlight atomic.Int64
	running  atomic.Bool

	notify chan struct{}
	stopCh chan struct{}

	logger *logger.Logger
}

// NewIntakeQueue creates a started queue.
func NewIntakeQueue(log *logger.Logger) *IntakeQueue {
	q := &IntakeQueue{
		pending: make(map[string]*ChatCompletionRequest),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		logger:  log,
	}
	q.running.Store(true)
	return q
}

// HandleRequest stages a request and wakes the driver. Called from the
// transport reader goroutine. Requests without a request_id are logged and
// dropped.
func (q *IntakeQueue) HandleRequest(req *ChatCompletionRequest) {
	if req == nil || req.RequestID == "" {
		q.logger.Warn("intake: dropping request without request_id")
		return
	}

	q.mu.Lock()
	_, staged := q.pending[req.RequestID]
	q.pending[req.RequestID] = req
	q.mu.Unlock()

	// a duplicate id that is still staged replaces the earlier sample and
	// will receive a single terminal response, so it is counted once
	if !staged {
		q.inFlight.Add(1)
	}

	q.logger.Info("intake: request queued",
		zap.String("request_id", req.RequestID),
		zap.String("model", req.Model),
	)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PopPendingRequest moves out an arbitrary staged request. Selection is
// unordered; fairness comes from the engine scheduler.
func (q *IntakeQueue) PopPendingRequest() (*ChatCompletionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, req := range q.pending {
		delete(q.pending, id)
		return req, true
	}
	return nil, false
}

// WaitForRequest blocks until a request is staged, the queue stops, or
// timeout elapses. Spurious wakeups are permitted; callers must recheck with
// PopPendingRequest.
func (q *IntakeQueue) WaitForRequest(timeout time.Duration) bool {
	q.mu.Lock()
	hasPending := len(q.pending) > 0
	q.mu.Unlock()
	if hasPending || !q.running.Load() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.notify:
		return true
	case <-q.stopCh:
		return true
	case <-timer.C:
		return false
	}
}

// HasPendingRequests reports whether any request is staged.
func (q *IntakeQueue) HasPendingRequests() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// InFlight returns the number of requests between intake and terminal
// response.
func (q *IntakeQueue) InFlight() int {
	return int(q.inFlight.Load())
}

// DecInFlight records the terminal response of one request. Must be called
// exactly once per accepted request.
func (q *IntakeQueue) DecInFlight() {
	if q.inFlight.Load() > 0 {
		q.inFlight.Add(-1)
	}
}

// Running reports whether the queue accepts waits.
func (q *IntakeQueue) Running() bool {
	return q.running.Load()
}

// Stop wakes all waiters and marks the queue stopped. Staged requests remain
// poppable so the driver can drain them on shutdown.
func (q *IntakeQueue) Stop() {
	if q.running.CompareAndSwap(true, false) {
		close(q.stopCh)
	}
}
