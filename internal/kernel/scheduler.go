package kernel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/logger"
)

// Scheduler serializes work per conversation: one worker goroutine per
// conversation, triggers coalesce while a run is in flight. This is what
// keeps every conversation single-writer without a global lock.
type Scheduler struct {
	handler func(ctx context.Context, conversationID string)

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logger.Logger
}

// worker is one conversation's serialized run loop. cancel aborts the run
// currently in flight, if any.
type worker struct {
	signal chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (w *worker) setCancel(cancel context.CancelFunc) {
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
}

func (w *worker) abort() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
}

// NewScheduler creates a scheduler that invokes handler for each trigger.
func NewScheduler(handler func(ctx context.Context, conversationID string), log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		handler: handler,
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.WithFields(zap.String("component", "scheduler")),
	}
}

// Trigger wakes the conversation's worker. Triggers arriving while a run is
// in flight coalesce into a single follow-up run.
func (s *Scheduler) Trigger(conversationID string) {
	s.mu.Lock()
	w, ok := s.workers[conversationID]
	if !ok {
		w = &worker{signal: make(chan struct{}, 1)}
		s.workers[conversationID] = w
		s.wg.Add(1)
		go s.run(conversationID, w)
	}
	s.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
		// A run is already pending; it will observe this trigger's work.
	}
}

// Cancel aborts the conversation's in-flight run, if any. The worker stays
// alive; a later trigger starts a fresh run.
func (s *Scheduler) Cancel(conversationID string) {
	s.mu.Lock()
	w, ok := s.workers[conversationID]
	s.mu.Unlock()
	if ok {
		w.abort()
	}
}

func (s *Scheduler) run(conversationID string, w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-w.signal:
			runCtx, cancel := context.WithCancel(s.ctx)
			w.setCancel(cancel)
			s.handler(runCtx, conversationID)
			cancel()
			w.setCancel(nil)
		}
	}
}

// Stop cancels all workers and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
