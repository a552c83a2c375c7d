// Package execqueue serializes the Execute phase: one conversation holds the
// project's execute lock at a time, everyone else waits in a persisted FIFO
// queue. Lock and queue survive kernel restarts.
package execqueue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/atomicfile"
	"github.com/tenex/tenex/internal/common/logger"
)

// Common errors.
var (
	ErrNotHolder = errors.New("conversation does not hold the execute lock")
	ErrNotQueued = errors.New("conversation is not in the execute queue")
)

// Lock is the persisted record of the current execute lock holder.
type Lock struct {
	ConversationID string `json:"conversation_id"`
	HeldBy         string `json:"held_by,omitempty"` // agent executing for the holder
	ProjectID      string `json:"project_id"`
	AcquiredAt     int64  `json:"acquired_at"` // unix seconds
	MaxDurationMs  int64  `json:"max_duration_ms"`
}

// Entry is one waiting conversation in the persisted queue.
type Entry struct {
	ConversationID string `json:"conversation_id"`
	HeldBy         string `json:"held_by,omitempty"` // agent that will execute
	EnqueuedAt     int64  `json:"enqueued_at"`       // unix seconds
	Retries        int    `json:"retries,omitempty"` // repeat requests while waiting
}

// Grant is the outcome of a lock request.
type Grant struct {
	Acquired bool
	Position int           // 0-based queue position when not acquired
	ETA      time.Duration // estimated wait when not acquired
}

// Status is the admin view of the queue.
type Status struct {
	Holder  *Lock   `json:"holder,omitempty"`
	Waiting []Entry `json:"waiting"`
}

// Queue is the per-project execute mutex plus its FIFO wait list.
// OnGrant fires when a waiting conversation acquires the lock; OnTimeout
// fires when a lock exceeds its maximum duration and is force-released.
type Queue struct {
	dir         string
	projectID   string
	maxDuration time.Duration
	avgExec     time.Duration

	OnGrant   func(conversationID string)
	OnTimeout func(conversationID string)

	mu      sync.Mutex
	lock    *Lock
	waiting []Entry
	// durations of completed execute sessions, newest last, for ETA averaging
	history []time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *logger.Logger
}

// historyWindow bounds how many completed sessions feed the ETA average.
const historyWindow = 20

// New creates a queue rooted at dir/execution.
func New(dir, projectID string, maxDuration, avgExec time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		dir:         filepath.Join(dir, "execution"),
		projectID:   projectID,
		maxDuration: maxDuration,
		avgExec:     avgExec,
		stopCh:      make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "exec-queue")),
	}
}

func (q *Queue) lockPath() string  { return filepath.Join(q.dir, "lock.json") }
func (q *Queue) queuePath() string { return filepath.Join(q.dir, "queue.json") }

// Load restores the lock and queue from durable state. known filters out
// conversations the store no longer has; pass nil to keep everything.
func (q *Queue) Load(known func(conversationID string) bool) error {
	q.mu.Lock()

	var lock Lock
	switch err := atomicfile.ReadJSON(q.lockPath(), &lock); {
	case err == nil && lock.ConversationID != "":
		if known == nil || known(lock.ConversationID) {
			q.lock = &lock
		} else {
			q.logger.Warn("dropping execute lock for unknown conversation",
				zap.String("conversation_id", lock.ConversationID))
		}
	case err != nil && !os.IsNotExist(err):
		q.mu.Unlock()
		return fmt.Errorf("failed to load execute lock: %w", err)
	}

	var waiting []Entry
	switch err := atomicfile.ReadJSON(q.queuePath(), &waiting); {
	case err == nil:
		for _, e := range waiting {
			if known != nil && !known(e.ConversationID) {
				q.logger.Warn("dropping queue entry for unknown conversation",
					zap.String("conversation_id", e.ConversationID))
				continue
			}
			q.waiting = append(q.waiting, e)
		}
		q.sortLocked()
	case !os.IsNotExist(err):
		q.mu.Unlock()
		return fmt.Errorf("failed to load execute queue: %w", err)
	}

	// A scrubbed or absent lock must not strand the restored waiters: the
	// head is promoted exactly as it would be on a release.
	granted := ""
	if q.lock == nil && len(q.waiting) > 0 {
		granted = q.grantHeadLocked()
	}

	q.persistLocked()
	q.logger.Info("execute queue loaded",
		zap.Bool("lock_held", q.lock != nil), zap.Int("waiting", len(q.waiting)))
	q.mu.Unlock()

	if granted != "" && q.OnGrant != nil {
		q.OnGrant(granted)
	}
	return nil
}

// Start launches the lock timeout monitor.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.monitor()
}

// Stop halts the timeout monitor.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

func (q *Queue) monitor() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.expireIfStale()
		}
	}
}

func (q *Queue) expireIfStale() {
	q.mu.Lock()
	if q.lock == nil || time.Since(time.Unix(q.lock.AcquiredAt, 0)) < q.maxDuration {
		q.mu.Unlock()
		return
	}
	expired := q.lock.ConversationID
	q.logger.Warn("execute lock exceeded maximum duration, force releasing",
		zap.String("conversation_id", expired),
		zap.String("reason", "timeout"),
		zap.Duration("max_duration", q.maxDuration))
	granted := q.releaseLocked()
	q.mu.Unlock()

	if q.OnTimeout != nil {
		q.OnTimeout(expired)
	}
	if granted != "" && q.OnGrant != nil {
		q.OnGrant(granted)
	}
}

// Request asks for the execute lock on behalf of the agent that will run.
// Re-entrant: the current holder is granted again without queueing. Otherwise
// the conversation is appended to the queue (idempotently) and given its
// position and estimated wait; a repeat request while waiting bumps the
// entry's retry count.
func (q *Queue) Request(conversationID, holder string) Grant {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lock != nil && q.lock.ConversationID == conversationID {
		return Grant{Acquired: true}
	}
	if q.lock == nil && len(q.waiting) == 0 {
		q.lock = q.newLockLocked(conversationID, holder)
		q.persistLocked()
		q.logger.Info("execute lock acquired", zap.String("conversation_id", conversationID))
		return Grant{Acquired: true}
	}

	pos := q.positionLocked(conversationID)
	if pos < 0 {
		q.waiting = append(q.waiting, Entry{
			ConversationID: conversationID,
			HeldBy:         holder,
			EnqueuedAt:     time.Now().Unix(),
		})
		q.sortLocked()
		q.persistLocked()
		pos = q.positionLocked(conversationID)
		q.logger.Info("conversation queued for execute",
			zap.String("conversation_id", conversationID), zap.Int("position", pos))
	} else {
		q.waiting[pos].Retries++
		q.persistLocked()
	}
	return Grant{Acquired: false, Position: pos, ETA: q.etaLocked(pos)}
}

func (q *Queue) newLockLocked(conversationID, holder string) *Lock {
	return &Lock{
		ConversationID: conversationID,
		HeldBy:         holder,
		ProjectID:      q.projectID,
		AcquiredAt:     time.Now().Unix(),
		MaxDurationMs:  q.maxDuration.Milliseconds(),
	}
}

// Release gives up the lock and grants it to the next waiter.
func (q *Queue) Release(conversationID string) error {
	q.mu.Lock()
	if q.lock == nil || q.lock.ConversationID != conversationID {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHolder, conversationID)
	}
	granted := q.releaseLocked()
	q.mu.Unlock()

	if granted != "" && q.OnGrant != nil {
		q.OnGrant(granted)
	}
	return nil
}

// ForceRelease drops the lock regardless of holder, records the operator's
// reason, and grants the next waiter. It promotes even when no lock is held,
// so a stalled queue can always be unwedged. Returns the released
// conversation id, empty when no lock was held.
func (q *Queue) ForceRelease(conversationID, reason string) string {
	q.mu.Lock()
	released := ""
	if q.lock != nil {
		released = q.lock.ConversationID
		if conversationID != "" && conversationID != released {
			q.logger.Warn("force release targeted a different holder",
				zap.String("requested", conversationID),
				zap.String("holder", released))
		}
	}
	q.logger.Warn("execute lock force released",
		zap.String("conversation_id", released),
		zap.String("reason", reason))
	granted := q.releaseLocked()
	q.mu.Unlock()

	if granted != "" && q.OnGrant != nil {
		q.OnGrant(granted)
	}
	return released
}

// Remove takes a waiting conversation out of the queue.
func (q *Queue) Remove(conversationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.waiting {
		if e.ConversationID == conversationID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.persistLocked()
			q.logger.Info("conversation removed from execute queue",
				zap.String("conversation_id", conversationID))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotQueued, conversationID)
}

// Holder returns the current lock holder, if any.
func (q *Queue) Holder() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lock == nil {
		return "", false
	}
	return q.lock.ConversationID, true
}

// Status returns the admin snapshot of lock and queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{Waiting: make([]Entry, len(q.waiting))}
	copy(st.Waiting, q.waiting)
	if q.lock != nil {
		l := *q.lock
		st.Holder = &l
	}
	return st
}

// ETA estimates the wait for a queued conversation.
func (q *Queue) ETA(conversationID string) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos := q.positionLocked(conversationID)
	if pos < 0 {
		return 0, false
	}
	return q.etaLocked(pos), true
}

// releaseLocked clears the lock, grants the head of the queue, and persists.
// Completed session durations feed the ETA average. Returns the newly
// granted conversation id, if any.
func (q *Queue) releaseLocked() string {
	released := ""
	if q.lock != nil {
		released = q.lock.ConversationID
		q.history = append(q.history, time.Since(time.Unix(q.lock.AcquiredAt, 0)))
		if len(q.history) > historyWindow {
			q.history = q.history[len(q.history)-historyWindow:]
		}
	}
	q.lock = nil

	granted := q.grantHeadLocked()
	q.persistLocked()

	if released != "" {
		q.logger.Info("execute lock released",
			zap.String("conversation_id", released),
			zap.String("granted_to", granted))
	}
	return granted
}

// grantHeadLocked pops the head of the wait list and makes it the holder.
func (q *Queue) grantHeadLocked() string {
	if q.lock != nil || len(q.waiting) == 0 {
		return ""
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.lock = q.newLockLocked(next.ConversationID, next.HeldBy)
	return next.ConversationID
}

// sortLocked keeps the queue FIFO with a stable lexicographic tie-break for
// entries enqueued in the same second.
func (q *Queue) sortLocked() {
	sort.Slice(q.waiting, func(i, j int) bool {
		if q.waiting[i].EnqueuedAt != q.waiting[j].EnqueuedAt {
			return q.waiting[i].EnqueuedAt < q.waiting[j].EnqueuedAt
		}
		return q.waiting[i].ConversationID < q.waiting[j].ConversationID
	})
}

func (q *Queue) positionLocked(conversationID string) int {
	for i, e := range q.waiting {
		if e.ConversationID == conversationID {
			return i
		}
	}
	return -1
}

// avgExecLocked is the mean of recent completed sessions, falling back to
// the configured hint until there is history.
func (q *Queue) avgExecLocked() time.Duration {
	if len(q.history) == 0 {
		return q.avgExec
	}
	var total time.Duration
	for _, d := range q.history {
		total += d
	}
	return total / time.Duration(len(q.history))
}

// etaLocked estimates the wait for queue position pos: whatever is left of
// the current holder's average slot plus a full slot per conversation ahead.
func (q *Queue) etaLocked(pos int) time.Duration {
	avg := q.avgExecLocked()
	remaining := avg
	if q.lock != nil {
		age := time.Since(time.Unix(q.lock.AcquiredAt, 0))
		remaining = avg - age
		if remaining < 0 {
			remaining = 0
		}
	}
	return remaining + time.Duration(pos)*avg
}

// persistLocked writes both records, retrying each once. Persistence
// failures are logged, not fatal; in-memory state stays authoritative until
// the next successful write.
func (q *Queue) persistLocked() {
	lock := Lock{}
	if q.lock != nil {
		lock = *q.lock
	}
	q.writeWithRetry(q.lockPath(), lock)
	q.writeWithRetry(q.queuePath(), q.waiting)
}

func (q *Queue) writeWithRetry(path string, v any) {
	if err := atomicfile.WriteJSON(path, v); err != nil {
		if err2 := atomicfile.WriteJSON(path, v); err2 != nil {
			q.logger.Error("failed to persist execution state",
				zap.String("path", path), zap.Error(err2))
		}
	}
}
