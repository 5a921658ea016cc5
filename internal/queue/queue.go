package queue

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskctl/controller/internal/ctlerr"
	"github.com/taskctl/controller/internal/events"
)

// Queue is a bounded, priority-ordered work queue with backpressure, a
// configurable rejection policy, and a FIFO-capped dead-letter list
// (spec.md section 4.2).
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	bus     *events.Bus
	items   entryHeap
	byID    map[string]*Entry
	dead    []DeadLetterEntry
	memory  int64
	limiter *rate.Limiter

	backpressureActive bool
	softLimitActive    bool
}

// New builds a Queue. A nil bus disables event emission.
func New(cfg Config, bus *events.Bus) *Queue {
	cfg.applyDefaults()
	if bus == nil {
		bus = events.New(nil)
	}
	q := &Queue{
		cfg:     cfg,
		bus:     bus,
		byID:    make(map[string]*Entry),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	heap.Init(&q.items)
	return q
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// MaxSize returns the queue's configured capacity.
func (q *Queue) MaxSize() int {
	return q.cfg.MaxSize
}

// Enqueue admits issueId at priorityScore, applying backpressure and the
// configured rejection policy as needed. Re-enqueueing an already-present
// issue is a no-op returning success (spec.md's idempotence rule).
func (q *Queue) Enqueue(issueID string, priorityScore float64) EnqueueResult {
	q.mu.Lock()
	if _, exists := q.byID[issueID]; exists {
		q.mu.Unlock()
		return EnqueueResult{Success: true}
	}

	// Capacity and the rejection policy are resolved first: a call that
	// ends up rejected outright never pays the backpressure delay.
	if res, handled := q.admitLocked(issueID, priorityScore); handled {
		q.mu.Unlock()
		return res
	}

	// Both remaining checks evaluate occupancy as it stands before this
	// admission, per spec.md's "the next admission suspends" / "the Nth
	// enqueue triggers soft_limit_warning" framing.
	q.checkSoftLimitTransitionLocked()
	delay := q.backpressureDelayLocked()
	q.checkBackpressureTransitionLocked()
	q.mu.Unlock()

	var delayMs int64
	if delay > 0 {
		time.Sleep(delay)
		delayMs = delay.Milliseconds()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e := &Entry{IssueID: issueID, PriorityScore: priorityScore, QueuedAt: time.Now()}
	heap.Push(&q.items, e)
	q.byID[issueID] = e
	q.memory += q.cfg.BytesPerEntry

	return EnqueueResult{Success: true, BackpressureApplied: delayMs > 0, DelayMs: delayMs}
}

// admitLocked applies the capacity/memory check and rejection policy. It
// returns handled=true only when the entry was rejected and the caller
// must not push it; when there is room, or a displaced entry freed a slot,
// it returns handled=false and the caller pushes.
func (q *Queue) admitLocked(issueID string, priorityScore float64) (EnqueueResult, bool) {
	full := q.items.Len() >= q.cfg.MaxSize
	overMemory := q.memory+q.cfg.BytesPerEntry > q.cfg.MaxMemoryBytes
	if !full && !overMemory {
		return EnqueueResult{}, false
	}

	reason := "queue_full"
	if overMemory && !full {
		reason = "memory_limit"
	}

	switch q.cfg.RejectionPolicy {
	case PolicyDropOldest:
		if q.items.Len() > 0 {
			q.dropOldestLocked("dropped_for_newer")
		}
		return EnqueueResult{}, false

	case PolicyDropLowestPriority:
		min := q.items.min()
		if min != nil && priorityScore > min.PriorityScore {
			q.dropEntryLocked(min, "dropped_for_higher_priority")
			return EnqueueResult{}, false
		}
		return EnqueueResult{Success: false, Reason: "lower_priority_than_queue"}, true

	default: // PolicyReject
		return EnqueueResult{Success: false, Reason: reason}, true
	}
}

// Dequeue removes and returns the highest-priority entry (ties: earliest
// queuedAt). Returns "", false when the queue is empty.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return "", false
	}
	e := heap.Pop(&q.items).(*Entry)
	delete(q.byID, e.IssueID)
	q.memory -= q.cfg.BytesPerEntry

	q.checkBackpressureTransitionLocked()
	return e.IssueID, true
}

// Remove removes issueID from the queue if present, reporting whether it
// was found (used by the worker pool to pull a specific assigned issue
// out of the queue).
func (q *Queue) Remove(issueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[issueID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.index)
	delete(q.byID, issueID)
	q.memory -= q.cfg.BytesPerEntry
	return true
}

func (q *Queue) dropOldestLocked(reason string) {
	oldestIdx := 0
	for i, e := range q.items {
		if e.QueuedAt.Before(q.items[oldestIdx].QueuedAt) {
			oldestIdx = i
		}
	}
	q.dropEntryLocked(q.items[oldestIdx], reason)
}

func (q *Queue) dropEntryLocked(e *Entry, reason string) {
	heap.Remove(&q.items, e.index)
	delete(q.byID, e.IssueID)
	q.memory -= q.cfg.BytesPerEntry
	q.moveToDeadLetterLocked(*e, reason)
}

func (q *Queue) moveToDeadLetterLocked(e Entry, reason string) {
	if !q.cfg.EnableDeadLetter {
		return
	}
	q.dead = append(q.dead, DeadLetterEntry{Entry: e, MovedAt: time.Now(), Reason: reason})
	if len(q.dead) > q.cfg.MaxDeadLetterSize {
		q.dead = q.dead[len(q.dead)-q.cfg.MaxDeadLetterSize:]
	}
	q.bus.Emit("dead_letter_added", events.Payload{"issueId": e.IssueID, "reason": reason})
}

// DeadLetter returns a snapshot of the dead-letter list, oldest first.
func (q *Queue) DeadLetter() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetterEntry(nil), q.dead...)
}

// RetryFromDeadLetter re-enqueues a dead-lettered entry by issue id if the
// main queue currently admits it.
func (q *Queue) RetryFromDeadLetter(issueID string) (EnqueueResult, error) {
	q.mu.Lock()
	idx := -1
	for i, d := range q.dead {
		if d.IssueID == issueID {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return EnqueueResult{}, ctlerr.New(ctlerr.KindIssueNotFound, ctlerr.SeverityLow, ctlerr.CategoryRecoverable,
			"dead-letter entry not found: "+issueID)
	}
	entry := q.dead[idx]
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	q.mu.Unlock()

	return q.Enqueue(entry.IssueID, entry.PriorityScore), nil
}

// checkSoftLimitTransitionLocked emits soft_limit_warning, edge-triggered,
// when occupancy crosses softLimitRatio. Evaluated against the queue's
// occupancy as it stands before the admission under consideration.
func (q *Queue) checkSoftLimitTransitionLocked() {
	ratio := float64(q.items.Len()) / float64(q.cfg.MaxSize)
	active := ratio >= q.cfg.SoftLimitRatio
	if active && !q.softLimitActive {
		q.bus.Emit("soft_limit_warning", events.Payload{"size": q.items.Len(), "maxSize": q.cfg.MaxSize})
	}
	q.softLimitActive = active
}

// checkBackpressureTransitionLocked emits backpressure_activated /
// backpressure_deactivated on edge crossings of backpressureThreshold.
func (q *Queue) checkBackpressureTransitionLocked() {
	ratio := float64(q.items.Len()) / float64(q.cfg.MaxSize)
	active := ratio >= q.cfg.BackpressureThreshold
	if active && !q.backpressureActive {
		q.bus.Emit("backpressure_activated", events.Payload{"ratio": ratio})
	} else if !active && q.backpressureActive {
		q.bus.Emit("backpressure_deactivated", events.Payload{"ratio": ratio})
	}
	q.backpressureActive = active
}

// backpressureDelayLocked computes the next admission's suspend delay per
// spec.md's exponential formula and gates it through q.limiter, a single
// rate.Limiter kept for the Queue's lifetime rather than a fresh one built
// per call. Its limit is retuned to the computed delay on every call, any
// token left over from a less-loaded moment is drained, and the real
// reservation is taken against what remains. Two admissions arriving
// closer together than the computed delay genuinely queue against each
// other this way, since the second pays whatever the first didn't finish
// recovering, instead of each independently yielding the same stateless
// duration.
func (q *Queue) backpressureDelayLocked() time.Duration {
	ratio := float64(q.items.Len()) / float64(q.cfg.MaxSize)
	if ratio < q.cfg.BackpressureThreshold {
		q.limiter.SetLimit(rate.Inf)
		return 0
	}
	ms := math.Min(
		math.Pow(2, (ratio-q.cfg.BackpressureThreshold)*10)*100,
		float64(q.cfg.MaxBackpressureDelayMs),
	)
	delay := time.Duration(ms) * time.Millisecond
	if delay <= 0 {
		q.limiter.SetLimit(rate.Inf)
		return 0
	}
	q.limiter.SetLimit(rate.Every(delay))
	now := time.Now()
	q.limiter.AllowN(now, 1) // drain whatever token accumulated while inactive
	r := q.limiter.ReserveN(now, 1)
	if !r.OK() {
		return delay
	}
	return r.Delay()
}
