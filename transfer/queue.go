// Package transfer provides priority admission control over pending modpack
// transfers and a dispatcher that feeds released work to the external
// transfer server. How bytes actually move is not this package's concern.
package transfer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"modsync/watch"
)

// Priority orders queued transfers. Higher values are released first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("transfer: unknown priority %q", s)
	}
}

// State is a transfer's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ErrTransferNotFound indicates an unknown transfer ID.
var ErrTransferNotFound = errors.New("transfer: not found")

// TransitionError reports a queue mutation invalid in the current state.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transfer %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// QueuedTransfer is one pending or finished transfer.
type QueuedTransfer struct {
	ID           string
	PeerID       string
	PeerNickname string
	ModpackName  string
	Priority     Priority
	State        State
	CreatedAt    time.Time
	// Attempts counts tries including the first; each Retry adds one.
	Attempts int
	Error    string
	// Manifest carries the changed files for the external delta transfer.
	// Empty means a full sync.
	Manifest []watch.FileChange

	seq uint64
}

// Event reports one transfer state change.
type Event struct {
	Transfer QueuedTransfer
	Previous State
}

// Queue is the sole admission-control authority for transfers: callers must
// rely on GetNext rather than racing their own concurrency checks.
type Queue struct {
	mu            sync.Mutex
	items         map[string]*QueuedTransfer
	nextSeq       uint64
	maxConcurrent int
	active        int

	events chan Event
	ready  chan struct{}
}

// NewQueue creates a queue releasing at most maxConcurrent active transfers.
func NewQueue(maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		items:         make(map[string]*QueuedTransfer),
		maxConcurrent: maxConcurrent,
		events:        make(chan Event, 128),
		ready:         make(chan struct{}, 1),
	}
}

// Events provides per-transfer state change notifications. Events are
// dropped rather than blocking queue mutations when the consumer lags.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Ready signals that GetNext may release new work.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Add enqueues a transfer and returns its ID.
func (q *Queue) Add(peerID, peerNickname, modpackName string, priority Priority, manifest []watch.FileChange) string {
	item := &QueuedTransfer{
		ID:           uuid.NewString(),
		PeerID:       peerID,
		PeerNickname: peerNickname,
		ModpackName:  modpackName,
		Priority:     priority,
		State:        StateQueued,
		CreatedAt:    time.Now(),
		Attempts:     1,
		Manifest:     manifest,
	}

	q.mu.Lock()
	q.nextSeq++
	item.seq = q.nextSeq
	q.items[item.ID] = item
	q.mu.Unlock()

	q.emit(Event{Transfer: *item, Previous: ""})
	q.signalReady()
	return item.ID
}

// GetNext releases the highest-priority queued transfer, FIFO within equal
// priority, and transitions it to Active. It returns false when the queue
// is empty or the concurrency budget is exhausted.
func (q *Queue) GetNext() (QueuedTransfer, bool) {
	q.mu.Lock()
	if q.active >= q.maxConcurrent {
		q.mu.Unlock()
		return QueuedTransfer{}, false
	}

	var best *QueuedTransfer
	for _, item := range q.items {
		if item.State != StateQueued {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.seq < best.seq) {
			best = item
		}
	}
	if best == nil {
		q.mu.Unlock()
		return QueuedTransfer{}, false
	}

	best.State = StateActive
	q.active++
	released := *best
	q.mu.Unlock()

	q.emit(Event{Transfer: released, Previous: StateQueued})
	return released, true
}

// Complete marks an active transfer as successfully finished.
func (q *Queue) Complete(id string) error {
	return q.finishActive(id, StateCompleted, "")
}

// Fail marks an active transfer as failed; Retry can requeue it.
func (q *Queue) Fail(id, cause string) error {
	return q.finishActive(id, StateFailed, cause)
}

func (q *Queue) finishActive(id string, to State, cause string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrTransferNotFound
	}
	if item.State != StateActive {
		err := &TransitionError{ID: id, From: item.State, To: to}
		q.mu.Unlock()
		return err
	}
	previous := item.State
	item.State = to
	item.Error = cause
	q.active--
	updated := *item
	q.mu.Unlock()

	q.emit(Event{Transfer: updated, Previous: previous})
	q.signalReady()
	return nil
}

// Cancel aborts a queued or active transfer.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrTransferNotFound
	}
	if item.State != StateQueued && item.State != StateActive {
		err := &TransitionError{ID: id, From: item.State, To: StateCancelled}
		q.mu.Unlock()
		return err
	}
	previous := item.State
	if item.State == StateActive {
		q.active--
	}
	item.State = StateCancelled
	updated := *item
	q.mu.Unlock()

	q.emit(Event{Transfer: updated, Previous: previous})
	q.signalReady()
	return nil
}

// SetPriority changes a transfer's priority while it is still queued.
func (q *Queue) SetPriority(id string, priority Priority) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrTransferNotFound
	}
	if item.State != StateQueued {
		err := &TransitionError{ID: id, From: item.State, To: StateQueued}
		q.mu.Unlock()
		return err
	}
	item.Priority = priority
	q.mu.Unlock()

	q.signalReady()
	return nil
}

// Retry requeues a failed transfer, incrementing its attempt counter. The
// transfer rejoins the back of its priority class.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrTransferNotFound
	}
	if item.State != StateFailed {
		err := &TransitionError{ID: id, From: item.State, To: StateQueued}
		q.mu.Unlock()
		return err
	}
	previous := item.State
	item.State = StateQueued
	item.Error = ""
	item.Attempts++
	q.nextSeq++
	item.seq = q.nextSeq
	updated := *item
	q.mu.Unlock()

	q.emit(Event{Transfer: updated, Previous: previous})
	q.signalReady()
	return nil
}

// SetMaxConcurrent adjusts the concurrency budget for future GetNext calls.
// Running transfers are never preempted.
func (q *Queue) SetMaxConcurrent(n int) {
	if n <= 0 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
	q.signalReady()
}

// Get returns a copy of one transfer.
func (q *Queue) Get(id string) (QueuedTransfer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return QueuedTransfer{}, ErrTransferNotFound
	}
	return *item, nil
}

// ActiveCount returns the number of currently active transfers.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Snapshot returns all transfers ordered by priority then FIFO position.
func (q *Queue) Snapshot() []QueuedTransfer {
	q.mu.Lock()
	out := make([]QueuedTransfer, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (q *Queue) emit(event Event) {
	select {
	case q.events <- event:
	default:
	}
}

func (q *Queue) signalReady() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
