// Package queue implements the pending-work queues every asynchronous workflow
// in dmdesk is built on: player actions, LLM requests, DM approvals and asset
// generation jobs.
//
// A [Queue] maps an opaque item id to a payload plus a [Status]. Items move
// Pending → Processing → {Completed | Failed} and never backwards, except when
// an expired lease is reclaimed (see [Queue.ReclaimExpired]). [Queue.ClaimNext]
// hands a given item to at most one consumer at a time.
//
// Queues are in-memory and process-lifetime; durability is not a goal. All
// methods are safe for concurrent use and never block on consumers.
package queue

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an item id is unknown to the queue.
	ErrNotFound = errors.New("queue: item not found")

	// ErrNotClaimed is returned when a terminal transition is requested for an
	// item that is still Pending.
	ErrNotClaimed = errors.New("queue: item has not been claimed")

	// ErrAlreadyClaimed is returned by [Queue.Claim] when the item is already
	// Processing.
	ErrAlreadyClaimed = errors.New("queue: item already claimed")

	// ErrStaleClaim is returned by [Queue.CompleteClaim] and [Queue.FailClaim]
	// when the item was reclaimed and claimed again since the caller's claim.
	ErrStaleClaim = errors.New("queue: claim is no longer current")
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is Completed or Failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item is a point-in-time copy of a queued payload and its bookkeeping.
type Item[T any] struct {
	ID       string
	Payload  T
	Status   Status
	Priority int

	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// LeaseExpiresAt is set while Processing when the queue has a lease
	// timeout configured.
	LeaseExpiresAt *time.Time

	// Attempts counts how many times the item has been claimed. It doubles as
	// the claim token checked by [Queue.CompleteClaim].
	Attempts int

	// Result is the opaque completion result passed to [Queue.Complete].
	Result string

	// Error is the failure message passed to [Queue.Fail].
	Error string

	seq uint64
}

func (it *Item[T]) clone() Item[T] {
	c := *it
	c.StartedAt = cloneTime(it.StartedAt)
	c.CompletedAt = cloneTime(it.CompletedAt)
	c.LeaseExpiresAt = cloneTime(it.LeaseExpiresAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Option configures a [Queue].
type Option func(*options)

type options struct {
	now          func() time.Time
	leaseTimeout time.Duration
	newID        func() string
}

// WithClock replaces time.Now as the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLeaseTimeout makes every claim expire after d. Expired claims are only
// returned to Pending by [Queue.ReclaimExpired]. Zero disables leases.
func WithLeaseTimeout(d time.Duration) Option {
	return func(o *options) { o.leaseTimeout = d }
}

// WithIDGenerator replaces the default UUIDv4 id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// Queue is a generic, in-memory pending-work queue.
type Queue[T any] struct {
	name string
	opts options

	mu      sync.Mutex
	items   map[string]*Item[T]
	pending []*Item[T] // ordered by priority desc, then seq asc
	seq     uint64

	ready chan struct{}
}

// New creates an empty queue. name is used in logs and reports.
func New[T any](name string, opts ...Option) *Queue[T] {
	o := options{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Queue[T]{
		name:  name,
		opts:  o,
		items: make(map[string]*Item[T]),
		ready: make(chan struct{}, 1),
	}
}

// Name returns the queue's name.
func (q *Queue[T]) Name() string { return q.name }

// Ready returns a channel that receives a value whenever an item becomes
// Pending. It is a wake-up hint, not a count.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Enqueue inserts payload as Pending with default priority and returns its id.
func (q *Queue[T]) Enqueue(payload T) string {
	return q.EnqueueWithPriority(payload, 0)
}

// EnqueueWithPriority inserts payload as Pending. Higher priorities are
// claimed first; equal priorities are claimed in enqueue order.
func (q *Queue[T]) EnqueueWithPriority(payload T, priority int) string {
	q.mu.Lock()
	q.seq++
	it := &Item[T]{
		ID:         q.opts.newID(),
		Payload:    payload,
		Status:     StatusPending,
		Priority:   priority,
		EnqueuedAt: q.opts.now(),
		seq:        q.seq,
	}
	q.items[it.ID] = it
	q.insertPending(it)
	q.mu.Unlock()

	q.signal()
	return it.ID
}

// Depth returns the number of Pending items.
func (q *Queue[T]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ProcessingCount returns the number of Processing items.
func (q *Queue[T]) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status == StatusProcessing {
			n++
		}
	}
	return n
}

// Get returns a copy of the item with the given id.
func (q *Queue[T]) Get(id string) (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item[T]{}, false
	}
	return it.clone(), true
}

// ListByStatus returns a snapshot of all items in status, ordered by enqueue
// time. Later mutations of the queue do not affect the returned slice.
func (q *Queue[T]) ListByStatus(status Status) []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item[T]
	for _, it := range q.items {
		if it.Status == status {
			out = append(out, it.clone())
		}
	}
	sortBySeq(out)
	return out
}

// Snapshot returns a copy of every item, ordered by enqueue time.
func (q *Queue[T]) Snapshot() []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item[T], 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.clone())
	}
	sortBySeq(out)
	return out
}

// ClaimNext atomically moves the first Pending item to Processing and returns
// it. The boolean is false when nothing is pending.
func (q *Queue[T]) ClaimNext() (Item[T], bool) {
	return q.ClaimWhere(nil)
}

// ClaimWhere is [Queue.ClaimNext] restricted to payloads for which match
// returns true. A nil match accepts every payload.
func (q *Queue[T]) ClaimWhere(match func(T) bool) (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.pending {
		if match != nil && !match(it.Payload) {
			continue
		}
		q.pending = slices.Delete(q.pending, i, i+1)
		q.markProcessing(it)
		return it.clone(), true
	}
	return Item[T]{}, false
}

// Claim moves the Pending item with the given id to Processing. Consumers that
// are not workers (for example a DM deciding an approval) use it to take
// ownership of a specific item.
func (q *Queue[T]) Claim(id string) (Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item[T]{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch it.Status {
	case StatusPending:
	case StatusProcessing:
		return it.clone(), ErrAlreadyClaimed
	default:
		return it.clone(), fmt.Errorf("queue: item %s is already %s", id, it.Status)
	}
	q.removePending(it)
	q.markProcessing(it)
	return it.clone(), nil
}

// Complete marks a Processing item as Completed. Completing an item that is
// already terminal is a no-op so upstream at-least-once delivery is harmless.
func (q *Queue[T]) Complete(id, result string) error {
	return q.finish(id, 0, StatusCompleted, result, "")
}

// Fail marks a Processing item as Failed. Like [Queue.Complete] it is
// idempotent on terminal items.
func (q *Queue[T]) Fail(id string, cause error) error {
	return q.finish(id, 0, StatusFailed, "", failMessage(cause))
}

// CompleteClaim is [Queue.Complete] for the holder of claim. It returns
// [ErrStaleClaim] once the lease behind claim was reclaimed and the item
// claimed again, so a slow worker cannot finish its successor's work.
func (q *Queue[T]) CompleteClaim(claim Item[T], result string) error {
	return q.finish(claim.ID, claim.Attempts, StatusCompleted, result, "")
}

// FailClaim is [Queue.Fail] for the holder of claim, with the same staleness
// check as [Queue.CompleteClaim].
func (q *Queue[T]) FailClaim(claim Item[T], cause error) error {
	return q.finish(claim.ID, claim.Attempts, StatusFailed, "", failMessage(cause))
}

func failMessage(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}

// finish applies a terminal transition. A non-zero attempt must match the
// item's current claim.
func (q *Queue[T]) finish(id string, attempt int, status Status, result, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if attempt > 0 && it.Attempts != attempt {
		return fmt.Errorf("%w: %s attempt %d, current %d", ErrStaleClaim, id, attempt, it.Attempts)
	}
	switch it.Status {
	case StatusCompleted, StatusFailed:
		return nil
	case StatusPending:
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	now := q.opts.now()
	it.Status = status
	it.CompletedAt = &now
	it.LeaseExpiresAt = nil
	it.Result = result
	it.Error = errMsg
	return nil
}

// ReclaimExpired returns every Processing item whose lease expired at or
// before now to Pending and reports how many were reclaimed. Without a lease
// timeout it never reclaims anything.
func (q *Queue[T]) ReclaimExpired(now time.Time) int {
	q.mu.Lock()
	n := 0
	for _, it := range q.items {
		if it.Status != StatusProcessing || it.LeaseExpiresAt == nil {
			continue
		}
		if now.Before(*it.LeaseExpiresAt) {
			continue
		}
		it.Status = StatusPending
		it.StartedAt = nil
		it.LeaseExpiresAt = nil
		q.insertPending(it)
		n++
	}
	q.mu.Unlock()

	if n > 0 {
		q.signal()
	}
	return n
}

// Prune drops terminal items that completed before cutoff and returns how
// many were removed.
func (q *Queue[T]) Prune(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, it := range q.items {
		if it.Status.IsTerminal() && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			delete(q.items, id)
			n++
		}
	}
	return n
}

// markProcessing must be called with q.mu held.
func (q *Queue[T]) markProcessing(it *Item[T]) {
	now := q.opts.now()
	it.Status = StatusProcessing
	it.StartedAt = &now
	it.Attempts++
	if q.opts.leaseTimeout > 0 {
		exp := now.Add(q.opts.leaseTimeout)
		it.LeaseExpiresAt = &exp
	}
}

// insertPending must be called with q.mu held.
func (q *Queue[T]) insertPending(it *Item[T]) {
	i, _ := slices.BinarySearchFunc(q.pending, it, comparePending[T])
	q.pending = slices.Insert(q.pending, i, it)
}

// removePending must be called with q.mu held.
func (q *Queue[T]) removePending(it *Item[T]) {
	if i := slices.Index(q.pending, it); i >= 0 {
		q.pending = slices.Delete(q.pending, i, i+1)
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func comparePending[T any](a, b *Item[T]) int {
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

func sortBySeq[T any](items []Item[T]) {
	slices.SortFunc(items, func(a, b Item[T]) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}
