// Package txn defines the per-transaction state machine: TransactionStatus
// and the Delta list it carries for accumulator updates (spec §3, §4.2).
// It intentionally knows nothing about buckets, accumulators or the
// journal — those live in txindex, accum and journal respectively — so that
// this package has no import-cycle risk with either.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinykeep/tinykeep/internal/clock"
)

// Timestamp is a local alias so this package does not need to repeat the
// clock import in every signature; it is the identical underlying type.
type Timestamp = clock.Timestamp

// Delta is a single per-transaction contribution to an accumulator. A
// transaction may record several deltas for the same accumulator at
// different Steps (spec §3, §4.3); two deltas on the same (accumulator,
// step) are merged by the accumulator's apply function when appended.
type Delta struct {
	AccumIndex int // the target accumulator's process-wide Handle (not its per-tree 0..63 index)
	Step       int // intra-transaction ordering index
	Value      int64
	Next       *Delta
}

// DeltaPool recycles Delta nodes across transactions (spec §3's per-bucket
// freeDelta list, bounded by spec §6's maxFreeDeltaListSize). Get returns
// nil when the pool has none to offer, in which case the caller allocates
// fresh; Put may silently drop d once the pool is at capacity, leaving it
// to the garbage collector. A Status with no pool set always allocates.
type DeltaPool interface {
	Get() *Delta
	Put(d *Delta)
}

// Status is the per-transaction record (spec §3's TransactionStatus). Ts is
// immutable once assigned. tc follows the three-way state machine described
// in spec §3: clock.Uncommitted while active, a negative in-progress
// marker while committing, a positive commit timestamp on success, or
// clock.Aborted.
type Status struct {
	Ts Timestamp

	tc atomic.Int64 // see Tc/BeginCommit/FinalizeCommit/Abort

	// Ta is the abort/finalize wall timestamp, used only to order
	// cleanup; set once under brief, read lock-free once Notified.
	Ta time.Time

	// MVVCount is the number of MVV versions attributed to this
	// transaction still live in the database; decremented by pruning.
	// Owned by the bucket lock.
	MVVCount int

	// Delta is the head of this transaction's delta list. Appended to by
	// the owning transaction's goroutine via AppendDelta, without the
	// bucket lock; safe to walk lock-free once Notified is true, because
	// no further deltas are appended after that point.
	Delta *Delta

	// Notified is true once commit/abort has been fully published:
	// Tc is final and any deltas are frozen.
	Notified bool

	// next is the intrusive forward link used by the owning bucket list
	// (current/aborted/longRunning/free). Only the bucket lock may
	// mutate it, but it is an atomic.Pointer so lock-free traversal from
	// the accumulator snapshot path gets acquire/release ordering on
	// the link without a second lock, per spec §9's "require
	// acquire/release ordering on next writes".
	next atomic.Pointer[Status]

	// brief is a short-duration lock used to make concurrent readers
	// block on an in-flight commit (spec §4.2, §5 "briefLock").
	brief briefLock

	// pool recycles this status's Delta nodes (spec §3's freeDelta list).
	// Set once by the owning bucket and left untouched across Reset, since
	// a recycled Status always belongs to the same bucket.
	pool DeltaPool
}

// New returns a freshly begun Status at ts, ready to be linked into a
// bucket's current list.
func New(ts Timestamp) *Status {
	s := &Status{Ts: ts}
	s.tc.Store(int64(clock.Uncommitted))
	return s
}

// SetPool assigns the DeltaPool AppendDelta allocates from. Called once by
// the owning bucket when a Status is created; a Status taken off the free
// list keeps the pool it already has.
func (s *Status) SetPool(p DeltaPool) { s.pool = p }

// Reset reinitializes a recycled Status (from a bucket's free list) for
// reuse at a new ts, per spec §4.2 begin().
func (s *Status) Reset(ts Timestamp) {
	s.Ts = ts
	s.tc.Store(int64(clock.Uncommitted))
	s.Ta = time.Time{}
	s.MVVCount = 0
	s.Delta = nil
	s.Notified = false
	s.next.Store(nil)
}

// NextStatus returns the intrusive forward link, safe to call without the
// owning bucket lock.
func (s *Status) NextStatus() *Status { return s.next.Load() }

// SetNext mutates the intrusive forward link. Caller must hold the owning
// bucket lock.
func (s *Status) SetNext(next *Status) { s.next.Store(next) }

// StartTs returns the transaction's start timestamp, satisfying
// accum.StatusView via the txindex adapter.
func (s *Status) StartTs() Timestamp { return s.Ts }

// CommitTs is an alias for Tc, satisfying accum.StatusView via the
// txindex adapter.
func (s *Status) CommitTs() Timestamp { return s.Tc() }

// Tc returns the current commit-timestamp field, exactly as stored: it may
// be clock.Uncommitted, a negative in-progress marker, clock.Aborted, or a
// final positive commit timestamp.
func (s *Status) Tc() Timestamp {
	return Timestamp(s.tc.Load())
}

// BeginCommit records a provisional commit timestamp, marking the status as
// "commit in progress" (spec §3: "negative tc encodes commit in progress,
// in-flight provisional ts is -tc"). It acquires the brief lock so
// concurrent visibility checks that observe the in-progress marker can wait
// on it rather than spin.
func (s *Status) BeginCommit(provisional Timestamp) {
	s.brief.Lock()
	s.tc.Store(int64(-provisional))
}

// FinalizeCommit sets the final commit timestamp and releases the brief
// lock, publishing the outcome to any waiters.
func (s *Status) FinalizeCommit(final Timestamp, at time.Time) {
	s.tc.Store(int64(final))
	s.Ta = at
	s.Notified = true
	s.brief.Unlock()
}

// Abort marks the status aborted, finalizing an in-progress commit as an
// abort if one was underway.
func (s *Status) Abort(at time.Time) {
	wasInProgress := s.tc.Load() < 0 && Timestamp(s.tc.Load()) != clock.Uncommitted
	s.tc.Store(int64(clock.Aborted))
	s.Ta = at
	s.Notified = true
	if wasInProgress {
		s.brief.Unlock()
	}
}

// WaitBrief blocks the caller until any in-progress commit on s has been
// published, bounded by a short timeout (spec §5: "tens of milliseconds").
// Returns false on timeout, in which case the caller should re-read Tc and
// retry its own visibility loop rather than treat this as an error.
func (s *Status) WaitBrief(timeout time.Duration) bool {
	return s.brief.waitUnlocked(timeout)
}

// AppendDelta appends or merges d into the status's delta list. Two deltas
// for the same (accumIndex, step) are merged via combine before being
// stored; combine is supplied by the caller (accum package), since only it
// knows the accumulator's type-specific apply function. Called from the
// transaction's own goroutine without the bucket lock; it is not safe for
// concurrent use on the same Status.
func (s *Status) AppendDelta(accumIndex, step int, value int64, combine func(a, b int64) int64) {
	for d := s.Delta; d != nil; d = d.Next {
		if d.AccumIndex == accumIndex && d.Step == step {
			d.Value = combine(d.Value, value)
			return
		}
	}
	d := s.allocDelta()
	d.AccumIndex, d.Step, d.Value, d.Next = accumIndex, step, value, s.Delta
	s.Delta = d
}

// allocDelta takes a recycled node from the pool if one is available,
// falling back to a fresh allocation.
func (s *Status) allocDelta() *Delta {
	if s.pool != nil {
		if d := s.pool.Get(); d != nil {
			return d
		}
	}
	return &Delta{}
}

// briefLock is a short-lived mutex-with-timeout: each Status owns one
// sync.Mutex, and waitUnlocked bounds a wait on it with a helper goroutine
// and a timer. Readers do not spin before blocking.
type briefLock struct {
	mu sync.Mutex
}

func (b *briefLock) Lock()   { b.mu.Lock() }
func (b *briefLock) Unlock() { b.mu.Unlock() }

// waitUnlocked blocks until the lock is free or timeout elapses. It never
// leaves the mutex held by this goroutine.
func (b *briefLock) waitUnlocked(timeout time.Duration) bool {
	acquired := make(chan struct{})
	go func() {
		b.mu.Lock()
		b.mu.Unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return true
	case <-time.After(timeout):
		return false
	}
}
