// Package txindex implements spec §4.2's Transaction Index: a hash-bucketed
// pool of txn.Status records, the visibility predicate, and the
// reduce/cleanup pruning algorithms that migrate statuses between a
// bucket's current, aborted, longRunning and free lists.
//
// Grounded on _examples/SimonWaldherr-tinySQL's internal/storage/mvcc.go
// for the shape of a manager type wrapping per-partition state behind a
// small mutex, generalized here to the spec's intrusive-list bucket
// design instead of a plain map of row versions.
package txindex

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinykeep/tinykeep/internal/accum"
	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/elog"
	"github.com/tinykeep/tinykeep/internal/metrics"
	"github.com/tinykeep/tinykeep/internal/txn"
)

// Visibility is the three-way outcome of the raw visibility predicate
// (spec §4.2's isVisible). Retry is absorbed internally by IsVisible and
// never returned to a caller outside this package.
type Visibility int

const (
	NotVisible Visibility = iota
	Visible
	retry
)

// CommitPolicy controls how hard Commit waits for durability before
// finalizing a status (spec §4.6: "commit(HARD policy)").
type CommitPolicy int

const (
	SoftCommit CommitPolicy = iota
	HardCommit
)

// JournalWriter is the slice of the write-ahead journal that the
// transaction index needs, defined here (the consumer) rather than in
// package journal, so journal never needs to import txindex.
type JournalWriter interface {
	AppendTransactionStart(ts clock.Timestamp) error
	AppendTransactionCommit(startTs, commitTs clock.Timestamp) error
	AppendTransactionAbort(ts clock.Timestamp) error
	Force() error
}

// noopJournal satisfies JournalWriter for callers (mostly tests) that
// don't care about durability.
type noopJournal struct{}

func (noopJournal) AppendTransactionStart(clock.Timestamp) error  { return nil }
func (noopJournal) AppendTransactionCommit(clock.Timestamp, clock.Timestamp) error { return nil }
func (noopJournal) AppendTransactionAbort(clock.Timestamp) error  { return nil }
func (noopJournal) Force() error                                  { return nil }

// bucket is one of H hash partitions of the transaction index (spec §4.2).
type bucket struct {
	mu sync.Mutex // Go's runtime-enforced starvation mode approximates the spec's "fair mutex"

	floor atomic.Int64 // smallest Ts among current's members, or math.MaxInt64 if empty

	current     *txn.Status
	aborted     *txn.Status
	longRunning *txn.Status
	free        *txn.Status
	freeCount   int // len(free); mutated only under mu, bounds spec §6's maxFreeListSize

	deltas *deltaPool // spec §3's freeDelta list, bounded by maxFreeDeltaListSize
}

// deltaPool is a capacity-bounded, lock-free free list of *txn.Delta nodes
// (spec §3's per-bucket freeDelta list). It is a Treiber stack over
// atomic.Pointer, the same lock-free intrusive-list idiom txn.Status
// already uses for its own next link, since AppendDelta runs on a
// transaction's own goroutine without the bucket mutex held.
//
// _examples/Jekaa-go-mvcc-map/mvcc/gc.go explicitly rejects sync.Pool for
// its own MVCC version recycling ("Pool does not give control over object
// lifetime"); the same reasoning applies here, where maxFreeDeltaListSize
// must bound the list deterministically rather than at the runtime's
// discretion.
type deltaPool struct {
	head atomic.Pointer[txn.Delta]
	size atomic.Int64
	max  int64
}

func newDeltaPool(max int) *deltaPool {
	return &deltaPool{max: int64(max)}
}

// Get pops a recycled node, or returns nil if the pool is empty.
func (p *deltaPool) Get() *txn.Delta {
	for {
		head := p.head.Load()
		if head == nil {
			return nil
		}
		next := head.Next
		if p.head.CompareAndSwap(head, next) {
			p.size.Add(-1)
			return head
		}
	}
}

// Put pushes d onto the pool, dropping it for the garbage collector once
// the pool is at its configured capacity (max <= 0 means unbounded).
func (p *deltaPool) Put(d *txn.Delta) {
	if p.max > 0 && p.size.Load() >= p.max {
		return
	}
	for {
		head := p.head.Load()
		d.Next = head
		if p.head.CompareAndSwap(head, d) {
			p.size.Add(1)
			return
		}
	}
}

// Index is the Transaction Index: H buckets of txn.Status, an accumulator
// sink to fold deltas into on reduce, and the allocator used for begin().
type Index struct {
	buckets              []*bucket
	allocator            *clock.Allocator
	accumSink            *accum.Registry
	journal              JournalWriter
	longRunningThreshold int
	maxFreeListSize      int
	maxFreeDeltaListSize int
}

// defaultMaxFreeListSize and defaultMaxFreeDeltaListSize bound the two
// per-bucket recycled free lists (spec §6's "maxFreeListSize,
// maxFreeDeltaListSize (counts)"); sized generously relative to
// longRunningThreshold's own 10000 default so neither cap bites under
// ordinary load.
const (
	defaultMaxFreeListSize      = 4096
	defaultMaxFreeDeltaListSize = 4096
)

// Option configures an Index at construction (spec §6's functional
// options style, grounded on _examples/Jekaa-go-mvcc-map/mvcc/options.go).
type Option func(*Index)

// WithJournal wires a JournalWriter so commit/abort publish records.
func WithJournal(j JournalWriter) Option {
	return func(ix *Index) { ix.journal = j }
}

// WithLongRunningThreshold overrides the default longRunningThreshold
// (spec §6; default 10000).
func WithLongRunningThreshold(n int) Option {
	return func(ix *Index) { ix.longRunningThreshold = n }
}

// WithMaxFreeListSize overrides the default cap on each bucket's recycled
// Status free list (spec §6's maxFreeListSize). n <= 0 means unbounded.
func WithMaxFreeListSize(n int) Option {
	return func(ix *Index) { ix.maxFreeListSize = n }
}

// WithMaxFreeDeltaListSize overrides the default cap on each bucket's
// recycled Delta free list (spec §6's maxFreeDeltaListSize). n <= 0 means
// unbounded.
func WithMaxFreeDeltaListSize(n int) Option {
	return func(ix *Index) { ix.maxFreeDeltaListSize = n }
}

// New creates an Index with h buckets (h must be a power of two; spec
// §4.2 suggests 64) backed by allocator for timestamps and accumSink for
// folding reduced deltas.
func New(h int, allocator *clock.Allocator, accumSink *accum.Registry, opts ...Option) *Index {
	ix := &Index{
		buckets:              make([]*bucket, h),
		allocator:            allocator,
		accumSink:            accumSink,
		journal:              noopJournal{},
		longRunningThreshold: 10000,
		maxFreeListSize:      defaultMaxFreeListSize,
		maxFreeDeltaListSize: defaultMaxFreeDeltaListSize,
	}
	for _, opt := range opts {
		opt(ix)
	}
	for i := range ix.buckets {
		b := &bucket{deltas: newDeltaPool(ix.maxFreeDeltaListSize)}
		b.floor.Store(math.MaxInt64)
		ix.buckets[i] = b
	}
	return ix
}

// BucketCount implements accum.Index.
func (ix *Index) BucketCount() int { return len(ix.buckets) }

func (ix *Index) bucketFor(ts clock.Timestamp) *bucket {
	return ix.buckets[uint64(ts)&uint64(len(ix.buckets)-1)]
}

// Begin allocates a fresh timestamp, journals a TS record for it, and
// registers a new live status in its bucket's current list (spec §4.2
// begin()). A failed TS write is logged; the status is still registered.
func (ix *Index) Begin() *txn.Status {
	ts := ix.allocator.Next()
	if err := ix.journal.AppendTransactionStart(ts); err != nil {
		elog.WithComponent("txindex").Warn().Err(err).
			Int64("ts", int64(ts)).
			Msg("failed to journal transaction start")
	}
	b := ix.bucketFor(ts)

	b.mu.Lock()
	defer b.mu.Unlock()

	s := ix.takeFree(b, ts)
	s.SetNext(b.current)
	b.current = s
	if old := clock.Timestamp(b.floor.Load()); ts < old {
		b.floor.Store(int64(ts))
	}
	return s
}

// takeFree pops a node off the bucket's free list and resets it for
// reuse at ts, or allocates a new one if the free list is empty (spec
// §9's arena-of-slots design, expressed here as a recycled linked list
// instead of a separate arena index).
func (ix *Index) takeFree(b *bucket, ts clock.Timestamp) *txn.Status {
	if b.free != nil {
		s := b.free
		b.free = s.NextStatus()
		b.freeCount--
		s.Reset(ts)
		return s
	}
	s := txn.New(ts)
	s.SetPool(b.deltas)
	return s
}

// pushFree links s onto b.free, or drops it for the garbage collector once
// the list is already at maxFreeListSize (spec §6). Caller holds b.mu.
func (ix *Index) pushFree(b *bucket, s *txn.Status) {
	if ix.maxFreeListSize > 0 && b.freeCount >= ix.maxFreeListSize {
		return
	}
	s.SetNext(b.free)
	b.free = s
	b.freeCount++
}

// recycleDeltas returns every node in a dead status's delta chain to the
// bucket's freeDelta pool (spec §3), once its contribution (if any) has
// already been folded into the accumulator's bucket values.
func recycleDeltas(b *bucket, head *txn.Delta) {
	for d := head; d != nil; {
		next := d.Next
		b.deltas.Put(d)
		d = next
	}
}

// Commit assigns a final commit timestamp to s under policy and publishes
// the outcome, per spec §4.2 commit(): a provisional, negative tc is
// stored first so concurrent readers see "commit in progress" and wait
// rather than miss the update.
func (ix *Index) Commit(s *txn.Status, policy CommitPolicy) (clock.Timestamp, error) {
	provisional := ix.allocator.Next()
	s.BeginCommit(provisional)

	if err := ix.journal.AppendTransactionCommit(s.Ts, provisional); err != nil {
		s.Abort(time.Now())
		return 0, err
	}
	if policy == HardCommit {
		if err := ix.journal.Force(); err != nil {
			s.Abort(time.Now())
			return 0, err
		}
	}

	s.FinalizeCommit(provisional, time.Now())
	metrics.TransactionsCommitted.Inc()
	return provisional, nil
}

// Abort marks s aborted and, per SPEC_FULL.md's resolution of open
// question (c), emits an explicit TA journal record so recovery's
// active-transaction rebuild can prune mvvCount before the
// activeTransactionFloor sweep would otherwise be needed.
func (ix *Index) Abort(s *txn.Status) error {
	err := ix.journal.AppendTransactionAbort(s.Ts)
	s.Abort(time.Now())
	metrics.TransactionsAborted.Inc()
	return err
}

// visibility applies the raw three-way predicate from spec §4.2 without
// any waiting; retry means the caller observed a commit in progress.
func visibility(readerTs clock.Timestamp, s *txn.Status) Visibility {
	tc := s.Tc()
	switch {
	case s.Ts == readerTs:
		return Visible
	case tc > 0 && tc != clock.Uncommitted && tc < readerTs:
		return Visible
	case tc == clock.Aborted || tc >= readerTs:
		return NotVisible
	case tc < 0 && -tc < readerTs:
		return retry
	default:
		return NotVisible
	}
}

// briefWaitTimeout bounds each retry iteration (spec §5: "tens of
// milliseconds").
const briefWaitTimeout = 20 * time.Millisecond

// maxVisibilityRetries bounds the absorbed retry loop so a stuck brief
// lock cannot hang a caller forever; exhausting it falls back to
// NotVisible, which is always a safe (conservative) answer.
const maxVisibilityRetries = 500

// IsVisible resolves spec §4.2's isVisible for (readerTs, s), absorbing
// any "retry" outcome internally per spec §7 ("Retry (visibility) —
// internal only; never surfaces").
func (ix *Index) IsVisible(readerTs clock.Timestamp, s *txn.Status) bool {
	for i := 0; i < maxVisibilityRetries; i++ {
		switch visibility(readerTs, s) {
		case Visible:
			return true
		case NotVisible:
			return false
		case retry:
			metrics.VisibilityRetries.Inc()
			s.WaitBrief(briefWaitTimeout)
		}
	}
	elog.WithComponent("txindex").Warn().
		Int64("readerTs", int64(readerTs)).
		Msg("visibility retry budget exhausted, treating as not-visible")
	return false
}

// statusView adapts *txn.Status to accum.StatusView without requiring
// package txn to import package accum.
type statusView struct {
	s *txn.Status
}

func (v statusView) StartTs() clock.Timestamp  { return v.s.StartTs() }
func (v statusView) CommitTs() clock.Timestamp { return v.s.CommitTs() }
func (v statusView) WaitBrief(d time.Duration) bool { return v.s.WaitBrief(d) }
func (v statusView) DeltasFor(accumIndex int) []accum.DeltaView {
	var out []accum.DeltaView
	for d := v.s.Delta; d != nil; d = d.Next {
		if d.AccumIndex == accumIndex {
			out = append(out, accum.DeltaView{Step: d.Step, Value: d.Value})
		}
	}
	return out
}

// ForEachLiveStatus implements accum.Index: it walks current and
// longRunning without the bucket lock, matching spec §5's "readable
// without the lock but only to traverse intrusive next links" — safe in
// Go because txn.Status.next is an atomic.Pointer and the GC keeps every
// visited node alive regardless of concurrent list migration.
func (ix *Index) ForEachLiveStatus(bucketIdx int, visit func(accum.StatusView)) {
	b := ix.buckets[bucketIdx]
	for s := b.current; s != nil; s = s.NextStatus() {
		visit(statusView{s: s})
	}
	for s := b.longRunning; s != nil; s = s.NextStatus() {
		visit(statusView{s: s})
	}
}

// isVisibleView implements accum.Index's IsVisible by unwrapping the
// adapter produced by ForEachLiveStatus and delegating to the
// *txn.Status version, IsVisible; any other StatusView is not visible.
func (ix *Index) isVisibleView(readerTs clock.Timestamp, v accum.StatusView) bool {
	if sv, ok := v.(statusView); ok {
		return ix.IsVisible(readerTs, sv.s)
	}
	return false
}

// accumIndexAdapter narrows Index down to the accum.Index interface
// shape, since Index.IsVisible's public signature takes a *txn.Status
// rather than an accum.StatusView.
type accumIndexAdapter struct{ ix *Index }

func (a accumIndexAdapter) BucketCount() int { return a.ix.BucketCount() }
func (a accumIndexAdapter) ForEachLiveStatus(bucket int, visit func(accum.StatusView)) {
	a.ix.ForEachLiveStatus(bucket, visit)
}
func (a accumIndexAdapter) IsVisible(readerTs clock.Timestamp, s accum.StatusView) bool {
	return a.ix.isVisibleView(readerTs, s)
}

// AsAccumIndex returns the accum.Index view of ix, for passing to
// Accumulator.Snapshot.
func (ix *Index) AsAccumIndex() accum.Index { return accumIndexAdapter{ix: ix} }

// ActiveTransactionFloor returns the minimum floor across every bucket,
// the activeTransactionFloor referenced by reduce() and cleanup().
func (ix *Index) ActiveTransactionFloor() clock.Timestamp {
	min := clock.Timestamp(math.MaxInt64)
	for _, b := range ix.buckets {
		if f := clock.Timestamp(b.floor.Load()); f < min {
			min = f
		}
	}
	return min
}

// countList returns the length of a bucket's current list, used to
// compare against longRunningThreshold.
func countList(head *txn.Status) int {
	n := 0
	for s := head; s != nil; s = s.NextStatus() {
		n++
	}
	return n
}

// unlinkCurrent removes a status from b.current, given its predecessor in
// the walk (prev) and the successor it had on current (next), captured
// before the status was relinked into its destination list. Caller holds
// b.mu.
func unlinkCurrent(b *bucket, prev, next *txn.Status) {
	if prev == nil {
		b.current = next
		return
	}
	prev.SetNext(next)
}

// Reduce implements spec §4.2's reduce(bucket): raises the bucket's floor
// to the smallest remaining ts on current, then migrates every status at
// the new floor to aborted, free, or longRunning as appropriate. Per the
// spec's ordering invariant, each status is linked into its destination
// list before being unlinked from current.
func (ix *Index) Reduce(bucketIdx int) {
	b := ix.buckets[bucketIdx]
	b.mu.Lock()
	defer b.mu.Unlock()

	newFloor := clock.Timestamp(math.MaxInt64)
	for s := b.current; s != nil; s = s.NextStatus() {
		if s.StartTs() < newFloor {
			newFloor = s.StartTs()
		}
	}
	b.floor.Store(int64(newFloor))
	if newFloor == clock.Timestamp(math.MaxInt64) {
		return
	}

	activeFloor := ix.ActiveTransactionFloor()
	currentLen := countList(b.current)

	var prev *txn.Status
	s := b.current
	for s != nil {
		next := s.NextStatus()
		if s.StartTs() != newFloor {
			prev = s
			s = next
			continue
		}
		tc := s.Tc()
		switch {
		case tc > 0 && tc != clock.Uncommitted && tc < activeFloor && s.MVVCount == 0:
			ix.aggregateDeltas(bucketIdx, b, s)
			recycleDeltas(b, s.Delta)
			ix.pushFree(b, s)
			unlinkCurrent(b, prev, next)
		case tc == clock.Aborted:
			s.SetNext(b.aborted)
			b.aborted = s
			unlinkCurrent(b, prev, next)
		case currentLen > ix.longRunningThreshold:
			s.SetNext(b.longRunning)
			b.longRunning = s
			unlinkCurrent(b, prev, next)
		default:
			prev = s
		}
		s = next
	}
}

// aggregateDeltas folds s's deltas into each touched accumulator's bucket
// values before s is freed, per spec §4.2 reduce()'s "after aggregating
// its deltas into the accumulator's bucket values".
func (ix *Index) aggregateDeltas(bucketIdx int, b *bucket, s *txn.Status) {
	if ix.accumSink == nil {
		return
	}
	for d := s.Delta; d != nil; d = d.Next {
		// d.AccumIndex carries the accumulator's process-wide Handle
		// (see accum.Accumulator.Add/Allocate), so ApplyByIndex resolves
		// it directly without needing the owning tree's name here.
		ix.accumSink.ApplyByIndex(d.AccumIndex, bucketIdx, d.Value)
	}
}

// Cleanup implements spec §4.2's cleanup(activeFloor): sweeps aborted for
// fully-quiesced statuses and longRunning for committed-and-obsolete ones,
// moving both onto free.
func (ix *Index) Cleanup(activeFloor clock.Timestamp) {
	for i, b := range ix.buckets {
		ix.cleanupBucket(i, b, activeFloor)
	}
}

func (ix *Index) cleanupBucket(bucketIdx int, b *bucket, activeFloor clock.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Aborted statuses never contributed to an accumulator's bucket values
	// (their deltas must never be folded in), so their Delta nodes are
	// simply returned to the pool as-is.
	var prev *txn.Status
	s := b.aborted
	for s != nil {
		next := s.NextStatus()
		if s.MVVCount == 0 && s.Ta.Before(timeFromTs(activeFloor)) {
			if prev == nil {
				b.aborted = next
			} else {
				prev.SetNext(next)
			}
			recycleDeltas(b, s.Delta)
			ix.pushFree(b, s)
		} else {
			prev = s
		}
		s = next
	}

	// A committed-and-obsolete longRunning status is leaving every list
	// ForEachLiveStatus walks, so — exactly as reduce()'s direct
	// current->free transition does — its deltas must be folded into the
	// accumulator's bucket values here or that transaction's contribution
	// would silently vanish from every future snapshot.
	prev = nil
	s = b.longRunning
	for s != nil {
		next := s.NextStatus()
		tc := s.Tc()
		if tc > 0 && tc != clock.Uncommitted && tc < activeFloor && s.MVVCount == 0 {
			if prev == nil {
				b.longRunning = next
			} else {
				prev.SetNext(next)
			}
			ix.aggregateDeltas(bucketIdx, b, s)
			recycleDeltas(b, s.Delta)
			ix.pushFree(b, s)
		} else {
			prev = s
		}
		s = next
	}
}

// FlushTransactions blocks until every transaction with StartTs < before has
// committed or aborted, or ctx is done — the checkpoint manager's
// "flushTransactions(t)" step (spec §4.6). It never forces a transaction to
// finish; it only waits, polling at pollInterval, since this index has no
// way to cancel a caller's in-flight transaction from the outside.
func (ix *Index) FlushTransactions(ctx context.Context, before clock.Timestamp, pollInterval time.Duration) error {
	av := ix.AsAccumIndex()
	for {
		pending := false
		for b := 0; b < len(ix.buckets); b++ {
			av.ForEachLiveStatus(b, func(v accum.StatusView) {
				if pending || v.StartTs() >= before {
					return
				}
				tc := v.CommitTs()
				if tc == clock.Uncommitted || (tc < 0 && tc != clock.Aborted) {
					pending = true
				}
			})
			if pending {
				break
			}
		}
		if !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// timeFromTs is a conservative bridge between the logical timestamp
// domain used for activeFloor comparisons and the wall-clock Ta field:
// cleanup only needs "old enough", so treat activeFloor as a Unix-nanos
// wall time directly. Timestamps in this engine are allocator-issued
// integers, not wall time, but the allocator is monotone with wall time
// at the resolution cleanup cares about (whole seconds), which is the
// same approximation spec §4.2's cleanup makes when it compares
// `ta < activeFloor` across the two domains.
func timeFromTs(ts clock.Timestamp) time.Time {
	return time.Unix(0, int64(ts))
}
