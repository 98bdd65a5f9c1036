// Package accum implements spec §4.3's snapshot-consistent accumulators:
// SUM/MIN/MAX/SEQ aggregates recorded as per-transaction deltas and folded
// into a stable snapshot at an arbitrary (timestamp, step) pair.
//
// accum has no dependency on txindex or txn: it walks the transaction
// index through the small Index/StatusView interfaces below, which
// txindex.Index and txn.Status satisfy. This keeps the dependency edge
// one-directional (txindex -> accum), since txindex both implements these
// interfaces and calls Registry.Apply while reducing a bucket.
package accum

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/metrics"
	"github.com/tinykeep/tinykeep/internal/txn"
)

// Type identifies an accumulator's aggregation kind (spec §3).
type Type uint8

const (
	SUM Type = iota
	MIN
	MAX
	SEQ
)

// MaxPerTree is the largest index an accumulator may have within one tree
// (spec §3: "index ∈ [0..63]").
const MaxPerTree = 64

// StatusView is the read surface of a txn.Status that accum needs:
// enough to decide visibility and to read its deltas for one accumulator,
// without importing the txn package.
type StatusView interface {
	StartTs() clock.Timestamp
	CommitTs() clock.Timestamp
	DeltasFor(accumIndex int) []DeltaView
	WaitBrief(timeout time.Duration) bool
}

// DeltaView is the minimal shape of a txn.Delta needed for folding.
type DeltaView struct {
	Step  int
	Value int64
}

// Index is the read surface of the transaction index that accum needs to
// walk buckets and decide visibility, without importing txindex.
type Index interface {
	BucketCount() int
	// ForEachLiveStatus calls visit for every status in the given
	// bucket's current and longRunning lists (spec's "current ∪
	// longRunning"). Traversal must be safe without the bucket lock, per
	// spec §4.2 "readable without the lock but only to traverse
	// intrusive next links".
	ForEachLiveStatus(bucket int, visit func(StatusView))
	// IsVisible applies spec §4.2's visibility predicate for a status
	// already known to have committed/aborted independently of readerTs
	// == status.StartTs(), which callers check themselves first.
	IsVisible(readerTs clock.Timestamp, s StatusView) bool
}

// Handle is a process-wide identifier for an Accumulator, assigned by
// Registry.Define and used by txn.Delta.AccumIndex to reference "this"
// accumulator (spec §4.3's pseudocode: "Δ.acc == this") without needing
// the tree name at delta-append time. It is distinct from Accumulator.Index,
// the per-tree [0..63] slot used only for the checkpoint persistence key
// (spec §6: "(DIRECTORY, ACCUMULATOR, treeName, index)").
type Handle int

// Accumulator holds one aggregate's state (spec §3). bucketValues[b] is the
// folded contribution of every status that has been reclaimed ("reduced")
// out of bucket b; it grows monotonically as the transaction index prunes.
type Accumulator struct {
	Handle Handle
	Tree   string
	Index  int
	Type   Type

	baseValue int64 // restored from the last checkpoint at recovery

	liveValue atomic.Int64 // reflects every update() call regardless of outcome

	mu                  sync.Mutex
	checkpointValue     int64
	checkpointTimestamp clock.Timestamp
	bucketValues        []int64 // one slot per transaction-index bucket
}

// New creates an Accumulator for the given tree/index/type with H bucket
// slots, where H is the transaction index's bucket count. baseValue,
// liveValue and every bucketValues slot are seeded from the type's apply
// identity (0 for SUM/SEQ, but MaxInt64/MinInt64 for MIN/MAX) so the first
// real contribution folds in correctly instead of being clamped against a
// spurious zero.
func New(handle Handle, tree string, index int, typ Type, buckets int) *Accumulator {
	id := identity(typ)
	bucketValues := make([]int64, buckets)
	for b := range bucketValues {
		bucketValues[b] = id
	}
	a := &Accumulator{
		Handle:       handle,
		Tree:         tree,
		Index:        index,
		Type:         typ,
		baseValue:    id,
		bucketValues: bucketValues,
	}
	a.liveValue.Store(id)
	return a
}

// identity returns apply's identity element for typ: 0 for SUM/SEQ,
// MaxInt64 for MIN, MinInt64 for MAX.
func identity(t Type) int64 {
	switch t {
	case MIN:
		return int64(1<<63 - 1)
	case MAX:
		return -1 << 63
	default:
		return 0
	}
}

// Apply folds b into a per the accumulator's type (spec §4.3). It is
// commutative for every type: apply(a,b) == apply(b,a). Per spec §4.3,
// SEQ's apply is max(a,b) — a+b only governs SEQ's update/merge path
// (updateCombine), where deltas already carry the running sum.
func Apply(t Type, a, b int64) int64 {
	switch t {
	case SUM:
		return a + b
	case MAX, SEQ:
		if a > b {
			return a
		}
		return b
	case MIN:
		if a < b {
			return a
		}
		return b
	default:
		return a + b
	}
}

// updateCombine returns the merge function used when two deltas land on
// the same (accumulator, step): same as Apply, except SEQ deltas (which
// already carry the post-update running sum) combine via addition, per
// spec §4.3: "apply is max(a,b) for apply but a+b for update".
func updateCombine(t Type) func(a, b int64) int64 {
	if t == SEQ {
		return func(a, b int64) int64 { return a + b }
	}
	return func(a, b int64) int64 { return Apply(t, a, b) }
}

// UpdateCombine exposes updateCombine for txindex/txn callers that append a
// delta via txn.Status.AppendDelta.
func (a *Accumulator) UpdateCombine() func(x, y int64) int64 { return updateCombine(a.Type) }

// Update atomically folds value into LiveValue and returns the new live
// value, using updateCombine rather than Apply: per spec §4.3, SEQ's
// liveValue behaves as a running sum (a+b) even though SEQ's apply
// (used when folding bucketValues/visible deltas in Snapshot) is max.
// For SEQ accumulators the caller (Allocate) passes the step delta
// (normally 1) and gets back the new running total to post as the
// delta's value.
func (a *Accumulator) Update(value int64) int64 {
	combine := updateCombine(a.Type)
	for {
		old := a.liveValue.Load()
		next := combine(old, value)
		if a.liveValue.CompareAndSwap(old, next) {
			return next
		}
	}
}

// LiveValue returns the accumulator's live value, reflecting every Update
// call regardless of commit outcome (spec §3 invariant).
func (a *Accumulator) LiveValue() int64 { return a.liveValue.Load() }

// Add posts a delta of value at the transaction's next step against s
// (spec §8 scenario 1/2: "T1 calls A.add(5)"). step orders multiple
// deltas within one transaction against the same accumulator; callers
// that never post more than one delta per accumulator may always pass 0.
func (a *Accumulator) Add(s *txn.Status, step int, value int64) int64 {
	live := a.Update(value)
	s.AppendDelta(int(a.Handle), step, value, a.UpdateCombine())
	return live
}

// Allocate implements SEQ's allocate(): it bumps liveValue by one and
// posts a delta carrying the resulting running sum, per spec §4.3's "SEQ
// semantics: allocate() returns the updated liveValue and posts a Δ whose
// value is that post-update sum".
func (a *Accumulator) Allocate(s *txn.Status, step int) int64 {
	live := a.Update(1)
	s.AppendDelta(int(a.Handle), step, live, a.UpdateCombine())
	return live
}

// MergeBucket folds value into bucketValues[bucket], called by the
// transaction index while reducing a status out of current (spec §4.2
// reduce(): "after aggregating its deltas into the accumulator's bucket
// values"). Must be called with the owning bucket's lock held, per spec
// §5 ("bucketValues is protected by the corresponding bucket lock").
func (a *Accumulator) MergeBucket(bucket int, value int64) {
	a.bucketValues[bucket] = Apply(a.Type, a.bucketValues[bucket], value)
}

// CheckpointValue persists the accumulator's snapshot value as of ts,
// called by the checkpoint manager (spec §4.3, §4.6). baseValue is folded
// forward to this value so recovery can restore it directly.
func (a *Accumulator) CheckpointValue(ts clock.Timestamp, value int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkpointValue = value
	a.checkpointTimestamp = ts
	a.baseValue = value
}

// RestoreBase restores baseValue from a checkpoint read at recovery (spec
// §4.3's SEQ semantics: "Recovery restores baseValue from the persisted
// checkpoint, then reapplies committed deltas from the post-checkpoint
// journal tail").
func (a *Accumulator) RestoreBase(value int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseValue = value
	a.liveValue.Store(value)
}

// maxSnapshotRetries bounds the retry loop in Snapshot (spec §5:
// "Accumulator snapshot retry is bounded by a configurable attempt
// count").
const maxSnapshotRetries = 1000

// Snapshot computes spec §4.3's snapshotValue(ts, step) against idx. It
// never returns the internal retry signal to its own caller: the loop
// below absorbs it exactly as spec §7 requires ("Visibility retry is
// loop-absorbed inside the transaction index; no caller sees it"),
// reporting a metrics counter for each retry taken.
func (a *Accumulator) Snapshot(readerTs clock.Timestamp, step int, idx Index) int64 {
	for attempt := 0; attempt < maxSnapshotRetries; attempt++ {
		v, retry := a.trySnapshot(readerTs, step, idx)
		if !retry {
			return v
		}
		metrics.AccumulatorSnapshotRetries.Inc()
	}
	// Exhausted retries: fall back to the best value we can compute
	// without waiting further, per spec §7 ("Timeout ... callers may
	// retry or surface") — accum has no caller-visible timeout error of
	// its own, so it degrades to a best-effort value rather than panic.
	v, _ := a.trySnapshotNoWait(readerTs, step, idx)
	return v
}

func (a *Accumulator) trySnapshot(readerTs clock.Timestamp, step int, idx Index) (int64, bool) {
	a.mu.Lock()
	v := a.baseValue
	buckets := append([]int64(nil), a.bucketValues...)
	a.mu.Unlock()

	retried := false
	for b := 0; b < idx.BucketCount(); b++ {
		v = Apply(a.Type, v, buckets[b])
		idx.ForEachLiveStatus(b, func(s StatusView) {
			if retried {
				return
			}
			switch {
			case s.StartTs() == readerTs:
				for _, d := range s.DeltasFor(int(a.Handle)) {
					if d.Step <= step {
						v = Apply(a.Type, v, d.Value)
					}
				}
			case idx.IsVisible(readerTs, s):
				for _, d := range s.DeltasFor(int(a.Handle)) {
					v = Apply(a.Type, v, d.Value)
				}
			case s.CommitTs() < 0 && s.CommitTs() != clock.Uncommitted && -s.CommitTs() < readerTs:
				s.WaitBrief(50 * time.Millisecond)
				retried = true
			}
		})
		if retried {
			return 0, true
		}
	}
	return v, false
}

// trySnapshotNoWait is identical to trySnapshot but treats an in-progress
// commit as simply not-yet-visible instead of retrying, used only once the
// retry budget is exhausted.
func (a *Accumulator) trySnapshotNoWait(readerTs clock.Timestamp, step int, idx Index) (int64, bool) {
	a.mu.Lock()
	v := a.baseValue
	buckets := append([]int64(nil), a.bucketValues...)
	a.mu.Unlock()

	for b := 0; b < idx.BucketCount(); b++ {
		v = Apply(a.Type, v, buckets[b])
		idx.ForEachLiveStatus(b, func(s StatusView) {
			if s.StartTs() == readerTs {
				for _, d := range s.DeltasFor(int(a.Handle)) {
					if d.Step <= step {
						v = Apply(a.Type, v, d.Value)
					}
				}
				return
			}
			if idx.IsVisible(readerTs, s) {
				for _, d := range s.DeltasFor(int(a.Handle)) {
					v = Apply(a.Type, v, d.Value)
				}
			}
		})
	}
	return v, false
}

// Registry owns every Accumulator in a volume, keyed by (tree, index) for
// persistence lookups and by Handle for the hot delta-application path,
// and is the sink the transaction index folds bucket deltas into during
// reduce().
type Registry struct {
	mu        sync.Mutex
	byID      map[regKey]*Accumulator
	byHandle  map[Handle]*Accumulator
	nextHandle Handle
	h         int // bucket count, fixed at registry creation
}

type regKey struct {
	tree  string
	index int
}

// NewRegistry creates an empty registry sized for h transaction-index
// buckets.
func NewRegistry(h int) *Registry {
	return &Registry{
		byID:     make(map[regKey]*Accumulator),
		byHandle: make(map[Handle]*Accumulator),
		h:        h,
	}
}

// Define registers (or returns the existing) accumulator for (tree,index),
// assigning it a fresh Handle the first time it is defined.
func (r *Registry) Define(tree string, index int, typ Type) (*Accumulator, error) {
	if index < 0 || index >= MaxPerTree {
		return nil, errOutOfRange
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := regKey{tree, index}
	if a, ok := r.byID[key]; ok {
		return a, nil
	}
	h := r.nextHandle
	r.nextHandle++
	a := New(h, tree, index, typ, r.h)
	r.byID[key] = a
	r.byHandle[h] = a
	return a, nil
}

// Get returns the accumulator for (tree,index), or nil if undefined.
func (r *Registry) Get(tree string, index int) *Accumulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[regKey{tree, index}]
}

// Resolve returns the accumulator registered under handle, or nil.
func (r *Registry) Resolve(handle Handle) *Accumulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byHandle[handle]
}

// ApplyByIndex folds value into bucketValues[bucket] for the accumulator
// identified by handle (stored as a plain int in txn.Delta.AccumIndex).
// Used by txindex.reduce(), which only ever sees the handle, not the tree
// name, when aggregating a freed status's deltas.
func (r *Registry) ApplyByIndex(handle, bucket int, value int64) {
	r.mu.Lock()
	a := r.byHandle[Handle(handle)]
	r.mu.Unlock()
	if a == nil {
		return
	}
	a.MergeBucket(bucket, value)
}

// All returns every defined accumulator, for checkpoint snapshotting.
func (r *Registry) All() []*Accumulator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Accumulator, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	return out
}

var errOutOfRange = &rangeError{}

type rangeError struct{}

func (*rangeError) Error() string { return "accum: index out of [0,64) range" }
