// Package bufpool defines spec §4.7's Buffer Pool contract — the one
// external-collaborator surface the rest of the engine depends on — and
// ships a reference in-memory implementation for the engine's own tests.
// Eviction policy is explicitly out of scope (spec §1's non-goals list
// the pool's policy as an external concern): the reference implementation
// keeps every buffer in an unbounded map, never an LRU, so no test in
// this repository accidentally depends on a particular eviction order.
//
// Grounded on _examples/SimonWaldherr-tinySQL's
// internal/storage/bufferpool.go for the shape of a mutex-guarded
// map[PageID]*Frame with dirty tracking, generalized here to the spec's
// get/dirty/flushBuffers/earliestDirtyTimestamp contract and its
// transient-page (ts=-1) rule.
package bufpool

import (
	"sort"
	"sync"

	"github.com/tinykeep/tinykeep/internal/clock"
)

// Transient is the sentinel modification timestamp for pages that must
// never be written as a PA record (spec §4.7).
const Transient clock.Timestamp = -1

// PageID identifies one page within a volume.
type PageID struct {
	VolumeHandle uint32
	PageAddress  uint64
}

// Buffer is one pooled page frame.
type Buffer struct {
	ID   PageID
	Data []byte
	ts   clock.Timestamp // modification timestamp; Transient if not yet dirtied for real
}

// Writer is the sink a dirty buffer is journaled through: AppendPageImage
// plus the page map publish it feeds (spec §4.5's "writers that produce
// PA records must hold the page map mutex while publishing the new
// head").
type Writer interface {
	WritePage(ts clock.Timestamp, id PageID, data []byte) (journalAddress int64, err error)
}

// VolumeReader fetches a page's durable image directly from its home
// volume, used by Get for any page that is not already pooled. Get does
// not consult the journal or the page map, so a page whose newest image
// is still only in the journal is read as its home-volume copy.
type VolumeReader interface {
	ReadPage(id PageID) ([]byte, error)
}

// Pool is the reference Buffer Pool implementation (spec §4.7).
type Pool struct {
	mu      sync.Mutex
	buffers map[PageID]*Buffer
	dirty   map[PageID]clock.Timestamp
	volumes VolumeReader
	writer  Writer
}

// New builds an empty pool backed by volumes (for cold reads) and writer
// (for flushBuffers).
func New(volumes VolumeReader, writer Writer) *Pool {
	return &Pool{
		buffers: make(map[PageID]*Buffer),
		dirty:   make(map[PageID]clock.Timestamp),
		volumes: volumes,
		writer:  writer,
	}
}

// Get returns the pooled buffer for id, reading it from the home volume
// if mustRead is set and it is not already pooled (spec §4.7's
// `get(volume, page, mustRead, writer)`). The writer parameter of the
// spec's signature names the caller that will subsequently dirty the
// page; this reference implementation does not need it, since there is
// no eviction policy contending for frames.
func (p *Pool) Get(id PageID, mustRead bool) (*Buffer, error) {
	p.mu.Lock()
	b, ok := p.buffers[id]
	p.mu.Unlock()
	if ok {
		return b, nil
	}
	if !mustRead {
		b = &Buffer{ID: id, ts: Transient}
		p.mu.Lock()
		p.buffers[id] = b
		p.mu.Unlock()
		return b, nil
	}
	data, err := p.volumes.ReadPage(id)
	if err != nil {
		return nil, err
	}
	b = &Buffer{ID: id, Data: data, ts: Transient}
	p.mu.Lock()
	p.buffers[id] = b
	p.mu.Unlock()
	return b, nil
}

// Dirty marks buffer as modified at ts (spec §4.7's `dirty(buffer, ts)`).
// Passing Transient records the page as a transient page, which
// FlushBuffers must never journal.
func (p *Pool) Dirty(b *Buffer, ts clock.Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.ts = ts
	if ts == Transient {
		delete(p.dirty, b.ID)
		return
	}
	p.dirty[b.ID] = ts
}

// EarliestDirtyTimestamp returns min(ts) over every currently dirty
// (non-transient) buffer, or +∞ (math.MaxInt64) if none — the watermark
// the checkpoint manager's drain loop polls (spec §4.6, §4.7).
func (p *Pool) EarliestDirtyTimestamp() clock.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	earliest := clock.Timestamp(1<<63 - 1)
	for _, ts := range p.dirty {
		if ts < earliest {
			earliest = ts
		}
	}
	return earliest
}

// FlushBuffers synchronously journals every dirty buffer whose
// modification ts is strictly less than upto as a PA record (spec §4.7).
// Transient buffers (ts == Transient) are never journaled.
func (p *Pool) FlushBuffers(upto clock.Timestamp) error {
	p.mu.Lock()
	var due []PageID
	for id, ts := range p.dirty {
		if ts < upto {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].VolumeHandle != due[j].VolumeHandle {
			return due[i].VolumeHandle < due[j].VolumeHandle
		}
		return due[i].PageAddress < due[j].PageAddress
	})
	buffers := make([]*Buffer, 0, len(due))
	for _, id := range due {
		buffers = append(buffers, p.buffers[id])
	}
	p.mu.Unlock()

	for _, b := range buffers {
		if b == nil || b.ts == Transient {
			continue
		}
		if _, err := p.writer.WritePage(b.ts, b.ID, b.Data); err != nil {
			return err
		}
		p.mu.Lock()
		delete(p.dirty, b.ID)
		p.mu.Unlock()
	}
	return nil
}
