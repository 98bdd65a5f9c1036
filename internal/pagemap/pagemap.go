// Package pagemap implements spec §4.5's Page Map & Copier: an in-memory
// chain of PageNode versions per (volumeHandle, pageAddress) updated on
// every PA write, plus the background copier that migrates pages back to
// their home volumes and advances the journal's baseAddress.
//
// Grounded on _examples/SimonWaldherr-tinySQL's
// internal/storage/pager/gc.go for the shape of a single-pass maintenance
// worker returning a Result statistics struct, generalized here from a
// one-shot VACUUM call to a recurring background cycle driven by
// internal/clockwork.
package pagemap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/metrics"
)

// Key identifies one page's version chain.
type Key struct {
	VolumeHandle uint32
	PageAddress  uint64
}

// Node is one version in a page's chain (spec §4.5's PageNode): a journal
// address and the timestamp of the write that produced it, linked to the
// version it superseded.
type Node struct {
	Ts             clock.Timestamp
	JournalAddress int64
	Prev           *Node
}

// VolumeWriter is the home-volume write surface the copier needs: write a
// page image at pageAddress, then fsync once per cycle (spec §4.5 step 3).
// Defined here (the consumer) so package pagemap never needs to import a
// concrete volume/file implementation.
type VolumeWriter interface {
	WritePage(volumeHandle uint32, pageAddress uint64, data []byte) error
	Sync(volumeHandle uint32) error
}

// JournalReader is the read surface the copier needs to fetch a page
// image back out of the journal by address (spec §4.5 step 3).
type JournalReader interface {
	ReadPageImage(journalAddress int64) (volumeHandle uint32, pageAddress uint64, data []byte, err error)
}

// Map is the page map: a table of chains guarded by the Map's own mutex
// (not the journal writer's), which writers and readers both take.
type Map struct {
	mu     sync.Mutex
	chains map[Key]*Node
}

// New creates an empty page map.
func New() *Map {
	return &Map{chains: make(map[Key]*Node)}
}

// Publish pushes a new head Node for key, called on every PA write while
// the writer holds the page-map mutex (spec §4.5: "Writers that produce
// PA records must hold the page map mutex while publishing the new
// head.").
func (m *Map) Publish(key Key, ts clock.Timestamp, journalAddress int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[key] = &Node{Ts: ts, JournalAddress: journalAddress, Prev: m.chains[key]}
	metrics.PageMapSize.Set(float64(len(m.chains)))
}

// Resolve returns the head Node for key, or nil if the page is not
// (currently) tracked by the journal — meaning it has already been
// copied back to its home volume.
func (m *Map) Resolve(key Key) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chains[key]
}

// Size returns the number of tracked (volume,page) chains.
func (m *Map) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}

// Stats is a small maintenance report in the shape of tinySQL's
// pager/gc.go GCResult: a one-shot snapshot of the map's current size and
// version depth, suitable for a diagnostic CLI or a test assertion rather
// than hot-path use.
type Stats struct {
	Chains     int
	Versions   int // sum of every chain's version count, including superseded nodes
	DeepestChain int
}

// Snapshot computes a Stats report by walking every chain once.
func (m *Map) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Chains: len(m.chains)}
	for _, head := range m.chains {
		depth := 0
		for n := head; n != nil; n = n.Prev {
			depth++
		}
		s.Versions += depth
		if depth > s.DeepestChain {
			s.DeepestChain = depth
		}
	}
	return s
}

// candidate pairs a chain's key with its current head, captured under the
// map mutex before sorting and copying (spec §4.5 step 2).
type candidate struct {
	key  Key
	head *Node
}

// Result reports one copier cycle's outcome (mirrors tinySQL's GCResult
// shape, adapted from a reachability-scan report to a copy-cycle report).
type Result struct {
	Scanned    int
	Copied     int
	StillDirty int
	NewBase    int64
	Errors     []string
}

// Copier runs spec §4.5's background migration cycle.
type Copier struct {
	pm           *Map
	volumes      VolumeWriter
	journal      JournalReader
	copiesPerCycle int
	copierTimestampLimit clock.Timestamp // 0 means "no cap"
	appendOnly   bool
	copyFast     bool

	currentBlockBoundary func() int64 // returns the journal's current write boundary
	lastValidCheckpointTs func() clock.Timestamp
	minUncommittedStart  func() clock.Timestamp
	advanceBase          func(newBase int64)
	deleteFilesBelow     func(boundary int64) error
}

// Config configures a Copier (spec §6's configuration options).
type Config struct {
	CopiesPerCycle       int
	CopierTimestampLimit clock.Timestamp
	AppendOnly           bool
	CopyFast             bool

	CurrentBlockBoundary  func() int64
	LastValidCheckpointTs func() clock.Timestamp
	MinUncommittedStart   func() clock.Timestamp
	AdvanceBase           func(newBase int64)
	DeleteFilesBelow      func(boundary int64) error
}

// NewCopier builds a Copier over pm using cfg's hooks into the journal.
func NewCopier(pm *Map, volumes VolumeWriter, journal JournalReader, cfg Config) *Copier {
	copiesPerCycle := cfg.CopiesPerCycle
	if copiesPerCycle <= 0 {
		copiesPerCycle = 1000 // spec §6 default
	}
	return &Copier{
		pm:                    pm,
		volumes:               volumes,
		journal:               journal,
		copiesPerCycle:        copiesPerCycle,
		copierTimestampLimit:  cfg.CopierTimestampLimit,
		appendOnly:            cfg.AppendOnly,
		copyFast:              cfg.CopyFast,
		currentBlockBoundary:  cfg.CurrentBlockBoundary,
		lastValidCheckpointTs: cfg.LastValidCheckpointTs,
		minUncommittedStart:   cfg.MinUncommittedStart,
		advanceBase:           cfg.AdvanceBase,
		deleteFilesBelow:      cfg.DeleteFilesBelow,
	}
}

// Urgency computes spec §4.5's 0..10 scheduling signal:
// pageMapSize / sizeBase + (currentFileCount-1), clamped, with copyFast
// forcing 10.
func (c *Copier) Urgency(pageMapSize, sizeBase, currentFileCount int) int {
	if c.copyFast {
		return 10
	}
	if sizeBase <= 0 {
		sizeBase = 1
	}
	u := pageMapSize/sizeBase + (currentFileCount - 1)
	if u < 0 {
		u = 0
	}
	if u > 10 {
		u = 10
	}
	metrics.CopierUrgency.Set(float64(u))
	return u
}

// RunCycle executes one copier cycle (spec §4.5's five numbered steps).
// In append-only mode the copier is a no-op, per spec §6's appendOnly
// option ("suppress copier and deletion").
func (c *Copier) RunCycle() (*Result, error) {
	if c.appendOnly {
		return &Result{}, nil
	}

	limitTs := clock.Timestamp(1<<63 - 1)
	if c.lastValidCheckpointTs != nil {
		limitTs = c.lastValidCheckpointTs()
	}
	if c.copierTimestampLimit != 0 && c.copierTimestampLimit < limitTs {
		limitTs = c.copierTimestampLimit
	}

	blockBoundary := int64(1<<63 - 1)
	if c.currentBlockBoundary != nil {
		blockBoundary = c.currentBlockBoundary()
	}

	candidates := c.collectCandidates(limitTs, blockBoundary)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].key.VolumeHandle != candidates[j].key.VolumeHandle {
			return candidates[i].key.VolumeHandle < candidates[j].key.VolumeHandle
		}
		return candidates[i].key.PageAddress < candidates[j].key.PageAddress
	})

	result := &Result{Scanned: len(candidates)}
	touchedVolumes := map[uint32]struct{}{}
	copied := make([]candidate, 0, len(candidates))

	for _, cand := range candidates {
		vh, pa, data, err := c.journal.ReadPageImage(cand.head.JournalAddress)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read %v: %v", cand.key, err))
			continue
		}
		if err := c.volumes.WritePage(vh, pa, data); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("write %v: %v", cand.key, err))
			continue
		}
		touchedVolumes[vh] = struct{}{}
		copied = append(copied, cand)
		result.Copied++
	}

	for vh := range touchedVolumes {
		if err := c.volumes.Sync(vh); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sync volume %d: %v", vh, err))
		}
	}

	c.retireCopied(copied)

	newBase := c.computeNewBase(blockBoundary)
	result.NewBase = newBase
	if c.advanceBase != nil {
		c.advanceBase(newBase)
	}
	if c.deleteFilesBelow != nil {
		if err := c.deleteFilesBelow(newBase); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete drained files: %v", err))
		}
	}

	result.StillDirty = c.pm.Size()
	return result, nil
}

// collectCandidates gathers up to copiesPerCycle chain heads eligible for
// copying (spec §4.5 step 2), or every chain head if copyFast is set.
func (c *Copier) collectCandidates(limitTs clock.Timestamp, blockBoundary int64) []candidate {
	c.pm.mu.Lock()
	defer c.pm.mu.Unlock()

	var out []candidate
	for k, head := range c.pm.chains {
		if !c.copyFast && (head.Ts >= limitTs || head.JournalAddress >= blockBoundary) {
			continue
		}
		out = append(out, candidate{key: k, head: head})
		if !c.copyFast && len(out) >= c.copiesPerCycle {
			break
		}
	}
	return out
}

// retireCopied implements spec §4.5 step 4: under the page-map mutex, for
// each copied node, check whether it is still the head of its chain (by
// identity, not just by Prev==nil — a chain may have had several versions
// queued up before any of them were copied). If so every version it
// superseded is now stale too, so the whole entry is removed. Otherwise a
// newer write raced in after the candidate snapshot was taken; walk down
// from the current head and cut the link to the copied node, dropping it
// and everything older than it while keeping the newer versions above it.
func (c *Copier) retireCopied(cands []candidate) {
	c.pm.mu.Lock()
	defer c.pm.mu.Unlock()

	for _, cand := range cands {
		head, ok := c.pm.chains[cand.key]
		if !ok {
			continue
		}
		if head == cand.head {
			delete(c.pm.chains, cand.key)
			continue
		}
		for n := head; n.Prev != nil; n = n.Prev {
			if n.Prev == cand.head {
				n.Prev = nil
				break
			}
		}
	}
	metrics.PageMapSize.Set(float64(len(c.pm.chains)))
}

// computeNewBase implements spec §4.5 step 5: advance baseAddress to
// min(journalAddress of remaining heads, min(startAddress of uncommitted
// txns)).
func (c *Copier) computeNewBase(blockBoundary int64) int64 {
	c.pm.mu.Lock()
	min := blockBoundary
	for _, head := range c.pm.chains {
		if head.JournalAddress < min {
			min = head.JournalAddress
		}
	}
	c.pm.mu.Unlock()

	if c.minUncommittedStart != nil {
		if u := int64(c.minUncommittedStart()); u < min {
			min = u
		}
	}
	return min
}
