// Package engine wires spec.md's four core subsystems — the transaction
// index, the write-ahead journal and page map, the checkpoint manager, and
// a reference buffer pool — into one embeddable handle, per SPEC_FULL.md's
// "no ambient singletons" decision (spec §9's design note on global mutable
// state): every background worker and every operation this package exposes
// takes the *Engine explicitly rather than reaching for package-level
// state.
//
// Grounded on _examples/SimonWaldherr-tinySQL's internal/storage/db.go for
// the shape of a single Open/Close handle that owns its background workers,
// generalized here from tinySQL's catalog+WAL pair to this engine's three
// perpetual workers (checkpoint, journal flusher, page-map copier), started
// and stopped together with golang.org/x/sync/errgroup the way
// _examples/cuemby-warren's service entrypoints group their goroutines.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tinykeep/tinykeep/internal/accum"
	"github.com/tinykeep/tinykeep/internal/bufpool"
	"github.com/tinykeep/tinykeep/internal/checkpoint"
	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/clockwork"
	"github.com/tinykeep/tinykeep/internal/elog"
	"github.com/tinykeep/tinykeep/internal/journal"
	"github.com/tinykeep/tinykeep/internal/metrics"
	"github.com/tinykeep/tinykeep/internal/pagemap"
	"github.com/tinykeep/tinykeep/internal/recovery"
	"github.com/tinykeep/tinykeep/internal/txindex"
	"github.com/tinykeep/tinykeep/internal/volume"
)

// Config is the plain-struct, functional-options configuration surface of
// spec §6. It never reads a file or an environment variable — spec.md §1
// explicitly excludes configuration *loading* — callers construct it in
// code, in the style of _examples/Jekaa-go-mvcc-map/mvcc/options.go.
type Config struct {
	JournalPath            string
	CheckpointInterval     time.Duration
	LongRunningThreshold   int
	JournalBlockSize       int64
	WriteBufferSize        int
	CopiesPerCycle         int
	CopierTimestampLimit   clock.Timestamp
	AppendOnly             bool
	CopyFast               bool
	MaxFreeListSize        int // spec §6; caps each bucket's recycled Status free list
	MaxFreeDeltaListSize   int // spec §6; caps each bucket's recycled Delta free list
	BucketCount            int // H, spec §4.2; must be a power of two
	PageSize               int
	FlushPollInterval      time.Duration
	CheckpointDrainTimeout time.Duration
	LogLevel               elog.Level
}

// Option mutates a Config at construction (spec §6's option table).
type Option func(*Config)

func WithCheckpointInterval(d time.Duration) Option {
	return func(c *Config) { c.CheckpointInterval = d }
}
func WithLongRunningThreshold(n int) Option { return func(c *Config) { c.LongRunningThreshold = n } }
func WithJournalBlockSize(n int64) Option   { return func(c *Config) { c.JournalBlockSize = n } }
func WithWriteBufferSize(n int) Option      { return func(c *Config) { c.WriteBufferSize = n } }
func WithCopiesPerCycle(n int) Option       { return func(c *Config) { c.CopiesPerCycle = n } }
func WithCopierTimestampLimit(t clock.Timestamp) Option {
	return func(c *Config) { c.CopierTimestampLimit = t }
}
func WithAppendOnly(b bool) Option           { return func(c *Config) { c.AppendOnly = b } }
func WithCopyFast(b bool) Option             { return func(c *Config) { c.CopyFast = b } }
func WithMaxFreeListSize(n int) Option       { return func(c *Config) { c.MaxFreeListSize = n } }
func WithMaxFreeDeltaListSize(n int) Option  { return func(c *Config) { c.MaxFreeDeltaListSize = n } }
func WithBucketCount(h int) Option           { return func(c *Config) { c.BucketCount = h } }
func WithPageSize(n int) Option              { return func(c *Config) { c.PageSize = n } }
func WithLogLevel(l elog.Level) Option       { return func(c *Config) { c.LogLevel = l } }

func defaultConfig(path string) Config {
	return Config{
		JournalPath:            path,
		CheckpointInterval:     120 * time.Second,
		LongRunningThreshold:   10000,
		JournalBlockSize:       1 << 30,
		WriteBufferSize:        4 << 20,
		CopiesPerCycle:         1000,
		MaxFreeListSize:        4096,
		MaxFreeDeltaListSize:   4096,
		BucketCount:            64,
		PageSize:               volume.DefaultPageSize,
		FlushPollInterval:      10 * time.Millisecond,
		CheckpointDrainTimeout: 60 * time.Second,
		LogLevel:               elog.WarnLevel,
	}
}

// Engine is the open, running storage engine: one journal directory, its
// recovered page map, the transaction index, the accumulator registry, the
// reference buffer pool, and the three background workers (spec §5).
type Engine struct {
	cfg Config

	SessionID uuid.UUID // spec §9's "internal session" handle, distinct from user sessions

	Allocator  *clock.Allocator
	Journal    *journal.Writer
	PageMap    *pagemap.Map
	Volumes    *volume.Registry
	Accums     *accum.Registry
	TxIndex    *txindex.Index
	Buffers    *bufpool.Pool
	Copier     *pagemap.Copier
	Checkpoint *checkpoint.Manager
	Registry   *prometheus.Registry

	lastValidCheckpointTs atomic.Int64

	nextVolumeHandle atomic.Uint32
	nextTreeHandle   atomic.Uint32

	group  *errgroup.Group
	cancel context.CancelFunc

	copierTicker  *clockwork.Ticker
	flusherTicker *clockwork.Ticker

	closeOnce sync.Once
}

// pageWriter adapts the journal and page map into bufpool.Writer: every
// dirty buffer the pool flushes is appended as a PA record and then
// published into the page map under its mutex, per spec §4.5's "writers
// that produce PA records must hold the page map mutex while publishing
// the new head" (pagemap.Map.Publish takes that mutex internally).
type pageWriter struct {
	j *journal.Writer
	m *pagemap.Map
}

func (w pageWriter) WritePage(ts clock.Timestamp, id bufpool.PageID, data []byte) (int64, error) {
	addr, err := w.j.AppendPageImage(ts, id.VolumeHandle, id.PageAddress, data)
	if err != nil {
		return 0, err
	}
	w.m.Publish(pagemap.Key{VolumeHandle: id.VolumeHandle, PageAddress: id.PageAddress}, ts, addr)
	return addr, nil
}

// volumeReader adapts volume.Registry into bufpool.VolumeReader.
type volumeReader struct{ v *volume.Registry }

func (r volumeReader) ReadPage(id bufpool.PageID) ([]byte, error) {
	vol := r.v.Get(id.VolumeHandle)
	if vol == nil {
		return nil, fmt.Errorf("engine: unknown volume handle %d", id.VolumeHandle)
	}
	return vol.ReadPage(id.PageAddress)
}

// Open recovers (or initializes) the journal at cfg.JournalPath and starts
// the engine's background workers. Recovery always runs, even on a fresh
// directory (spec §4.4 step 1-5; an empty directory recovers to an empty
// Result).
func Open(path string, opts ...Option) (*Engine, error) {
	cfg := defaultConfig(path)
	for _, opt := range opts {
		opt(&cfg)
	}
	elog.Init(elog.Config{Level: cfg.LogLevel})
	log := elog.WithComponent("engine")

	rec, err := recovery.Recover(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}

	allocator := clock.New()
	for _, tx := range rec.LiveTransactions {
		allocator.UpdateIfGreater(tx.StartTs)
		allocator.UpdateIfGreater(tx.CommitTs)
	}
	allocator.UpdateIfGreater(rec.LastValidCheckpoint.Ts)

	jw, err := journal.Open(cfg.JournalPath, journal.Options{
		BlockSize:       cfg.JournalBlockSize,
		WriteBufferSize: cfg.WriteBufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}

	// Recovered volume/tree identities (rec.Volumes/rec.Trees) are
	// informational only: actual home-volume files are reopened by the
	// caller via OpenVolume, which re-emits a fresh IV record for the new
	// process's handle numbering.
	volumes := volume.NewRegistry()

	accums := accum.NewRegistry(cfg.BucketCount)
	txIndex := txindex.New(cfg.BucketCount, allocator, accums,
		txindex.WithJournal(jw),
		txindex.WithLongRunningThreshold(cfg.LongRunningThreshold),
		txindex.WithMaxFreeListSize(cfg.MaxFreeListSize),
		txindex.WithMaxFreeDeltaListSize(cfg.MaxFreeDeltaListSize))

	buffers := bufpool.New(volumeReader{v: volumes}, pageWriter{j: jw, m: rec.PageMap})

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	e := &Engine{
		cfg:       cfg,
		SessionID: uuid.New(),
		Allocator: allocator,
		Journal:   jw,
		PageMap:   rec.PageMap,
		Volumes:   volumes,
		Accums:    accums,
		TxIndex:   txIndex,
		Buffers:   buffers,
		Registry:  reg,
	}
	e.lastValidCheckpointTs.Store(int64(rec.LastValidCheckpoint.Ts))

	e.Copier = pagemap.NewCopier(rec.PageMap, volumes, jw, pagemap.Config{
		CopiesPerCycle:       cfg.CopiesPerCycle,
		CopierTimestampLimit: cfg.CopierTimestampLimit,
		AppendOnly:           cfg.AppendOnly,
		CopyFast:             cfg.CopyFast,
		CurrentBlockBoundary: jw.AbsoluteAddress,
		LastValidCheckpointTs: func() clock.Timestamp {
			return clock.Timestamp(e.lastValidCheckpointTs.Load())
		},
		MinUncommittedStart: e.minUncommittedStart,
		AdvanceBase:         jw.AdvanceBaseAddress,
		DeleteFilesBelow:    jw.DeleteFilesBelow,
	})

	e.Checkpoint = checkpoint.New(allocator, txIndex, txFlushAdapter{ix: txIndex, timeout: cfg.CheckpointDrainTimeout, poll: cfg.FlushPollInterval}, accums, buffers, jw,
		checkpoint.WithInterval(cfg.CheckpointInterval),
		checkpoint.WithOnComplete(func(ts clock.Timestamp) { e.lastValidCheckpointTs.Store(int64(ts)) }))

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	e.copierTicker = clockwork.NewTicker(5 * time.Second)
	e.flusherTicker = clockwork.NewTicker(5 * time.Second)

	g.Go(func() error {
		e.Checkpoint.Run(gctx)
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		e.copierTicker.Start(gctx, func(context.Context) {
			if _, err := e.Copier.RunCycle(); err != nil {
				elog.WithComponent("copier").Warn().Err(err).Msg("copy cycle failed")
			}
		})
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		e.flusherTicker.Start(gctx, func(context.Context) {
			if err := e.Buffers.FlushBuffers(allocator.Now()); err != nil {
				elog.WithComponent("flusher").Warn().Err(err).Msg("flush cycle failed")
			}
		})
		<-gctx.Done()
		return nil
	})

	log.Info().Str("path", cfg.JournalPath).Str("session", e.SessionID.String()).Msg("engine opened")
	return e, nil
}

// minUncommittedStart returns the smallest StartTs among every currently
// uncommitted transaction, the second term of spec §4.5 step 5's
// baseAddress advancement (min(...,  min(startAddress of uncommitted
// txns))); this engine tracks start *timestamps* rather than journal
// start-addresses for that purpose, since no operation here needs the
// distinction and IsVisible-style traversal only has timestamps cheaply
// available.
func (e *Engine) minUncommittedStart() clock.Timestamp {
	min := e.Allocator.Now()
	av := e.TxIndex.AsAccumIndex()
	for b := 0; b < av.BucketCount(); b++ {
		av.ForEachLiveStatus(b, func(v accum.StatusView) {
			tc := v.CommitTs()
			if tc == clock.Uncommitted || (tc < 0 && tc != clock.Aborted) {
				if v.StartTs() < min {
					min = v.StartTs()
				}
			}
		})
	}
	return min
}

// OpenVolume opens (or creates) a home-volume file, assigns it a process-
// wide handle, registers it with the engine's volume registry, and emits
// the journal's IV record identifying it (spec §4.4).
func (e *Engine) OpenVolume(path, name string) (uint32, error) {
	f, err := volume.Open(path, name, e.cfg.PageSize)
	if err != nil {
		return 0, err
	}
	handle := e.nextVolumeHandle.Add(1)
	e.Volumes.Register(handle, f)
	if err := e.Journal.IdentifyVolume(handle, f.ID(), name); err != nil {
		return 0, err
	}
	return handle, nil
}

// DefineTree assigns a process-wide tree handle and emits the journal's IT
// record (spec §4.4). Tree contents (the B-tree itself) are out of this
// core's scope (spec §1's non-goals); this only tracks the handle/name
// binding the journal and accumulators need.
func (e *Engine) DefineTree(volumeHandle uint32, name string) (uint32, error) {
	handle := e.nextTreeHandle.Add(1)
	if err := e.Journal.IdentifyTree(handle, volumeHandle, name); err != nil {
		return 0, err
	}
	return handle, nil
}

// Close stops every background worker and closes the journal and volumes.
// flush=true runs one last checkpoint to completion first (spec §5's
// close(flush=true)); flush=false requests a fast close that abandons any
// in-progress checkpoint drain on its next polling iteration.
func (e *Engine) Close(flush bool) error {
	var err error
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if cpErr := e.Checkpoint.Close(ctx, flush); cpErr != nil {
			err = cpErr
		}
		e.cancel()
		_ = e.group.Wait()
		if jErr := e.Journal.Close(); jErr != nil && err == nil {
			err = jErr
		}
		if vErr := e.Volumes.CloseAll(); vErr != nil && err == nil {
			err = vErr
		}
		elog.WithComponent("engine").Info().Str("session", e.SessionID.String()).Msg("engine closed")
	})
	return err
}

// txFlushAdapter bounds txindex.Index.FlushTransactions with a fixed
// timeout and poll interval so it satisfies checkpoint.TransactionFlusher's
// simpler (before) error signature.
type txFlushAdapter struct {
	ix      *txindex.Index
	timeout time.Duration
	poll    time.Duration
}

func (a txFlushAdapter) FlushTransactions(before clock.Timestamp) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.ix.FlushTransactions(ctx, before, a.poll)
}
