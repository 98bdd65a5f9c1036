// Package journal implements spec §4.4's Write-Ahead Journal: a sequence
// of fixed-size block files holding typed, CRC-free but length-checked
// records behind a single serialized writer, plus the §6 on-disk layout
// (16-byte big-endian header, zero-padded generation filenames).
//
// Grounded on _examples/SimonWaldherr-tinySQL's
// internal/storage/pager/wal.go: an append-only record file opened once,
// a writer mutex serializing AppendRecord, and a banner-commented header
// section describing the byte layout. tinySQL's WAL uses a single
// never-rotated file with little-endian fields and a CRC32 trailer; this
// package rotates files at a configurable block size with big-endian
// fields, per spec §6, since the engine's recovery keystone-discovery
// algorithm depends on being able to delete whole old files.
package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/elog"
	"github.com/tinykeep/tinykeep/internal/engineerr"
	"github.com/tinykeep/tinykeep/internal/metrics"
)

// RecordType tags a journal record (spec §4.4's record kind table).
type RecordType byte

const (
	RecJH RecordType = iota + 1 // journal file header
	RecJE                       // journal end
	RecIV                       // identify volume
	RecIT                       // identify tree
	RecPA                       // page image
	RecPM                       // page map snapshot
	RecTM                       // live transaction map
	RecSR                       // store record
	RecDR                       // delete range
	RecDT                       // delete tree
	RecTS                       // transaction start
	RecTC                       // transaction commit
	RecCP                       // checkpoint
	// RecTA is SPEC_FULL.md's supplemented abort record (spec §9 open
	// question (c)): emitting it lets recovery prune mvvCount for
	// aborted transactions immediately instead of waiting for the
	// activeTransactionFloor sweep.
	RecTA
)

func (t RecordType) String() string {
	switch t {
	case RecJH:
		return "JH"
	case RecJE:
		return "JE"
	case RecIV:
		return "IV"
	case RecIT:
		return "IT"
	case RecPA:
		return "PA"
	case RecPM:
		return "PM"
	case RecTM:
		return "TM"
	case RecSR:
		return "SR"
	case RecDR:
		return "DR"
	case RecDT:
		return "DT"
	case RecTS:
		return "TS"
	case RecTC:
		return "TC"
	case RecCP:
		return "CP"
	case RecTA:
		return "TA"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// HeaderSize is the fixed 16-byte record header (spec §6).
const HeaderSize = 16

// filenamePattern matches spec §6's "<path>.<16-digit-zero-padded-decimal-generation>".
var filenamePattern = regexp.MustCompile(`^(.*)\.(\d{16})$`)

// ListFiles returns every journal file belonging to basePath's directory
// and prefix, ordered by ascending generation. Only files matching spec
// §6's filename regex are considered part of the journal.
func ListFiles(basePath string) ([]string, error) {
	dir := filepath.Dir(basePath)
	prefix := filepath.Base(basePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type found struct {
		gen  uint64
		path string
	}
	var matches []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != prefix {
			continue
		}
		gen, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			continue
		}
		matches = append(matches, found{gen: gen, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].gen < matches[j].gen })
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.path
	}
	return out, nil
}

func generationName(basePath string, generation uint64) string {
	return fmt.Sprintf("%s.%016d", basePath, generation)
}

// ParseGeneration extracts the generation number from a journal file's
// name (spec §6's "<path>.<16-digit-zero-padded-decimal-generation>"),
// used by package recovery to translate a record's file-relative offset
// into the absolute, generation-scaled journalAddress AppendPageImage
// hands out (spec §3: "journalAddress / blockSize = generation").
func ParseGeneration(path string) (uint64, error) {
	m := filenamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, fmt.Errorf("journal: %q does not match the journal filename pattern", path)
	}
	return strconv.ParseUint(m[2], 10, 64)
}

// Checkpoint is the outstanding-list entry the checkpoint manager tracks
// (spec §4.6): a proposed recovery point awaiting buffer-pool drain.
type Checkpoint struct {
	Ts        clock.Timestamp
	WallNow   time.Time
	Completed bool
}

// volumeIdent / treeIdent are re-emitted into every new file after
// rollover, per spec §4.4: "Every mutating record must be preceded by
// IV/IT records for any volume/tree handles it references (re-emitted in
// every new file)."
type volumeIdent struct {
	handle uint32
	id     [16]byte
	name   string
}

type treeIdent struct {
	handle       uint32
	volumeHandle uint32
	name         string
}

// Writer is the single serialized append point for one journal (spec
// §4.4, §5 "journal mutex"). All mutating calls take the same mutex; the
// only read path here is ReadPageImage, which fetches a single PA record
// for the copier — scanning already-written records belongs to package
// recovery.
type Writer struct {
	mu sync.Mutex

	basePath  string
	blockSize int64

	file           *os.File
	generation     uint64
	baseAddress    int64
	currentAddress int64
	journalCreated time.Time
	fileCreated    time.Time

	writeBuffer []byte // staging buffer; flushed to file by Flush

	volumes map[uint32]volumeIdent
	trees   map[uint32]treeIdent

	halted bool // set on an unrecoverable write I/O error (spec §7)
}

// Options configure Open.
type Options struct {
	BlockSize       int64 // default 1 GiB, clamped [16 MiB, 64 GiB] per spec §6
	WriteBufferSize int   // default 4 MiB per spec §6
}

const (
	defaultBlockSize       = 1 << 30
	minBlockSize           = 16 << 20
	maxBlockSize           = 64 << 30
	defaultWriteBufferSize = 4 << 20
)

func (o Options) normalized() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.BlockSize < minBlockSize {
		o.BlockSize = minBlockSize
	}
	if o.BlockSize > maxBlockSize {
		o.BlockSize = maxBlockSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = defaultWriteBufferSize
	}
	return o
}

// Open creates (or appends to) the journal at basePath, starting a fresh
// generation with a JH record. Recovery is responsible for locating an
// existing journal's last file and resuming from it; Open here always
// starts the *next* generation, matching the "open for write" half of
// spec §4.4 (recovery's read half lives in package recovery).
func Open(basePath string, opts Options) (*Writer, error) {
	opts = opts.normalized()
	w := &Writer{
		basePath:       basePath,
		blockSize:      opts.BlockSize,
		writeBuffer:    make([]byte, 0, opts.WriteBufferSize),
		volumes:        make(map[uint32]volumeIdent),
		trees:          make(map[uint32]treeIdent),
		journalCreated: time.Now(),
	}

	existing, err := ListFiles(basePath)
	if err != nil {
		return nil, err
	}
	var nextGen uint64
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		m := filenamePattern.FindStringSubmatch(filepath.Base(last))
		gen, _ := strconv.ParseUint(m[2], 10, 64)
		nextGen = gen + 1
	}

	if err := w.startFile(nextGen); err != nil {
		return nil, err
	}
	return w, nil
}

// startFile begins a new file at the given generation, writing a JH
// record and re-emitting every known IV/IT identity.
func (w *Writer) startFile(generation uint64) error {
	path := generationName(w.basePath, generation)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	w.file = f
	w.generation = generation
	w.fileCreated = time.Now()
	w.currentAddress = 0
	w.writeBuffer = w.writeBuffer[:0]

	if err := w.appendLocked(RecJH, clock.Timestamp(0), w.jhPayload()); err != nil {
		return err
	}
	for _, v := range w.volumes {
		if err := w.appendLocked(RecIV, clock.Timestamp(0), ivPayload(v)); err != nil {
			return err
		}
	}
	for _, t := range w.trees {
		if err := w.appendLocked(RecIT, clock.Timestamp(0), itPayload(t)); err != nil {
			return err
		}
	}
	return w.flushLocked()
}

func (w *Writer) jhPayload() []byte {
	buf := make([]byte, 4+8+8+8+8)
	binary.BigEndian.PutUint32(buf[0:4], 1) // version
	binary.BigEndian.PutUint64(buf[4:12], uint64(w.blockSize))
	binary.BigEndian.PutUint64(buf[12:20], uint64(w.baseAddress))
	binary.BigEndian.PutUint64(buf[20:28], uint64(w.currentAddress))
	binary.BigEndian.PutUint64(buf[28:36], uint64(w.journalCreated.UnixNano()))
	return buf
}

func ivPayload(v volumeIdent) []byte {
	buf := make([]byte, 4+16+len(v.name))
	binary.BigEndian.PutUint32(buf[0:4], v.handle)
	copy(buf[4:20], v.id[:])
	copy(buf[20:], v.name)
	return buf
}

func itPayload(t treeIdent) []byte {
	buf := make([]byte, 4+4+len(t.name))
	binary.BigEndian.PutUint32(buf[0:4], t.handle)
	binary.BigEndian.PutUint32(buf[4:8], t.volumeHandle)
	copy(buf[8:], t.name)
	return buf
}

// IdentifyVolume registers handle→(id,name) and appends an IV record, so
// later PA/SR/etc. records referencing handle are resolvable (spec
// §4.4's handle-map contract).
func (w *Writer) IdentifyVolume(handle uint32, id [16]byte, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := volumeIdent{handle: handle, id: id, name: name}
	w.volumes[handle] = v
	return w.appendPublished(RecIV, 0, ivPayload(v))
}

// IdentifyTree registers handle→(volumeHandle,name) and appends an IT record.
func (w *Writer) IdentifyTree(handle, volumeHandle uint32, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := treeIdent{handle: handle, volumeHandle: volumeHandle, name: name}
	w.trees[handle] = t
	return w.appendPublished(RecIT, 0, itPayload(t))
}

// AppendPageImage writes a PA record for a dirty page and returns the
// journal address it was written at, which the page map stores as the
// PageNode's journalAddress (spec §4.5).
func (w *Writer) AppendPageImage(ts clock.Timestamp, volumeHandle uint32, pageAddress uint64, data []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 4+4+4+8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], volumeHandle)
	binary.BigEndian.PutUint32(payload[4:8], 0) // leftSize: unused by this core (no overflow chaining)
	binary.BigEndian.PutUint32(payload[8:12], uint32(len(data)))
	binary.BigEndian.PutUint64(payload[12:20], pageAddress)
	copy(payload[20:], data)

	// Roll over first if needed, so the address below names the file the
	// record actually lands in.
	if w.halted {
		return 0, engineerr.ErrJournalHalted
	}
	if err := w.prepareWriteBuffer(HeaderSize + len(payload)); err != nil {
		w.halted = true
		return 0, err
	}

	// journalAddress must satisfy spec §3's "journalAddress / blockSize =
	// generation", so it is generation-relative, not baseAddress-relative;
	// baseAddress instead tracks the lowest address the copier still
	// needs, independent of which generation currently holds it.
	addr := int64(w.generation)*w.blockSize + w.currentAddress
	if err := w.appendPublished(RecPA, ts, payload); err != nil {
		return 0, err
	}
	metrics.JournalBytesWritten.Add(float64(len(payload) + HeaderSize))
	return addr, nil
}

// PageMapEntry mirrors one PM-record entry (spec §4.4).
type PageMapEntry struct {
	Ts             clock.Timestamp
	JournalAddress int64
	VolumeHandle   uint32
	PageAddress    uint64
}

// AppendPageMapSnapshot writes a PM record, used by rollover and by the
// checkpoint manager to let recovery seed pageMap from the keystone file
// without replaying every PA before it.
func (w *Writer) AppendPageMapSnapshot(entries []PageMapEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for _, e := range entries {
		rec := make([]byte, 8+8+4+8)
		binary.BigEndian.PutUint64(rec[0:8], uint64(e.Ts))
		binary.BigEndian.PutUint64(rec[8:16], uint64(e.JournalAddress))
		binary.BigEndian.PutUint32(rec[16:20], e.VolumeHandle)
		binary.BigEndian.PutUint64(rec[20:28], e.PageAddress)
		buf = append(buf, rec...)
	}
	return w.appendPublished(RecPM, 0, buf)
}

// TxEntry mirrors one TM-record entry (spec §4.4).
type TxEntry struct {
	StartTs    clock.Timestamp
	CommitTs   clock.Timestamp
	StartAddr  int64
	Committed  bool
}

// AppendLiveTransactionMap writes a TM record snapshotting every
// transaction the recovery-time liveTransactionMap needs to seed.
func (w *Writer) AppendLiveTransactionMap(entries []TxEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for _, e := range entries {
		rec := make([]byte, 8+8+8+1)
		binary.BigEndian.PutUint64(rec[0:8], uint64(e.StartTs))
		binary.BigEndian.PutUint64(rec[8:16], uint64(e.CommitTs))
		binary.BigEndian.PutUint64(rec[16:24], uint64(e.StartAddr))
		if e.Committed {
			rec[24] = 1
		}
		buf = append(buf, rec...)
	}
	return w.appendPublished(RecTM, 0, buf)
}

// AppendStoreRecord writes an SR record for a key/value write under
// treeHandle.
func (w *Writer) AppendStoreRecord(ts clock.Timestamp, treeHandle uint32, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 4+4+len(key)+len(value))
	binary.BigEndian.PutUint32(payload[0:4], treeHandle)
	binary.BigEndian.PutUint32(payload[4:8], uint32(len(key)))
	copy(payload[8:8+len(key)], key)
	copy(payload[8+len(key):], value)
	return w.appendPublished(RecSR, ts, payload)
}

// AppendDeleteRange writes a DR record for [key1,key2) under treeHandle.
func (w *Writer) AppendDeleteRange(ts clock.Timestamp, treeHandle uint32, key1, key2 []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 4+4+len(key1)+len(key2))
	binary.BigEndian.PutUint32(payload[0:4], treeHandle)
	binary.BigEndian.PutUint32(payload[4:8], uint32(len(key1)))
	copy(payload[8:8+len(key1)], key1)
	copy(payload[8+len(key1):], key2)
	return w.appendPublished(RecDR, ts, payload)
}

// AppendDeleteTree writes a DT record.
func (w *Writer) AppendDeleteTree(ts clock.Timestamp, treeHandle uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload[0:4], treeHandle)
	return w.appendPublished(RecDT, ts, payload)
}

// AppendTransactionStart writes a TS record. Spec §4.4 notes the header
// timestamp field is conventionally a commit-ts reservation distinct
// from the payload's startTs; this engine's txindex does not pre-reserve
// a commit slot at begin() time, so both fields carry ts — sufficient
// for recovery to seed liveTransactionMap, which only needs startTs.
func (w *Writer) AppendTransactionStart(ts clock.Timestamp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload[0:8], uint64(ts))
	return w.appendPublished(RecTS, ts, payload)
}

// AppendTransactionCommit writes a TC record. Header ts is the commit
// timestamp; the payload carries the transaction's startTs so recovery can
// match this TC to its owning TS record without guessing — spec §4.4 lists
// TC's payload as empty, but replaying a journal with several concurrently
// open transactions cannot otherwise disambiguate which one a given commit
// belongs to, so this engine supplements the record with that one field.
func (w *Writer) AppendTransactionCommit(startTs, commitTs clock.Timestamp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload[0:8], uint64(startTs))
	return w.appendPublished(RecTC, commitTs, payload)
}

// AppendTransactionAbort writes the supplemented TA record (SPEC_FULL.md
// §4, resolving spec §9 open question (c)).
func (w *Writer) AppendTransactionAbort(ts clock.Timestamp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendPublished(RecTA, ts, nil)
}

// WriteCheckpoint writes a CP record. Per spec §4.6 invariant 3, it first
// flushes and fsyncs every record already appended, so every record with
// ts ≤ cp.Ts is durable before this marker lands, and then fsyncs the
// marker itself.
func (w *Writer) WriteCheckpoint(cp Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync: %w", err)
	}
	payload := make([]byte, 8+8)
	binary.BigEndian.PutUint64(payload[0:8], uint64(cp.WallNow.UnixMilli()))
	binary.BigEndian.PutUint64(payload[8:16], uint64(w.baseAddress))
	if err := w.appendPublished(RecCP, cp.Ts, payload); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync: %w", err)
	}
	return nil
}

// appendPublished guards the halted state and routes to appendLocked;
// used by every public Append* method once the caller already holds mu.
func (w *Writer) appendPublished(t RecordType, ts clock.Timestamp, payload []byte) error {
	if w.halted {
		return engineerr.ErrJournalHalted
	}
	if err := w.prepareWriteBuffer(HeaderSize + len(payload)); err != nil {
		w.halted = true
		return err
	}
	if err := w.appendLocked(t, ts, payload); err != nil {
		w.halted = true
		return err
	}
	return w.flushLocked()
}

// appendLocked serializes one record into the staging buffer. Caller
// holds mu.
func (w *Writer) appendLocked(t RecordType, ts clock.Timestamp, payload []byte) error {
	total := HeaderSize + len(payload)
	rec := make([]byte, total)
	binary.BigEndian.PutUint32(rec[0:4], uint32(total))
	rec[4] = byte(t)
	rec[5] = 0
	binary.BigEndian.PutUint16(rec[6:8], 0)
	binary.BigEndian.PutUint64(rec[8:16], uint64(ts))
	copy(rec[16:], payload)

	w.writeBuffer = append(w.writeBuffer, rec...)
	w.currentAddress += int64(total)
	return nil
}

// prepareWriteBuffer guarantees size+je.OVERHEAD bytes remain before the
// next block boundary, rolling the journal over to a new file if not
// (spec §4.4). je.OVERHEAD is approximated as HeaderSize, the size of the
// JE record that rollover itself must still fit.
func (w *Writer) prepareWriteBuffer(size int) error {
	const jeOverhead = HeaderSize
	if w.currentAddress+int64(size)+int64(jeOverhead) <= w.blockSize {
		return nil
	}
	return w.rollover()
}

// rollover emits JE to close the current file, then opens the next
// generation with JH and every known IV/IT re-emitted (spec §4.4).
func (w *Writer) rollover() error {
	jePayload := make([]byte, 8+8+8)
	binary.BigEndian.PutUint64(jePayload[0:8], uint64(w.currentAddress))
	binary.BigEndian.PutUint64(jePayload[8:16], uint64(w.baseAddress))
	binary.BigEndian.PutUint64(jePayload[16:24], uint64(w.journalCreated.UnixNano()))
	if err := w.appendLocked(RecJE, clock.Timestamp(0), jePayload); err != nil {
		return err
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("journal: close rolled file: %w", err)
	}
	return w.startFile(w.generation + 1)
}

// Flush copies the staging buffer to the current file (spec §4.4:
// "flush() copies the staging buffer to the current file channel").
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.writeBuffer) == 0 {
		return nil
	}
	if _, err := w.file.Write(w.writeBuffer); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	w.writeBuffer = w.writeBuffer[:0]
	return nil
}

// Force flushes then fsyncs (spec §4.4: "force() flushes then fsyncs").
func (w *Writer) Force() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync: %w", err)
	}
	return nil
}

// CurrentAddress returns the logical write offset within the active
// file. It is file-relative; the page-map copier's block boundary uses
// AbsoluteAddress instead.
func (w *Writer) CurrentAddress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentAddress
}

// AbsoluteAddress returns the journal's current write position expressed
// in the same generation-relative address space as AppendPageImage's
// return value, for use as the page-map copier's CurrentBlockBoundary
// hook: a PageNode is only eligible for copying once its journalAddress
// lies strictly below this value.
func (w *Writer) AbsoluteAddress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.generation)*w.blockSize + w.currentAddress
}

// BaseAddress returns the journal's current base address.
func (w *Writer) BaseAddress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseAddress
}

// AdvanceBaseAddress is called by the copier once pages below newBase
// have been migrated to their home volumes (spec §4.5 step 5).
func (w *Writer) AdvanceBaseAddress(newBase int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if newBase > w.baseAddress {
		w.baseAddress = newBase
	}
}

// DeleteFilesBelow removes journal files whose entire address range lies
// below boundary (spec §4.5 step 5). It never deletes the currently open
// file. It compares against boundary only: neither the writer's own
// baseAddress nor the base address recorded by the last checkpoint is
// consulted.
func (w *Writer) DeleteFilesBelow(boundary int64) error {
	files, err := ListFiles(w.basePath)
	if err != nil {
		return err
	}
	w.mu.Lock()
	currentPath := generationName(w.basePath, w.generation)
	w.mu.Unlock()

	w.mu.Lock()
	blockSize := w.blockSize
	w.mu.Unlock()

	for _, f := range files {
		if f == currentPath {
			continue
		}
		m := filenamePattern.FindStringSubmatch(filepath.Base(f))
		if m == nil {
			continue
		}
		gen, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			continue
		}
		// The whole file's address range [gen*blockSize, (gen+1)*blockSize)
		// must lie below boundary before it is safe to delete.
		if (int64(gen)+1)*blockSize <= boundary {
			if err := os.Remove(f); err != nil {
				elog.WithComponent("journal").Warn().Err(err).Str("file", f).Msg("failed to delete drained journal file")
			}
		}
	}
	return nil
}

// ReadPageImage reads back a PA record's payload at journalAddress,
// resolving which rotated file holds it via spec §3's "journalAddress /
// blockSize = generation" rule. Used by the page-map copier (spec §4.5
// step 3) to fetch a page image before writing it to its home volume.
func (w *Writer) ReadPageImage(journalAddress int64) (volumeHandle uint32, pageAddress uint64, data []byte, err error) {
	w.mu.Lock()
	blockSize := w.blockSize
	w.mu.Unlock()

	generation := uint64(journalAddress / blockSize)
	offset := journalAddress % blockSize
	path := generationName(w.basePath, generation)

	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("journal: open %s for read: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, HeaderSize)
	if _, err := f.ReadAt(header, offset); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: read header at %s:%d: %v", engineerr.ErrCorruptJournal, path, offset, err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	recType := RecordType(header[4])
	if recType != RecPA {
		return 0, 0, nil, fmt.Errorf("%w: record at %d is %s, not PA", engineerr.ErrCorruptJournal, journalAddress, recType)
	}

	payload := make([]byte, int64(length)-HeaderSize)
	if _, err := f.ReadAt(payload, offset+HeaderSize); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: read payload at %s:%d: %v", engineerr.ErrCorruptJournal, path, offset, err)
	}
	volumeHandle = binary.BigEndian.Uint32(payload[0:4])
	dataLen := binary.BigEndian.Uint32(payload[8:12])
	pageAddress = binary.BigEndian.Uint64(payload[12:20])
	data = make([]byte, dataLen)
	copy(data, payload[20:20+int(dataLen)])
	return volumeHandle, pageAddress, data, nil
}

// Close flushes, fsyncs and writes a final JE record, leaving the journal
// in the "clean shutdown" state spec §6 describes.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	jePayload := make([]byte, 8+8+8)
	binary.BigEndian.PutUint64(jePayload[0:8], uint64(w.currentAddress))
	binary.BigEndian.PutUint64(jePayload[8:16], uint64(w.baseAddress))
	binary.BigEndian.PutUint64(jePayload[16:24], uint64(w.journalCreated.UnixNano()))
	if err := w.appendLocked(RecJE, clock.Timestamp(0), jePayload); err != nil {
		return err
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
