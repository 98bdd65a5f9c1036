// Package recovery implements spec §4.4's recovery algorithm: keystone
// discovery (the last file containing a valid CP), replay of its PM/TM
// snapshot, and forward replay of every record after the keystone to
// rebuild the page map, the live-transaction map, and the volume/tree
// handle maps.
//
// Grounded on _examples/SimonWaldherr-tinySQL's
// internal/storage/pager/recovery.go: a single Recover entry point that
// reads every record, classifies it by outcome, and replays only the
// durable subset — generalized here from "replay committed page images"
// to the spec's keystone-plus-forward-replay shape, since this engine's
// journal can span many rotated files instead of tinySQL's single WAL.
package recovery

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/tinykeep/tinykeep/internal/clock"
	"github.com/tinykeep/tinykeep/internal/engineerr"
	"github.com/tinykeep/tinykeep/internal/journal"
	"github.com/tinykeep/tinykeep/internal/pagemap"
)

// rawRecord is one parsed journal record, independent of its meaning.
type rawRecord struct {
	Type    journal.RecordType
	Ts      clock.Timestamp
	Payload []byte
	Address int64 // offset within its file
}

// readFileRecords reads every record in path in order, stopping cleanly
// (without error) at a dirty tail: a record whose length is 0 or whose
// header is partially written, per spec §4.4's "A record is a dirty tail
// ... recovery stops cleanly at that point."
func readFileRecords(path string) ([]rawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []rawRecord
	var offset int64
	header := make([]byte, journal.HeaderSize)
	for {
		n, err := io.ReadFull(f, header)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n < journal.HeaderSize {
			break // dirty tail: partial header
		}
		if err != nil {
			return records, fmt.Errorf("recovery: read header at %s:%d: %w", path, offset, err)
		}

		length := binary.BigEndian.Uint32(header[0:4])
		if length < journal.HeaderSize {
			break // dirty tail: impossible length
		}
		recType := journal.RecordType(header[4])
		ts := clock.Timestamp(binary.BigEndian.Uint64(header[8:16]))

		payloadLen := int(length) - journal.HeaderSize
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(f, payload); err != nil {
				break // dirty tail: partial payload
			}
		}

		records = append(records, rawRecord{Type: recType, Ts: ts, Payload: payload, Address: offset})
		offset += int64(length)
	}
	return records, nil
}

// LiveTx mirrors one liveTransactionMap entry rebuilt at recovery.
type LiveTx struct {
	StartTs   clock.Timestamp
	CommitTs  clock.Timestamp
	StartAddr int64
	Committed bool
	Aborted   bool
}

// VolumeIdent / TreeIdent are the rebuilt handle-map entries.
type VolumeIdent struct {
	Handle uint32
	ID     [16]byte
	Name   string
}

type TreeIdent struct {
	Handle       uint32
	VolumeHandle uint32
	Name         string
}

// Result is everything recovery rebuilds in memory (spec §4.4 step 3-4).
type Result struct {
	PageMap             *pagemap.Map
	LiveTransactions    map[clock.Timestamp]*LiveTx
	Volumes             map[uint32]VolumeIdent
	Trees               map[uint32]TreeIdent
	LastValidCheckpoint journal.Checkpoint
	BaseAddress         int64
	CurrentAddress      int64
	KeystoneFile        string
}

// Recover runs spec §4.4's five-step recovery algorithm over the journal
// at basePath.
func Recover(basePath string) (*Result, error) {
	files, err := journal.ListFiles(basePath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return &Result{
			PageMap:          pagemap.New(),
			LiveTransactions: make(map[clock.Timestamp]*LiveTx),
			Volumes:          make(map[uint32]VolumeIdent),
			Trees:            make(map[uint32]TreeIdent),
		}, nil
	}

	// Step 1: scan backward for the last file containing a valid CP —
	// the keystone.
	keystoneIdx := -1
	var keystoneCP rawRecord
	var keystoneRecords []rawRecord
	for i := len(files) - 1; i >= 0; i-- {
		recs, err := readFileRecords(files[i])
		if err != nil {
			continue
		}
		for j := len(recs) - 1; j >= 0; j-- {
			if recs[j].Type == journal.RecCP {
				keystoneIdx = i
				keystoneCP = recs[j]
				keystoneRecords = recs
				break
			}
		}
		if keystoneIdx >= 0 {
			break
		}
	}
	if keystoneIdx < 0 {
		return nil, fmt.Errorf("%w: no valid checkpoint found in any journal file", engineerr.ErrCorruptJournal)
	}

	res := &Result{
		PageMap:          pagemap.New(),
		LiveTransactions: make(map[clock.Timestamp]*LiveTx),
		Volumes:          make(map[uint32]VolumeIdent),
		Trees:            make(map[uint32]TreeIdent),
		KeystoneFile:     files[keystoneIdx],
	}

	// blockSize is needed to translate each record's file-relative Address
	// into the absolute, generation-scaled journalAddress the page map and
	// ReadPageImage expect (spec §3: "journalAddress / blockSize =
	// generation"). Every file's JH record carries it; the keystone file's
	// own JH (always its first record) is as good a source as any, since
	// blockSize never changes across a journal's lifetime.
	blockSize := blockSizeFromRecords(keystoneRecords)

	// Step 2: initialise baseAddress/currentAddress/CP from the keystone.
	if len(keystoneCP.Payload) >= 16 {
		res.LastValidCheckpoint = journal.Checkpoint{
			Ts: keystoneCP.Ts,
		}
		res.BaseAddress = int64(binary.BigEndian.Uint64(keystoneCP.Payload[8:16]))
	}

	// Step 3: replay PM and TM from the keystone file to seed pageMap,
	// liveTransactionMap, and handle maps. IV/IT anywhere in the keystone
	// file before the CP also seed the handle maps, since spec §4.4
	// requires every mutating record be preceded by its IV/IT.
	cpSeenAtIdx := -1
	for i, r := range keystoneRecords {
		if r.Type == journal.RecCP && r.Ts == keystoneCP.Ts {
			cpSeenAtIdx = i
		}
	}
	keystoneGen, err := journal.ParseGeneration(files[keystoneIdx])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrCorruptJournal, err)
	}
	for i := 0; i <= cpSeenAtIdx && i < len(keystoneRecords); i++ {
		applyRecord(res, keystoneRecords[i], keystoneGen, blockSize)
	}

	// Step 4: from the CP position forward to the end of the stream (or
	// the first dirty tail), replay every record.
	for i := cpSeenAtIdx + 1; i < len(keystoneRecords); i++ {
		applyRecord(res, keystoneRecords[i], keystoneGen, blockSize)
	}
	for i := keystoneIdx + 1; i < len(files); i++ {
		recs, err := readFileRecords(files[i])
		if err != nil {
			return nil, err
		}
		gen, err := journal.ParseGeneration(files[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engineerr.ErrCorruptJournal, err)
		}
		for _, r := range recs {
			applyRecord(res, r, gen, blockSize)
		}
	}

	res.CurrentAddress = computeCurrentAddress(files[len(files)-1])
	return res, nil
}

// blockSizeFromRecords extracts blockSize from the first RecJH record
// found (every file's JH carries it; a file always opens with one), or
// falls back to journal's documented default if somehow absent.
func blockSizeFromRecords(records []rawRecord) int64 {
	for _, r := range records {
		if r.Type == journal.RecJH && len(r.Payload) >= 12 {
			return int64(binary.BigEndian.Uint64(r.Payload[4:12]))
		}
	}
	return 1 << 30
}

// applyRecord folds one record's effect into res, per spec §4.4 step 4:
// "update handle maps on IV/IT; append a PageNode chain entry on PA;
// update liveTransactionMap on TS/TC." generation/blockSize translate r's
// file-relative Address into the absolute journalAddress scheme PA
// records use (spec §3).
func applyRecord(res *Result, r rawRecord, generation uint64, blockSize int64) {
	switch r.Type {
	case journal.RecIV:
		if len(r.Payload) >= 20 {
			handle := binary.BigEndian.Uint32(r.Payload[0:4])
			var id [16]byte
			copy(id[:], r.Payload[4:20])
			name := string(r.Payload[20:])
			res.Volumes[handle] = VolumeIdent{Handle: handle, ID: id, Name: name}
		}
	case journal.RecIT:
		if len(r.Payload) >= 8 {
			handle := binary.BigEndian.Uint32(r.Payload[0:4])
			volHandle := binary.BigEndian.Uint32(r.Payload[4:8])
			name := string(r.Payload[8:])
			res.Trees[handle] = TreeIdent{Handle: handle, VolumeHandle: volHandle, Name: name}
		}
	case journal.RecPA:
		if len(r.Payload) >= 20 {
			vh := binary.BigEndian.Uint32(r.Payload[0:4])
			pageAddr := binary.BigEndian.Uint64(r.Payload[12:20])
			absAddr := int64(generation)*blockSize + r.Address
			res.PageMap.Publish(pagemap.Key{VolumeHandle: vh, PageAddress: pageAddr}, r.Ts, absAddr)
		}
	case journal.RecPM:
		applyPageMapSnapshot(res, r.Payload)
	case journal.RecTM:
		applyLiveTxSnapshot(res, r.Payload)
	case journal.RecTS:
		if len(r.Payload) >= 8 {
			startTs := clock.Timestamp(binary.BigEndian.Uint64(r.Payload[0:8]))
			absAddr := int64(generation)*blockSize + r.Address
			res.LiveTransactions[startTs] = &LiveTx{StartTs: startTs, StartAddr: absAddr}
		}
	case journal.RecTC:
		if len(r.Payload) >= 8 {
			startTs := clock.Timestamp(binary.BigEndian.Uint64(r.Payload[0:8]))
			if tx, ok := res.LiveTransactions[startTs]; ok {
				tx.CommitTs = r.Ts
				tx.Committed = true
			}
		}
	case journal.RecTA:
		if tx, ok := res.LiveTransactions[r.Ts]; ok {
			tx.Aborted = true
		}
	case journal.RecCP:
		if len(r.Payload) >= 16 {
			res.LastValidCheckpoint = journal.Checkpoint{Ts: r.Ts}
			res.BaseAddress = int64(binary.BigEndian.Uint64(r.Payload[8:16]))
		}
	}
}

func applyPageMapSnapshot(res *Result, payload []byte) {
	if len(payload) < 4 {
		return
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	off := 4
	const entrySize = 8 + 8 + 4 + 8
	for i := uint32(0); i < count && off+entrySize <= len(payload); i++ {
		ts := clock.Timestamp(binary.BigEndian.Uint64(payload[off : off+8]))
		journalAddr := int64(binary.BigEndian.Uint64(payload[off+8 : off+16]))
		vh := binary.BigEndian.Uint32(payload[off+16 : off+20])
		pa := binary.BigEndian.Uint64(payload[off+20 : off+28])
		res.PageMap.Publish(pagemap.Key{VolumeHandle: vh, PageAddress: pa}, ts, journalAddr)
		off += entrySize
	}
}

func applyLiveTxSnapshot(res *Result, payload []byte) {
	if len(payload) < 4 {
		return
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	off := 4
	const entrySize = 8 + 8 + 8 + 1
	for i := uint32(0); i < count && off+entrySize <= len(payload); i++ {
		startTs := clock.Timestamp(binary.BigEndian.Uint64(payload[off : off+8]))
		commitTs := clock.Timestamp(binary.BigEndian.Uint64(payload[off+8 : off+16]))
		startAddr := int64(binary.BigEndian.Uint64(payload[off+16 : off+24]))
		committed := payload[off+24] == 1
		res.LiveTransactions[startTs] = &LiveTx{
			StartTs: startTs, CommitTs: commitTs, StartAddr: startAddr, Committed: committed,
		}
		off += entrySize
	}
}

// computeCurrentAddress returns the write offset within the newest
// journal file, equal to the sum of every record length in that file.
func computeCurrentAddress(lastFile string) int64 {
	recs, err := readFileRecords(lastFile)
	if err != nil || len(recs) == 0 {
		return 0
	}
	last := recs[len(recs)-1]
	return last.Address + journal.HeaderSize + int64(len(last.Payload))
}
