// Package engineerr defines the sentinel error kinds shared across the
// engine's subsystems (spec §7). Errors are modeled as kinds, not types:
// callers use errors.Is against these sentinels and errors.Unwrap /
// fmt.Errorf("...: %w", ...) to add context, the same idiom
// internal/storage/concurrency.go and Jekaa's mvcc package use for their
// exported sentinels.
package engineerr

import "errors"

var (
	// ErrCorruptJournal signals a record whose header or payload failed
	// validation (bad length, wrong record type, a PA referenced by a PM/TM entry
	// that does not exist). Non-recoverable for the affected file;
	// recovery stops at the last intact checkpoint.
	ErrCorruptJournal = errors.New("tinykeep: corrupt journal record")

	// ErrIOFailure wraps an underlying I/O error. Reads may retry;
	// writes put the journal into an error state.
	ErrIOFailure = errors.New("tinykeep: I/O failure")

	// ErrInterrupted is returned by a blocking wait that was cancelled by
	// Close. Callers should unwind without exposing partial state.
	ErrInterrupted = errors.New("tinykeep: interrupted")

	// ErrTimeout is returned when a wait exceeded its configured bound
	// (claim, commit, flush).
	ErrTimeout = errors.New("tinykeep: timeout")

	// ErrJournalHalted is returned by every mutating journal operation
	// once a write has failed and the journal has entered its terminal
	// error state.
	ErrJournalHalted = errors.New("tinykeep: journal halted after write failure")

	// ErrTxDone is returned when an operation is attempted against a
	// TransactionStatus that has already committed or aborted.
	ErrTxDone = errors.New("tinykeep: transaction already finalized")

	// ErrCheckpointInProgress is returned when CreateCheckpoint is called
	// while another checkpoint is still running; checkpoints are
	// serialized.
	ErrCheckpointInProgress = errors.New("tinykeep: checkpoint already in progress")
)

// retry is an unexported sentinel: spec §4.2/§4.3 visibility retry is
// absorbed inside the transaction index's isVisible/snapshot loops and must
// never reach a caller. It is not exported so that no package outside
// txindex/accum can accidentally propagate it.
var retry = errors.New("tinykeep: internal visibility retry")

// ErrRetry reports whether err is the internal visibility-retry sentinel.
// Exposed only so txindex and accum (the only legitimate producers) can
// recognize their own signal; every other package should never see it.
func ErrRetry(err error) bool { return errors.Is(err, retry) }

// NewRetry returns the internal retry sentinel.
func NewRetry() error { return retry }
