package store

import "errors"

// Sentinel error kinds, matching spec section 7 ("Error Handling
// Design"). Callers use errors.Is to distinguish them; errors.Join/%w
// wrapping is used throughout so a diagnostic message survives alongside
// the sentinel.
var (
	// ErrWriterLocked is returned by Open when another process already
	// holds the exclusive write lock.
	ErrWriterLocked = errors.New("nervusdb: writer locked")

	// ErrCorruptWal indicates the WAL file header is invalid (bad magic,
	// version or checksum); OpenWAL, and so Open, fails with it. A corrupt
	// or incomplete record during replay does not produce this error:
	// recovery logs it and truncates the WAL to the last safe offset.
	ErrCorruptWal = errors.New("nervusdb: corrupt WAL")

	// ErrCorruptManifest is fatal: Open refuses to proceed.
	ErrCorruptManifest = errors.New("nervusdb: corrupt manifest")

	// ErrCorruptPage is surfaced on read; the failing chain's query
	// fails but other chains remain usable.
	ErrCorruptPage = errors.New("nervusdb: corrupt page")

	// ErrDictionaryCorrupt is fatal for the database: an ID was
	// referenced with no corresponding string entry.
	ErrDictionaryCorrupt = errors.New("nervusdb: dictionary corrupt")

	// ErrDictionaryFull is returned when the dictionary has exhausted
	// the 32-bit ID space.
	ErrDictionaryFull = errors.New("nervusdb: dictionary full")

	// ErrIO wraps a transient I/O failure; the operation is guaranteed
	// to have made no partial state change.
	ErrIO = errors.New("nervusdb: io error")

	// ErrActiveReadersBlockGC names the "reader pinned" condition. GC does
	// not return it: a pass blocked by pinned readers reports
	// GCResult{Skipped: true, Reason: "active_readers"} with a nil error.
	ErrActiveReadersBlockGC = errors.New("nervusdb: active readers block gc")

	// ErrClosed is returned by any operation on a Store after Close.
	ErrClosed = errors.New("nervusdb: store closed")

	// ErrReadOnly is returned by any write-path operation (AddFact,
	// DeleteFact, SetNodeProps, SetEdgeProps, Flush, CompactFull,
	// CompactIncremental, GC) on a Store opened with Options.ReadOnly,
	// per spec section 4.11: "Reader-only opens never acquire the lock" —
	// without the lock a reader-only process has no exclusivity to write
	// safely.
	ErrReadOnly = errors.New("nervusdb: store opened read-only")
)
