package store

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// WAL file format, generalizing the teacher's pager.WALFile (see
// internal/storage/pager/wal.go) from physical page-image logging to
// logical fact/property logging, because pages in this engine are
// immutable write-once artifacts produced only at flush/compaction —
// there is no in-place page mutation for a physical WAL to protect.
//
// File header (first 32 bytes):
//
//	[0:8]   Magic       "NVDBWAL\x00"
//	[8:12]  Version     uint32 LE
//	[12:24] Reserved
//	[24:28] HeaderCRC    uint32 LE (CRC of bytes 0:24)
//	[28:32] Padding
//
// Record (variable length), matching spec section 6 exactly:
//
//	[0]     Type        (1 byte)
//	[1:5]   Length      (uint32 LE) — length of Payload
//	[5:9]   Checksum    (uint32 LE) — CRC32-C over Type+Payload
//	[9:9+Length] Payload
const (
	walMagic      = "NVDBWAL\x00"
	walVersion    = uint32(1)
	walFileHdrLen = 32
	walRecHdrLen  = 1 + 4 + 4
)

// RecordType identifies the kind of WAL record, matching spec section 3.
type RecordType uint8

const (
	RecBegin RecordType = iota + 1
	RecAddTriple
	RecDelTriple
	RecSetNodeProps
	RecSetEdgeProps
	RecCommit
	RecAbort
)

func (t RecordType) String() string {
	switch t {
	case RecBegin:
		return "BEGIN"
	case RecAddTriple:
		return "ADD_TRIPLE"
	case RecDelTriple:
		return "DEL_TRIPLE"
	case RecSetNodeProps:
		return "SET_NODE_PROPS"
	case RecSetEdgeProps:
		return "SET_EDGE_PROPS"
	case RecCommit:
		return "COMMIT"
	case RecAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Record is the in-memory form of one WAL record.
type Record struct {
	Type    RecordType
	Payload []byte // type-specific; see marshal/unmarshal helpers below
}

// beginPayload encodes BEGIN's optional txId/sessionId as two
// length-prefixed strings (empty = absent).
func marshalBegin(txID, sessionID string) []byte {
	buf := make([]byte, 0, 4+len(txID)+4+len(sessionID))
	var l [4]byte
	putU32(l[:], uint32(len(txID)))
	buf = append(buf, l[:]...)
	buf = append(buf, txID...)
	putU32(l[:], uint32(len(sessionID)))
	buf = append(buf, l[:]...)
	buf = append(buf, sessionID...)
	return buf
}

func unmarshalBegin(payload []byte) (txID, sessionID string, err error) {
	if len(payload) < 4 {
		return "", "", fmt.Errorf("BEGIN payload too short")
	}
	n := getU32(payload[:4])
	if uint32(len(payload)) < 4+n {
		return "", "", fmt.Errorf("BEGIN payload truncated")
	}
	txID = string(payload[4 : 4+n])
	rest := payload[4+n:]
	if len(rest) < 4 {
		return "", "", fmt.Errorf("BEGIN payload missing sessionId length")
	}
	m := getU32(rest[:4])
	if uint32(len(rest)) < 4+m {
		return "", "", fmt.Errorf("BEGIN payload sessionId truncated")
	}
	sessionID = string(rest[4 : 4+m])
	return txID, sessionID, nil
}

func marshalTriple(t Triple) []byte {
	b := make([]byte, 12)
	putU32(b[0:4], uint32(t.S))
	putU32(b[4:8], uint32(t.P))
	putU32(b[8:12], uint32(t.O))
	return b
}

func unmarshalTriple(payload []byte) (Triple, error) {
	if len(payload) != 12 {
		return Triple{}, fmt.Errorf("triple payload must be 12 bytes, got %d", len(payload))
	}
	return Triple{S: ID(getU32(payload[0:4])), P: ID(getU32(payload[4:8])), O: ID(getU32(payload[8:12]))}, nil
}

func marshalNodeProps(node ID, blob []byte) []byte {
	b := make([]byte, 4+len(blob))
	putU32(b[0:4], uint32(node))
	copy(b[4:], blob)
	return b
}

func unmarshalNodeProps(payload []byte) (ID, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("node-props payload too short")
	}
	return ID(getU32(payload[0:4])), payload[4:], nil
}

func marshalEdgeProps(t Triple, blob []byte) []byte {
	b := make([]byte, 12+len(blob))
	copy(b[0:12], marshalTriple(t))
	copy(b[12:], blob)
	return b
}

func unmarshalEdgeProps(payload []byte) (Triple, []byte, error) {
	if len(payload) < 12 {
		return Triple{}, nil, fmt.Errorf("edge-props payload too short")
	}
	t, err := unmarshalTriple(payload[0:12])
	if err != nil {
		return Triple{}, nil, err
	}
	return t, payload[12:], nil
}

// WAL manages the append-only write-ahead log file.
type WAL struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	writePos int64
}

// OpenWAL opens or creates the WAL file, writing a fresh header if the
// file is new and validating the header otherwise — the same shape as
// pager.OpenWALFile.
func OpenWAL(path string) (*WAL, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	w := &WAL{f: f, path: path}
	if exists {
		if err := w.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL end: %w", err)
	}
	w.writePos = pos
	return w, nil
}

func (w *WAL) writeHeader() error {
	hdr := make([]byte, walFileHdrLen)
	copy(hdr[0:8], walMagic)
	putU32(hdr[8:12], walVersion)
	c := crc32.Checksum(hdr[:24], crcTable)
	putU32(hdr[24:28], c)
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return w.f.Sync()
}

func (w *WAL) validateHeader() error {
	hdr := make([]byte, walFileHdrLen)
	n, err := w.f.ReadAt(hdr, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read WAL header: %w", err)
	}
	if n < walFileHdrLen {
		return fmt.Errorf("%w: WAL header too short (%d bytes)", ErrCorruptWal, n)
	}
	if string(hdr[0:8]) != walMagic {
		return fmt.Errorf("%w: bad WAL magic", ErrCorruptWal)
	}
	if v := getU32(hdr[8:12]); v != walVersion {
		return fmt.Errorf("%w: unsupported WAL version %d", ErrCorruptWal, v)
	}
	stored := getU32(hdr[24:28])
	computed := crc32.Checksum(hdr[:24], crcTable)
	if stored != computed {
		return fmt.Errorf("%w: WAL header CRC mismatch", ErrCorruptWal)
	}
	return nil
}

func marshalRecord(rec Record) []byte {
	buf := make([]byte, walRecHdrLen+len(rec.Payload))
	buf[0] = byte(rec.Type)
	putU32(buf[1:5], uint32(len(rec.Payload)))
	copy(buf[walRecHdrLen:], rec.Payload)
	h := crc32.New(crcTable)
	h.Write(buf[:1])
	h.Write(rec.Payload)
	putU32(buf[5:9], h.Sum32())
	return buf
}

func (w *WAL) append(rec Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data := marshalRecord(rec)
	off := w.writePos
	n, err := w.f.WriteAt(data, off)
	if err != nil {
		return 0, fmt.Errorf("%w: WAL append: %v", ErrIO, err)
	}
	w.writePos += int64(n)
	return off + int64(n), nil
}

// AppendBegin appends a BEGIN record and returns its txID; sessionID is
// recorded for diagnostics. If txID is empty, a fresh one is minted with
// google/uuid so every transaction has a stable identity for the txids
// CLI subcommand and for dedup.
func (w *WAL) AppendBegin(txID, sessionID string) (string, error) {
	if txID == "" {
		txID = uuid.NewString()
	}
	_, err := w.append(Record{Type: RecBegin, Payload: marshalBegin(txID, sessionID)})
	return txID, err
}

// AppendAddTriple appends an ADD_TRIPLE record.
func (w *WAL) AppendAddTriple(t Triple) error {
	_, err := w.append(Record{Type: RecAddTriple, Payload: marshalTriple(t)})
	return err
}

// AppendDeleteTriple appends a DEL_TRIPLE record.
func (w *WAL) AppendDeleteTriple(t Triple) error {
	_, err := w.append(Record{Type: RecDelTriple, Payload: marshalTriple(t)})
	return err
}

// AppendSetNodeProps appends a SET_NODE_PROPS record.
func (w *WAL) AppendSetNodeProps(node ID, blob []byte) error {
	_, err := w.append(Record{Type: RecSetNodeProps, Payload: marshalNodeProps(node, blob)})
	return err
}

// AppendSetEdgeProps appends a SET_EDGE_PROPS record.
func (w *WAL) AppendSetEdgeProps(t Triple, blob []byte) error {
	_, err := w.append(Record{Type: RecSetEdgeProps, Payload: marshalEdgeProps(t, blob)})
	return err
}

// AppendCommit appends a COMMIT record without forcing durability.
func (w *WAL) AppendCommit() error {
	_, err := w.append(Record{Type: RecCommit})
	return err
}

// AppendCommitDurable appends a COMMIT record and fsyncs, guaranteeing
// that it and every prior append since the matching BEGIN are durable
// before returning — the WAL-only-durability property in spec section 8.
func (w *WAL) AppendCommitDurable() error {
	if _, err := w.append(Record{Type: RecCommit}); err != nil {
		return err
	}
	return w.Sync()
}

// AppendAbort appends an ABORT record.
func (w *WAL) AppendAbort() error {
	_, err := w.append(Record{Type: RecAbort})
	return err
}

// Sync fsyncs the WAL file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: WAL fsync: %v", ErrIO, err)
	}
	return nil
}

// TruncateTo truncates the WAL to offset o. The caller must have already
// established, via Replay, that o is a safe offset (the end of a fully
// parsed, committed record or the file start).
func (w *WAL) TruncateTo(o int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if o < walFileHdrLen {
		o = walFileHdrLen
	}
	if err := w.f.Truncate(o); err != nil {
		return fmt.Errorf("%w: WAL truncate: %v", ErrIO, err)
	}
	w.writePos = o
	return w.f.Sync()
}

// Reset truncates the WAL back to just its header, used after a flush
// that absorbed the entire log.
func (w *WAL) Reset() error {
	return w.TruncateTo(walFileHdrLen)
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// CommittedTx describes one fully-committed transaction found by Replay.
// Events holds just this transaction's applied events, in order, so a
// caller doing persistent txid dedup (spec section 4.2) can skip
// re-applying a transaction it has already seen on a prior flush without
// having to re-derive the grouping from the flat Applied slice.
type CommittedTx struct {
	TxID      string
	SessionID string
	Events    []AppliedEvent
}

// AppliedEvent is one logical mutation replay wants the caller (Store
// recovery) to re-apply to staging.
type AppliedEvent struct {
	Type    RecordType
	Triple  Triple
	Node    ID
	Blob    []byte
}

// ReplayResult is everything a caller needs after scanning the WAL.
type ReplayResult struct {
	SafeOffset   int64
	CommittedTx  []CommittedTx
	Applied      []AppliedEvent
	CorruptFound bool
}

// Replay scans the WAL from the start (after the file header), grouping
// records between BEGIN/COMMIT into transactions exactly like
// pager.Pager.Recover's classify-then-apply algorithm, generalized from
// physical page images to logical fact/property events. A transaction
// whose COMMIT is missing, or that runs into a corrupt/truncated record,
// is discarded in its entirety and SafeOffset stops before its BEGIN.
func (w *WAL) Replay() (*ReplayResult, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("open WAL for replay: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(walFileHdrLen, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek past WAL header: %w", err)
	}

	result := &ReplayResult{SafeOffset: walFileHdrLen}

	type txState struct {
		sessionID string
		events    []AppliedEvent
		committed bool
		aborted   bool
	}
	var order []string
	txs := make(map[string]*txState)
	var curTxID string
	pos := int64(walFileHdrLen)
	txStartPos := pos

	for {
		recStart := pos
		var hdr [walRecHdrLen]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			break
		}
		typ := RecordType(hdr[0])
		length := getU32(hdr[1:5])
		wantCRC := getU32(hdr[5:9])
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			result.CorruptFound = true
			break
		}
		h := crc32.New(crcTable)
		h.Write(hdr[:1])
		h.Write(payload)
		if h.Sum32() != wantCRC {
			result.CorruptFound = true
			break
		}
		pos = recStart + walRecHdrLen + int64(length)

		switch typ {
		case RecBegin:
			txID, sessionID, err := unmarshalBegin(payload)
			if err != nil {
				result.CorruptFound = true
				goto doneScanning
			}
			curTxID = txID
			txStartPos = recStart
			if _, exists := txs[txID]; !exists {
				order = append(order, txID)
			}
			txs[txID] = &txState{sessionID: sessionID}
		case RecAddTriple:
			t, err := unmarshalTriple(payload)
			if err != nil {
				result.CorruptFound = true
				goto doneScanning
			}
			if st, ok := txs[curTxID]; ok {
				st.events = append(st.events, AppliedEvent{Type: typ, Triple: t})
			}
		case RecDelTriple:
			t, err := unmarshalTriple(payload)
			if err != nil {
				result.CorruptFound = true
				goto doneScanning
			}
			if st, ok := txs[curTxID]; ok {
				st.events = append(st.events, AppliedEvent{Type: typ, Triple: t})
			}
		case RecSetNodeProps:
			node, blob, err := unmarshalNodeProps(payload)
			if err != nil {
				result.CorruptFound = true
				goto doneScanning
			}
			if st, ok := txs[curTxID]; ok {
				st.events = append(st.events, AppliedEvent{Type: typ, Node: node, Blob: append([]byte(nil), blob...)})
			}
		case RecSetEdgeProps:
			t, blob, err := unmarshalEdgeProps(payload)
			if err != nil {
				result.CorruptFound = true
				goto doneScanning
			}
			if st, ok := txs[curTxID]; ok {
				st.events = append(st.events, AppliedEvent{Type: typ, Triple: t, Blob: append([]byte(nil), blob...)})
			}
		case RecCommit:
			if st, ok := txs[curTxID]; ok {
				st.committed = true
				result.SafeOffset = pos
			}
			_ = txStartPos
		case RecAbort:
			if st, ok := txs[curTxID]; ok {
				st.aborted = true
			}
		default:
			result.CorruptFound = true
			goto doneScanning
		}
	}
doneScanning:

	for _, txID := range order {
		st := txs[txID]
		if !st.committed || st.aborted {
			continue
		}
		result.CommittedTx = append(result.CommittedTx, CommittedTx{TxID: txID, SessionID: st.sessionID, Events: st.events})
		result.Applied = append(result.Applied, st.events...)
	}

	return result, nil
}
