package store

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// Dictionary is the bidirectional string<->ID mapping. It is persisted as
// an append-only framed log, the same record-framing idiom as the WAL
// (see wal.go), so a new string can be made durable with a single fsync
// before the triple that references it is appended to the WAL — the
// ordering invariant required by spec section 4.1.
type Dictionary struct {
	mu       sync.RWMutex
	f        *os.File
	path     string
	writePos int64

	toID   map[string]ID
	toStr  map[ID]string
	nextID ID
}

const (
	dictRecHdrSize = 1 + 4 + 4 // type + length + crc
	dictRecPut     = byte(1)
)

// OpenDictionary opens or creates the dictionary file at path and replays
// it fully into memory.
func OpenDictionary(path string) (*Dictionary, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	d := &Dictionary{
		f:      f,
		path:   path,
		toID:   make(map[string]ID),
		toStr:  make(map[ID]string),
		nextID: 1,
	}
	if err := d.replay(); err != nil {
		f.Close()
		return nil, err
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek dictionary: %w", err)
	}
	d.writePos = pos
	return d, nil
}

// replay scans the dictionary log from the start, discarding a partial
// trailing record (crash truncation), identical in spirit to WAL replay.
func (d *Dictionary) replay() error {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek dictionary start: %w", err)
	}
	r := io.Reader(d.f)
	for {
		var hdr [dictRecHdrSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			break // EOF or partial header: stop, discard tail
		}
		typ := hdr[0]
		length := getU32(hdr[1:5])
		wantCRC := getU32(hdr[5:9])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // partial payload: stop, discard tail
		}
		h := crc32.New(crcTable)
		h.Write(hdr[:1])
		h.Write(payload)
		if h.Sum32() != wantCRC {
			break // corrupt tail record
		}
		if typ != dictRecPut {
			continue
		}
		if len(payload) < 4 {
			continue
		}
		id := ID(getU32(payload[:4]))
		s := string(payload[4:])
		d.toID[s] = id
		d.toStr[id] = s
		if id+1 > d.nextID {
			d.nextID = id + 1
		}
	}
	return nil
}

// ToID returns the ID for s, assigning and durably persisting a new one
// if s has not been seen before.
func (d *Dictionary) ToID(s string) (ID, error) {
	d.mu.RLock()
	if id, ok := d.toID[s]; ok {
		d.mu.RUnlock()
		return id, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.toID[s]; ok {
		return id, nil
	}
	if d.nextID == 0 { // wrapped past 2^32-1
		return InvalidID, ErrDictionaryFull
	}
	id := d.nextID
	d.nextID++

	payload := make([]byte, 4+len(s))
	putU32(payload[:4], uint32(id))
	copy(payload[4:], s)

	rec := make([]byte, dictRecHdrSize+len(payload))
	rec[0] = dictRecPut
	putU32(rec[1:5], uint32(len(payload)))
	h := crc32.New(crcTable)
	h.Write(rec[:1])
	h.Write(payload)
	putU32(rec[5:9], h.Sum32())
	copy(rec[dictRecHdrSize:], payload)

	n, err := d.f.WriteAt(rec, d.writePos)
	if err != nil {
		return InvalidID, fmt.Errorf("%w: dictionary append: %v", ErrIO, err)
	}
	if err := d.f.Sync(); err != nil {
		return InvalidID, fmt.Errorf("%w: dictionary fsync: %v", ErrIO, err)
	}
	d.writePos += int64(n)

	d.toID[s] = id
	d.toStr[id] = s
	return id, nil
}

// FromID resolves id back to its string. Returns ErrDictionaryCorrupt if
// id has no entry — a triple referencing an unknown ID is a corrupt
// dictionary, per spec section 4.1.
func (d *Dictionary) FromID(id ID) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.toStr[id]
	if !ok {
		return "", fmt.Errorf("%w: id %d has no string entry", ErrDictionaryCorrupt, id)
	}
	return s, nil
}

// Len returns the number of distinct strings known to the dictionary.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.toID)
}

// Close closes the underlying file.
func (d *Dictionary) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
