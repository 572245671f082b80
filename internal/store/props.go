package store

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// propsRecHdrSize is len(kind 1) + len(keyLen 4) + len(bodyLen 4) + len(crc 4).
const propsRecHdrSize = 1 + 4 + 4 + 4

const (
	propsKindNode byte = iota
	propsKindEdge
)

// PropsStore is an append-only framed log of opaque node/edge property
// blobs, structurally identical to Dictionary (dict.go) but keyed by
// node ID or triple key instead of an interned string, and holding the
// latest write per key rather than requiring uniqueness. Property
// blobs are caller-defined (e.g. a small JSON or msgpack document); the
// store treats them as opaque bytes (spec section 4.9).
type PropsStore struct {
	f    *os.File
	path string

	nodeOffsets map[ID]int64
	edgeOffsets map[TripleKey]int64
}

// OpenPropsStore opens or creates path and replays it to build the
// latest-offset index.
func OpenPropsStore(path string) (*PropsStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open props store: %v", ErrIO, err)
	}
	p := &PropsStore{
		f:           f,
		path:        path,
		nodeOffsets: make(map[ID]int64),
		edgeOffsets: make(map[TripleKey]int64),
	}
	if err := p.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return p, nil
}

// replay scans the log from the start, indexing the latest offset for
// each key and discarding any partial trailing record left by a crash
// mid-write, the same tolerant-truncation idiom as Dictionary.replay.
func (p *PropsStore) replay() error {
	if _, err := p.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek props store: %v", ErrIO, err)
	}
	r := bufio.NewReader(p.f)
	var offset int64
	for {
		hdr := make([]byte, propsRecHdrSize)
		n, err := io.ReadFull(r, hdr)
		if err == io.EOF {
			break
		}
		if err != nil || n < propsRecHdrSize {
			break // partial header at EOF: crash-truncate
		}
		kind := hdr[0]
		keyLen := getU32(hdr[1:5])
		bodyLen := getU32(hdr[5:9])
		wantCRC := getU32(hdr[9:13])

		body := make([]byte, int(keyLen)+int(bodyLen))
		n, err = io.ReadFull(r, body)
		if err != nil || n < len(body) {
			break // partial body: crash-truncate
		}
		if crc32.Checksum(body, crcTable) != wantCRC {
			break // corrupt trailing record
		}

		recStart := offset
		key := body[:keyLen]
		switch kind {
		case propsKindNode:
			id := ID(getU32(key))
			p.nodeOffsets[id] = recStart
		case propsKindEdge:
			var tk TripleKey
			tk[0] = ID(getU32(key[0:4]))
			tk[1] = ID(getU32(key[4:8]))
			tk[2] = ID(getU32(key[8:12]))
			p.edgeOffsets[tk] = recStart
		}
		offset += int64(propsRecHdrSize + len(body))
	}
	if _, err := p.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek props store to tail: %v", ErrIO, err)
	}
	return p.f.Truncate(offset)
}

func (p *PropsStore) append(kind byte, key, blob []byte) (int64, error) {
	off, err := p.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: seek props store end: %v", ErrIO, err)
	}
	body := make([]byte, 0, len(key)+len(blob))
	body = append(body, key...)
	body = append(body, blob...)

	hdr := make([]byte, propsRecHdrSize)
	hdr[0] = kind
	putU32(hdr[1:5], uint32(len(key)))
	putU32(hdr[5:9], uint32(len(blob)))
	putU32(hdr[9:13], crc32.Checksum(body, crcTable))

	if _, err := p.f.Write(hdr); err != nil {
		return 0, fmt.Errorf("%w: write props record header: %v", ErrIO, err)
	}
	if _, err := p.f.Write(body); err != nil {
		return 0, fmt.Errorf("%w: write props record body: %v", ErrIO, err)
	}
	return off, nil
}

// SetNodeProps appends a new record for node's property blob.
func (p *PropsStore) SetNodeProps(node ID, blob []byte) error {
	key := make([]byte, 4)
	putU32(key, uint32(node))
	off, err := p.append(propsKindNode, key, blob)
	if err != nil {
		return err
	}
	p.nodeOffsets[node] = off
	return nil
}

// SetEdgeProps appends a new record for t's property blob.
func (p *PropsStore) SetEdgeProps(t Triple, blob []byte) error {
	key := make([]byte, 12)
	putU32(key[0:4], uint32(t.S))
	putU32(key[4:8], uint32(t.P))
	putU32(key[8:12], uint32(t.O))
	off, err := p.append(propsKindEdge, key, blob)
	if err != nil {
		return err
	}
	p.edgeOffsets[t.Key()] = off
	return nil
}

func (p *PropsStore) readAt(off int64) (kind byte, blob []byte, err error) {
	hdr := make([]byte, propsRecHdrSize)
	if _, err := p.f.ReadAt(hdr, off); err != nil {
		return 0, nil, fmt.Errorf("%w: read props record header: %v", ErrIO, err)
	}
	keyLen := getU32(hdr[1:5])
	bodyLen := getU32(hdr[5:9])
	body := make([]byte, int(keyLen)+int(bodyLen))
	if _, err := p.f.ReadAt(body, off+propsRecHdrSize); err != nil {
		return 0, nil, fmt.Errorf("%w: read props record body: %v", ErrIO, err)
	}
	return hdr[0], body[keyLen:], nil
}

// NodeProps returns the latest property blob for node, or ok=false if
// none was ever set.
func (p *PropsStore) NodeProps(node ID) (blob []byte, ok bool, err error) {
	off, found := p.nodeOffsets[node]
	if !found {
		return nil, false, nil
	}
	_, blob, err = p.readAt(off)
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// EdgeProps returns the latest property blob for the triple keyed by
// key, or ok=false if none was ever set.
func (p *PropsStore) EdgeProps(key TripleKey) (blob []byte, ok bool, err error) {
	off, found := p.edgeOffsets[key]
	if !found {
		return nil, false, nil
	}
	_, blob, err = p.readAt(off)
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// Sync flushes the underlying file to stable storage.
func (p *PropsStore) Sync() error {
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync props store: %v", ErrIO, err)
	}
	return nil
}

// Close closes the underlying file.
func (p *PropsStore) Close() error {
	return p.f.Close()
}
