package store

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// pageFileMagic/pageFileHdrSize mirror the teacher's WAL file header
// idiom (pager/wal.go OpenWALFile) applied to a page file instead of a
// log: a small fixed header at offset 0, pages appended after it so that
// offset 0 can double as "no page" (see InvalidPageOffset).
const (
	pageFileMagic    = "NVDBPAGE"
	pageFileHdrSize  = 64
)

// PageFile is the on-disk file backing one ordering's pages. Pages are
// immutable once written; mutation means appending a new page and
// updating the page table in the manifest.
type PageFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	writePos int64
}

// OpenPageFile opens or creates the page file for one ordering.
func OpenPageFile(path string, pageSize int) (*PageFile, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open page file %s: %w", path, err)
	}
	pf := &PageFile{f: f, path: path, pageSize: pageSize}
	if exists {
		if err := pf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := pf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek page file end: %w", err)
	}
	pf.writePos = pos
	return pf, nil
}

func (pf *PageFile) writeHeader() error {
	hdr := make([]byte, pageFileHdrSize)
	copy(hdr[0:8], pageFileMagic)
	putU32(hdr[8:12], uint32(pf.pageSize))
	if _, err := pf.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("write page file header: %w", err)
	}
	return pf.f.Sync()
}

func (pf *PageFile) validateHeader() error {
	hdr := make([]byte, pageFileHdrSize)
	n, err := pf.f.ReadAt(hdr, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read page file header: %w", err)
	}
	if n < pageFileHdrSize {
		return fmt.Errorf("%w: page file header too short (%d bytes)", ErrCorruptManifest, n)
	}
	if string(hdr[0:8]) != pageFileMagic {
		return fmt.Errorf("%w: bad page file magic in %s", ErrCorruptManifest, pf.path)
	}
	ps := getU32(hdr[8:12])
	if int(ps) != pf.pageSize {
		return fmt.Errorf("%w: page file %s page size %d != expected %d", ErrCorruptManifest, pf.path, ps, pf.pageSize)
	}
	return nil
}

// Append writes buf (exactly pageSize bytes) at the end of the file and
// returns the offset it was written at.
func (pf *PageFile) Append(buf []byte) (PageOffset, error) {
	if len(buf) != pf.pageSize {
		return 0, fmt.Errorf("page buffer is %d bytes, want %d", len(buf), pf.pageSize)
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	off := pf.writePos
	if off == 0 {
		off = pageFileHdrSize
		pf.writePos = pageFileHdrSize
	}
	n, err := pf.f.WriteAt(buf, off)
	if err != nil {
		return 0, fmt.Errorf("%w: page append: %v", ErrIO, err)
	}
	pf.writePos += int64(n)
	return PageOffset(off), nil
}

// ReadAt reads exactly one page-sized buffer at off.
func (pf *PageFile) ReadAt(off PageOffset) ([]byte, error) {
	buf := make([]byte, pf.pageSize)
	n, err := pf.f.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: page read at %d: %v", ErrIO, off, err)
	}
	if n != pf.pageSize {
		return nil, fmt.Errorf("%w: short page read at %d (%d of %d bytes)", ErrCorruptPage, off, n, pf.pageSize)
	}
	return buf, nil
}

// Sync fsyncs the page file.
func (pf *PageFile) Sync() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.f.Sync()
}

// Close closes the underlying file.
func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.f.Close()
}

// Rewrite atomically replaces the page file's contents with pages
// (in order, contiguous starting right after the header), returning the
// new offset assigned to each input page — used by GC when rewriting a
// file to drop orphan pages. The caller is responsible for remapping the
// page table to these new offsets before the old file disappears from
// view (i.e. before the manifest swap that references them).
func (pf *PageFile) Rewrite(pages [][]byte) ([]PageOffset, error) {
	tmpPath := pf.path + ".tmp"
	tf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create rewrite temp file: %v", ErrIO, err)
	}
	hdr := make([]byte, pageFileHdrSize)
	copy(hdr[0:8], pageFileMagic)
	putU32(hdr[8:12], uint32(pf.pageSize))
	if _, err := tf.Write(hdr); err != nil {
		tf.Close()
		return nil, fmt.Errorf("%w: write rewrite header: %v", ErrIO, err)
	}

	offsets := make([]PageOffset, len(pages))
	pos := int64(pageFileHdrSize)
	for i, p := range pages {
		if _, err := tf.Write(p); err != nil {
			tf.Close()
			return nil, fmt.Errorf("%w: write rewrite page %d: %v", ErrIO, i, err)
		}
		offsets[i] = PageOffset(pos)
		pos += int64(pf.pageSize)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		return nil, fmt.Errorf("%w: sync rewrite temp file: %v", ErrIO, err)
	}
	if err := tf.Close(); err != nil {
		return nil, fmt.Errorf("%w: close rewrite temp file: %v", ErrIO, err)
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close old page file: %v", ErrIO, err)
	}
	if err := os.Rename(tmpPath, pf.path); err != nil {
		return nil, fmt.Errorf("%w: rename rewritten page file: %v", ErrIO, err)
	}
	if err := syncDir(pf.path); err != nil {
		return nil, fmt.Errorf("%w: sync dir after rewrite: %v", ErrIO, err)
	}
	f, err := os.OpenFile(pf.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: reopen rewritten page file: %v", ErrIO, err)
	}
	pf.f = f
	pf.writePos = pos
	return offsets, nil
}
