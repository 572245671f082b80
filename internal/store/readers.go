package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	atomicfile "github.com/natefinch/atomic"
)

// ReaderEntry is the JSON document one process writes to advertise an
// active pinned snapshot, per spec section 4.7.
type ReaderEntry struct {
	PID         int   `json:"pid"`
	Epoch       Epoch `json:"epoch"`
	TimestampMs int64 `json:"timestampMs"`
}

// ReaderRegistry coordinates GC safety across cooperating processes by
// writing one small file per active reader into dir/readers/, the same
// write-temp-then-rename-for-atomicity idiom as the manifest but scoped
// per-entity rather than per-database, grounded on the
// calvinalkan-agent-task pack's per-ticket atomic JSON files.
type ReaderRegistry struct {
	mu    sync.Mutex
	dir   string
	stale time.Duration
	mine  map[string]struct{} // filenames this process has registered
}

// DefaultStaleReaderThreshold is how old (by mtime) a reader file may get
// before it is considered abandoned by a crashed process (spec 4.7/5).
const DefaultStaleReaderThreshold = 30 * time.Second

// OpenReaderRegistry ensures dir/readers exists.
func OpenReaderRegistry(dir string, stale time.Duration) (*ReaderRegistry, error) {
	readersDir := filepath.Join(dir, "readers")
	if err := os.MkdirAll(readersDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create readers dir: %v", ErrIO, err)
	}
	if stale <= 0 {
		stale = DefaultStaleReaderThreshold
	}
	return &ReaderRegistry{dir: readersDir, stale: stale, mine: make(map[string]struct{})}, nil
}

// Add registers a new active reader at the given epoch and returns a
// function that removes the file again (called from Snapshot.release).
func (r *ReaderRegistry) Add(epoch Epoch) (func(), error) {
	name := fmt.Sprintf("%d-%s.reader", os.Getpid(), uuid.NewString())
	path := filepath.Join(r.dir, name)

	entry := ReaderEntry{PID: os.Getpid(), Epoch: epoch, TimestampMs: time.Now().UnixMilli()}
	b, err := json.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("marshal reader entry: %w", err)
	}
	if err := atomicfile.WriteFile(path, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: write reader entry: %v", ErrIO, err)
	}

	r.mu.Lock()
	r.mine[name] = struct{}{}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.mine, name)
		r.mu.Unlock()
		_ = os.Remove(path)
	}, nil
}

// ActiveReaders enumerates non-stale reader entries across all
// cooperating processes, pruning stale ones (best-effort) along the way —
// the "Stale reader cleanup" scenario in spec section 8.6.
func (r *ReaderRegistry) ActiveReaders() ([]ReaderEntry, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read readers dir: %v", ErrIO, err)
	}
	now := time.Now()
	var active []ReaderEntry
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, de.Name())
		info, err := de.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > r.stale {
			_ = os.Remove(path) // best-effort prune of abandoned reader
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue // removed concurrently; ignore
		}
		var entry ReaderEntry
		if err := json.Unmarshal(b, &entry); err != nil {
			continue // malformed; ignore rather than fail the whole scan
		}
		active = append(active, entry)
	}
	return active, nil
}

// MinPinnedEpoch returns the minimum epoch any active reader is pinned
// at, and whether any reader exists at all.
func (r *ReaderRegistry) MinPinnedEpoch() (min Epoch, any bool, err error) {
	active, err := r.ActiveReaders()
	if err != nil {
		return 0, false, err
	}
	if len(active) == 0 {
		return 0, false, nil
	}
	min = active[0].Epoch
	for _, e := range active[1:] {
		if e.Epoch < min {
			min = e.Epoch
		}
	}
	return min, true, nil
}
