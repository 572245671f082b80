package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"

	atomicfile "github.com/natefinch/atomic"
)

// OrderingManifest is the per-ordering metadata carried in the manifest:
// the page table (primary -> chain of page offsets, head first) and the
// list of orphaned page offsets awaiting GC.
type OrderingManifest struct {
	Lookups map[ID][]PageOffset `json:"lookups"`
	Orphans []OrphanPage        `json:"orphans"`

	// LastFullCompactEpoch records the epoch of the most recent full
	// compaction of this ordering. Resolves the tombstone-eviction Open
	// Question (SPEC_FULL.md section 9.1): a tombstone is only dropped
	// once every ordering's LastFullCompactEpoch exceeds the epoch the
	// tombstone was created at.
	LastFullCompactEpoch Epoch `json:"lastFullCompactEpoch"`
}

// OrphanPage is a page no live chain references any longer, stamped with
// the epoch it was orphaned at. GC does not compare AtEpoch with reader
// epochs: it skips the whole pass while any reader is pinned.
type OrphanPage struct {
	Offset   PageOffset `json:"offset"`
	AtEpoch  Epoch      `json:"atEpoch"`
}

// TombstoneEntry is a logically-deleted triple, stamped with the epoch it
// was added at so compaction can decide when it is safe to evict.
type TombstoneEntry struct {
	Key        TripleKey `json:"key"`
	AddedEpoch Epoch     `json:"addedEpoch"`
}

// Manifest is the atomically-swapped metadata document described in
// spec section 6, persisted as manifest.json.
type Manifest struct {
	Version    uint32                       `json:"version"`
	Epoch      Epoch                        `json:"epoch"`
	Codec      string                       `json:"codec"`
	PageSize   int                          `json:"pageSize"`
	Orderings  map[string]*OrderingManifest `json:"orderings"`
	Tombstones []TombstoneEntry             `json:"tombstones"`
	Checksum   uint32                       `json:"checksum"`
}

// ManifestVersion is the current on-disk manifest schema version.
const ManifestVersion = 1

// NewManifest returns an empty manifest for a fresh database.
func NewManifest(pageSize int, codec Codec) *Manifest {
	m := &Manifest{
		Version:   ManifestVersion,
		Epoch:     0,
		Codec:     codec.String(),
		PageSize:  pageSize,
		Orderings: make(map[string]*OrderingManifest, 3),
	}
	for _, o := range Orderings {
		m.Orderings[o.String()] = &OrderingManifest{Lookups: make(map[ID][]PageOffset)}
	}
	return m
}

// Ordering returns the OrderingManifest for o, creating one if absent.
func (m *Manifest) Ordering(o Ordering) *OrderingManifest {
	om, ok := m.Orderings[o.String()]
	if !ok {
		om = &OrderingManifest{Lookups: make(map[ID][]PageOffset)}
		m.Orderings[o.String()] = om
	}
	return om
}

// HasTombstone reports whether key is currently tombstoned.
func (m *Manifest) HasTombstone(key TripleKey) bool {
	for _, ts := range m.Tombstones {
		if ts.Key == key {
			return true
		}
	}
	return false
}

// AddTombstone records key as tombstoned at the given epoch if not
// already present.
func (m *Manifest) AddTombstone(key TripleKey, epoch Epoch) {
	if m.HasTombstone(key) {
		return
	}
	m.Tombstones = append(m.Tombstones, TombstoneEntry{Key: key, AddedEpoch: epoch})
}

// Clone deep-copies the manifest so a reader's pinned snapshot is immune
// to later in-place mutation by the writer.
func (m *Manifest) Clone() *Manifest {
	cp := *m
	cp.Orderings = make(map[string]*OrderingManifest, len(m.Orderings))
	for k, v := range m.Orderings {
		lookups := make(map[ID][]PageOffset, len(v.Lookups))
		for p, chain := range v.Lookups {
			c := make([]PageOffset, len(chain))
			copy(c, chain)
			lookups[p] = c
		}
		orphans := make([]OrphanPage, len(v.Orphans))
		copy(orphans, v.Orphans)
		cp.Orderings[k] = &OrderingManifest{Lookups: lookups, Orphans: orphans, LastFullCompactEpoch: v.LastFullCompactEpoch}
	}
	cp.Tombstones = make([]TombstoneEntry, len(m.Tombstones))
	copy(cp.Tombstones, m.Tombstones)
	return &cp
}

// manifestChecksum computes a CRC32-C over the manifest's JSON encoding
// with Checksum itself held at zero, mirroring the page/WAL "checksum
// field zeroed during its own computation" idiom used throughout.
func manifestChecksum(m *Manifest) (uint32, error) {
	cp := *m
	cp.Checksum = 0
	b, err := json.Marshal(&cp)
	if err != nil {
		return 0, err
	}
	return crc32.Checksum(b, crcTable), nil
}

// ManifestFileName is the fixed filename for the manifest within a
// database's metadata directory.
const ManifestFileName = "manifest.json"

// WriteManifest atomically writes m to dir/manifest.json via a
// temp-file-then-rename sequence, using natefinch/atomic for the
// write-sync-rename mechanics and an explicit parent-directory fsync
// afterward (spec section 4.5), grounded on the same pack's
// calvinalkan-agent-task atomic-JSON-document pattern.
func WriteManifest(dir string, m *Manifest) error {
	m.Version = ManifestVersion
	csum, err := manifestChecksum(m)
	if err != nil {
		return fmt.Errorf("compute manifest checksum: %w", err)
	}
	m.Checksum = csum

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := dir + string(os.PathSeparator) + ManifestFileName
	if err := atomicfile.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("%w: atomic manifest write: %v", ErrIO, err)
	}
	if err := syncDir(path); err != nil {
		return fmt.Errorf("%w: sync manifest dir: %v", ErrIO, err)
	}
	return nil
}

// ReadManifest reads and validates dir/manifest.json. A checksum
// mismatch or unreadable file is always ErrCorruptManifest — fatal, per
// spec section 7.
func ReadManifest(dir string) (*Manifest, error) {
	path := dir + string(os.PathSeparator) + ManifestFileName
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read manifest: %v", ErrCorruptManifest, err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: unmarshal manifest: %v", ErrCorruptManifest, err)
	}
	wantChecksum := m.Checksum
	gotChecksum, err := manifestChecksum(&m)
	if err != nil {
		return nil, fmt.Errorf("%w: recompute manifest checksum: %v", ErrCorruptManifest, err)
	}
	if wantChecksum != gotChecksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptManifest)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", ErrCorruptManifest, m.Version)
	}
	if m.Orderings == nil {
		m.Orderings = make(map[string]*OrderingManifest, 3)
	}
	for _, o := range Orderings {
		if m.Orderings[o.String()] == nil {
			m.Orderings[o.String()] = &OrderingManifest{Lookups: make(map[ID][]PageOffset)}
		} else if m.Orderings[o.String()].Lookups == nil {
			m.Orderings[o.String()].Lookups = make(map[ID][]PageOffset)
		}
	}
	return &m, nil
}
