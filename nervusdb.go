package nervusdb

import (
	"fmt"
	"log"
	"time"

	"github.com/LuQing-Studio/nervusdb-sub001/internal/store"
)

// Options configures Open. Zero values pick the same defaults as the
// underlying storage engine (internal/store.Options).
type Options struct {
	PageSize       int
	Codec          string // "none" (default), "brotli", or "zstd"
	LockTimeout    time.Duration
	StaleReaderTTL time.Duration
	Logger         *log.Logger

	// ReadOnly opens the database without the exclusive writer lock, so
	// a cooperating reader process (e.g. a dump/inspection tool) can run
	// alongside another process's writer. Write methods on the returned
	// DB return store.ErrReadOnly.
	ReadOnly bool

	// PersistentTxDedupe and MaxRememberTxIds configure the cross-flush
	// transaction-id dedup registry; see store.Options for details.
	PersistentTxDedupe bool
	MaxRememberTxIds   int
}

// DB is an open database directory. A DB is safe for concurrent use by
// multiple goroutines within one process; only one process may hold a
// writable DB on a given directory at a time (enforced by an advisory
// file lock). Opens with Options.ReadOnly take no lock and may run
// alongside the writer.
type DB struct {
	s *store.Store
}

// Open opens (creating if necessary) the database directory at path.
func Open(path string, opts Options) (*DB, error) {
	codec := store.CodecNone
	if opts.Codec != "" {
		c, err := store.ParseCodec(opts.Codec)
		if err != nil {
			return nil, fmt.Errorf("nervusdb: %w", err)
		}
		codec = c
	}
	s, err := store.Open(path, store.Options{
		PageSize:           opts.PageSize,
		Codec:              codec,
		LockTimeout:        opts.LockTimeout,
		StaleReaderTTL:     opts.StaleReaderTTL,
		Logger:             opts.Logger,
		ReadOnly:           opts.ReadOnly,
		PersistentTxDedupe: opts.PersistentTxDedupe,
		MaxRememberTxIds:   opts.MaxRememberTxIds,
	})
	if err != nil {
		return nil, err
	}
	return &DB{s: s}, nil
}

// Close flushes pending writes and releases the database.
func (db *DB) Close() error { return db.s.Close() }

// Node is an interned graph node, named by label.
type Node struct{ id store.ID }

// node interns label into a Node handle.
func (db *DB) node(label string) (Node, error) {
	id, err := db.s.ToID(label)
	if err != nil {
		return Node{}, err
	}
	return Node{id: id}, nil
}

// Fact is a subject-predicate-object triple in label space, the public
// mirror of internal/store.Triple.
type Fact struct {
	Subject   string
	Predicate string
	Object    string
}

// AddFact interns the three labels and durably records the fact.
func (db *DB) AddFact(f Fact) error {
	t, err := db.internTriple(f)
	if err != nil {
		return err
	}
	return db.s.AddFact(t)
}

// DeleteFact tombstones a fact. Deleting a fact that was never added is
// not an error: its labels are interned and a tombstone is still
// recorded at the next flush, so a later AddFact of the same fact stays
// masked.
func (db *DB) DeleteFact(f Fact) error {
	t, err := db.internTriple(f)
	if err != nil {
		return err
	}
	return db.s.DeleteFact(t)
}

func (db *DB) internTriple(f Fact) (store.Triple, error) {
	s, err := db.s.ToID(f.Subject)
	if err != nil {
		return store.Triple{}, err
	}
	p, err := db.s.ToID(f.Predicate)
	if err != nil {
		return store.Triple{}, err
	}
	o, err := db.s.ToID(f.Object)
	if err != nil {
		return store.Triple{}, err
	}
	return store.Triple{S: s, P: p, O: o}, nil
}

// SetNodeProps attaches an opaque property blob to a node (interning its
// label if new).
func (db *DB) SetNodeProps(label string, blob []byte) error {
	n, err := db.node(label)
	if err != nil {
		return err
	}
	return db.s.SetNodeProps(n.id, blob)
}

// NodeProps returns the opaque property blob last set for label, if any.
func (db *DB) NodeProps(label string) ([]byte, bool, error) {
	n, err := db.node(label)
	if err != nil {
		return nil, false, err
	}
	return db.s.NodeProps(n.id)
}

// SetEdgeProps attaches an opaque property blob to a fact.
func (db *DB) SetEdgeProps(f Fact, blob []byte) error {
	t, err := db.internTriple(f)
	if err != nil {
		return err
	}
	return db.s.SetEdgeProps(t, blob)
}

// EdgeProps returns the opaque property blob last set for f, if any.
func (db *DB) EdgeProps(f Fact) ([]byte, bool, error) {
	t, err := db.internTriple(f)
	if err != nil {
		return nil, false, err
	}
	return db.s.EdgeProps(t)
}

// Query is a label-space match criterion; an empty string in any field
// means "any".
type Query struct {
	Subject   string
	Predicate string
	Object    string
}

// Snapshot is a pinned, consistent point-in-time view for one or more
// queries. Callers must call Release when done to let garbage collection
// proceed.
type Snapshot struct {
	db   *DB
	snap *store.Snapshot
}

// NewSnapshot pins the current epoch.
func (db *DB) NewSnapshot() (*Snapshot, error) {
	snap, err := db.s.NewSnapshot()
	if err != nil {
		return nil, err
	}
	return &Snapshot{db: db, snap: snap}, nil
}

// Release unpins the snapshot.
func (s *Snapshot) Release() { s.snap.PopPin() }

// Query resolves q against the pinned snapshot and returns matching
// facts in label space.
func (s *Snapshot) Query(q Query) ([]Fact, error) {
	pat, err := s.db.patternOf(q)
	if err != nil {
		return nil, err
	}
	triples, err := s.db.s.Query(s.snap, pat)
	if err != nil {
		return nil, err
	}
	facts := make([]Fact, len(triples))
	for i, t := range triples {
		f, err := s.db.factOf(t)
		if err != nil {
			return nil, err
		}
		facts[i] = f
	}
	return facts, nil
}

func (db *DB) patternOf(q Query) (store.Pattern, error) {
	var pat store.Pattern
	if q.Subject != "" {
		id, err := db.s.ToID(q.Subject)
		if err != nil {
			return pat, err
		}
		pat.S = id
	}
	if q.Predicate != "" {
		id, err := db.s.ToID(q.Predicate)
		if err != nil {
			return pat, err
		}
		pat.P = id
	}
	if q.Object != "" {
		id, err := db.s.ToID(q.Object)
		if err != nil {
			return pat, err
		}
		pat.O = id
	}
	return pat, nil
}

func (db *DB) factOf(t store.Triple) (Fact, error) {
	s, err := db.s.FromID(t.S)
	if err != nil {
		return Fact{}, err
	}
	p, err := db.s.FromID(t.P)
	if err != nil {
		return Fact{}, err
	}
	o, err := db.s.FromID(t.O)
	if err != nil {
		return Fact{}, err
	}
	return Fact{Subject: s, Predicate: p, Object: o}, nil
}

// Flush writes all pending writes into immutable pages and advances the
// epoch. Close calls this implicitly; exposed for callers that want
// to control flush cadence explicitly.
func (db *DB) Flush() error { return db.s.Flush() }

// CompactFull rewrites every chain in every ordering.
func (db *DB) CompactFull() (*store.CompactStats, error) { return db.s.CompactFull(store.CompactOptions{}) }

// CompactIncremental rewrites the chains selected by opts; see
// store.CompactOptions.
func (db *DB) CompactIncremental(opts store.CompactOptions) (*store.CompactStats, error) {
	return db.s.CompactIncremental(opts)
}

// GC reclaims orphaned pages, or skips entirely if respectReaders is
// true and a reader is pinned; see store.GCResult.
func (db *DB) GC(respectReaders bool) (*store.GCResult, error) { return db.s.GC(respectReaders) }

// Stats reports a point-in-time summary of the database.
func (db *DB) Stats() store.Stats { return db.s.Stats() }
