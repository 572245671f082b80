package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Options configures Open, generalizing the teacher's pager.Options
// (page size, codec) with the engine-wide knobs spec section 5 requires.
type Options struct {
	PageSize       int
	Codec          Codec
	LockTimeout    time.Duration     // zero = DefaultLockTimeout
	StaleReaderTTL time.Duration     // zero = DefaultStaleReaderThreshold
	Logger         *log.Logger       // nil = log.Default()
	Weights        CompactionWeights // zero value = DefaultCompactionWeights

	// ReadOnly opens the store without acquiring the exclusive writer
	// lock, per spec section 4.11 ("Reader-only opens never acquire the
	// lock") and section 6's `open(path, opts)` `enableLock` option
	// inverted to a safer zero-value default: an ordinary Options{}
	// still opens for writing, so every existing write-mode call site is
	// unaffected. A ReadOnly Store still registers its snapshots with
	// the reader registry (spec's `registerReader`, which this engine
	// treats as always-on per snapshot rather than a separate knob) so
	// cooperating writer processes still see it during GC, but every
	// write-path method returns ErrReadOnly.
	ReadOnly bool

	// PersistentTxDedupe enables the cross-flush transaction-id dedup
	// registry of spec section 4.2: a BEGIN carrying a txId already
	// recorded in <db>/txids.json is skipped in its entirety on replay,
	// instead of only deduping within the current, unflushed WAL tail.
	// Off by default so existing callers' recovery behavior is
	// unchanged.
	PersistentTxDedupe bool

	// MaxRememberTxIds caps the persistent registry above; zero means
	// DefaultMaxRememberTxIds.
	MaxRememberTxIds int
}

// Store is the top-level orchestration type: one open database directory,
// owning the WAL, dictionary, three page files, manifest/epoch state,
// staging buffer, property store, reader registry, hotness tracker and
// writer lock. Grounded on the teacher's top-level DB type in
// internal/storage/db.go, which wires together its pager, WAL and buffer
// pool behind a single struct in the same way.
type Store struct {
	dir  string
	opts Options
	log  *log.Logger
	lock *fileLock

	wal      *WAL
	dict     *Dictionary
	props    *PropsStore
	pages    [3]*PageFile // indexed by Ordering
	readers  *ReaderRegistry
	hot      *HotnessTracker
	txdedupe *TxDedupeRegistry

	mu       sync.Mutex // guards manifest mutation + staging flush (single writer)
	epochMgr *EpochManager
	staging  *Staging

	closed bool
}

func defaultOptions(o Options) Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.StaleReaderTTL == 0 {
		o.StaleReaderTTL = DefaultStaleReaderThreshold
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Weights == (CompactionWeights{}) {
		o.Weights = DefaultCompactionWeights
	}
	if o.MaxRememberTxIds == 0 {
		o.MaxRememberTxIds = DefaultMaxRememberTxIds
	}
	return o
}

// pageFileName maps an Ordering to its file within dir.
func pageFileName(o Ordering) string {
	switch o {
	case SPO:
		return "spo.pages"
	case POS:
		return "pos.pages"
	case OSP:
		return "osp.pages"
	default:
		panic("invalid ordering")
	}
}

// Open opens (creating if necessary) the database directory dir,
// acquiring the exclusive writer lock (skipped when Options.ReadOnly is
// set), replaying the WAL, and loading or
// initializing the manifest, exactly the sequence the teacher's
// pager.Open follows: lock, recover, load metadata, ready for traffic.
func Open(dir string, opts Options) (*Store, error) {
	opts = defaultOptions(opts)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db dir: %v", ErrIO, err)
	}

	var lock *fileLock
	var err error
	if !opts.ReadOnly {
		lock, err = acquireLock(filepath.Join(dir, "db.lock"), opts.LockTimeout)
		if err != nil {
			return nil, err
		}
	}

	s := &Store{
		dir:     dir,
		opts:    opts,
		log:     opts.Logger,
		lock:    lock,
		staging: NewStaging(),
	}

	ok := false
	defer func() {
		if !ok && lock != nil {
			lock.release()
		}
	}()

	s.wal, err = OpenWAL(filepath.Join(dir, "wal.log"))
	if err != nil {
		return nil, err
	}
	s.dict, err = OpenDictionary(filepath.Join(dir, "dictionary.log"))
	if err != nil {
		return nil, err
	}
	s.props, err = OpenPropsStore(filepath.Join(dir, "props.log"))
	if err != nil {
		return nil, err
	}
	s.readers, err = OpenReaderRegistry(dir, opts.StaleReaderTTL)
	if err != nil {
		return nil, err
	}
	s.hot, err = OpenHotnessTracker(dir)
	if err != nil {
		return nil, err
	}
	s.txdedupe, err = OpenTxDedupeRegistry(dir, opts.MaxRememberTxIds)
	if err != nil {
		return nil, err
	}

	m, err := ReadManifest(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		m = NewManifest(opts.PageSize, opts.Codec)
		if err := WriteManifest(dir, m); err != nil {
			return nil, err
		}
	}
	s.epochMgr = NewEpochManager(m)

	for _, o := range Orderings {
		pf, err := OpenPageFile(filepath.Join(dir, pageFileName(o)), m.PageSize)
		if err != nil {
			return nil, err
		}
		s.pages[o] = pf
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	ok = true
	s.log.Printf("nervusdb: opened %s at epoch %d", dir, s.epochMgr.Current().Epoch)
	return s, nil
}

// recover replays the WAL into staging, matching the teacher's
// pager.Pager.Recover call made right after opening the underlying files.
func (s *Store) recover() error {
	result, err := s.wal.Replay()
	if err != nil {
		return err
	}
	if result.CorruptFound {
		s.log.Printf("nervusdb: WAL replay stopped at a corrupt/incomplete record, safe offset %d", result.SafeOffset)
	}
	for _, tx := range result.CommittedTx {
		if s.opts.PersistentTxDedupe && s.txdedupe.Known(tx.TxID) {
			// already applied on a prior flush; BEGIN with a known id is
			// skipped in its entirety per spec section 4.2.
			continue
		}
		for _, ev := range tx.Events {
			switch ev.Type {
			case RecAddTriple:
				s.staging.Add(ev.Triple)
			case RecDelTriple:
				s.staging.Delete(ev.Triple)
			case RecSetNodeProps:
				s.staging.SetNodeProps(ev.Node, ev.Blob)
			case RecSetEdgeProps:
				s.staging.SetEdgeProps(ev.Triple, ev.Blob)
			}
		}
		if s.opts.PersistentTxDedupe {
			s.txdedupe.Observe(tx.TxID, tx.SessionID)
		}
	}
	if s.opts.ReadOnly {
		// a read-only open never rewrites the WAL; the writer owns it.
		return nil
	}
	return s.wal.TruncateTo(result.SafeOffset)
}

// AddFact appends an ADD_TRIPLE transaction to the WAL, durably, then
// applies it to staging, the minimal single-operation transaction shape
// from spec section 3.
func (s *Store) AddFact(t Triple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if _, err := s.wal.AppendBegin("", ""); err != nil {
		return err
	}
	if err := s.wal.AppendAddTriple(t); err != nil {
		return err
	}
	if err := s.wal.AppendCommitDurable(); err != nil {
		return err
	}
	s.staging.Add(t)
	return nil
}

// DeleteFact appends a DEL_TRIPLE transaction and stages a tombstone-
// pending delete; the tombstone is only recorded in the manifest at the
// next flush (spec section 4.3).
func (s *Store) DeleteFact(t Triple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if _, err := s.wal.AppendBegin("", ""); err != nil {
		return err
	}
	if err := s.wal.AppendDeleteTriple(t); err != nil {
		return err
	}
	if err := s.wal.AppendCommitDurable(); err != nil {
		return err
	}
	s.staging.Delete(t)
	return nil
}

// SetNodeProps appends a SET_NODE_PROPS transaction and stages the blob.
func (s *Store) SetNodeProps(node ID, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if _, err := s.wal.AppendBegin("", ""); err != nil {
		return err
	}
	if err := s.wal.AppendSetNodeProps(node, blob); err != nil {
		return err
	}
	if err := s.wal.AppendCommitDurable(); err != nil {
		return err
	}
	s.staging.SetNodeProps(node, blob)
	return nil
}

// SetEdgeProps appends a SET_EDGE_PROPS transaction and stages the blob.
func (s *Store) SetEdgeProps(t Triple, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if _, err := s.wal.AppendBegin("", ""); err != nil {
		return err
	}
	if err := s.wal.AppendSetEdgeProps(t, blob); err != nil {
		return err
	}
	if err := s.wal.AppendCommitDurable(); err != nil {
		return err
	}
	s.staging.SetEdgeProps(t, blob)
	return nil
}

// NodeProps resolves node's latest property blob, checking staging
// before the durable props store.
func (s *Store) NodeProps(node ID) ([]byte, bool, error) {
	nodes, _ := s.staging.SnapshotProps()
	if blob, ok := nodes[node]; ok {
		return blob, true, nil
	}
	return s.props.NodeProps(node)
}

// EdgeProps resolves t's latest property blob, checking staging before
// the durable props store.
func (s *Store) EdgeProps(t Triple) ([]byte, bool, error) {
	_, edges := s.staging.SnapshotProps()
	if blob, ok := edges[t.Key()]; ok {
		return blob, true, nil
	}
	return s.props.EdgeProps(t.Key())
}

// NewSnapshot pins the current epoch for a read transaction, registering
// it with the reader registry so GC will not reclaim pages it needs.
func (s *Store) NewSnapshot() (*Snapshot, error) {
	release, err := s.readers.Add(Epoch(s.epochMgr.Current().Epoch))
	if err != nil {
		return nil, err
	}
	return s.epochMgr.NewSnapshot(release), nil
}

// Query resolves pat against snap, merging staging, per spec section
// 4.6's read path.
func (s *Store) Query(snap *Snapshot, pat Pattern) ([]Triple, error) {
	return query(s, s.staging, snap, pat)
}

// chainTriples walks a primary's page chain in snap's pinned manifest
// and returns the concatenated, decoded triples, satisfying pageReader.
func (s *Store) chainTriples(snap *Snapshot, o Ordering, primary ID) ([]Triple, error) {
	chain := snap.Manifest().Ordering(o).Lookups[primary]
	var out []Triple
	for _, off := range chain {
		buf, err := s.pages[o].ReadAt(off)
		if err != nil {
			return nil, err
		}
		pc, err := decodePage(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, pc.Triples...)
	}
	return out, nil
}

// touchHotness satisfies pageReader.
func (s *Store) touchHotness(o Ordering, primary ID) {
	s.hot.Touch(o, primary)
}

// Flush writes all pending staged ops into new immutable pages (one new
// chain head per touched primary, prepended in front of the existing
// chain so the old pages for that primary become eligible for
// compaction later), applies pending tombstones to the manifest, appends
// staged node/edge property blobs to the property store, advances the
// epoch, and truncates the WAL — the single-writer flush path of
// spec section 4.2/4.4, grounded on the teacher's pager flush-dirty-pages
// cycle (pager/pager.go Flush).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if s.staging.Size() == 0 {
		return nil
	}

	cur := s.epochMgr.Current()
	next := cur.Clone()

	byPrimary := [3]map[ID][]Triple{}
	for i := range byPrimary {
		byPrimary[i] = make(map[ID][]Triple)
	}

	for _, op := range s.staging.Snapshot() {
		if op.deleted {
			next.AddTombstone(op.triple.Key(), next.Epoch+1)
			continue
		}
		for _, o := range Orderings {
			primary, _, _ := o.Permute(op.triple)
			byPrimary[o][primary] = append(byPrimary[o][primary], op.triple)
		}
	}

	for _, o := range Orderings {
		om := next.Ordering(o)
		for primary, triples := range byPrimary[o] {
			existing := om.Lookups[primary]
			var head PageOffset = InvalidPageOffset
			if len(existing) > 0 {
				head = existing[0]
			}
			pc := &PageChain{Ordering: o, Primary: primary, Triples: triples, NextChain: head}
			buf, err := encodePage(pc, next.PageSize, mustCodec(next.Codec))
			if err != nil {
				return fmt.Errorf("encode page for primary %d: %w", primary, err)
			}
			off, err := s.pages[o].Append(buf)
			if err != nil {
				return err
			}
			om.Lookups[primary] = append([]PageOffset{off}, existing...)
		}
	}

	nodeProps, edgeProps := s.staging.SnapshotProps()
	for node, blob := range nodeProps {
		if err := s.props.SetNodeProps(node, blob); err != nil {
			return err
		}
	}
	for key, blob := range edgeProps {
		if err := s.props.SetEdgeProps(Triple{S: key[0], P: key[1], O: key[2]}, blob); err != nil {
			return err
		}
	}
	if err := s.props.Sync(); err != nil {
		return err
	}

	for _, pf := range s.pages {
		if err := pf.Sync(); err != nil {
			return err
		}
	}

	epoch := s.epochMgr.Advance(next)
	next.Epoch = epoch
	if err := WriteManifest(s.dir, next); err != nil {
		return err
	}

	s.staging.Clear()
	if err := s.wal.Reset(); err != nil {
		return err
	}
	if err := s.hot.Flush(); err != nil {
		s.log.Printf("nervusdb: hotness flush failed (non-fatal): %v", err)
	}
	if s.opts.PersistentTxDedupe {
		if err := s.txdedupe.Flush(); err != nil {
			s.log.Printf("nervusdb: txid registry flush failed (non-fatal): %v", err)
		}
	}
	return nil
}

func mustCodec(s string) Codec {
	c, err := ParseCodec(s)
	if err != nil {
		return CodecNone
	}
	return c
}

// ToID interns s via the dictionary.
func (s *Store) ToID(str string) (ID, error) { return s.dict.ToID(str) }

// FromID resolves id back to its string.
func (s *Store) FromID(id ID) (string, error) { return s.dict.FromID(id) }

// Stats summarizes the current database for the `stats` CLI subcommand.
type Stats struct {
	Epoch          Epoch
	DictionarySize int
	StagingOps     int
	PageCounts     map[string]int
	TombstoneCount int
}

// Stats reports a point-in-time summary of the database.
func (s *Store) Stats() Stats {
	m := s.epochMgr.Current()
	st := Stats{
		Epoch:          m.Epoch,
		DictionarySize: s.dict.Len(),
		StagingOps:     s.staging.Size(),
		PageCounts:     make(map[string]int, 3),
		TombstoneCount: len(m.Tombstones),
	}
	for _, o := range Orderings {
		count := 0
		for _, chain := range m.Ordering(o).Lookups {
			count += len(chain)
		}
		st.PageCounts[o.String()] = count
	}
	return st
}

// TxIDs lists every transaction id this store knows about, for the
// `txids` CLI subcommand: the persistent dedup registry's remembered
// ids (if PersistentTxDedupe is enabled), merged with whatever has
// committed in the current, unflushed WAL tail since the last flush.
func (s *Store) TxIDs() ([]CommittedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	result, err := s.wal.Replay()
	if err != nil {
		return nil, err
	}
	if !s.opts.PersistentTxDedupe {
		return result.CommittedTx, nil
	}

	seen := make(map[string]struct{}, len(result.CommittedTx))
	out := make([]CommittedTx, 0, len(result.CommittedTx))
	for _, e := range s.txdedupe.Entries() {
		if _, dup := seen[e.TxID]; dup {
			continue
		}
		seen[e.TxID] = struct{}{}
		out = append(out, CommittedTx{TxID: e.TxID, SessionID: e.SessionID})
	}
	for _, tx := range result.CommittedTx {
		if _, dup := seen[tx.TxID]; dup {
			continue
		}
		seen[tx.TxID] = struct{}{}
		out = append(out, tx)
	}
	return out, nil
}

// HotTop returns the n primaries with the highest access count for
// ordering o, for the `hot` CLI subcommand.
func (s *Store) HotTop(o Ordering, n int) []struct {
	Primary ID
	Count   uint32
} {
	return s.hot.Top(o, n)
}

// Close flushes pending writes, closes every underlying file, and
// releases the writer lock.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !s.opts.ReadOnly {
		if err := s.Flush(); err != nil {
			s.log.Printf("nervusdb: flush on close failed: %v", err)
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, pf := range s.pages {
		record(pf.Close())
	}
	record(s.props.Close())
	record(s.dict.Close())
	record(s.wal.Close())
	if s.lock != nil {
		s.lock.release()
	}
	return firstErr
}
