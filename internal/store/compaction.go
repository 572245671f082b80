package store

import "sort"

// CompactionWeights tunes the hotness-scored candidate selection formula
// of spec section 4.8: score = hotCount*wHot + (pageCount-1)*wPages +
// tombstoneRatio*wTomb.
type CompactionWeights struct {
	Hot        float64
	Pages      float64
	Tombstones float64
}

// DefaultCompactionWeights favors chains with many pages and a high
// tombstone ratio over raw hotness, since a long, stale chain costs every
// future reader a multi-page walk.
var DefaultCompactionWeights = CompactionWeights{Hot: 1.0, Pages: 4.0, Tombstones: 8.0}

// compactionCandidate is one primary's chain scored for incremental
// compaction.
type compactionCandidate struct {
	Ordering   Ordering
	Primary    ID
	Score      float64
	TombRatio  float64
	HotCount   uint32
}

// CompactOptions configures a compaction pass, per spec section 4.8's
// configuration enumeration: `{mode, orders, minMerge/minScore,
// hotThreshold, maxPrimary, tombstoneRatioThreshold, weights, autoGc}`.
// The zero value compacts every ordering with the store's configured
// weights and no selection floor (matching the prior unconditional
// behavior for CompactFull, and "take everything" for Incremental if
// MinScore/HotThreshold are both left at zero).
type CompactOptions struct {
	// Orders restricts the pass to a subset of orderings; nil/empty
	// means all three.
	Orders []Ordering

	// MinScore and HotThreshold gate candidate selection for
	// incremental compaction: a chain is rewritten if
	// (score >= MinScore && hotCount >= HotThreshold) ||
	// tombstoneRatio >= TombstoneRatioThreshold, where a zero
	// TombstoneRatioThreshold turns the tombstone-ratio path off. Ignored
	// by CompactFull, which always rewrites every chain in the selected
	// orders.
	MinScore                float64
	HotThreshold            uint32
	TombstoneRatioThreshold float64

	// MaxPrimary caps how many chains an incremental pass rewrites, after
	// selection and score-descending sort; zero means unlimited.
	MaxPrimary int

	// Weights overrides the store's configured scoring weights for this
	// pass; the zero value means "use the store's Options.Weights".
	Weights CompactionWeights

	// AutoGC runs a GC pass (see gcLocked) immediately after the rewrite,
	// reclaiming the very orphans this pass just produced, respecting
	// pinned readers exactly like a standalone GC call.
	AutoGC bool
}

// CompactStats summarizes one compaction pass, including its AutoGC
// sub-pass if requested.
type CompactStats struct {
	PrimariesRewritten int
	GC                 *GCResult // nil unless opts.AutoGC was set
}

func ordersOrAll(orders []Ordering) []Ordering {
	if len(orders) == 0 {
		return Orderings[:]
	}
	return orders
}

// scoreChain computes the candidate's score from its page count, hotness
// count, and the fraction of its triples currently tombstoned.
func scoreChain(m *Manifest, hot *HotnessTracker, w CompactionWeights, o Ordering, primary ID, liveCount, totalCount int) float64 {
	chain := m.Ordering(o).Lookups[primary]
	pageCount := len(chain)
	var tombRatio float64
	if totalCount > 0 {
		tombRatio = float64(totalCount-liveCount) / float64(totalCount)
	}
	hotCount := float64(hot.Count(o, primary))
	return hotCount*w.Hot + float64(pageCount-1)*w.Pages + tombRatio*w.Tombstones
}

// rewriteChain reads every page of primary's chain, drops tombstoned
// triples, and writes a single fresh page (or, if the live set does not
// fit in one page, several pages chained together), replacing the old
// chain in the manifest. This implements both full and incremental
// compaction — full compaction is simply "call this for every primary in
// every ordering".
func (s *Store) rewriteChain(next *Manifest, o Ordering, primary ID) error {
	om := next.Ordering(o)
	chain := om.Lookups[primary]
	if len(chain) == 0 {
		return nil
	}

	var live []Triple
	for _, off := range chain {
		buf, err := s.pages[o].ReadAt(off)
		if err != nil {
			return err
		}
		pc, err := decodePage(buf)
		if err != nil {
			return err
		}
		for _, t := range pc.Triples {
			if !next.HasTombstone(t.Key()) {
				live = append(live, t)
			}
		}
	}

	// the old chain's pages become orphans once no pinned reader can
	// still see them; GC reclaims the bytes later.
	for _, off := range chain {
		om.Orphans = append(om.Orphans, OrphanPage{Offset: off, AtEpoch: next.Epoch + 1})
	}

	if len(live) == 0 {
		delete(om.Lookups, primary)
		return nil
	}

	sortTriplesFor(o, live)

	newChain, err := s.writeChainPages(o, primary, live, next.PageSize, mustCodec(next.Codec))
	if err != nil {
		return err
	}
	om.Lookups[primary] = newChain
	return nil
}

func sortTriplesFor(o Ordering, triples []Triple) {
	sort.Slice(triples, func(i, j int) bool {
		_, si, ti := o.Permute(triples[i])
		_, sj, tj := o.Permute(triples[j])
		if si != sj {
			return si < sj
		}
		return ti < tj
	})
}

// writeChainPages splits triples across as many pages as needed to fit
// pageSize, writing them as a chain (tail first, so the chain's last page
// sits at the lowest file offset and each earlier page's NextChain can
// point at the page written just before it) and returns the offsets
// head-first.
func (s *Store) writeChainPages(o Ordering, primary ID, triples []Triple, pageSize int, codec Codec) ([]PageOffset, error) {
	// Try the whole run in one page first; only split if it doesn't fit.
	batches := [][]Triple{triples}
	for {
		ok := true
		var split [][]Triple
		for _, b := range batches {
			if _, err := encodePage(&PageChain{Ordering: o, Primary: primary, Triples: b}, pageSize, codec); err != nil {
				ok = false
				mid := len(b) / 2
				if mid == 0 {
					return nil, err // a single triple does not fit; propagate
				}
				split = append(split, b[:mid], b[mid:])
			} else {
				split = append(split, b)
			}
		}
		batches = split
		if ok {
			break
		}
	}

	offsets := make([]PageOffset, len(batches))
	var next PageOffset = InvalidPageOffset
	for i := len(batches) - 1; i >= 0; i-- {
		buf, err := encodePage(&PageChain{Ordering: o, Primary: primary, Triples: batches[i], NextChain: next}, pageSize, codec)
		if err != nil {
			return nil, err
		}
		off, err := s.pages[o].Append(buf)
		if err != nil {
			return nil, err
		}
		offsets[i] = off
		next = off
	}
	return offsets, nil
}

// CompactFull rewrites every chain in the selected orderings, dropping
// all tombstones that every ordering's LastFullCompactEpoch now covers,
// optionally runs a GC pass, and installs the result as a new epoch
// (spec section 4.8, "full compaction").
func (s *Store) CompactFull(opts CompactOptions) (*CompactStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.opts.ReadOnly {
		return nil, ErrReadOnly
	}

	next := s.epochMgr.Current().Clone()
	orders := ordersOrAll(opts.Orders)
	stats := &CompactStats{}

	for _, o := range orders {
		om := next.Ordering(o)
		primaries := make([]ID, 0, len(om.Lookups))
		for p := range om.Lookups {
			primaries = append(primaries, p)
		}
		for _, p := range primaries {
			if err := s.rewriteChain(next, o, p); err != nil {
				return nil, err
			}
			stats.PrimariesRewritten++
		}
		om.LastFullCompactEpoch = next.Epoch + 1
	}

	s.evictCoveredTombstones(next)

	for _, pf := range s.pages {
		if err := pf.Sync(); err != nil {
			return nil, err
		}
	}
	epoch := s.epochMgr.Advance(next)
	next.Epoch = epoch
	if err := WriteManifest(s.dir, next); err != nil {
		return nil, err
	}

	if opts.AutoGC {
		gcResult, err := s.gcLocked(true)
		if err != nil {
			return nil, err
		}
		stats.GC = gcResult
	}
	return stats, nil
}

// CompactIncremental rewrites only the chains selected by opts — those
// scoring at or above MinScore with at least HotThreshold hits, or whose
// tombstone ratio is at or above TombstoneRatioThreshold — capped at
// MaxPrimary chains, the cheaper maintenance path of spec section 4.8.
func (s *Store) CompactIncremental(opts CompactOptions) (*CompactStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.opts.ReadOnly {
		return nil, ErrReadOnly
	}

	weights := opts.Weights
	if weights == (CompactionWeights{}) {
		weights = s.opts.Weights
	}
	orders := ordersOrAll(opts.Orders)

	cur := s.epochMgr.Current()
	var candidates []compactionCandidate
	for _, o := range orders {
		om := cur.Ordering(o)
		for primary, chain := range om.Lookups {
			total := 0
			live := 0
			for _, off := range chain {
				buf, err := s.pages[o].ReadAt(off)
				if err != nil {
					return nil, err
				}
				pc, err := decodePage(buf)
				if err != nil {
					return nil, err
				}
				total += len(pc.Triples)
				for _, t := range pc.Triples {
					if !cur.HasTombstone(t.Key()) {
						live++
					}
				}
			}
			score := scoreChain(cur, s.hot, weights, o, primary, live, total)
			var tombRatio float64
			if total > 0 {
				tombRatio = float64(total-live) / float64(total)
			}
			hotCount := s.hot.Count(o, primary)

			selected := (score >= opts.MinScore && hotCount >= opts.HotThreshold) ||
				(opts.TombstoneRatioThreshold > 0 && tombRatio >= opts.TombstoneRatioThreshold)
			if !selected {
				continue
			}
			candidates = append(candidates, compactionCandidate{
				Ordering: o, Primary: primary, Score: score, TombRatio: tombRatio, HotCount: hotCount,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Primary < candidates[j].Primary // stable tie-break
	})
	if opts.MaxPrimary > 0 && opts.MaxPrimary < len(candidates) {
		candidates = candidates[:opts.MaxPrimary]
	}

	next := cur.Clone()
	for _, c := range candidates {
		if err := s.rewriteChain(next, c.Ordering, c.Primary); err != nil {
			return nil, err
		}
	}

	for _, pf := range s.pages {
		if err := pf.Sync(); err != nil {
			return nil, err
		}
	}
	epoch := s.epochMgr.Advance(next)
	next.Epoch = epoch
	if err := WriteManifest(s.dir, next); err != nil {
		return nil, err
	}

	stats := &CompactStats{PrimariesRewritten: len(candidates)}
	if opts.AutoGC {
		gcResult, err := s.gcLocked(true)
		if err != nil {
			return nil, err
		}
		stats.GC = gcResult
	}
	return stats, nil
}

// evictCoveredTombstones drops tombstones whose AddedEpoch is older than
// every ordering's LastFullCompactEpoch, resolving the tombstone-eviction
// Open Question (SPEC_FULL.md section 9.1): once every ordering has fully
// compacted past a tombstone's creation epoch, no page anywhere can still
// contain the triple it masks, so the tombstone record itself is dead
// weight.
func (s *Store) evictCoveredTombstones(m *Manifest) {
	var minFullCompact Epoch = ^Epoch(0)
	for _, o := range Orderings {
		e := m.Ordering(o).LastFullCompactEpoch
		if e < minFullCompact {
			minFullCompact = e
		}
	}
	kept := m.Tombstones[:0]
	for _, ts := range m.Tombstones {
		if ts.AddedEpoch >= minFullCompact {
			kept = append(kept, ts)
		}
	}
	m.Tombstones = kept
}
