package store

import "fmt"

// GCResult summarizes one garbage-collection pass, for the `gc` CLI
// subcommand and for the `{skipped:'active_readers'}` signal of spec
// section 4.9/6/8.4.
type GCResult struct {
	Skipped   bool           // true if the pass declined to run at all
	Reason    string         // "active_readers" when Skipped
	Reclaimed map[string]int // ordering -> page count dropped
}

// GC reclaims every orphaned page across all three orderings, or skips
// the entire pass, per spec section 4.9's `gc(respectReaders: bool)`:
// this is an all-or-nothing decision, never a per-orphan one. That is
// load-bearing, not just a style choice: reclaiming any page means
// PageFile.Rewrite replaces the *entire* ordering's file and reassigns
// fresh offsets to every surviving page — live chains included, not just
// the pages being dropped. A Snapshot taken before the rewrite still
// holds the old manifest's page offsets; if such a snapshot stays
// pinned anywhere in this process while Rewrite runs, its offsets start
// silently addressing unrelated, still-CRC-valid page content. So
// respectReaders answers "is it safe to rewrite the page files at all
// right now", not "which orphans may I drop": if any reader is pinned,
// the whole pass is skipped, matching the "Multi-reader GC" scenario of
// spec section 8.4 exactly. Passing respectReaders=false forces
// reclamation even with readers pinned; callers that do this are
// responsible for the consequence to those readers.
func (s *Store) GC(respectReaders bool) (*GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.opts.ReadOnly {
		return nil, ErrReadOnly
	}
	return s.gcLocked(respectReaders)
}

// gcLocked is GC's body, factored out so CompactIncremental's AutoGC
// option can run a pass without releasing and re-acquiring s.mu.
func (s *Store) gcLocked(respectReaders bool) (*GCResult, error) {
	_, anyReader, err := s.readers.MinPinnedEpoch()
	if err != nil {
		return nil, err
	}
	if respectReaders && anyReader {
		return &GCResult{Skipped: true, Reason: "active_readers"}, nil
	}

	next := s.epochMgr.Current().Clone()
	result := &GCResult{Reclaimed: make(map[string]int, 3)}

	for _, o := range Orderings {
		om := next.Ordering(o)
		if len(om.Orphans) == 0 {
			continue
		}
		reclaim := om.Orphans
		result.Reclaimed[o.String()] = len(reclaim)
		if err := s.reclaimOrdering(next, o); err != nil {
			return nil, fmt.Errorf("reclaim %s pages: %w", o, err)
		}
	}

	epoch := s.epochMgr.Advance(next)
	next.Epoch = epoch
	if err := WriteManifest(s.dir, next); err != nil {
		return nil, err
	}
	return result, nil
}

// reclaimOrdering rewrites ordering o's page file down to exactly its
// live chains, dropping every orphan unconditionally, then remaps each
// surviving chain's offsets to their new positions. Only called once GC
// has established no pinned snapshot can observe the rewrite (see GC's
// doc comment) — every orphan is dropped because nothing can any longer
// reach it at an offset that matters.
func (s *Store) reclaimOrdering(next *Manifest, o Ordering) error {
	om := next.Ordering(o)
	allOffsets := make([]PageOffset, 0)
	for _, chain := range om.Lookups {
		allOffsets = append(allOffsets, chain...)
	}

	pages := make([][]byte, 0, len(allOffsets))
	remap := make(map[PageOffset]int, len(allOffsets))
	for i, off := range allOffsets {
		buf, err := s.pages[o].ReadAt(off)
		if err != nil {
			return err
		}
		pages = append(pages, buf)
		remap[off] = i
	}

	newOffsets, err := s.pages[o].Rewrite(pages)
	if err != nil {
		return err
	}

	for primary, chain := range om.Lookups {
		updated := make([]PageOffset, len(chain))
		for i, off := range chain {
			updated[i] = newOffsets[remap[off]]
		}
		om.Lookups[primary] = updated
	}
	om.Orphans = nil
	return nil
}
