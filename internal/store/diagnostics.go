package store

import "fmt"

// PageFault describes one page that failed CRC verification or decode,
// found during Check.
type PageFault struct {
	Ordering Ordering
	Primary  ID
	Offset   PageOffset
	Err      error
}

// CheckReport is the result of a read-only integrity walk, for the
// `check` CLI subcommand.
type CheckReport struct {
	Epoch        Epoch
	PagesWalked  int
	Faults       []PageFault
	WalCorrupt   bool
	WalSafeBytes int64
}

// Check walks every page reachable from the current manifest and
// verifies its CRC and decodability without mutating anything, then
// separately re-scans the WAL to report whether it currently holds a
// corrupt tail (it does not truncate it — that is Repair's job). Mirrors
// the teacher's pager.Pager.Verify read-only consistency walk.
func (s *Store) Check() (*CheckReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	m := s.epochMgr.Current()
	report := &CheckReport{Epoch: m.Epoch}

	for _, o := range Orderings {
		for primary, chain := range m.Ordering(o).Lookups {
			for _, off := range chain {
				report.PagesWalked++
				buf, err := s.pages[o].ReadAt(off)
				if err != nil {
					report.Faults = append(report.Faults, PageFault{Ordering: o, Primary: primary, Offset: off, Err: err})
					continue
				}
				if _, err := decodePage(buf); err != nil {
					report.Faults = append(report.Faults, PageFault{Ordering: o, Primary: primary, Offset: off, Err: err})
				}
			}
		}
	}

	result, err := s.wal.Replay()
	if err != nil {
		return nil, err
	}
	report.WalCorrupt = result.CorruptFound
	report.WalSafeBytes = result.SafeOffset

	return report, nil
}

// Repair truncates the WAL back to its last safe, fully-parsed record
// (re-running the same replay Open performs) and drops, from the live
// page table, any chain entry that fails CRC/decode — effectively
// orphaning the corrupt page rather than attempting byte-level recovery
// of it. Returns the same report Check would have produced before
// repair, so callers can see what was fixed.
func (s *Store) Repair() (*CheckReport, error) {
	report, err := s.Check()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if len(report.Faults) > 0 {
		next := s.epochMgr.Current().Clone()
		for _, f := range report.Faults {
			if err := s.dropFaultyPage(next, f); err != nil {
				return nil, err
			}
		}
		epoch := s.epochMgr.Advance(next)
		next.Epoch = epoch
		if err := WriteManifest(s.dir, next); err != nil {
			return nil, err
		}
	}

	if report.WalCorrupt {
		if err := s.wal.TruncateTo(report.WalSafeBytes); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// RepairPage drops a single named (ordering, primary, offset) chain
// entry, the targeted, operator-driven form of what Repair does in bulk
// — useful when `check` reports a fault and an operator wants to confirm
// the fix before letting Repair sweep everything.
func (s *Store) RepairPage(o Ordering, primary ID, offset PageOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next := s.epochMgr.Current().Clone()
	if err := s.dropFaultyPage(next, PageFault{Ordering: o, Primary: primary, Offset: offset}); err != nil {
		return err
	}
	epoch := s.epochMgr.Advance(next)
	next.Epoch = epoch
	return WriteManifest(s.dir, next)
}

func (s *Store) dropFaultyPage(next *Manifest, f PageFault) error {
	om := next.Ordering(f.Ordering)
	chain, ok := om.Lookups[f.Primary]
	if !ok {
		return fmt.Errorf("repair: no chain for primary %d in %s", f.Primary, f.Ordering)
	}
	kept := chain[:0]
	found := false
	for _, off := range chain {
		if off == f.Offset {
			found = true
			continue
		}
		kept = append(kept, off)
	}
	if !found {
		return fmt.Errorf("repair: offset %d not found in %s chain for primary %d", f.Offset, f.Ordering, f.Primary)
	}
	if len(kept) == 0 {
		delete(om.Lookups, f.Primary)
	} else {
		om.Lookups[f.Primary] = kept
	}
	om.Orphans = append(om.Orphans, OrphanPage{Offset: f.Offset, AtEpoch: next.Epoch + 1})
	return nil
}
