package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	atomicfile "github.com/natefinch/atomic"
)

// HotnessDoc is the on-disk form persisted to hotness.json.
type HotnessDoc struct {
	Version   int                        `json:"version"`
	UpdatedAt int64                      `json:"updatedAt"`
	Counts    map[string]map[ID]uint32   `json:"counts"` // ordering -> primary -> count
}

// HotnessTracker holds per-(ordering, primary) access counters in
// memory, persisted to hotness.json on flush, grounded on the teacher's
// pager.GCResult "stats accumulated during a pass" idiom (pager/gc.go)
// but accumulated continuously across queries instead of once per GC
// pass.
type HotnessTracker struct {
	mu     sync.Mutex
	counts [3]map[ID]*atomic.Uint32
	path   string
}

const hotnessFileName = "hotness.json"

// OpenHotnessTracker loads dir/hotness.json if present, else starts
// empty (spec section 4.10).
func OpenHotnessTracker(dir string) (*HotnessTracker, error) {
	h := &HotnessTracker{path: filepath.Join(dir, hotnessFileName)}
	for i := range h.counts {
		h.counts[i] = make(map[ID]*atomic.Uint32)
	}
	b, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, fmt.Errorf("%w: read hotness doc: %v", ErrIO, err)
	}
	var doc HotnessDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		// Hotness is an optimization hint, not durable state; a corrupt
		// file is not fatal, just discarded.
		return h, nil
	}
	for orderStr, m := range doc.Counts {
		o, err := ParseOrdering(orderStr)
		if err != nil {
			continue
		}
		for primary, count := range m {
			c := &atomic.Uint32{}
			c.Store(count)
			h.counts[o][primary] = c
		}
	}
	return h, nil
}

// Touch increments the access counter for (o, primary), called on every
// visible page read resolved during a query.
func (h *HotnessTracker) Touch(o Ordering, primary ID) {
	h.mu.Lock()
	c, ok := h.counts[o][primary]
	if !ok {
		c = &atomic.Uint32{}
		h.counts[o][primary] = c
	}
	h.mu.Unlock()
	c.Add(1)
}

// Count returns the current access count for (o, primary).
func (h *HotnessTracker) Count(o Ordering, primary ID) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.counts[o][primary]
	if !ok {
		return 0
	}
	return c.Load()
}

// Top returns the n primaries with the highest count for ordering o, for
// the `hot` CLI subcommand.
func (h *HotnessTracker) Top(o Ordering, n int) []struct {
	Primary ID
	Count   uint32
} {
	h.mu.Lock()
	defer h.mu.Unlock()
	type pc struct {
		Primary ID
		Count   uint32
	}
	all := make([]pc, 0, len(h.counts[o]))
	for p, c := range h.counts[o] {
		all = append(all, pc{Primary: p, Count: c.Load()})
	}
	// simple selection sort over a small top-n; hotness tables are not
	// expected to be huge relative to query volume
	for i := 0; i < len(all) && i < n; i++ {
		best := i
		for j := i + 1; j < len(all); j++ {
			if all[j].Count > all[best].Count {
				best = j
			}
		}
		all[i], all[best] = all[best], all[i]
	}
	if len(all) > n {
		all = all[:n]
	}
	out := make([]struct {
		Primary ID
		Count   uint32
	}, len(all))
	for i, v := range all {
		out[i] = struct {
			Primary ID
			Count   uint32
		}{Primary: v.Primary, Count: v.Count}
	}
	return out
}

// Flush persists the current counts to hotness.json atomically.
func (h *HotnessTracker) Flush() error {
	h.mu.Lock()
	doc := HotnessDoc{Version: 1, UpdatedAt: time.Now().UnixMilli(), Counts: make(map[string]map[ID]uint32, 3)}
	for i, m := range h.counts {
		o := Ordering(i)
		out := make(map[ID]uint32, len(m))
		for p, c := range m {
			out[p] = c.Load()
		}
		doc.Counts[o.String()] = out
	}
	h.mu.Unlock()

	b, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hotness doc: %w", err)
	}
	if err := atomicfile.WriteFile(h.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("%w: atomic hotness write: %v", ErrIO, err)
	}
	return syncDir(h.path)
}
