package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	atomicfile "github.com/natefinch/atomic"
)

// DefaultMaxRememberTxIds caps how many transaction ids the persistent
// dedup registry remembers before evicting the oldest, per spec section
// 4.2's `maxRememberTxIds` open option.
const DefaultMaxRememberTxIds = 10000

const txDedupeFileName = "txids.json"

// TxIDEntry is one remembered transaction, the unit the `txids` CLI
// subcommand (spec section 6) inspects.
type TxIDEntry struct {
	TxID      string `json:"txId"`
	SessionID string `json:"sessionId"`
}

// txDedupeDoc is the on-disk form persisted to txids.json.
type txDedupeDoc struct {
	Version   int         `json:"version"`
	UpdatedAt int64       `json:"updatedAt"`
	TxIDs     []TxIDEntry `json:"txIds"`
}

// TxDedupeRegistry remembers committed transaction ids across flushes, so
// a BEGIN carrying a previously-seen txId is skipped in its entirety on
// WAL replay instead of being re-applied — spec section 4.2's persistent
// transaction-id dedup registry. Grounded on hotness.go's shape: an
// in-memory structure persisted atomically to a small JSON file in the
// database directory, reloaded at Open and non-fatal to corrupt (it is a
// safety net, not the source of truth for committed data).
type TxDedupeRegistry struct {
	mu    sync.Mutex
	path  string
	max   int
	order []string // txID insertion order, oldest first, for FIFO eviction
	known map[string]TxIDEntry
}

// OpenTxDedupeRegistry loads dir/txids.json if present, else starts
// empty.
func OpenTxDedupeRegistry(dir string, max int) (*TxDedupeRegistry, error) {
	if max <= 0 {
		max = DefaultMaxRememberTxIds
	}
	r := &TxDedupeRegistry{
		path:  filepath.Join(dir, txDedupeFileName),
		max:   max,
		known: make(map[string]TxIDEntry),
	}
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("%w: read txid registry: %v", ErrIO, err)
	}
	var doc txDedupeDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		// Like hotness.json, a corrupt registry is a missed optimization,
		// not a correctness failure: worst case is re-applying an already
		// committed transaction's events onto staging, which is an
		// idempotent no-op for inserts/deletes keyed by triple.
		return r, nil
	}
	for _, e := range doc.TxIDs {
		if _, dup := r.known[e.TxID]; dup {
			continue
		}
		r.order = append(r.order, e.TxID)
		r.known[e.TxID] = e
	}
	return r, nil
}

// Known reports whether txID has already been observed and recorded.
func (r *TxDedupeRegistry) Known(txID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[txID]
	return ok
}

// Observe records txID as seen, evicting the oldest remembered id once
// max is exceeded.
func (r *TxDedupeRegistry) Observe(txID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.known[txID]; dup {
		return
	}
	r.order = append(r.order, txID)
	r.known[txID] = TxIDEntry{TxID: txID, SessionID: sessionID}
	for len(r.order) > r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.known, oldest)
	}
}

// Entries returns every remembered transaction, oldest first, for the
// `txids` CLI subcommand.
func (r *TxDedupeRegistry) Entries() []TxIDEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TxIDEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.known[id])
	}
	return out
}

// Flush persists the registry to txids.json atomically.
func (r *TxDedupeRegistry) Flush() error {
	r.mu.Lock()
	doc := txDedupeDoc{Version: 1, UpdatedAt: time.Now().UnixMilli(), TxIDs: make([]TxIDEntry, 0, len(r.order))}
	for _, id := range r.order {
		doc.TxIDs = append(doc.TxIDs, r.known[id])
	}
	r.mu.Unlock()

	b, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal txid registry: %w", err)
	}
	if err := atomicfile.WriteFile(r.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("%w: atomic txid registry write: %v", ErrIO, err)
	}
	return syncDir(r.path)
}
