package store

import "sync"

// stagingOp records a pending mutation against one triple key.
type stagingOp struct {
	triple  Triple
	deleted bool
}

// Staging is the single-writer in-memory buffer of pending inserts and
// deletes since the last flush, generalizing the teacher's
// PageBufferPool dirty-page tracking (pager/pager.go) from physical
// pages to logical triple operations. Readers merge Staging's contents
// with paged segments under the tombstone set (see query.go).
type Staging struct {
	mu   sync.RWMutex
	ops  map[TripleKey]stagingOp
	// nodeProps/edgeProps buffer not-yet-flushed property writes so a
	// query issued before the next flush still observes them.
	nodeProps map[ID][]byte
	edgeProps map[TripleKey][]byte
}

// NewStaging returns an empty staging buffer.
func NewStaging() *Staging {
	return &Staging{
		ops:       make(map[TripleKey]stagingOp),
		nodeProps: make(map[ID][]byte),
		edgeProps: make(map[TripleKey][]byte),
	}
}

// Add records a pending insert of t.
func (s *Staging) Add(t Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[t.Key()] = stagingOp{triple: t, deleted: false}
}

// Delete records a pending tombstone of t.
func (s *Staging) Delete(t Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[t.Key()] = stagingOp{triple: t, deleted: true}
}

// SetNodeProps buffers a pending node-property write.
func (s *Staging) SetNodeProps(node ID, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeProps[node] = blob
}

// SetEdgeProps buffers a pending edge-property write.
func (s *Staging) SetEdgeProps(t Triple, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edgeProps[t.Key()] = blob
}

// Size returns the number of pending triple operations.
func (s *Staging) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

// Snapshot returns a stable copy of all pending ops, for flush or query
// merge, without holding the lock during the caller's iteration.
func (s *Staging) Snapshot() []stagingOp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stagingOp, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	return out
}

// SnapshotProps returns stable copies of the pending property buffers.
func (s *Staging) SnapshotProps() (nodes map[ID][]byte, edges map[TripleKey][]byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes = make(map[ID][]byte, len(s.nodeProps))
	for k, v := range s.nodeProps {
		nodes[k] = v
	}
	edges = make(map[TripleKey][]byte, len(s.edgeProps))
	for k, v := range s.edgeProps {
		edges[k] = v
	}
	return nodes, edges
}

// Clear empties the buffer, called atomically with a successful flush.
func (s *Staging) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make(map[TripleKey]stagingOp)
	s.nodeProps = make(map[ID][]byte)
	s.edgeProps = make(map[TripleKey][]byte)
}

// Lookup returns the pending op for key, if any.
func (s *Staging) Lookup(key TripleKey) (stagingOp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[key]
	return op, ok
}
