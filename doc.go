// Package nervusdb is an embedded property-graph triple store: a
// write-ahead log, a paged SPO/POS/OSP triple index, MVCC epochs,
// tombstone-based deletion, compaction, orphan-page garbage collection,
// a cross-process reader registry, and a hotness counter. See
// internal/store for the engine itself; this package is the thin,
// string-keyed façade applications use.
package nervusdb
