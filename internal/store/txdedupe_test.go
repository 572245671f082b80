package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTxDedupeRegistry_ObserveAndKnown(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenTxDedupeRegistry(dir, 0)
	if err != nil {
		t.Fatalf("OpenTxDedupeRegistry: %v", err)
	}
	if r.Known("tx-1") {
		t.Fatal("tx-1 should not be known before Observe")
	}
	r.Observe("tx-1", "session-a")
	if !r.Known("tx-1") {
		t.Fatal("tx-1 should be known after Observe")
	}
	entries := r.Entries()
	if len(entries) != 1 || entries[0].TxID != "tx-1" || entries[0].SessionID != "session-a" {
		t.Fatalf("Entries() = %+v, want one {tx-1 session-a}", entries)
	}
}

func TestTxDedupeRegistry_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenTxDedupeRegistry(dir, 0)
	if err != nil {
		t.Fatalf("OpenTxDedupeRegistry: %v", err)
	}
	r.Observe("tx-1", "session-a")
	r.Observe("tx-2", "session-b")
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r2, err := OpenTxDedupeRegistry(dir, 0)
	if err != nil {
		t.Fatalf("reopen OpenTxDedupeRegistry: %v", err)
	}
	if !r2.Known("tx-1") || !r2.Known("tx-2") {
		t.Fatalf("reopened registry forgot observed ids: %+v", r2.Entries())
	}
	if r2.Known("tx-3") {
		t.Fatal("tx-3 was never observed")
	}
}

func TestTxDedupeRegistry_EvictsOldestPastMax(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenTxDedupeRegistry(dir, 2)
	if err != nil {
		t.Fatalf("OpenTxDedupeRegistry: %v", err)
	}
	r.Observe("tx-1", "s")
	r.Observe("tx-2", "s")
	r.Observe("tx-3", "s")

	if r.Known("tx-1") {
		t.Fatal("tx-1 should have been evicted once the cap of 2 was exceeded")
	}
	if !r.Known("tx-2") || !r.Known("tx-3") {
		t.Fatal("tx-2 and tx-3 should still be known")
	}
	if got := len(r.Entries()); got != 2 {
		t.Fatalf("Entries() length = %d, want 2", got)
	}
}

func TestTxDedupeRegistry_MissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenTxDedupeRegistry(dir, 0)
	if err != nil {
		t.Fatalf("OpenTxDedupeRegistry on fresh dir: %v", err)
	}
	if len(r.Entries()) != 0 {
		t.Fatalf("fresh registry should start empty, got %+v", r.Entries())
	}
}

func TestTxDedupeRegistry_CorruptFileIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, txDedupeFileName)
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt registry file: %v", err)
	}
	r, err := OpenTxDedupeRegistry(dir, 0)
	if err != nil {
		t.Fatalf("OpenTxDedupeRegistry on corrupt file should not error: %v", err)
	}
	if len(r.Entries()) != 0 {
		t.Fatalf("corrupt registry should start empty, got %+v", r.Entries())
	}
}
