package store

import (
	"path/filepath"
	"testing"
)

func TestDictionary_ToIDIsStableAndRoundTrips(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDictionary(filepath.Join(dir, "dictionary.log"))
	if err != nil {
		t.Fatalf("OpenDictionary: %v", err)
	}
	defer d.Close()

	id1, err := d.ToID("Alice")
	if err != nil {
		t.Fatalf("ToID: %v", err)
	}
	id2, err := d.ToID("Alice")
	if err != nil {
		t.Fatalf("ToID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ToID not stable: %d != %d", id1, id2)
	}

	got, err := d.FromID(id1)
	if err != nil {
		t.Fatalf("FromID: %v", err)
	}
	if got != "Alice" {
		t.Fatalf("FromID = %q, want Alice", got)
	}
}

func TestDictionary_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dictionary.log")
	d, err := OpenDictionary(path)
	if err != nil {
		t.Fatalf("OpenDictionary: %v", err)
	}
	id, err := d.ToID("Bob")
	if err != nil {
		t.Fatalf("ToID: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := OpenDictionary(path)
	if err != nil {
		t.Fatalf("reopen OpenDictionary: %v", err)
	}
	defer d2.Close()
	got, err := d2.FromID(id)
	if err != nil {
		t.Fatalf("FromID after reopen: %v", err)
	}
	if got != "Bob" {
		t.Fatalf("FromID after reopen = %q, want Bob", got)
	}
	if again, err := d2.ToID("Bob"); err != nil || again != id {
		t.Fatalf("ToID after reopen = %d, %v, want %d, nil", again, err, id)
	}
}

func TestDictionary_UnknownIDIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDictionary(filepath.Join(dir, "dictionary.log"))
	if err != nil {
		t.Fatalf("OpenDictionary: %v", err)
	}
	defer d.Close()

	if _, err := d.FromID(999); err == nil {
		t.Fatal("expected error for unknown id")
	}
}
