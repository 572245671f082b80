package store

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	atomicfile "github.com/natefinch/atomic"
)

// writeRawManifest writes m's JSON encoding verbatim, bypassing the
// checksum recomputation WriteManifest normally performs, so tests can
// simulate an on-disk manifest whose checksum field no longer matches.
func writeRawManifest(dir string, m *Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(filepath.Join(dir, ManifestFileName), bytes.NewReader(b))
}

func TestManifest_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(DefaultPageSize, CodecZstd)
	m.Ordering(SPO).Lookups[5] = []PageOffset{64, 1024}
	m.AddTombstone(TripleKey{1, 2, 3}, 7)

	if err := WriteManifest(dir, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	got, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.Codec != "zstd" {
		t.Errorf("codec = %q, want zstd", got.Codec)
	}
	if len(got.Ordering(SPO).Lookups[5]) != 2 {
		t.Errorf("lookups not preserved: %+v", got.Ordering(SPO).Lookups)
	}
	if !got.HasTombstone(TripleKey{1, 2, 3}) {
		t.Error("tombstone not preserved across round trip")
	}
}

func TestManifest_CorruptChecksumRejected(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(DefaultPageSize, CodecNone)
	if err := WriteManifest(dir, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	// Corrupt the manifest in place by writing a manifest with a mismatched
	// checksum field directly.
	bad := *m
	bad.Checksum = 0xFFFFFFFF
	if err := writeRawManifest(dir, &bad); err != nil {
		t.Fatalf("writeRawManifest: %v", err)
	}

	if _, err := ReadManifest(dir); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestManifest_CloneIsIndependent(t *testing.T) {
	m := NewManifest(DefaultPageSize, CodecNone)
	m.Ordering(SPO).Lookups[1] = []PageOffset{64}
	clone := m.Clone()
	clone.Ordering(SPO).Lookups[1] = append(clone.Ordering(SPO).Lookups[1], 128)
	if len(m.Ordering(SPO).Lookups[1]) != 1 {
		t.Fatalf("mutating clone affected original: %+v", m.Ordering(SPO).Lookups[1])
	}
}
