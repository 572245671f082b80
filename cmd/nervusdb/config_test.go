package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LuQing-Studio/nervusdb-sub001/internal/store"
)

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	opts, weights, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if opts.PageSize != 0 || opts.Codec != 0 {
		t.Fatalf("expected zero-value options, got %+v", opts)
	}
	if weights != store.DefaultCompactionWeights {
		t.Fatalf("weights = %+v, want defaults", weights)
	}
}

func TestLoadConfig_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nervusdb.yaml")
	contents := `
pageSize: 8192
codec: zstd
lockTimeout: 2s
staleReaderTTL: 30m
compaction:
  hotWeight: 2.5
  pagesWeight: 1.0
  tombstonesWeight: 3.0
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, weights, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if opts.PageSize != 8192 {
		t.Errorf("PageSize = %d, want 8192", opts.PageSize)
	}
	if opts.Codec != store.CodecZstd {
		t.Errorf("Codec = %v, want CodecZstd", opts.Codec)
	}
	if opts.LockTimeout != 2*time.Second {
		t.Errorf("LockTimeout = %v, want 2s", opts.LockTimeout)
	}
	if opts.StaleReaderTTL != 30*time.Minute {
		t.Errorf("StaleReaderTTL = %v, want 30m", opts.StaleReaderTTL)
	}
	if weights.Hot != 2.5 || weights.Pages != 1.0 || weights.Tombstones != 3.0 {
		t.Errorf("weights = %+v, want {2.5 1.0 3.0}", weights)
	}
}

func TestLoadConfig_UnknownCodecErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nervusdb.yaml")
	if err := os.WriteFile(path, []byte("codec: lz4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := loadConfig(path); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
