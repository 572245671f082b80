package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LuQing-Studio/nervusdb-sub001/internal/store"
)

// fileConfig is the shape of an optional YAML config file passed via
// --config. Any field left unset keeps the store's built-in default.
type fileConfig struct {
	PageSize       int    `yaml:"pageSize"`
	Codec          string `yaml:"codec"`
	LockTimeout    string `yaml:"lockTimeout"`
	StaleReaderTTL string `yaml:"staleReaderTTL"`
	Compaction     struct {
		HotWeight        float64 `yaml:"hotWeight"`
		PagesWeight      float64 `yaml:"pagesWeight"`
		TombstonesWeight float64 `yaml:"tombstonesWeight"`
	} `yaml:"compaction"`
}

// loadConfig reads a YAML config file, if path is non-empty, and turns it
// into store.Options plus the compaction weights a caller may want to
// apply separately. An empty path is not an error: it just means "use
// defaults".
func loadConfig(path string) (store.Options, store.CompactionWeights, error) {
	weights := store.DefaultCompactionWeights
	if path == "" {
		return store.Options{}, weights, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return store.Options{}, weights, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return store.Options{}, weights, fmt.Errorf("parse config %s: %w", path, err)
	}

	var opts store.Options
	opts.PageSize = fc.PageSize
	if fc.Codec != "" {
		codec, err := store.ParseCodec(fc.Codec)
		if err != nil {
			return store.Options{}, weights, fmt.Errorf("config %s: %w", path, err)
		}
		opts.Codec = codec
	}
	if fc.LockTimeout != "" {
		d, err := time.ParseDuration(fc.LockTimeout)
		if err != nil {
			return store.Options{}, weights, fmt.Errorf("config %s: lockTimeout: %w", path, err)
		}
		opts.LockTimeout = d
	}
	if fc.StaleReaderTTL != "" {
		d, err := time.ParseDuration(fc.StaleReaderTTL)
		if err != nil {
			return store.Options{}, weights, fmt.Errorf("config %s: staleReaderTTL: %w", path, err)
		}
		opts.StaleReaderTTL = d
	}
	if fc.Compaction.HotWeight != 0 {
		weights.Hot = fc.Compaction.HotWeight
	}
	if fc.Compaction.PagesWeight != 0 {
		weights.Pages = fc.Compaction.PagesWeight
	}
	if fc.Compaction.TombstonesWeight != 0 {
		weights.Tombstones = fc.Compaction.TombstonesWeight
	}
	return opts, weights, nil
}
