// Package config defines the engine's validated, typed option set,
// loaded either through functional options or a YAML file, with struct
// tags driving both encoding/decoding and validation.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"redish/internal/compress"
)

// CacheOptions configures one of the two LRU caches.
type CacheOptions struct {
	Enabled    bool  `yaml:"enabled"`
	MaxEntries int   `yaml:"max_entries" validate:"min=0"`
	MaxBytes   int64 `yaml:"max_bytes" validate:"min=0"`
}

// CompressorOptions selects the SSTable block compressor.
type CompressorOptions struct {
	Kind  string `yaml:"kind" validate:"oneof=none lz4 zstd snappy"`
	Level int    `yaml:"level" validate:"min=0,max=22"`
}

// ResolveKind maps the textual config kind to the internal compress.Kind.
func (c CompressorOptions) ResolveKind() compress.Kind {
	switch c.Kind {
	case "lz4":
		return compress.KindLZ4
	case "zstd":
		return compress.KindZstd
	case "snappy":
		return compress.KindSnappy
	default:
		return compress.KindNone
	}
}

// CompactionOptions controls the background merge policy.
type CompactionOptions struct {
	TriggerCount int           `yaml:"trigger_count" validate:"min=2"`
	MaxIntervalS int           `yaml:"max_interval_seconds" validate:"min=1"`
	PollJitterMS int           `yaml:"poll_jitter_ms" validate:"min=0"`
}

// Options is the full, validated set of engine options.
type Options struct {
	Path            string            `yaml:"path" validate:"required"`
	MemTableMaxSize int               `yaml:"mem_table_max_size" validate:"min=1"`
	WALEnabled      bool              `yaml:"wal_enabled"`
	WALSegmentBytes int64             `yaml:"wal_segment_bytes" validate:"min=1"`
	IndexCache      CacheOptions      `yaml:"index_cache"`
	ValueCache      CacheOptions      `yaml:"value_cache"`
	Compressor      CompressorOptions `yaml:"compressor"`
	BloomFPR        float64           `yaml:"bloom_fpr" validate:"gt=0,lt=1"`
	Compaction      CompactionOptions `yaml:"compaction"`
}

// Default returns a baseline, production-sane configuration rooted at
// path.
func Default(path string) Options {
	return Options{
		Path:            path,
		MemTableMaxSize: 10_000,
		WALEnabled:      true,
		WALSegmentBytes: 64 << 20,
		IndexCache: CacheOptions{
			Enabled:    true,
			MaxEntries: 10_000,
			MaxBytes:   100 << 20,
		},
		ValueCache: CacheOptions{
			Enabled:    true,
			MaxEntries: 200_000,
			MaxBytes:   200 << 20,
		},
		Compressor: CompressorOptions{Kind: "none"},
		BloomFPR:   0.01,
		Compaction: CompactionOptions{
			TriggerCount: 4,
			MaxIntervalS: 300,
			PollJitterMS: 250,
		},
	}
}

var validate = validator.New()

// Validate runs struct-tag validation over o. Called once, at Load.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// LoadYAML reads and validates options from a YAML file, applying
// Default(path) as the base before overlaying the file's contents.
func LoadYAML(configPath, dbPath string) (Options, error) {
	opts := Default(dbPath)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return Options{}, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
