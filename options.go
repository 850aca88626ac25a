package redish

import "redish/internal/config"

// Option mutates the engine's configuration before Load opens it. This
// replaces a fluent builder type with the functional-options idiom; the
// builder pattern itself is the piece left out, not configurability.
type Option func(*config.Options)

// WithMemTableMaxSize sets the entry-count cap before the active
// memtable freezes.
func WithMemTableMaxSize(n int) Option {
	return func(o *config.Options) { o.MemTableMaxSize = n }
}

// WithWAL toggles WAL durability. Disabling it trades crash durability
// for write throughput.
func WithWAL(enabled bool) Option {
	return func(o *config.Options) { o.WALEnabled = enabled }
}

// WithWALSegmentBytes sets the byte threshold that triggers WAL segment
// rotation.
func WithWALSegmentBytes(n int64) Option {
	return func(o *config.Options) { o.WALSegmentBytes = n }
}

// WithIndexCache configures the decoded-index cache. Its entries are
// opaque decoded index structures rather than byte slices, so the
// effective bound is maxEntries; maxBytes is carried for parity with
// the config file shape but the cache does not size-estimate them.
func WithIndexCache(enabled bool, maxEntries int, maxBytes int64) Option {
	return func(o *config.Options) {
		o.IndexCache = config.CacheOptions{Enabled: enabled, MaxEntries: maxEntries, MaxBytes: maxBytes}
	}
}

// WithValueCache configures the hot-value cache.
func WithValueCache(enabled bool, maxEntries int, maxBytes int64) Option {
	return func(o *config.Options) {
		o.ValueCache = config.CacheOptions{Enabled: enabled, MaxEntries: maxEntries, MaxBytes: maxBytes}
	}
}

// WithCompressor selects the SSTable block compressor: "none", "lz4",
// "zstd", or "snappy".
func WithCompressor(kind string, level int) Option {
	return func(o *config.Options) { o.Compressor = config.CompressorOptions{Kind: kind, Level: level} }
}

// WithBloomFPR sets the target bloom filter false-positive rate.
func WithBloomFPR(fpr float64) Option {
	return func(o *config.Options) { o.BloomFPR = fpr }
}

// WithCompaction configures the background compactor's trigger policy.
func WithCompaction(triggerCount, maxIntervalSeconds, pollJitterMS int) Option {
	return func(o *config.Options) {
		o.Compaction = config.CompactionOptions{
			TriggerCount: triggerCount,
			MaxIntervalS: maxIntervalSeconds,
			PollJitterMS: pollJitterMS,
		}
	}
}
