package tiercache

import (
	"log/slog"
	"time"

	"github.com/hupe1980/tiercache/codec"
	"github.com/hupe1980/tiercache/internal/segment"
)

type options struct {
	segments         int
	tableSize        int
	ttl              time.Duration
	tti              time.Duration
	clock            func() time.Time
	dir              string
	space            string
	ioLimit          int64
	compression      codec.Compression
	keyCodec         any
	valueCodec       any
	veto             any
	listener         any
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures New.
type Option func(*options)

// WithSegments sets the number of segments per tier. Entries are routed by
// a hash of their encoded key, so a persistent store must be reopened with
// the same count. Defaults to 16.
func WithSegments(n int) Option {
	return func(o *options) {
		o.segments = n
	}
}

// WithTableSize sets the initial slot count of every segment.
func WithTableSize(n int) Option {
	return func(o *options) {
		o.tableSize = n
	}
}

// WithExpiry expires entries ttl after creation or tti after their last
// access, whichever comes first. Zero disables a limit.
func WithExpiry(ttl, tti time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
		o.tti = tti
	}
}

// WithTimeSource replaces the wall clock used for entry timestamps and
// expiry.
func WithTimeSource(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithPersistence places disk tier files in dir/space. A disk pool requires
// it. Persistent disk pools reopen the files found there.
//
// Example:
//
//	pools, _ := resource.NewPools(resource.Heap(1000, resource.Entries), resource.Disk(64*resource.MB, true))
//	store, _ := tiercache.New[string, []byte](pools, tiercache.WithPersistence("./data", "sessions"))
func WithPersistence(dir, space string) Option {
	return func(o *options) {
		o.dir = dir
		o.space = space
	}
}

// WithIOLimit throttles disk flushes to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithCompression compresses values stored off-heap and on disk.
func WithCompression(c codec.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithKeyCodec overrides the key codec. K must match the store's key type.
func WithKeyCodec[K any](c codec.Codec[K]) Option {
	return func(o *options) {
		o.keyCodec = c
	}
}

// WithValueCodec overrides the value codec. V must match the store's value
// type.
func WithValueCodec[V any](c codec.Codec[V]) Option {
	return func(o *options) {
		o.valueCodec = c
	}
}

// WithEvictionVeto protects entries for which veto returns true from
// eviction. The predicate is evaluated on every put.
func WithEvictionVeto[K comparable, V any](veto func(K, V) bool) Option {
	return func(o *options) {
		o.veto = veto
	}
}

// WithEvictionListener is notified of every entry evicted from the store.
// It runs after the segment lock is released and may call back into the
// store.
func WithEvictionListener[K comparable, V any](fn func(K, *ValueHolder[V])) Option {
	return func(o *options) {
		o.listener = fn
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &tiercache.BasicMetricsCollector{}
//	store, _ := tiercache.New[string, string](pools, tiercache.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
//	fmt.Printf("Gets: %d, Hits: %d\n", stats.GetCount, stats.GetHits)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := tiercache.NewJSONLogger(slog.LevelInfo)
//	store, _ := tiercache.New[string, string](pools, tiercache.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		segments:         segment.DefaultSegments,
		tableSize:        segment.DefaultTableSize,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
