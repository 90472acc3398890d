// Package config reads the environment-driven knobs that tune the engine
// at process start, in the same closures-over-os.Getenv shape the teacher
// codebase uses for its runtime configuration. Device-visibility and GPU
// knobs are dropped: this engine is CPU-only by design (spec.md Non-goals).
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Bool returns a closure that reads a boolean environment variable.
// Accepted truthy values: "1", "t", "true", "yes", "on" (case-insensitive).
func Bool(key string) func() bool {
	return func() bool {
		v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
		switch v {
		case "1", "t", "true", "yes", "on":
			return true
		default:
			return false
		}
	}
}

// String returns a closure reading a string environment variable with a
// default fallback when unset or blank.
func String(key, def string) func() string {
	return func() string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
}

// Uint returns a closure reading a non-negative integer environment
// variable, falling back to def on absence or parse failure.
func Uint(key string, def uint64) func() uint64 {
	return func() uint64 {
		s := strings.TrimSpace(os.Getenv(key))
		if s == "" {
			return def
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Warn("config: invalid value, using default", "key", key, "value", s, "default", def)
			return def
		}
		return n
	}
}

// Scheduler/engine knobs (spec.md section 4.5, section 5).
var (
	// MaxBatchSize bounds how many compatible requests the scheduler folds
	// into a single Forming batch.
	MaxBatchSize = Uint("TINYFORGE_MAX_BATCH_SIZE", 8)

	// MaxBatchWaitMillis bounds how long the head-of-queue request may wait
	// before a partial batch is released early.
	MaxBatchWaitMillis = Uint("TINYFORGE_MAX_BATCH_WAIT_MS", 25)

	// MaxTotalQueuedRequests bounds total admitted-but-undispatched requests.
	MaxTotalQueuedRequests = Uint("TINYFORGE_MAX_QUEUE", 512)

	// NumThreads bounds CPU parallelism for kernels and the engine's
	// non-batched semaphore. Zero means "use runtime.NumCPU()".
	NumThreads = Uint("TINYFORGE_NUM_THREADS", 0)

	// FullBatchedDecode toggles the (currently rejected) full-batching
	// regime; see SPEC_FULL.md Open Question resolutions.
	FullBatchedDecode = Bool("TINYFORGE_FULL_BATCHED_DECODE")
)

// KV cache knobs (spec.md section 4.4).
var (
	// KVCacheQuant selects the KV cache storage precision: "f32", "f16", "i8".
	KVCacheQuant = String("TINYFORGE_KV_CACHE_TYPE", "f32")

	// MaxBytesPerSession bounds a single session's reserved cache bytes.
	MaxBytesPerSession = Uint("TINYFORGE_KV_MAX_BYTES_PER_SESSION", 256<<20)

	// MaxBytesTotal bounds the KvCacheStore's aggregate reservation.
	MaxBytesTotal = Uint("TINYFORGE_KV_MAX_BYTES_TOTAL", 4<<30)

	// MaxSessions bounds the KvCacheStore's session count.
	MaxSessions = Uint("TINYFORGE_KV_MAX_SESSIONS", 256)

	// PrefixSharingEnabled toggles content-addressed prompt prefix reuse.
	PrefixSharingEnabled = Bool("TINYFORGE_KV_PREFIX_SHARING")

	// HibernationSlots bounds the size of the compressed cold-session ring
	// (SPEC_FULL.md section 5, "Cache hibernation"). Zero disables it.
	HibernationSlots = Uint("TINYFORGE_KV_HIBERNATION_SLOTS", 0)
)

// LogLevel parses TINYFORGE_LOG_LEVEL ("debug", "info", "warn", "error") into
// a slog.Level, defaulting to Info.
func LogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("TINYFORGE_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
