package host

import (
	"time"

	"github.com/go-kit/log"
)

// RuntimeOption configures a Runtime at creation time.
type RuntimeOption func(*runtimeConfig)

type runtimeConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []Guest
	memoryLimitPages uint32 // 0 = wazero default (65536 pages = 4GB)
	logger           log.Logger
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		logger: log.NewNopLogger(),
	}
}

// WithDiskCache enables a persistent compilation cache for faster CLI
// startup. Optionally provide a directory; otherwise ~/.cache/handoff or
// XDG_CACHE_HOME/handoff is used.
func WithDiskCache(dir ...string) RuntimeOption {
	return func(c *runtimeConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles guests when the Runtime is created rather than
// on first load.
func WithPrecompile(guests ...Guest) RuntimeOption {
	return func(c *runtimeConfig) {
		c.precompile = guests
	}
}

// WithMemoryLimit caps every module's linear memory at pages 64 KiB pages.
// Native instances see the cap as a refused allocation.
func WithMemoryLimit(pages uint32) RuntimeOption {
	return func(c *runtimeConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limits in pages.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

// WithLogger sets the logger for module lifecycle events. Native instances
// inherit it.
func WithLogger(l log.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Option configures a Library.
type Option func(*libraryConfig)

type libraryConfig struct {
	timeout time.Duration
	logger  log.Logger
	metrics *Metrics
}

func defaultLibraryConfig() libraryConfig {
	return libraryConfig{
		logger: log.NewNopLogger(),
	}
}

// WithTimeout bounds every call into the callee. A guest still running when
// the deadline passes is closed and unusable afterwards.
func WithTimeout(d time.Duration) Option {
	return func(c *libraryConfig) {
		c.timeout = d
	}
}

// WithLibraryLogger sets the logger for failed calls.
func WithLibraryLogger(l log.Logger) Option {
	return func(c *libraryConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records every call in m.
func WithMetrics(m *Metrics) Option {
	return func(c *libraryConfig) {
		c.metrics = m
	}
}
