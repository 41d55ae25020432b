package abi

import (
	"github.com/go-kit/log"

	"github.com/caffeineduck/handoff/buffer"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/memory"
)

// DefaultPrefix is what prepend puts in front of its input.
const DefaultPrefix = "From Go: "

// Option configures an Instance.
type Option func(*config)

type config struct {
	engine       engine.Engine
	prefix       string
	targetPolicy buffer.Policy
	base         uint32
	logger       log.Logger
}

func defaultConfig() config {
	return config{
		engine:       engine.Default(),
		prefix:       DefaultPrefix,
		targetPolicy: buffer.Unchecked,
		base:         memory.DefaultBase,
		logger:       log.NewNopLogger(),
	}
}

// WithEngine selects the pattern engine.
func WithEngine(e engine.Engine) Option {
	return func(c *config) {
		if e != nil {
			c.engine = e
		}
	}
}

// WithPrefix sets the text prepend puts in front of its input.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithTargetPolicy sets UTF-8 validation for match_count targets. The
// default is buffer.Unchecked: targets are usually large and prepared once,
// and the engines tolerate invalid UTF-8.
func WithTargetPolicy(p buffer.Policy) Option {
	return func(c *config) {
		c.targetPolicy = p
	}
}

// WithHeapBase makes the allocator start at offset, leaving lower memory to
// whoever else owns it (a guest's data segment, for instance).
func WithHeapBase(offset uint32) Option {
	return func(c *config) {
		c.base = offset
	}
}

// WithLogger sets the logger for rejected calls.
func WithLogger(l log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
