// Package engine adapts external pattern-matching libraries to the small
// interface the boundary exposes: compile an expression, count its matches.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/grafana/regexp"
)

// ErrMatch wraps a failure inside a match, such as a backtracking engine
// running past its MatchTimeout. No partial count accompanies it.
var ErrMatch = errors.New("match failed")

// Engine compiles pattern expressions.
type Engine interface {
	Name() string
	Compile(expr string) (Pattern, error)
}

// Pattern is a compiled expression. Implementations are safe for concurrent
// use.
type Pattern interface {
	// Count returns the number of successive non-overlapping matches in b.
	Count(b []byte) (int, error)
	String() string
}

const (
	NameRE2     = "re2"
	NameRegexp2 = "regexp2"
)

var engines = map[string]func() Engine{
	NameRE2:     func() Engine { return RE2{} },
	NameRegexp2: func() Engine { return Backtrack{} },
}

// ByName returns the engine registered under name.
func ByName(name string) (Engine, error) {
	newEngine, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (available: %v)", name, Names())
	}
	return newEngine(), nil
}

// Names lists the registered engines.
func Names() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the RE2 engine.
func Default() Engine {
	return RE2{}
}

// RE2 uses grafana/regexp, a faster fork of the standard library's RE2
// implementation. Invalid UTF-8 in targets is matched as U+FFFD.
type RE2 struct{}

func (RE2) Name() string { return NameRE2 }

func (RE2) Compile(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return re2Pattern{re}, nil
}

type re2Pattern struct {
	re *regexp.Regexp
}

func (p re2Pattern) Count(b []byte) (int, error) {
	return len(p.re.FindAllIndex(b, -1)), nil
}

func (p re2Pattern) String() string {
	return p.re.String()
}

// Backtrack uses dlclark/regexp2 for Perl and .NET syntax such as
// lookarounds and backreferences.
type Backtrack struct {
	// MatchTimeout bounds a single match attempt. Zero means no limit.
	MatchTimeout time.Duration
}

func (Backtrack) Name() string { return NameRegexp2 }

func (e Backtrack) Compile(expr string) (Pattern, error) {
	re, err := regexp2.Compile(expr, regexp2.RE2)
	if err != nil {
		return nil, err
	}
	if e.MatchTimeout > 0 {
		re.MatchTimeout = e.MatchTimeout
	}
	return backtrackPattern{re}, nil
}

type backtrackPattern struct {
	re *regexp2.Regexp
}

func (p backtrackPattern) Count(b []byte) (int, error) {
	n := 0
	m, err := p.re.FindStringMatch(string(b))
	for m != nil && err == nil {
		n++
		m, err = p.re.FindNextMatch(m)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMatch, err)
	}
	return n, nil
}

func (p backtrackPattern) String() string {
	return p.re.String()
}
