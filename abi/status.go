package abi

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/handoff/buffer"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/handle"
	"github.com/caffeineduck/handoff/memory"
)

// ErrInvalidPattern is returned when the engine rejects an expression.
var ErrInvalidPattern = errors.New("invalid pattern")

// Status is the result code every fallible export returns. Results travel
// through out-pointers; the status says whether they were written.
type Status int32

const (
	StatusOK Status = iota
	StatusInvalidUTF8
	StatusInvalidPattern
	StatusOutOfMemory
	StatusInvalidHandle
	StatusStaleHandle
	StatusInvalidPointer
	StatusSizeMismatch
	StatusOutOfBounds
	StatusInteriorNUL
	StatusTableFull
	StatusInternal
	StatusMatchFailed
)

var statusErrors = map[Status]error{
	StatusInvalidUTF8:    buffer.ErrInvalidUTF8,
	StatusInvalidPattern: ErrInvalidPattern,
	StatusOutOfMemory:    memory.ErrOutOfMemory,
	StatusInvalidHandle:  handle.ErrInvalid,
	StatusStaleHandle:    handle.ErrStale,
	StatusInvalidPointer: memory.ErrInvalidPointer,
	StatusSizeMismatch:   memory.ErrSizeMismatch,
	StatusOutOfBounds:    buffer.ErrOutOfBounds,
	StatusInteriorNUL:    buffer.ErrInteriorNUL,
	StatusTableFull:      handle.ErrFull,
	StatusMatchFailed:    engine.ErrMatch,
}

var statusNames = map[Status]string{
	StatusOK:             "ok",
	StatusInvalidUTF8:    "invalid_utf8",
	StatusInvalidPattern: "invalid_pattern",
	StatusOutOfMemory:    "out_of_memory",
	StatusInvalidHandle:  "invalid_handle",
	StatusStaleHandle:    "stale_handle",
	StatusInvalidPointer: "invalid_pointer",
	StatusSizeMismatch:   "size_mismatch",
	StatusOutOfBounds:    "out_of_bounds",
	StatusInteriorNUL:    "interior_nul",
	StatusTableFull:      "table_full",
	StatusInternal:       "internal",
	StatusMatchFailed:    "match_failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Err returns the error a status stands for, or nil for StatusOK.
// The result matches the package sentinels with errors.Is.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	if err, ok := statusErrors[s]; ok {
		return err
	}
	return fmt.Errorf("callee failed with %v", s)
}

// StatusOf maps an error to the status reported across the boundary.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for status, target := range statusErrors {
		if errors.Is(err, target) {
			return status
		}
	}
	return StatusInternal
}
