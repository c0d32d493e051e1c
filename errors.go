// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package waldb

import (
	"errors"
	"fmt"

	"github.com/dreamsxin/waldb/internal/sstable"
	"github.com/dreamsxin/waldb/internal/walog"
)

// Sentinel errors returned by Store operations. Callers should use
// errors.Is/errors.As rather than comparing concrete types directly since
// some of these wrap an underlying cause.
var (
	// ErrPathInvalid is returned when a key fails path-syntax validation:
	// empty components, leading/trailing slash, or an empty key outside of
	// BulkSet's replaceAt=root case.
	ErrPathInvalid = errors.New("waldb: invalid key path")

	// ErrShuttingDown is returned by operations submitted after Close has
	// begun.
	ErrShuttingDown = errors.New("waldb: store is shutting down")

	// ErrVersionMismatch is returned when a segment or manifest file has an
	// unsupported format version.
	ErrVersionMismatch = errors.New("waldb: unsupported on-disk version")

	// ErrOutOfRange is not returned by any Store method: Range treats a
	// reversed bound as an empty result rather than an error.
	ErrOutOfRange = errors.New("waldb: range out of bounds")

	// errNotFound is an internal signal, not user-visible: a point lookup
	// missed in a particular memtable/segment and the caller should consult
	// the next one. It never escapes Store methods.
	errNotFound = errors.New("waldb: not found")
)

// TreeConflictKind enumerates the ways a write can violate the path/tree
// invariant (spec.md invariants 1-2).
type TreeConflictKind int

const (
	// AncestorIsScalar means a strict ancestor of the target key already
	// holds a live (non-tombstoned) value, so the new key cannot be created
	// without force.
	AncestorIsScalar TreeConflictKind = iota
	// DescendantsExist means the target key has live descendants, so it
	// cannot be overwritten with a scalar value without force.
	DescendantsExist
)

func (k TreeConflictKind) String() string {
	switch k {
	case AncestorIsScalar:
		return "ancestor_is_scalar"
	case DescendantsExist:
		return "descendants_exist"
	default:
		return "unknown"
	}
}

// TreeConflictError is returned when a write would violate the parent/child
// invariant over the slash-delimited key namespace without force set.
type TreeConflictError struct {
	Kind TreeConflictKind
	Key  []byte
}

func (e *TreeConflictError) Error() string {
	return "waldb: tree conflict (" + e.Kind.String() + ") at " + string(e.Key)
}

// CorruptionError wraps a checksum or structural failure detected while
// reading a WAL record or segment block. It is terminal for the operation
// (or for Open, if detected during recovery). A manifest edit that fails
// its checksum is reported as *IOError.
type CorruptionError struct {
	Where string // e.g. "wal", "segment", "manifest"
	Err   error
}

func (e *CorruptionError) Error() string {
	return "waldb: corruption in " + e.Where + ": " + e.Err.Error()
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IOError wraps an underlying filesystem failure, preserving the cause for
// errors.Is/errors.As while giving callers a consistent package-level type
// to match on.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return "waldb: io error during " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sstable.ErrCorrupt) || errors.Is(err, walog.ErrCorrupt):
		return &CorruptionError{Where: op, Err: err}
	case errors.Is(err, sstable.ErrVersionMismatch):
		return fmt.Errorf("%w: %s: %w", ErrVersionMismatch, op, err)
	}
	return &IOError{Op: op, Err: err}
}
