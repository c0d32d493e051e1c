// Package pathkey implements the slash-delimited path syntax rules shared
// by every write path in the engine: no empty components, no leading or
// trailing slash, and helpers for computing ancestor/descendant key ranges
// used to enforce the tree invariant (spec §4.1).
package pathkey

import (
	"bytes"
	"errors"
)

// ErrEmptyComponent is returned by Validate when a key contains "//" or a
// leading/trailing slash.
var ErrEmptyComponent = errors.New("pathkey: empty path component")

// ErrEmptyKey is returned by Validate when the key is empty and the caller
// did not allow the root case.
var ErrEmptyKey = errors.New("pathkey: empty key")

// Separator is the single path-component delimiter.
const Separator = '/'

// Validate checks key syntax. The empty key is only valid when
// allowEmptyRoot is true (BulkSet targeting the conceptual root).
func Validate(key []byte, allowEmptyRoot bool) error {
	if len(key) == 0 {
		if allowEmptyRoot {
			return nil
		}
		return ErrEmptyKey
	}
	if key[0] == Separator || key[len(key)-1] == Separator {
		return ErrEmptyComponent
	}
	prevSep := true // pretend there was a separator just before index 0
	for _, b := range key {
		if b == Separator {
			if prevSep {
				return ErrEmptyComponent
			}
			prevSep = true
		} else {
			prevSep = false
		}
	}
	return nil
}

// Components splits a validated key into its slash-delimited parts.
func Components(key []byte) [][]byte {
	if len(key) == 0 {
		return nil
	}
	return bytes.Split(key, []byte{Separator})
}

// Ancestors returns every strict ancestor path of key, from shallowest to
// deepest, e.g. for "a/b/c" it returns ["a", "a/b"].
func Ancestors(key []byte) [][]byte {
	parts := Components(key)
	if len(parts) <= 1 {
		return nil
	}
	out := make([][]byte, 0, len(parts)-1)
	acc := append([]byte(nil), parts[0]...)
	for i := 1; i < len(parts); i++ {
		out = append(out, append([]byte(nil), acc...))
		acc = append(acc, Separator)
		acc = append(acc, parts[i]...)
	}
	return out
}

// IsStrictAncestor reports whether ancestor is a strict ancestor path of key
// (ancestor != key, and key starts with ancestor + "/").
func IsStrictAncestor(ancestor, key []byte) bool {
	if len(ancestor) == 0 || len(ancestor) >= len(key) {
		return false
	}
	if !bytes.HasPrefix(key, ancestor) {
		return false
	}
	return key[len(ancestor)] == Separator
}

// SubtreeRange returns the [start, end) range that covers every descendant
// of key and excludes key itself: start is key+"/". end is computed by
// incrementing the last non-0xFF byte of start, the same technique used for
// prefix scans elsewhere. Because start always ends in Separator, which is
// well below 0xFF, this increments that trailing byte and never has to
// widen the bound to account for 0xFF runs inside key itself. A fixed-width
// synthetic pad, like appending a fixed count of 0xFF bytes, would instead
// fall short for a descendant whose first path component runs long on 0xFF.
func SubtreeRange(key []byte) (start, end []byte) {
	start = make([]byte, 0, len(key)+1)
	start = append(start, key...)
	start = append(start, Separator)
	return start, incrementBytes(start)
}

// incrementBytes returns the smallest byte string greater than every string
// with prefix b, or nil (unbounded) if b is empty or entirely 0xFF.
func incrementBytes(b []byte) []byte {
	end := append([]byte(nil), b...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// DescendantRangeEnd returns just the end bound of SubtreeRange, for callers
// that already have the start bound (key+"/") in hand.
func DescendantRangeEnd(key []byte) []byte {
	_, end := SubtreeRange(key)
	return end
}
