package sstable

import "errors"

// errCorrupt and errVersionMismatch are package-local sentinels; callers in
// the waldb root package wrap them into the public CorruptionError /
// ErrVersionMismatch types so internal packages stay independent of the
// root package's error taxonomy.
var (
	errCorrupt         = errors.New("sstable: checksum mismatch")
	errVersionMismatch = errors.New("sstable: unsupported format version")
)

// ErrCorrupt is the exported form of errCorrupt for callers outside this
// package that need errors.Is without importing the root waldb package.
var ErrCorrupt = errCorrupt

// ErrVersionMismatch is the exported form of errVersionMismatch.
var ErrVersionMismatch = errVersionMismatch

// ErrNotFound signals a point lookup miss within a single segment; it is
// not an error condition for the caller, just "keep looking in the next
// level" (spec §4.4 point_get returns Option<...>).
var ErrNotFound = errors.New("sstable: key not found")
