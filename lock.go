// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package waldb

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Open when another process already holds the
// directory's LOCK file (spec.md §6: "exclusive file lock preventing
// multi-process open").
var ErrLocked = &IOError{Op: "lock", Err: unix.EWOULDBLOCK}

// acquireLock opens (creating if needed) dir/LOCK and takes a non-blocking
// exclusive flock on it, released by closing the returned file. A second
// Open against the same directory, in this process or another, must fail
// fast rather than block or silently share the directory.
func acquireLock(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapIO("lock", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, wrapIO("lock", err)
	}
	return f, nil
}

// releaseLock drops the flock and closes the LOCK file. Unlike the
// underlying segment/WAL files, LOCK itself is never removed: its presence
// is meaningless without a held lock, and leaving it in place avoids a
// create/unlink race against a concurrent Open.
func releaseLock(f *os.File) error {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
