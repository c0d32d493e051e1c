package walog

import "errors"

var (
	// errShortBuffer means fewer bytes are available than a complete
	// frame needs. At the physical end of the last segment this is a
	// torn tail (spec §4.2 "stop at first invalid frame"), not
	// corruption; everywhere else the caller turns it into ErrCorrupt.
	errShortBuffer = errors.New("walog: short frame")

	ErrCorrupt = errors.New("walog: checksum mismatch")
	ErrClosed  = errors.New("walog: closed")
)
