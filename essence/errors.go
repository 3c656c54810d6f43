package essence

import "errors"

// The error kinds the reader distinguishes. Callers match with
// errors.Is; errors from the reader's own checks wrap exactly one of
// these, while I/O and KLV errors from the underlying klv.File are
// returned as they are, without one of these kinds.
var (
	// ErrNotFound marks an essence offset or file position not
	// covered by any chunk, or an edit unit missing from the index.
	ErrNotFound = errors.New("not found in essence container")

	// ErrStartKeyMismatch marks a content package starting with a
	// different key than the first one seen.
	ErrStartKeyMismatch = errors.New("content package start key mismatch")

	// ErrIndexMismatch marks a content package whose walked size
	// disagrees with the size declared by the index table.
	ErrIndexMismatch = errors.New("content package size does not match index")

	// ErrShortRead marks an underlying read that returned fewer
	// bytes than requested.
	ErrShortRead = errors.New("short essence read")

	// ErrMalformed marks a structural impossibility, such as a
	// random index pack before any footer partition.
	ErrMalformed = errors.New("malformed mxf structure")

	// ErrBadArgument marks a caller precondition violation.
	ErrBadArgument = errors.New("bad argument")
)
