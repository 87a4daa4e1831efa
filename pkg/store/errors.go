package store

import "errors"

// Error classification. Callers should use errors.Is to classify.
var (
	// ErrVersionMismatch indicates the file was written by an incompatible
	// format version.
	ErrVersionMismatch = errors.New("store: version mismatch")

	// ErrCorrupt indicates truncated or internally inconsistent file data.
	ErrCorrupt = errors.New("store: corrupt")

	// ErrDuplicateKey indicates a Put for a key already present in the
	// current build session, with duplicate keys disabled.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrKeyTooLong indicates a key longer than the configured maximum.
	ErrKeyTooLong = errors.New("store: key too long")

	// ErrClosed indicates an operation on an already-closed Builder or
	// Reader.
	ErrClosed = errors.New("store: closed")

	// ErrInsufficientDiskSpace indicates the builder's preflight free-space
	// check failed.
	ErrInsufficientDiskSpace = errors.New("store: insufficient disk space")

	// ErrNotFound indicates Reader.Get found no entry for the given key.
	ErrNotFound = errors.New("store: not found")

	// ErrUnsupportedSink indicates a Builder was constructed over a
	// destination that cannot support checkpoint/resume (not a regular
	// seekable file).
	ErrUnsupportedSink = errors.New("store: unsupported sink")
)
