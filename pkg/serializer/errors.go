package serializer

import "errors"

// Error classification. Callers should use errors.Is to classify.
var (
	// ErrUnsupportedType indicates a Go value with no matching tag and no
	// registered custom codec for its concrete type.
	ErrUnsupportedType = errors.New("serializer: unsupported type")

	// ErrMissingCodec indicates a Custom-tagged value was decoded with a
	// type name that has no registered codec in this process.
	ErrMissingCodec = errors.New("serializer: missing codec")

	// ErrMalformed indicates the encoded byte stream is truncated or
	// internally inconsistent (bad tag, length overrun, etc).
	ErrMalformed = errors.New("serializer: malformed data")

	// ErrAlreadyRegistered indicates a custom type name was registered twice.
	ErrAlreadyRegistered = errors.New("serializer: type name already registered")
)
