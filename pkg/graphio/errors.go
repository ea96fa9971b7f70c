package graphio

import "errors"

// Sentinel errors returned by graphio operations.
//
// Callers should use [errors.Is]. Both [ErrCorrupt] and
// [ErrIncompatible] mean the cache entry is unusable: discard it and
// recompute. Neither is ever recoverable mid-stream.
var (
	// ErrCorrupt indicates a damaged stream: truncation, an unexpected
	// tag, or a length that cannot be satisfied.
	//
	// Recovery: discard the cache entry and recompute.
	ErrCorrupt = errors.New("graphio: corrupt")

	// ErrIncompatible indicates the file was written by a different
	// format version, for a different category, or with a different
	// string strategy than the reader expects.
	//
	// Recovery: discard the cache entry and recompute.
	ErrIncompatible = errors.New("graphio: incompatible")

	// ErrClosed indicates use of a context after Close.
	//
	// This is a programming error.
	ErrClosed = errors.New("graphio: closed")

	// ErrUnknownCodec indicates a value whose type has no registered
	// codec (encode), or a serialized tag no codec claims (decode).
	ErrUnknownCodec = errors.New("graphio: unknown codec")
)
