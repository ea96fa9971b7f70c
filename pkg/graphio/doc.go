// Package graphio is the binary serialization engine of the
// configuration cache.
//
// A [WriteContext] or [ReadContext] is the stateful cursor that drives
// one traversal over one state file: it owns the open stream, the
// session's immutable codec [Registry], the string strategy chosen for
// the file's category, an isolate stack scoping nested owners, a
// problem collector, and an optional diagnostic tracer.
//
// # Contexts and files
//
// Contexts over files are opened with [OpenFileWriter] / [OpenFileReader];
// the low-level [OpenStreamWriter] / [OpenStreamReader] operate over a
// caller-owned stream. Child contexts for nested scopes (one file per
// project or included build) are derived with [WriteContext.Child] and
// [ReadContext.Child]; a child shares its parent's string channel so
// that parallel-table references stay consistent across the file tree.
//
// # Concurrency
//
// A context is single-threaded. Independently-rooted contexts may be
// driven from separate goroutines; the shared parallel string table is
// the only resource they serialize on, and it is safe for concurrent
// appends and lookups.
//
// # Errors
//
// Structural failures ([ErrCorrupt], [ErrIncompatible], stream I/O)
// abort the whole operation. Per-object serialization problems are
// recorded in [Problems] so a store can complete with degraded
// fidelity; the caller decides whether accumulated problems invalidate
// the entry.
package graphio
