// Package fsx provides the filesystem surface used by the configuration
// cache: plain reads, atomic durable replacement, and advisory locking.
//
// The main types are:
//   - [FS]: interface for the operations the cache needs
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation backed by the [os] package
//   - [Flaky]: testing implementation that injects failures
//
// State files are never written in place. Writers accumulate the full
// payload and publish it with [FS.Replace], so a crashed store leaves
// either the previous file or no file, never a truncated one.
package fsx

import (
	"io"
	"os"
)

// File is an open OS-backed file. It is satisfied by [os.File] and is
// usable with the standard library io helpers.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS is the set of filesystem operations the cache performs.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Paths use OS semantics, like the os package.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with explicit flags and permissions.
	// See [os.OpenFile]. Used for lock files.
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// Replace atomically and durably replaces the file at path with the
	// contents of r. Concurrent readers see either the old or the new
	// contents, never a mix.
	Replace(path string, r io.Reader) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file. See [os.Remove].
	Remove(path string) error

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
