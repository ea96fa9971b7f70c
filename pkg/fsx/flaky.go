package fsx

import (
	"io"
	"os"
	"sync"
)

// Flaky wraps an [FS] and injects failures for testing fatal I/O paths.
//
// Each Err field, when non-nil, makes the corresponding operation fail.
// ReadErrAfter limits how many bytes opened files serve before reads
// start failing with ReadErr, simulating a truncated or dying disk.
type Flaky struct {
	Inner FS

	OpenErr    error
	ReplaceErr error
	ReadErr    error

	// ReadErrAfter is the number of bytes readable before ReadErr kicks
	// in. Only consulted when ReadErr is non-nil.
	ReadErrAfter int64

	mu   sync.Mutex
	read int64
}

// NewFlaky returns a Flaky wrapping inner.
func NewFlaky(inner FS) *Flaky {
	return &Flaky{Inner: inner}
}

func (f *Flaky) Open(path string) (File, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}

	file, err := f.Inner.Open(path)
	if err != nil {
		return nil, err
	}

	if f.ReadErr != nil {
		return &flakyFile{File: file, fs: f}, nil
	}

	return file, nil
}

func (f *Flaky) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}

	return f.Inner.OpenFile(path, flag, perm)
}

func (f *Flaky) ReadFile(path string) ([]byte, error) {
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}

	return f.Inner.ReadFile(path)
}

func (f *Flaky) Replace(path string, r io.Reader) error {
	if f.ReplaceErr != nil {
		return f.ReplaceErr
	}

	return f.Inner.Replace(path, r)
}

func (f *Flaky) Stat(path string) (os.FileInfo, error) {
	return f.Inner.Stat(path)
}

func (f *Flaky) Exists(path string) (bool, error) {
	return f.Inner.Exists(path)
}

func (f *Flaky) Remove(path string) error {
	return f.Inner.Remove(path)
}

func (f *Flaky) MkdirAll(path string, perm os.FileMode) error {
	return f.Inner.MkdirAll(path, perm)
}

// flakyFile counts bytes served across all reads on the parent Flaky and
// fails once the budget is exhausted.
type flakyFile struct {
	File
	fs *Flaky
}

func (f *flakyFile) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	remaining := f.fs.ReadErrAfter - f.fs.read
	f.fs.mu.Unlock()

	if remaining <= 0 {
		return 0, f.fs.ReadErr
	}

	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := f.File.Read(p)

	f.fs.mu.Lock()
	f.fs.read += int64(n)
	f.fs.mu.Unlock()

	return n, err
}

// Compile-time interface check.
var _ FS = (*Flaky)(nil)
