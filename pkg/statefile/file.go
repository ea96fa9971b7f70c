package statefile

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/confcache/confcache/pkg/fsx"
)

// StateFile identifies one persistent cache location.
//
// Implementations are cheap value-like handles; opening a stream is the
// expensive operation. The set of files belonging to one cache entry
// forms a tree: every non-root file is derived from its parent via
// [StateFile.Related].
type StateFile interface {
	// Path returns the location, for diagnostics and locking.
	Path() string

	// Type returns the file's category.
	Type() StateType

	// Exists reports whether the file is present. Absence at the
	// top-level read is the cache-miss signal, not an error.
	Exists() (bool, error)

	// Reader opens the raw byte stream for reading.
	Reader() (io.ReadCloser, error)

	// Writer opens the raw byte stream for writing. The stream becomes
	// visible to readers only on a successful Close; an abandoned or
	// failed write leaves the previous contents untouched.
	Writer() (io.WriteCloser, error)

	// Related derives a file for a nested scope. A relative name
	// starting with "." is appended to this file's name (side files
	// like ".strings"); anything else resolves as a sibling path.
	Related(relative string) StateFile
}

// DiskFile is the production [StateFile] over an [fsx.FS].
type DiskFile struct {
	fs   fsx.FS
	path string
	typ  StateType
}

// NewDiskFile returns a DiskFile handle. No I/O happens until a stream
// is opened.
func NewDiskFile(fsys fsx.FS, path string, typ StateType) *DiskFile {
	return &DiskFile{fs: fsys, path: path, typ: typ}
}

func (f *DiskFile) Path() string { return f.path }

func (f *DiskFile) Type() StateType { return f.typ }

func (f *DiskFile) Exists() (bool, error) {
	return f.fs.Exists(f.path)
}

func (f *DiskFile) Reader() (io.ReadCloser, error) {
	file, err := f.fs.Open(f.path)
	if err != nil {
		return nil, err
	}

	return file, nil
}

// Writer buffers the full payload and atomically publishes it on Close.
func (f *DiskFile) Writer() (io.WriteCloser, error) {
	return &replaceWriter{fs: f.fs, path: f.path}, nil
}

func (f *DiskFile) Related(relative string) StateFile {
	path := ""
	if strings.HasPrefix(relative, ".") {
		path = f.path + relative
	} else {
		path = filepath.Join(filepath.Dir(f.path), relative)
	}

	return &DiskFile{fs: f.fs, path: path, typ: f.typ}
}

// Compile-time interface check.
var _ StateFile = (*DiskFile)(nil)

// Aborter is implemented by write streams that can discard everything
// written so far instead of publishing it. Contexts abort on any fatal
// failure so a partially written entry is never visible.
type Aborter interface {
	Abort() error
}

// replaceWriter accumulates the payload in memory and hands it to
// [fsx.FS.Replace] on Close. Cache files are bounded by configuration
// size, so buffering the whole payload is acceptable and keeps partially
// written files from ever being visible.
type replaceWriter struct {
	fs     fsx.FS
	path   string
	buf    bytes.Buffer
	closed bool
}

func (w *replaceWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *replaceWriter) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	dir := filepath.Dir(w.path)

	mkdirErr := w.fs.MkdirAll(dir, 0o755)
	if mkdirErr != nil {
		return fmt.Errorf("create state dir %q: %w", dir, mkdirErr)
	}

	replaceErr := w.fs.Replace(w.path, bytes.NewReader(w.buf.Bytes()))
	if replaceErr != nil {
		return fmt.Errorf("publish state file %q: %w", w.path, replaceErr)
	}

	return nil
}

// Abort discards the buffered payload without touching the file.
func (w *replaceWriter) Abort() error {
	w.closed = true
	w.buf.Reset()

	return nil
}
