package statefile_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/confcache/confcache/pkg/fsx"
	"github.com/confcache/confcache/pkg/statefile"
)

func TestDiskFile_WriteThenRead(t *testing.T) {
	t.Parallel()

	file := statefile.NewDiskFile(fsx.NewReal(),
		filepath.Join(t.TempDir(), "entry.bin"), statefile.TypeEntry)

	w, err := file.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}

	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := file.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}

	defer func() { _ = r.Close() }()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if string(got) != "payload" {
		t.Fatalf("content=%q, want %q", got, "payload")
	}
}

func TestDiskFile_NotVisibleBeforeClose(t *testing.T) {
	t.Parallel()

	file := statefile.NewDiskFile(fsx.NewReal(),
		filepath.Join(t.TempDir(), "entry.bin"), statefile.TypeEntry)

	w, err := file.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}

	if _, err := w.Write([]byte("half")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	exists, err := file.Exists()
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if exists {
		t.Fatal("file visible before Close")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDiskFile_ReaderOnMissingFile(t *testing.T) {
	t.Parallel()

	file := statefile.NewDiskFile(fsx.NewReal(),
		filepath.Join(t.TempDir(), "missing.bin"), statefile.TypeEntry)

	_, err := file.Reader()
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v, want not-exist", err)
	}
}

func TestDiskFile_Related(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := statefile.NewDiskFile(fsx.NewReal(),
		filepath.Join(dir, "work.bin"), statefile.TypeWork)

	tests := []struct {
		name     string
		relative string
		want     string
	}{
		{"suffix side file", ".strings", filepath.Join(dir, "work.bin.strings")},
		{"sibling file", "project-a.bin", filepath.Join(dir, "project-a.bin")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			related := file.Related(tt.relative)

			if related.Path() != tt.want {
				t.Errorf("Path()=%q, want %q", related.Path(), tt.want)
			}

			if related.Type() != file.Type() {
				t.Errorf("Type()=%v, want parent type %v", related.Type(), file.Type())
			}
		})
	}
}
