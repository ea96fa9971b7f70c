package fsx_test

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/confcache/confcache/pkg/fsx"
)

var errDiskGone = errors.New("disk gone")

func TestFlaky_InjectsOpenError(t *testing.T) {
	t.Parallel()

	flaky := fsx.NewFlaky(fsx.NewReal())
	flaky.OpenErr = errDiskGone

	_, err := flaky.Open(filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, errDiskGone) {
		t.Fatalf("err=%v, want errDiskGone", err)
	}
}

func TestFlaky_InjectsReplaceError(t *testing.T) {
	t.Parallel()

	flaky := fsx.NewFlaky(fsx.NewReal())
	flaky.ReplaceErr = errDiskGone

	err := flaky.Replace(filepath.Join(t.TempDir(), "x"), strings.NewReader("data"))
	if !errors.Is(err, errDiskGone) {
		t.Fatalf("err=%v, want errDiskGone", err)
	}
}

func TestFlaky_FailsReadsAfterBudget(t *testing.T) {
	t.Parallel()

	real := fsx.NewReal()
	path := filepath.Join(t.TempDir(), "data.bin")

	if err := real.Replace(path, strings.NewReader("0123456789")); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	flaky := fsx.NewFlaky(real)
	flaky.ReadErr = errDiskGone
	flaky.ReadErrAfter = 4

	file, err := flaky.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer func() { _ = file.Close() }()

	_, err = io.ReadAll(file)
	if !errors.Is(err, errDiskGone) {
		t.Fatalf("err=%v, want errDiskGone after budget", err)
	}
}
