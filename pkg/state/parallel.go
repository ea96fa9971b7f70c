package state

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/confcache/confcache/pkg/graphio"
)

// WriteChildren derives one child write context per relative name and
// runs fn for each. With ParallelStore enabled the children run on
// separate goroutines; they are independently rooted, so the shared
// string table is the only resource they contend on. Every child is
// closed on every exit path; the first fatal error aborts the store.
func (s *Store) WriteChildren(
	parent *graphio.WriteContext, relatives []string,
	fn func(relative string, w *graphio.WriteContext) error,
) error {
	if !s.settings.ParallelStore {
		for _, relative := range relatives {
			if err := writeChild(parent, relative, fn); err != nil {
				return err
			}
		}

		return nil
	}

	var group errgroup.Group

	for _, relative := range relatives {
		relative := relative
		group.Go(func() error {
			return writeChild(parent, relative, fn)
		})
	}

	return group.Wait()
}

// ReadChildren is the load counterpart of [Store.WriteChildren],
// honoring ParallelLoad.
func (s *Store) ReadChildren(
	parent *graphio.ReadContext, relatives []string,
	fn func(relative string, r *graphio.ReadContext) error,
) error {
	if !s.settings.ParallelLoad {
		for _, relative := range relatives {
			if err := readChild(parent, relative, fn); err != nil {
				return err
			}
		}

		return nil
	}

	var group errgroup.Group

	for _, relative := range relatives {
		relative := relative
		group.Go(func() error {
			return readChild(parent, relative, fn)
		})
	}

	return group.Wait()
}

func writeChild(
	parent *graphio.WriteContext, relative string,
	fn func(string, *graphio.WriteContext) error,
) error {
	child, err := parent.Child(relative)
	if err != nil {
		return fmt.Errorf("open child %q: %w", relative, err)
	}

	fnErr := fn(relative, child)
	if fnErr != nil {
		return fmt.Errorf("store child %q: %w", relative, errors.Join(fnErr, child.Abort()))
	}

	if closeErr := child.Close(); closeErr != nil {
		return fmt.Errorf("store child %q: %w", relative, closeErr)
	}

	return nil
}

func readChild(
	parent *graphio.ReadContext, relative string,
	fn func(string, *graphio.ReadContext) error,
) error {
	child, err := parent.Child(relative)
	if err != nil {
		return fmt.Errorf("open child %q: %w", relative, err)
	}

	fnErr := fn(relative, child)
	closeErr := child.Close()

	if err := errors.Join(fnErr, closeErr); err != nil {
		return fmt.Errorf("load child %q: %w", relative, err)
	}

	return nil
}
