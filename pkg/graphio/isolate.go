package graphio

import (
	"errors"
	"fmt"
)

// Isolate is one frame of a context's scope stack: the identity of the
// build that owns the values being serialized, paired with the codec
// set active for them. Frames are immutable once pushed; leaving a
// scope pops the frame, and discarding the context discards the stack.
type Isolate struct {
	Owner  string
	Codecs *CodecSet
}

// Owner returns the owner of the innermost isolate.
func (w *WriteContext) Owner() string {
	return w.isolates[len(w.isolates)-1].Owner
}

// CodecSet returns the codec set of the innermost isolate.
func (w *WriteContext) CodecSet() *CodecSet {
	return w.isolates[len(w.isolates)-1].Codecs
}

// RunIsolated pushes an isolate frame, runs fn, and pops the frame on
// every exit path.
func (w *WriteContext) RunIsolated(owner string, codecs *CodecSet, fn func() error) error {
	if w.closed {
		return ErrClosed
	}

	w.isolates = append(w.isolates, Isolate{Owner: owner, Codecs: codecs})
	defer func() { w.isolates = w.isolates[:len(w.isolates)-1] }()

	return fn()
}

// Owner returns the owner of the innermost isolate.
func (r *ReadContext) Owner() string {
	return r.isolates[len(r.isolates)-1].Owner
}

// CodecSet returns the codec set of the innermost isolate.
func (r *ReadContext) CodecSet() *CodecSet {
	return r.isolates[len(r.isolates)-1].Codecs
}

// RunIsolated pushes an isolate frame, runs fn, and pops the frame on
// every exit path.
func (r *ReadContext) RunIsolated(owner string, codecs *CodecSet, fn func() error) error {
	if r.closed {
		return ErrClosed
	}

	r.isolates = append(r.isolates, Isolate{Owner: owner, Codecs: codecs})
	defer func() { r.isolates = r.isolates[:len(r.isolates)-1] }()

	return fn()
}

// Child derives a write context for the file related to this context's
// file by relative. The child shares the parent's string channel, so
// parallel-table references stay consistent across the file tree; it
// starts with a fresh isolate frame pairing the parent's current owner
// with the internal-types codec set, its own problem collector, and the
// parent's project resolver.
//
// The child must be closed before the operation that created it
// returns, and never used after the parent has closed.
func (w *WriteContext) Child(relative string) (*WriteContext, error) {
	if w.closed {
		return nil, ErrClosed
	}

	if w.file == nil {
		return nil, errors.New("graphio: child contexts require a file-backed parent")
	}

	file := w.file.Related(relative)

	out, err := openWriteStream(file, w.crypt)
	if err != nil {
		return nil, err
	}

	child := &WriteContext{
		enc:      NewEncoder(out),
		out:      out,
		ownsOut:  true,
		registry: w.registry,
		strings:  childStringWriter(w.strat, w.strings),
		strat:    w.strat,
		file:     file,
		crypt:    w.crypt,
		isolates: []Isolate{{Owner: w.Owner(), Codecs: w.registry.InternalTypes()}},
		problems: NewProblems(),
		tracer:   w.tracer.Child(relative),
		resolver: w.resolver,
	}

	if err := writeHeader(child.enc, file.Type(), w.strat); err != nil {
		return nil, errors.Join(fmt.Errorf("child %q: %w", relative, err), discardStream(out))
	}

	return child, nil
}

// Child derives a read context for the file related to this context's
// file by relative, using the same string decoder instance as the
// parent. The counterpart of [WriteContext.Child].
func (r *ReadContext) Child(relative string) (*ReadContext, error) {
	if r.closed {
		return nil, ErrClosed
	}

	if r.file == nil {
		return nil, errors.New("graphio: child contexts require a file-backed parent")
	}

	file := r.file.Related(relative)

	in, err := openReadStream(file, r.crypt)
	if err != nil {
		return nil, err
	}

	child := &ReadContext{
		dec:            NewDecoder(in),
		in:             in,
		ownsIn:         true,
		registry:       r.registry,
		strings:        childStringReader(r.strat, r.strings),
		strat:          r.strat,
		file:           file,
		crypt:          r.crypt,
		isolates:       []Isolate{{Owner: r.Owner(), Codecs: r.registry.InternalTypes()}},
		problems:       NewProblems(),
		tracer:         r.tracer.Child(relative),
		resolver:       r.resolver,
		LoadAfterStore: r.LoadAfterStore,
	}

	if err := readHeader(child.dec, file.Type(), r.strat); err != nil {
		return nil, errors.Join(fmt.Errorf("child %q: %w", relative, err), in.Close())
	}

	return child, nil
}

// childStringWriter picks the string channel for a derived context.
// The parallel table is shared so ids stay valid across the file tree;
// sequential tables are per-stream by construction and a child stream
// gets a fresh one.
func childStringWriter(strat Strategy, parent StringWriter) StringWriter {
	switch strat {
	case StrategyParallel:
		return parent
	case StrategySequential:
		return newSequentialWriter()
	default:
		return inlineStrings{}
	}
}

func childStringReader(strat Strategy, parent StringReader) StringReader {
	switch strat {
	case StrategyParallel:
		return parent
	case StrategySequential:
		return newSequentialReader()
	default:
		return inlineStrings{}
	}
}
