package graphio

import (
	"errors"
	"fmt"
	"io"

	"github.com/confcache/confcache/pkg/statefile"
)

// ProjectResolver locates project directories while a graph is being
// restored. It is an external collaborator; the engine only propagates
// it from parent to child contexts.
type ProjectResolver interface {
	ProjectDir(identityPath string) (string, error)
}

// WriteContext is the stateful cursor for one serialization traversal
// over one stream. It is single-threaded; independently-rooted contexts
// may run on separate goroutines.
type WriteContext struct {
	enc      *Encoder
	out      io.WriteCloser
	registry *Registry
	strings  StringWriter
	sink     *SharedStringSink
	strat    Strategy
	file     statefile.StateFile
	crypt    statefile.EncryptionProvider
	isolates []Isolate
	problems *Problems
	tracer   *Tracer
	resolver ProjectResolver
	ownsOut  bool
	closed   bool
}

// FileWriterOptions configures [OpenFileWriter].
type FileWriterOptions struct {
	// File is the state file to write. Required.
	File statefile.StateFile

	// Registry is the session codec registry. Required.
	Registry *Registry

	// Strategy selects the string encoding; see [SelectStrategy].
	Strategy Strategy

	// Encryption wraps the raw stream when File's category is
	// encryptable. Defaults to [statefile.NoEncryption].
	Encryption statefile.EncryptionProvider

	// Owner is the identity of the build that owns the root isolate.
	Owner string

	// Tracer is optional; nil disables checkpoints.
	Tracer *Tracer

	// Resolver is the project resolver propagated into child contexts.
	Resolver ProjectResolver
}

// OpenFileWriter opens a write context over a state file: the raw
// stream, the encryption wrapping decided by the file's category, the
// selected string strategy, and a root isolate frame over the
// user-types codec set. Stream-open failures are fatal and propagate.
func OpenFileWriter(opts FileWriterOptions) (*WriteContext, error) {
	if opts.File == nil || opts.Registry == nil {
		panic("graphio: OpenFileWriter requires File and Registry")
	}

	crypt := opts.Encryption
	if crypt == nil {
		crypt = statefile.NoEncryption{}
	}

	out, err := openWriteStream(opts.File, crypt)
	if err != nil {
		return nil, err
	}

	w := &WriteContext{
		enc:      NewEncoder(out),
		out:      out,
		ownsOut:  true,
		registry: opts.Registry,
		strat:    opts.Strategy,
		file:     opts.File,
		crypt:    crypt,
		isolates: []Isolate{{Owner: opts.Owner, Codecs: opts.Registry.UserTypes()}},
		problems: NewProblems(),
		tracer:   opts.Tracer,
		resolver: opts.Resolver,
	}

	switch opts.Strategy {
	case StrategyParallel:
		w.sink = NewSharedStringSink(opts.File.Related(stringsSuffix), crypt)
		w.strings = w.sink
	case StrategySequential:
		w.strings = newSequentialWriter()
	default:
		w.strings = inlineStrings{}
	}

	if err := writeHeader(w.enc, opts.File.Type(), opts.Strategy); err != nil {
		return nil, errors.Join(err, discardStream(out))
	}

	return w, nil
}

// OpenStreamWriter opens a write context over a caller-supplied stream
// whose lifecycle the caller owns. Strings are inline and no file
// header is written; the shared codec registry is still wired in.
func OpenStreamWriter(out io.Writer, registry *Registry, owner string) *WriteContext {
	if registry == nil {
		panic("graphio: OpenStreamWriter requires Registry")
	}

	return &WriteContext{
		enc:      NewEncoder(out),
		registry: registry,
		strings:  inlineStrings{},
		strat:    StrategyInline,
		crypt:    statefile.NoEncryption{},
		isolates: []Isolate{{Owner: owner, Codecs: registry.UserTypes()}},
		problems: NewProblems(),
	}
}

// stringsSuffix names the shared string table side file relative to the
// primary file.
const stringsSuffix = ".strings"

func openWriteStream(file statefile.StateFile, crypt statefile.EncryptionProvider) (io.WriteCloser, error) {
	raw, err := file.Writer()
	if err != nil {
		return nil, fmt.Errorf("open %q for writing: %w", file.Path(), err)
	}

	if !file.Type().Encryptable() {
		return raw, nil
	}

	out, err := crypt.WrapWriter(raw)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("wrap %q: %w", file.Path(), err), discardStream(raw))
	}

	return out, nil
}

// discardStream tears down a write stream without publishing anything.
// Closing a buffered state file writer publishes it, so every error
// path must come through here instead.
func discardStream(out io.WriteCloser) error {
	if aborter, ok := out.(statefile.Aborter); ok {
		return aborter.Abort()
	}

	return out.Close()
}

// WriteString writes a string through the active strategy.
func (w *WriteContext) WriteString(s string) error {
	if w.closed {
		return ErrClosed
	}

	return w.strings.WriteString(w.enc, s)
}

// WriteNullableString writes a presence flag followed by the payload.
// The empty string encodes as absent.
func (w *WriteContext) WriteNullableString(s string) error {
	if err := w.WriteBool(s != ""); err != nil {
		return err
	}

	if s == "" {
		return nil
	}

	return w.WriteString(s)
}

// WriteBool writes a bool.
func (w *WriteContext) WriteBool(v bool) error {
	if w.closed {
		return ErrClosed
	}

	return w.enc.WriteBool(v)
}

// WriteUvarint writes an unsigned varint.
func (w *WriteContext) WriteUvarint(v uint64) error {
	if w.closed {
		return ErrClosed
	}

	return w.enc.WriteUvarint(v)
}

// WriteVarint writes a signed varint.
func (w *WriteContext) WriteVarint(v int64) error {
	if w.closed {
		return ErrClosed
	}

	return w.enc.WriteVarint(v)
}

// WriteBytes writes a length-prefixed byte slice.
func (w *WriteContext) WriteBytes(p []byte) error {
	if w.closed {
		return ErrClosed
	}

	return w.enc.WriteBytes(p)
}

// EncodeValue writes one value through the active isolate's codec set.
// A nil value or a value with no codec encodes as a null placeholder;
// the missing codec is recorded as a problem, not a failure, so the
// overall store can complete with degraded fidelity.
func (w *WriteContext) EncodeValue(v any) error {
	if w.closed {
		return ErrClosed
	}

	if v == nil {
		return w.WriteString("")
	}

	codec, err := w.CodecSet().codecFor(v)
	if err != nil {
		w.problems.Add(w.Owner(), fmt.Sprintf("%T", v), err)

		return w.WriteString("")
	}

	if err := w.WriteString(codec.Tag()); err != nil {
		return err
	}

	return codec.Encode(w, v)
}

// Checkpoint records the current byte offset against a label.
func (w *WriteContext) Checkpoint(label string) {
	w.tracer.Checkpoint(label, w.enc.Offset())
}

// Problems returns this context's problem collector.
func (w *WriteContext) Problems() *Problems {
	return w.problems
}

// Resolver returns the propagated project resolver, which may be nil.
func (w *WriteContext) Resolver() ProjectResolver {
	return w.resolver
}

// SetResolver installs the project resolver that child contexts will
// inherit.
func (w *WriteContext) SetResolver(r ProjectResolver) {
	w.resolver = r
}

// Close flushes and releases the stream and, on the root parallel
// context, persists the shared string table. After Close the context
// must not be used; child contexts must be closed before their parent.
func (w *WriteContext) Close() error {
	if w.closed {
		return ErrClosed
	}

	w.closed = true

	flushErr := w.enc.Flush()

	var closeErr error
	if w.ownsOut {
		closeErr = w.out.Close()
	}

	var sinkErr error
	if w.sink != nil {
		sinkErr = w.sink.Flush()
	}

	return errors.Join(flushErr, closeErr, sinkErr)
}

// Abort discards the write without publishing the file or the shared
// string table. Called instead of Close on any fatal failure so a
// partially written entry is never visible to a later load.
func (w *WriteContext) Abort() error {
	if w.closed {
		return ErrClosed
	}

	w.closed = true

	if !w.ownsOut {
		return nil
	}

	return discardStream(w.out)
}

// ReadContext mirrors [WriteContext] for one deserialization traversal.
type ReadContext struct {
	dec      *Decoder
	in       io.ReadCloser
	registry *Registry
	strings  StringReader
	strat    Strategy
	file     statefile.StateFile
	crypt    statefile.EncryptionProvider
	isolates []Isolate
	problems *Problems
	tracer   *Tracer
	resolver ProjectResolver

	// LoadAfterStore reports that this load follows a store in the same
	// invocation; domain codecs may skip work that only a cold load
	// needs.
	LoadAfterStore bool

	ownsIn bool
	closed bool
}

// FileReaderOptions configures [OpenFileReader].
type FileReaderOptions struct {
	// File is the state file to read. Required.
	File statefile.StateFile

	// Registry is the session codec registry. Required. It must be
	// compatible with the registry the entry was written with.
	Registry *Registry

	// Strategy must match the strategy selected when the file was
	// written; the header check enforces this.
	Strategy Strategy

	// Encryption must match the provider used for writing.
	Encryption statefile.EncryptionProvider

	// Owner is the identity of the build that owns the root isolate.
	Owner string

	// Tracer is optional; nil disables checkpoints.
	Tracer *Tracer

	// Resolver is the project resolver propagated into child contexts.
	Resolver ProjectResolver

	// LoadAfterStore is exposed on the context; see
	// [ReadContext.LoadAfterStore].
	LoadAfterStore bool
}

// OpenFileReader opens a read context over a state file. The file must
// exist; top-level cache-miss handling belongs to the caller. A header
// mismatch surfaces as [ErrIncompatible].
func OpenFileReader(opts FileReaderOptions) (*ReadContext, error) {
	if opts.File == nil || opts.Registry == nil {
		panic("graphio: OpenFileReader requires File and Registry")
	}

	crypt := opts.Encryption
	if crypt == nil {
		crypt = statefile.NoEncryption{}
	}

	in, err := openReadStream(opts.File, crypt)
	if err != nil {
		return nil, err
	}

	r := &ReadContext{
		dec:            NewDecoder(in),
		in:             in,
		ownsIn:         true,
		registry:       opts.Registry,
		strat:          opts.Strategy,
		file:           opts.File,
		crypt:          crypt,
		isolates:       []Isolate{{Owner: opts.Owner, Codecs: opts.Registry.UserTypes()}},
		problems:       NewProblems(),
		tracer:         opts.Tracer,
		resolver:       opts.Resolver,
		LoadAfterStore: opts.LoadAfterStore,
	}

	switch opts.Strategy {
	case StrategyParallel:
		source, err := LoadSharedStrings(opts.File.Related(stringsSuffix), crypt)
		if err != nil {
			return nil, errors.Join(err, in.Close())
		}

		r.strings = source
	case StrategySequential:
		r.strings = newSequentialReader()
	default:
		r.strings = inlineStrings{}
	}

	if err := readHeader(r.dec, opts.File.Type(), opts.Strategy); err != nil {
		return nil, errors.Join(err, in.Close())
	}

	return r, nil
}

// OpenStreamReader opens a read context over a caller-supplied stream
// whose lifecycle the caller owns. The counterpart of
// [OpenStreamWriter].
func OpenStreamReader(in io.Reader, registry *Registry, owner string) *ReadContext {
	if registry == nil {
		panic("graphio: OpenStreamReader requires Registry")
	}

	return &ReadContext{
		dec:      NewDecoder(in),
		registry: registry,
		strings:  inlineStrings{},
		strat:    StrategyInline,
		crypt:    statefile.NoEncryption{},
		isolates: []Isolate{{Owner: owner, Codecs: registry.UserTypes()}},
		problems: NewProblems(),
	}
}

func openReadStream(file statefile.StateFile, crypt statefile.EncryptionProvider) (io.ReadCloser, error) {
	raw, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %q for reading: %w", file.Path(), err)
	}

	if !file.Type().Encryptable() {
		return raw, nil
	}

	in, err := crypt.WrapReader(raw)
	if err != nil {
		return nil, fmt.Errorf("unwrap %q: %w", file.Path(), err)
	}

	return in, nil
}

// ReadString reads a string through the active strategy.
func (r *ReadContext) ReadString() (string, error) {
	if r.closed {
		return "", ErrClosed
	}

	return r.strings.ReadString(r.dec)
}

// ReadNullableString reads a string written by
// [WriteContext.WriteNullableString]; absent decodes as "".
func (r *ReadContext) ReadNullableString() (string, error) {
	present, err := r.ReadBool()
	if err != nil {
		return "", err
	}

	if !present {
		return "", nil
	}

	return r.ReadString()
}

// ReadBool reads a bool.
func (r *ReadContext) ReadBool() (bool, error) {
	if r.closed {
		return false, ErrClosed
	}

	return r.dec.ReadBool()
}

// ReadUvarint reads an unsigned varint.
func (r *ReadContext) ReadUvarint() (uint64, error) {
	if r.closed {
		return 0, ErrClosed
	}

	return r.dec.ReadUvarint()
}

// ReadVarint reads a signed varint.
func (r *ReadContext) ReadVarint() (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}

	return r.dec.ReadVarint()
}

// ReadBytes reads a length-prefixed byte slice.
func (r *ReadContext) ReadBytes() ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}

	return r.dec.ReadBytes()
}

// DecodeValue reads one value written by [WriteContext.EncodeValue].
// A null placeholder decodes as nil. An unknown tag is a registry
// revision mismatch and is fatal: the entry is unusable.
func (r *ReadContext) DecodeValue() (any, error) {
	if r.closed {
		return nil, ErrClosed
	}

	tag, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	if tag == "" {
		return nil, nil
	}

	codec, err := r.CodecSet().codecForTag(tag)
	if err != nil {
		return nil, err
	}

	return codec.Decode(r)
}

// Checkpoint records the current byte offset against a label.
func (r *ReadContext) Checkpoint(label string) {
	r.tracer.Checkpoint(label, r.dec.Offset())
}

// Problems returns this context's problem collector.
func (r *ReadContext) Problems() *Problems {
	return r.problems
}

// Resolver returns the propagated project resolver, which may be nil.
func (r *ReadContext) Resolver() ProjectResolver {
	return r.resolver
}

// SetResolver installs the project resolver that child contexts will
// inherit.
func (r *ReadContext) SetResolver(res ProjectResolver) {
	r.resolver = res
}

// Close releases the stream. After Close the context must not be used.
func (r *ReadContext) Close() error {
	if r.closed {
		return ErrClosed
	}

	r.closed = true

	if r.ownsIn {
		return r.in.Close()
	}

	return nil
}
