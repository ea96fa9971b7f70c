package graphio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/confcache/confcache/pkg/statefile"
)

// StringWriter encodes string occurrences for one write context. The
// implementation decides whether a repeated string costs a full payload
// or a table reference.
type StringWriter interface {
	WriteString(e *Encoder, s string) error
}

// StringReader mirrors [StringWriter] on the decode side.
type StringReader interface {
	ReadString(d *Decoder) (string, error)
}

// inlineStrings writes every occurrence verbatim. Used when dedup is
// disabled, for caller-owned streams, and inside string table side
// files themselves.
type inlineStrings struct{}

func (inlineStrings) WriteString(e *Encoder, s string) error {
	return e.WriteRawString(s)
}

func (inlineStrings) ReadString(d *Decoder) (string, error) {
	return d.ReadRawString()
}

// sequentialWriter deduplicates strings within a single stream. The
// first occurrence is written as id 0 followed by the payload and
// assigns the next table slot; later occurrences write only the id.
// The empty string is pre-assigned id 1 so it never pays the
// first-occurrence marker; dedup output is therefore never larger than
// inline output.
type sequentialWriter struct {
	ids map[string]uint64
}

func newSequentialWriter() *sequentialWriter {
	return &sequentialWriter{ids: map[string]uint64{"": 1}}
}

func (w *sequentialWriter) WriteString(e *Encoder, s string) error {
	if id, ok := w.ids[s]; ok {
		return e.WriteUvarint(id)
	}

	w.ids[s] = uint64(len(w.ids)) + 1

	if err := e.WriteUvarint(0); err != nil {
		return err
	}

	return e.WriteRawString(s)
}

type sequentialReader struct {
	table []string
}

func newSequentialReader() *sequentialReader {
	return &sequentialReader{table: []string{""}}
}

func (r *sequentialReader) ReadString(d *Decoder) (string, error) {
	id, err := d.ReadUvarint()
	if err != nil {
		return "", err
	}

	if id == 0 {
		s, err := d.ReadRawString()
		if err != nil {
			return "", err
		}

		r.table = append(r.table, s)

		return s, nil
	}

	if id > uint64(len(r.table)) {
		return "", fmt.Errorf("%w: string id %d beyond table size %d", ErrCorrupt, id, len(r.table))
	}

	return r.table[id-1], nil
}

// SharedStringSink is the write side of the parallel strategy: one
// string table shared by a primary file and all its derived children,
// persisted to a side file when the root operation closes.
//
// WriteString is safe for concurrent use; independently-rooted child
// contexts on separate goroutines serialize only on the table mutex.
type SharedStringSink struct {
	file    statefile.StateFile
	crypt   statefile.EncryptionProvider
	mu      sync.Mutex
	ids     map[string]uint64
	ordered []string
}

// NewSharedStringSink returns a sink that will persist its table to
// file (the ".strings" sibling of the primary file). The side file is
// wrapped through crypt the same way its primary is.
func NewSharedStringSink(file statefile.StateFile, crypt statefile.EncryptionProvider) *SharedStringSink {
	return &SharedStringSink{
		file:  file,
		crypt: crypt,
		ids:   make(map[string]uint64),
	}
}

func (s *SharedStringSink) WriteString(e *Encoder, str string) error {
	s.mu.Lock()

	id, ok := s.ids[str]
	if !ok {
		id = uint64(len(s.ordered)) + 1
		s.ids[str] = id
		s.ordered = append(s.ordered, str)
	}

	s.mu.Unlock()

	return e.WriteUvarint(id)
}

// Flush writes the accumulated table to the side file. Called exactly
// once, by the root context that owns the sink, after every context
// referencing the table has finished writing ids.
func (s *SharedStringSink) Flush() error {
	raw, err := s.file.Writer()
	if err != nil {
		return fmt.Errorf("open string table %q: %w", s.file.Path(), err)
	}

	out := raw
	if s.file.Type().Encryptable() && s.crypt != nil {
		out, err = s.crypt.WrapWriter(raw)
		if err != nil {
			return errors.Join(fmt.Errorf("wrap string table %q: %w", s.file.Path(), err), raw.Close())
		}
	}

	enc := NewEncoder(out)

	writeErr := s.writeTable(enc)
	if writeErr == nil {
		writeErr = enc.Flush()
	}

	closeErr := out.Close()

	if writeErr != nil {
		return fmt.Errorf("write string table %q: %w", s.file.Path(), errors.Join(writeErr, closeErr))
	}

	return closeErr
}

func (s *SharedStringSink) writeTable(enc *Encoder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeHeader(enc, s.file.Type(), StrategyInline); err != nil {
		return err
	}

	if err := enc.WriteUvarint(uint64(len(s.ordered))); err != nil {
		return err
	}

	for _, str := range s.ordered {
		if err := enc.WriteRawString(str); err != nil {
			return err
		}
	}

	return nil
}

// SharedStringSource is the read side of the parallel strategy. The
// table is loaded fully at open; lookups are lock-free and safe for
// concurrent use across all contexts of the file tree.
type SharedStringSource struct {
	table []string
}

// LoadSharedStrings reads the side file written by [SharedStringSink].
func LoadSharedStrings(file statefile.StateFile, crypt statefile.EncryptionProvider) (*SharedStringSource, error) {
	raw, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open string table %q: %w", file.Path(), err)
	}

	in := raw
	if file.Type().Encryptable() && crypt != nil {
		in, err = crypt.WrapReader(raw)
		if err != nil {
			return nil, fmt.Errorf("unwrap string table %q: %w", file.Path(), err)
		}
	}

	dec := NewDecoder(in)

	source, readErr := readSharedTable(dec, file.Type())
	closeErr := in.Close()

	if readErr != nil {
		return nil, fmt.Errorf("read string table %q: %w", file.Path(), errors.Join(readErr, closeErr))
	}

	if closeErr != nil {
		return nil, closeErr
	}

	return source, nil
}

func readSharedTable(dec *Decoder, typ statefile.StateType) (*SharedStringSource, error) {
	if err := readHeader(dec, typ, StrategyInline); err != nil {
		return nil, err
	}

	count, err := dec.ReadUvarint()
	if err != nil {
		return nil, err
	}

	if count > maxChunk {
		return nil, fmt.Errorf("%w: string table size %d", ErrCorrupt, count)
	}

	table := make([]string, 0, count)

	for i := uint64(0); i < count; i++ {
		s, err := dec.ReadRawString()
		if err != nil {
			return nil, err
		}

		table = append(table, s)
	}

	return &SharedStringSource{table: table}, nil
}

// Table returns a copy of the loaded table in id order (id 1 first).
func (s *SharedStringSource) Table() []string {
	out := make([]string, len(s.table))
	copy(out, s.table)

	return out
}

func (s *SharedStringSource) ReadString(d *Decoder) (string, error) {
	id, err := d.ReadUvarint()
	if err != nil {
		return "", err
	}

	if id == 0 || id > uint64(len(s.table)) {
		return "", fmt.Errorf("%w: shared string id %d outside table of %d", ErrCorrupt, id, len(s.table))
	}

	return s.table[id-1], nil
}
