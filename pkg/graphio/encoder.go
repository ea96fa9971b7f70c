package graphio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Encoder writes the low-level binary primitives every record format is
// built from. All multi-byte values are varint-encoded; byte slices and
// raw strings are length-prefixed.
type Encoder struct {
	w       *bufio.Writer
	offset  int64
	scratch [binary.MaxVarintLen64]byte
}

// NewEncoder returns an Encoder buffering writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Offset returns the number of payload bytes written so far, for tracer
// checkpoints.
func (e *Encoder) Offset() int64 {
	return e.offset
}

// Flush forces buffered bytes into the underlying stream.
func (e *Encoder) Flush() error {
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	return nil
}

// WriteByte writes a single byte.
func (e *Encoder) WriteByte(b byte) error {
	if err := e.w.WriteByte(b); err != nil {
		return fmt.Errorf("write byte: %w", err)
	}

	e.offset++

	return nil
}

// WriteBool writes a bool as one byte (0 or 1).
func (e *Encoder) WriteBool(v bool) error {
	b := byte(0)
	if v {
		b = 1
	}

	return e.WriteByte(b)
}

// WriteUvarint writes an unsigned varint.
func (e *Encoder) WriteUvarint(v uint64) error {
	n := binary.PutUvarint(e.scratch[:], v)

	written, err := e.w.Write(e.scratch[:n])
	e.offset += int64(written)

	if err != nil {
		return fmt.Errorf("write uvarint: %w", err)
	}

	return nil
}

// WriteVarint writes a signed varint (zigzag).
func (e *Encoder) WriteVarint(v int64) error {
	n := binary.PutVarint(e.scratch[:], v)

	written, err := e.w.Write(e.scratch[:n])
	e.offset += int64(written)

	if err != nil {
		return fmt.Errorf("write varint: %w", err)
	}

	return nil
}

// WriteBytes writes a length-prefixed byte slice.
func (e *Encoder) WriteBytes(p []byte) error {
	if err := e.WriteUvarint(uint64(len(p))); err != nil {
		return err
	}

	written, err := e.w.Write(p)
	e.offset += int64(written)

	if err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}

	return nil
}

// WriteRawString writes a length-prefixed UTF-8 string, bypassing any
// string dedup strategy. Record layers should go through the context's
// WriteString instead.
func (e *Encoder) WriteRawString(s string) error {
	if err := e.WriteUvarint(uint64(len(s))); err != nil {
		return err
	}

	written, err := e.w.WriteString(s)
	e.offset += int64(written)

	if err != nil {
		return fmt.Errorf("write string: %w", err)
	}

	return nil
}
