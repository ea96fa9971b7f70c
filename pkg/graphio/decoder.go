package graphio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxChunk bounds any single length-prefixed value. A longer prefix can
// only come from a corrupt or hostile stream and must not drive an
// allocation.
const maxChunk = 1 << 30

// Decoder reads the primitives written by [Encoder]. Any truncation or
// implausible length surfaces as [ErrCorrupt]; decode never panics on
// bad input.
type Decoder struct {
	r      *bufio.Reader
	offset int64
}

// NewDecoder returns a Decoder buffering reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Offset returns the number of payload bytes consumed so far.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, corrupt("read byte", err)
	}

	d.offset++

	return b, nil
}

// ReadBool reads a bool written by [Encoder.WriteBool]. Any byte other
// than 0 or 1 is corruption.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadByte()
	if err != nil {
		return false, err
	}

	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bad bool byte %#x", ErrCorrupt, b)
	}
}

// ReadUvarint reads an unsigned varint.
func (d *Decoder) ReadUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(offsetByteReader{d})
	if err != nil {
		return 0, corrupt("read uvarint", err)
	}

	return v, nil
}

// ReadVarint reads a signed varint.
func (d *Decoder) ReadVarint() (int64, error) {
	v, err := binary.ReadVarint(offsetByteReader{d})
	if err != nil {
		return 0, corrupt("read varint", err)
	}

	return v, nil
}

// ReadBytes reads a length-prefixed byte slice.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}

	if n > maxChunk {
		return nil, fmt.Errorf("%w: chunk length %d", ErrCorrupt, n)
	}

	buf := make([]byte, n)

	read, err := io.ReadFull(d.r, buf)
	d.offset += int64(read)

	if err != nil {
		return nil, corrupt("read bytes", err)
	}

	return buf, nil
}

// ReadRawString reads a length-prefixed string written by
// [Encoder.WriteRawString].
func (d *Decoder) ReadRawString() (string, error) {
	buf, err := d.ReadBytes()
	if err != nil {
		return "", err
	}

	return string(buf), nil
}

// offsetByteReader adapts Decoder for [binary.ReadUvarint] while keeping
// the offset accurate.
type offsetByteReader struct {
	d *Decoder
}

func (r offsetByteReader) ReadByte() (byte, error) {
	b, err := r.d.r.ReadByte()
	if err != nil {
		return 0, err
	}

	r.d.offset++

	return b, nil
}

// corrupt maps low-level read failures to [ErrCorrupt]. EOF inside a
// value means the stream was cut short; genuine I/O faults keep their
// cause in the chain.
func corrupt(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: unexpected end of stream", ErrCorrupt, op)
	}

	return fmt.Errorf("%s: %w", op, err)
}
