package graphio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/confcache/confcache/pkg/graphio"
)

func TestEncoderDecoder_Primitives(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	enc := graphio.NewEncoder(&buf)

	if err := enc.WriteByte(0xAB); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}

	if err := enc.WriteBool(true); err != nil {
		t.Fatalf("WriteBool: %v", err)
	}

	uvarints := []uint64{0, 1, 127, 128, 1 << 20, math.MaxUint64}
	for _, v := range uvarints {
		if err := enc.WriteUvarint(v); err != nil {
			t.Fatalf("WriteUvarint(%d): %v", v, err)
		}
	}

	varints := []int64{0, -1, 63, -64, math.MinInt64, math.MaxInt64}
	for _, v := range varints {
		if err := enc.WriteVarint(v); err != nil {
			t.Fatalf("WriteVarint(%d): %v", v, err)
		}
	}

	if err := enc.WriteBytes([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	if err := enc.WriteRawString("héllo"); err != nil {
		t.Fatalf("WriteRawString: %v", err)
	}

	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if enc.Offset() != int64(buf.Len()) {
		t.Fatalf("Offset()=%d, want %d", enc.Offset(), buf.Len())
	}

	dec := graphio.NewDecoder(&buf)

	b, err := dec.ReadByte()
	if err != nil || b != 0xAB {
		t.Fatalf("ReadByte=%#x err=%v, want 0xAB", b, err)
	}

	flag, err := dec.ReadBool()
	if err != nil || !flag {
		t.Fatalf("ReadBool=%v err=%v, want true", flag, err)
	}

	for _, want := range uvarints {
		got, err := dec.ReadUvarint()
		if err != nil || got != want {
			t.Fatalf("ReadUvarint=%d err=%v, want %d", got, err, want)
		}
	}

	for _, want := range varints {
		got, err := dec.ReadVarint()
		if err != nil || got != want {
			t.Fatalf("ReadVarint=%d err=%v, want %d", got, err, want)
		}
	}

	p, err := dec.ReadBytes()
	if err != nil || !bytes.Equal(p, []byte{1, 2, 3}) {
		t.Fatalf("ReadBytes=%v err=%v", p, err)
	}

	s, err := dec.ReadRawString()
	if err != nil || s != "héllo" {
		t.Fatalf("ReadRawString=%q err=%v", s, err)
	}
}

func TestDecoder_TruncatedStreamIsCorrupt(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	enc := graphio.NewEncoder(&buf)

	if err := enc.WriteBytes(bytes.Repeat([]byte{7}, 100)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	truncated := buf.Bytes()[:10]

	dec := graphio.NewDecoder(bytes.NewReader(truncated))

	_, err := dec.ReadBytes()
	if !errors.Is(err, graphio.ErrCorrupt) {
		t.Fatalf("err=%v, want ErrCorrupt", err)
	}
}

func TestDecoder_BadBoolByteIsCorrupt(t *testing.T) {
	t.Parallel()

	dec := graphio.NewDecoder(bytes.NewReader([]byte{7}))

	_, err := dec.ReadBool()
	if !errors.Is(err, graphio.ErrCorrupt) {
		t.Fatalf("err=%v, want ErrCorrupt", err)
	}
}

func TestDecoder_ImplausibleLengthIsCorrupt(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	enc := graphio.NewEncoder(&buf)

	// A length prefix far beyond any real payload.
	if err := enc.WriteUvarint(1 << 40); err != nil {
		t.Fatalf("WriteUvarint: %v", err)
	}

	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dec := graphio.NewDecoder(&buf)

	_, err := dec.ReadBytes()
	if !errors.Is(err, graphio.ErrCorrupt) {
		t.Fatalf("err=%v, want ErrCorrupt", err)
	}
}

func TestDecoder_EmptyStreamIsCorrupt(t *testing.T) {
	t.Parallel()

	dec := graphio.NewDecoder(bytes.NewReader(nil))

	_, err := dec.ReadUvarint()
	if !errors.Is(err, graphio.ErrCorrupt) {
		t.Fatalf("err=%v, want ErrCorrupt", err)
	}
}
