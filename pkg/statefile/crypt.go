package statefile

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Encryption errors.
var (
	ErrBadKey     = errors.New("statefile: invalid encryption key")
	ErrCiphertext = errors.New("statefile: cannot decrypt state file")
)

// EncryptionProvider wraps raw state file streams. Wrapping is applied
// to the outermost byte stream; any record or string encoding layers
// above it.
type EncryptionProvider interface {
	// WrapWriter returns a stream that encrypts everything written to it
	// into dst. Closing the returned stream finalizes the ciphertext and
	// closes dst.
	WrapWriter(dst io.WriteCloser) (io.WriteCloser, error)

	// WrapReader returns a stream decrypting src. Closing it closes src.
	WrapReader(src io.ReadCloser) (io.ReadCloser, error)
}

// NoEncryption passes streams through unmodified.
type NoEncryption struct{}

func (NoEncryption) WrapWriter(dst io.WriteCloser) (io.WriteCloser, error) { return dst, nil }

func (NoEncryption) WrapReader(src io.ReadCloser) (io.ReadCloser, error) { return src, nil }

// AESProvider encrypts whole state files with AES-GCM.
//
// The on-disk layout is nonce || ciphertext. State files are written
// atomically as one payload, so sealing the full stream in one AEAD
// operation both encrypts and authenticates it; a truncated or tampered
// file fails to open.
type AESProvider struct {
	aead cipher.AEAD
}

// NewAESProvider builds a provider from a raw AES key.
// key must be a valid AES length (16/24/32 bytes).
func NewAESProvider(key []byte) (*AESProvider, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}

	return &AESProvider{aead: aead}, nil
}

func (p *AESProvider) WrapWriter(dst io.WriteCloser) (io.WriteCloser, error) {
	return &sealWriter{aead: p.aead, dst: dst}, nil
}

func (p *AESProvider) WrapReader(src io.ReadCloser) (io.ReadCloser, error) {
	payload, readErr := io.ReadAll(src)

	closeErr := src.Close()
	if err := errors.Join(readErr, closeErr); err != nil {
		return nil, fmt.Errorf("read encrypted state: %w", err)
	}

	nonceSize := p.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, fmt.Errorf("%w: too short", ErrCiphertext)
	}

	plaintext, openErr := p.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if openErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrCiphertext, openErr)
	}

	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// sealWriter buffers plaintext and seals it into dst on Close.
type sealWriter struct {
	aead   cipher.AEAD
	dst    io.WriteCloser
	buf    bytes.Buffer
	closed bool
}

func (w *sealWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *sealWriter) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	// A fresh nonce per file; the same key seals every encryptable file
	// of a cache session.
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		_ = w.dst.Close()

		return fmt.Errorf("read nonce: %w", err)
	}

	ciphertext := w.aead.Seal(nil, nonce, w.buf.Bytes(), nil)

	_, writeNonceErr := w.dst.Write(nonce)

	var writeCtErr error
	if writeNonceErr == nil {
		_, writeCtErr = w.dst.Write(ciphertext)
	}

	closeErr := w.dst.Close()

	if err := errors.Join(writeNonceErr, writeCtErr); err != nil {
		return fmt.Errorf("write encrypted state: %w", err)
	}

	return closeErr
}

// Abort discards the plaintext and aborts the destination stream.
func (w *sealWriter) Abort() error {
	w.closed = true
	w.buf.Reset()

	if aborter, ok := w.dst.(Aborter); ok {
		return aborter.Abort()
	}

	return w.dst.Close()
}
