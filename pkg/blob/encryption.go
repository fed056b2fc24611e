package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// EncryptionMethod enumerates supported at-rest encryption algorithms.
type EncryptionMethod string

const (
	// EncryptionNone skips encryption entirely.
	EncryptionNone EncryptionMethod = "none"
	// EncryptionAES256CTR encrypts blobs using AES-256 in CTR mode with a
	// random IV prefix.
	EncryptionAES256CTR EncryptionMethod = "aes-256-ctr"
)

// EncryptionOptions describes how blobs are encrypted on disk.
type EncryptionOptions struct {
	Method EncryptionMethod
	Key    []byte
}

// Enabled reports whether encryption should run.
func (o EncryptionOptions) Enabled() bool {
	return o.Method != "" && o.Method != EncryptionNone
}

// Validate ensures the configuration is usable for the selected method.
func (o EncryptionOptions) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case EncryptionAES256CTR:
		if len(o.Key) != 32 {
			return fmt.Errorf("blob: aes-256-ctr requires 32-byte key, got %d", len(o.Key))
		}
	default:
		return fmt.Errorf("blob: unsupported encryption method %q", o.Method)
	}
	return nil
}

// overhead returns the number of bytes the method prepends to each blob.
func (o EncryptionOptions) overhead() int64 {
	if o.Method == EncryptionAES256CTR {
		return aes.BlockSize
	}
	return 0
}

// wrapWriter returns a writer that encrypts streaming data before writing
// to dst, plus the number of header bytes already written (the IV).
func (o EncryptionOptions) wrapWriter(dst io.Writer) (io.Writer, int64, error) {
	if !o.Enabled() {
		return dst, 0, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, 0, err
	}
	if _, err := dst.Write(iv); err != nil {
		return nil, 0, err
	}
	block, err := aes.NewCipher(o.Key)
	if err != nil {
		return nil, 0, err
	}
	stream := cipher.NewCTR(block, iv)
	return &cipher.StreamWriter{S: stream, W: dst}, int64(len(iv)), nil
}

// wrapReader returns a reader that decrypts streaming data from src,
// consuming the IV header first.
func (o EncryptionOptions) wrapReader(src io.Reader) (io.Reader, error) {
	if !o.Enabled() {
		return src, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, errors.New("blob: ciphertext missing IV")
	}
	block, err := aes.NewCipher(o.Key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(block, iv)
	return &cipher.StreamReader{S: stream, R: src}, nil
}
