// Package encription seals values written to the local store so the offline
// snapshot (student names, attendance) is not kept in clear text on disk.
package encription

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/wurt83ow/hifzkeeper/pkg/storage"
)

const pbkdf2Iterations = 100_000

var ErrCiphertextTooShort = errors.New("ciphertext too short")

type Enc struct {
	aead cipher.AEAD
}

// NewEnc derives an AES-256 key from passphrase and salt.
func NewEnc(passphrase, salt string) (*Enc, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Enc{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (e *Enc) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plain, nil), nil
}

func (e *Enc) Open(sealed []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrCiphertextTooShort
	}
	plain, err := e.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plain, nil
}

// SealedBackend encrypts values on the way into inner and decrypts them on
// the way out. Keys stay in clear text.
type SealedBackend struct {
	inner storage.Backend
	enc   *Enc
}

func NewSealedBackend(inner storage.Backend, enc *Enc) *SealedBackend {
	return &SealedBackend{inner: inner, enc: enc}
}

func (b *SealedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := b.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return b.enc.Open(sealed)
}

func (b *SealedBackend) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := b.enc.Seal(value)
	if err != nil {
		return err
	}
	return b.inner.Put(ctx, key, sealed)
}

func (b *SealedBackend) Delete(ctx context.Context, key string) error {
	return b.inner.Delete(ctx, key)
}
