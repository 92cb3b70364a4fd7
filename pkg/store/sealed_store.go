package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// SealedBackend encrypts the values of selected keys before they reach the
// wrapped backend. Values that fail to open read as absent.
type SealedBackend struct {
	next   Backend
	key    [32]byte
	sealed map[string]struct{}
}

// NewSealedBackend wraps next. base64Key must decode to 32 bytes. When keys is
// empty the access and refresh tokens are sealed.
func NewSealedBackend(next Backend, base64Key string, keys ...string) (*SealedBackend, error) {
	if next == nil {
		return nil, errors.New("sealed backend requires a backend")
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(raw))
	}
	if len(keys) == 0 {
		keys = []string{KeyAccessToken, KeyRefreshToken}
	}
	b := &SealedBackend{next: next, sealed: make(map[string]struct{}, len(keys))}
	copy(b.key[:], raw)
	for _, k := range keys {
		b.sealed[k] = struct{}{}
	}
	return b, nil
}

func (b *SealedBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := b.next.Get(ctx, key)
	if err != nil || !ok || !b.isSealed(key) {
		return value, ok, err
	}
	plain, err := b.open(value)
	if err != nil {
		return "", false, nil
	}
	return plain, true, nil
}

func (b *SealedBackend) Set(ctx context.Context, key, value string) error {
	if !b.isSealed(key) {
		return b.next.Set(ctx, key, value)
	}
	sealed, err := b.seal(value)
	if err != nil {
		return err
	}
	return b.next.Set(ctx, key, sealed)
}

func (b *SealedBackend) Delete(ctx context.Context, key string) error {
	return b.next.Delete(ctx, key)
}

func (b *SealedBackend) Close() error {
	return b.next.Close()
}

func (b *SealedBackend) isSealed(key string) bool {
	_, ok := b.sealed[key]
	return ok
}

func (b *SealedBackend) seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (b *SealedBackend) open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.New("invalid ciphertext")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", errors.New("open sealed value failed")
	}
	return string(plain), nil
}
