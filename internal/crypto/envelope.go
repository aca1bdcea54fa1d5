// Package crypto seals small secrets such as card numbers with AES-256-GCM
// under a fresh data key per record. Data keys are wrapped by a KMS master
// key and stored next to the ciphertext.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Sealed is a ciphertext together with everything needed to open it except
// the master key.
type Sealed struct {
	Ciphertext []byte
	WrappedKey []byte
	Nonce      []byte
	KeyID      string
}

// Envelope encrypts with per-record data keys obtained from a KMS.
type Envelope struct {
	kms KMS
}

func NewEnvelope(kms KMS) *Envelope {
	return &Envelope{kms: kms}
}

// Seal encrypts plaintext bound to aad. The same aad must be presented to Open.
func (e *Envelope) Seal(ctx context.Context, plaintext, aad []byte) (*Sealed, error) {
	keyID, err := e.kms.KeyID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve master key: %w", err)
	}
	dataKey, wrapped, err := e.kms.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Sealed{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
		WrappedKey: wrapped,
		Nonce:      nonce,
		KeyID:      keyID,
	}, nil
}

// Open reverses Seal. Any tampering with the ciphertext, nonce or aad fails.
func (e *Envelope) Open(ctx context.Context, s *Sealed, aad []byte) ([]byte, error) {
	dataKey, err := e.kms.Decrypt(ctx, s.WrappedKey, s.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
