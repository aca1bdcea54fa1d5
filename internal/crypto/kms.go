package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KMS generates and unwraps data keys under named master keys.
type KMS interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error)
	Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error)
	KeyID(ctx context.Context) (string, error)
}

// FileKMS keeps hex-encoded 256-bit master keys as <keyID>.key files in a
// directory and wraps data keys with AES-GCM. It suits single-node
// deployments and tests.
type FileKMS struct {
	dir     string
	current string
	mu      sync.RWMutex
	keys    map[string][]byte
}

// NewFileKMS opens dir, loading any existing keys. currentKeyID names the
// key used for new data keys and is created on first use.
func NewFileKMS(dir, currentKeyID string) (*FileKMS, error) {
	if currentKeyID == "" {
		return nil, errors.New("key ID must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	k := &FileKMS{dir: dir, current: currentKeyID, keys: make(map[string][]byte)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".key") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", e.Name(), err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("malformed key file %s", e.Name())
		}
		k.keys[strings.TrimSuffix(e.Name(), ".key")] = key
	}
	return k, nil
}

func (k *FileKMS) KeyID(context.Context) (string, error) {
	return k.current, nil
}

func (k *FileKMS) GenerateDataKey(ctx context.Context, keyID string) ([]byte, []byte, error) {
	master, err := k.masterKey(keyID, true)
	if err != nil {
		return nil, nil, err
	}
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	gcm, err := newGCM(master)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	// wrapped layout: nonce || sealed data key
	wrapped := gcm.Seal(nonce, nonce, dataKey, []byte(keyID))
	return dataKey, wrapped, nil
}

func (k *FileKMS) Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error) {
	master, err := k.masterKey(keyID, false)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(master)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errors.New("wrapped key too short")
	}
	nonce, sealed := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	dataKey, err := gcm.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	return dataKey, nil
}

func (k *FileKMS) masterKey(keyID string, create bool) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[keyID]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}
	if !create {
		return nil, fmt.Errorf("master key not found for key ID: %s", keyID)
	}
	if keyID == "" || strings.ContainsAny(keyID, `/\`) {
		return nil, fmt.Errorf("invalid key ID %q", keyID)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[keyID]; ok {
		return key, nil
	}
	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	path := filepath.Join(k.dir, keyID+".key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}
	k.keys[keyID] = key
	return key, nil
}
