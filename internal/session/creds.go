package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// credStore persists session cookies encrypted at rest with AES-GCM.
// The key is a per-install random 256-bit secret stored 0600 next to the
// session file.
type credStore struct {
	path    string
	keyPath string
}

func newCredStore(path, keyPath string) *credStore {
	return &credStore{path: path, keyPath: keyPath}
}

func (c *credStore) exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

func (c *credStore) save(cookies []Cookie) error {
	plaintext, err := json.Marshal(cookies)
	if err != nil {
		return err
	}

	gcm, err := c.cipher(true)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return os.WriteFile(c.path, sealed, 0600)
}

func (c *credStore) load() ([]Cookie, error) {
	sealed, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	gcm, err := c.cipher(false)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("session file corrupt")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt session: %w", err)
	}

	var cookies []Cookie
	if err := json.Unmarshal(plaintext, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

func (c *credStore) remove() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// cipher loads the at-rest key, generating one when create is set and no key
// exists yet.
func (c *credStore) cipher(create bool) (cipher.AEAD, error) {
	key, err := os.ReadFile(c.keyPath)
	if errors.Is(err, os.ErrNotExist) && create {
		key = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, err
		}
		if err := os.WriteFile(c.keyPath, key, 0600); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
