package event

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// Cipher wraps a serialized payload opaquely.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// hkdfInfo binds derived keys to this use so the same secret can serve
// other purposes without key reuse.
const hkdfInfo = "identity-sagas/event-payload/v1"

// DeriveKey expands a shared secret into a 32-byte AES-256 key.
func DeriveKey(secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("event: empty payload secret")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("event: derive key: %w", err)
	}
	return key, nil
}

// AESCipher is AES-GCM with a random nonce prepended to the sealed bytes,
// base64-encoded for transport.
type AESCipher struct {
	aead cipher.AEAD
}

func NewAESCipher(key []byte) (*AESCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("event: aes key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("event: gcm: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("event: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCipher) Decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errs.E(errs.Decryption, "cipher.Decrypt", err)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return nil, errs.Errorf(errs.Decryption, "cipher.Decrypt", "ciphertext shorter than nonce (%d bytes)", len(data))
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, errs.E(errs.Decryption, "cipher.Decrypt", err)
	}
	return plain, nil
}
