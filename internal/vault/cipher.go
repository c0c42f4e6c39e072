package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = 32

// Keyring keeps the master key inside a memguard enclave and derives
// per-purpose subkeys from it.
type Keyring struct {
	enclave *memguard.Enclave
}

// NewKeyring moves key into protected memory. key is wiped.
func NewKeyring(key []byte) (*Keyring, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return &Keyring{enclave: memguard.NewEnclave(key)}, nil
}

// KeyringFromBase64 decodes a standard base64 master key.
func KeyringFromBase64(encoded string) (*Keyring, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	return NewKeyring(raw)
}

// GenerateKeyring returns a keyring over a fresh random key, for tests and first boot.
func GenerateKeyring() (*Keyring, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return NewKeyring(key)
}

// Derive expands a subkey for purpose using HKDF-SHA256.
func (k *Keyring) Derive(purpose string) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("vault: open enclave: %w", err)
	}
	defer buf.Destroy()

	sub := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, buf.Bytes(), nil, []byte("revealgate/"+purpose))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("vault: derive %s: %w", purpose, err)
	}
	return sub, nil
}

// Cipher seals values with XChaCha20-Poly1305.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a key for purpose and builds the AEAD.
func NewCipher(k *Keyring, purpose string) (*Cipher, error) {
	key, err := k.Derive(purpose)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	memguard.WipeBytes(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init aead: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed string, aad []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrCorrupt
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return nil, ErrCorrupt
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], aad)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}
