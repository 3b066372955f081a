// Package crypto provides authenticated encryption for refresh tokens at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12

	previewHead = 6
	previewTail = 4
)

// derivationSalt pins the fallback key derivation so fingerprints and
// ciphertexts stay stable across restarts on the same machine.
var derivationSalt = []byte("warp-gateway/token-box/v1")

var (
	// ErrEmptyToken is returned when an empty refresh token is encrypted.
	ErrEmptyToken = errors.New("refresh token is empty")
	// ErrInvalidCiphertext is returned when a stored ciphertext cannot be decoded.
	ErrInvalidCiphertext = errors.New("invalid encrypted token payload")
)

// Box seals and opens refresh tokens with AES-256-GCM.
// Each ciphertext embeds its nonce: base64url(nonce || ciphertext || tag).
type Box struct {
	aead cipher.AEAD
}

// BoxOptions configures the crypto box.
type BoxOptions struct {
	// Key is the base64url-encoded 32-byte key. Empty or malformed keys
	// fall back to derivation from Seed (development only).
	Key string
	// Seed feeds the fallback key derivation, typically the admin token.
	Seed string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewBox creates a crypto box from an explicit key or a derived fallback.
func NewBox(opts BoxOptions) (*Box, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key, ok := decodeKey(opts.Key)
	if !ok {
		if opts.Key != "" {
			logger.Warn("TOKEN_ENCRYPTION_KEY is invalid, falling back to derived key")
		}
		key = deriveKey(opts.Seed)
		logger.Warn("using derived encryption key; set TOKEN_ENCRYPTION_KEY for production")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Box{aead: aead}, nil
}

// decodeKey decodes a base64url key, returning false unless it is exactly 32 bytes.
func decodeKey(raw string) ([]byte, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil || len(decoded) != KeySize {
		return nil, false
	}
	return decoded, true
}

// deriveKey expands a machine-bound seed into a 32-byte key via HKDF-SHA256.
func deriveKey(seed string) []byte {
	host, _ := os.Hostname()
	secret := []byte(seed + "|" + host)

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, secret, derivationSalt, []byte("refresh-token-box"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(err)
	}
	return key
}

// Encrypt seals a refresh token and returns the encoded ciphertext.
func (b *Box) Encrypt(plaintext string) (string, error) {
	token := strings.TrimSpace(plaintext)
	if token == "" {
		return "", ErrEmptyToken
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(token), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an encoded ciphertext produced by Encrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) <= NonceSize {
		return "", ErrInvalidCiphertext
	}

	plain, err := b.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}

// Fingerprint returns the stable SHA-256 hex digest of a refresh token.
// It is independent of the encryption key and used for import deduplication.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// Preview masks a token for display, keeping a fixed head and tail.
func Preview(token string) string {
	t := strings.TrimSpace(token)
	if t == "" {
		return ""
	}
	if len(t) <= previewHead+previewTail {
		if len(t) < 2 {
			return "***"
		}
		return t[:2] + "***"
	}
	return t[:previewHead] + "..." + t[len(t)-previewTail:]
}
