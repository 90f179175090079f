// Package cryptoutils implements the credential vault: generation of
// high-entropy secrets and per-record wrapping keys, and authenticated
// at-rest encryption of secret values.
//
// Each provisioning record owns exactly one wrapping key, generated at
// record creation. All of that record's secret fields (root password,
// wallet key material) are sealed with the same key; keys are never reused
// across records. Decryption is only ever performed transiently.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// WrappingKey is a 32-byte AES-256 key sealing one record's secret fields.
type WrappingKey []byte

// ErrDecryption indicates an authenticated-decryption failure: malformed
// ciphertext or a key that does not match. It is always fatal; a corrupted
// key cannot be fixed by retrying.
var ErrDecryption = errors.New("decryption failed")

const (
	// secretLength is the length of generated instance passwords.
	secretLength = 32

	// wrappingKeySize is the AES-256 key size.
	wrappingKeySize = 32

	// nonceSize is the standard GCM nonce size. The nonce is generated
	// fresh per Seal call and prepended to the ciphertext.
	nonceSize = 12
)

// secretCharset covers letters, digits and shell-safe punctuation.
const secretCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!#%+,-./:=@^_~"

// GenerateSecretAndKey produces a fresh instance root password and the
// wrapping key that will seal it. It fails only on entropy-source
// exhaustion, which is fatal and non-retryable.
func GenerateSecretAndKey() (string, WrappingKey, error) {
	secret, err := GenerateSecret(secretLength)
	if err != nil {
		return "", nil, err
	}

	key := make(WrappingKey, wrappingKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", nil, fmt.Errorf("failed to generate wrapping key: %w", err)
	}

	return secret, key, nil
}

// GenerateSecret returns a random string of the given length drawn from
// letters, digits and punctuation.
func GenerateSecret(length int) (string, error) {
	max := big.NewInt(int64(len(secretCharset)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate secret: %w", err)
		}
		buf[i] = secretCharset[n.Int64()]
	}
	return string(buf), nil
}

// Seal encrypts plaintext under the wrapping key using AES-GCM. Output
// format: [12-byte nonce][ciphertext+tag]. A fresh nonce is generated per
// call, so sealing the same plaintext twice never yields the same bytes.
func Seal(key WrappingKey, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal. It returns an error wrapping
// ErrDecryption when the ciphertext is malformed or the key does not match;
// it never silently returns garbage.
func Open(key WrappingKey, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key WrappingKey) (cipher.AEAD, error) {
	if len(key) != wrappingKeySize {
		return nil, fmt.Errorf("invalid wrapping key length: %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
