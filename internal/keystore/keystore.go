// Package keystore protects the gateway's identity key at rest:
// AES-256-GCM for the cipher, Argon2id to stretch the operator passphrase.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard nonce size
	SaltSize  = 16 // salt for passphrase derivation
)

// Argon2id parameters, RFC 9106 second recommended option. Changing them
// invalidates existing keystore files.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Encrypt seals plaintext under a raw 32-byte key.
// Returns base64 of nonce || ciphertext.
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("encryption key must be 32 bytes long")
	}

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aesGcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("encryption key must be 32 bytes long")
	}

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	if len(decoded) < NonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, cipherData := decoded[:NonceSize], decoded[NonceSize:]

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	plaintext, err := aesGcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return "", errors.New("decryption failed: invalid key or corrupted data")
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey stretches a passphrase into an encryption key with Argon2id.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// EncryptWithPassword seals plaintext under a passphrase.
// Returns base64 of salt || nonce || ciphertext; the salt is fresh per call.
func EncryptWithPassword(plaintext, password string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	sealed, err := Encrypt(plaintext, DeriveKey(password, salt))
	if err != nil {
		return "", err
	}
	inner, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(salt, inner...)), nil
}

// DecryptWithPassword opens a payload produced by EncryptWithPassword.
func DecryptWithPassword(ciphertext, password string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	if len(decoded) < SaltSize+NonceSize {
		return "", errors.New("ciphertext too short")
	}
	salt, inner := decoded[:SaltSize], decoded[SaltSize:]

	return Decrypt(base64.StdEncoding.EncodeToString(inner), DeriveKey(password, salt))
}
