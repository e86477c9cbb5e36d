// Package util holds small cryptographic helpers shared by the certificate
// engines and the credentials cache.
package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

// ErrWrongPassphrase is returned when sealed data cannot be opened, either
// because the passphrase is wrong or the data was altered.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted data")

const (
	aesKeySize = 32
	saltSize   = 16
	sealedVer  = 1
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

// sealed is the on-disk form of passphrase-protected data.
type sealed struct {
	Ver        int            `json:"ver"`
	KDF        Argon2idParams `json:"kdf"`
	Salt       []byte         `json:"salt"`
	Ciphertext []byte         `json:"ciphertext"`
}

// Normalize applies NFKD so that visually identical passphrases typed on
// different platforms derive the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func deriveKey(passphrase string, salt []byte, params Argon2idParams) []byte {
	return argon2.IDKey([]byte(Normalize(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, aesKeySize)
}

// SealWithPassphrase encrypts plaintext with AES-256-GCM under an argon2id
// key derived from passphrase. aad binds the ciphertext to its purpose.
func SealWithPassphrase(plaintext []byte, passphrase string, aad []byte, params Argon2idParams) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key := deriveKey(passphrase, salt, params)
	defer WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return json.Marshal(sealed{
		Ver:        sealedVer,
		KDF:        params,
		Salt:       salt,
		Ciphertext: gcm.Seal(nonce, nonce, plaintext, aad),
	})
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(data []byte, passphrase string, aad []byte) ([]byte, error) {
	var s sealed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding sealed data: %w", err)
	}
	if s.Ver != sealedVer {
		return nil, fmt.Errorf("unsupported sealed data version: %d", s.Ver)
	}
	key := deriveKey(passphrase, s.Salt, s.KDF)
	defer WipeBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(s.Ciphertext) < gcm.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	nonce, ct := s.Ciphertext[:gcm.NonceSize()], s.Ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}

// IsSealed reports whether data looks like SealWithPassphrase output.
func IsSealed(data []byte) bool {
	var s sealed
	return json.Unmarshal(data, &s) == nil && s.Ver == sealedVer && len(s.Ciphertext) > 0
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
