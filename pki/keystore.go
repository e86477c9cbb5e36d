package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// KeyStore abstracts private-key generation so that root and leaf keys can
// come from software or from a device without changing the engines.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as SEC1 or PKCS8 PEM. Stores whose
	// keys cannot leave the device return ErrKeyNotExportable.
	ExportPEM(keyID string) ([]byte, error)

	// ImportPEM loads a PEM-encoded private key and returns its key ID.
	ImportPEM(pemData []byte) (keyID string, err error)

	// Delete forgets the key identified by keyID.
	Delete(keyID string) error
}

var (
	// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the private
	// key material cannot leave the backing store.
	ErrKeyNotExportable = errors.New("private key is not exportable")

	// ErrKeyNotFound is returned when the referenced key ID does not exist.
	ErrKeyNotFound = errors.New("key not found")
)

// SoftwareKeyStore holds ECDSA P-256 private keys in process memory. It is
// the default KeyStore. Callers persist keys through ExportPEM and are
// expected to Delete them once persisted.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{keys: make(map[string]*ecdsa.PrivateKey)}
}

func (s *SoftwareKeyStore) add(priv *ecdsa.PrivateKey) string {
	id := "sw-" + uuid.NewString()
	s.mu.Lock()
	s.keys[id] = priv
	s.mu.Unlock()
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// GenerateKey creates a new ECDSA P-256 key pair.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return s.add(priv), nil
}

func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	return s.get(keyID)
}

// ExportPEM encodes the private key as SEC1 "EC PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) ([]byte, error) {
	priv, err := s.get(keyID)
	if err != nil {
		return nil, err
	}
	return encodeKeyPEM(priv)
}

// ImportPEM accepts SEC1 and PKCS8 encoded ECDSA keys.
func (s *SoftwareKeyStore) ImportPEM(pemData []byte) (string, error) {
	priv, err := parseECKeyPEM(pemData)
	if err != nil {
		return "", err
	}
	return s.add(priv), nil
}

func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	delete(s.keys, keyID)
	s.mu.Unlock()
	return nil
}

func encodeKeyPEM(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func parseECKeyPEM(pemData []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		priv, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return priv, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidPEM)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
}
