// Package pki issues the X.509 material used to sign documents. Two
// certificate engines are supported: an OpenSSL-style engine that keeps the
// root key on local disk and signs in process, and a CFSSL engine that
// delegates leaf issuance to a CFSSL server. Both keep the root certificate
// and its password-sealed key under a per-(instance, generation) config path
// so that revocation lists can always be signed locally.
package pki

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/model"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrEngineNotFound is returned by NewEngine for unknown engine names.
	ErrEngineNotFound = errors.New("certificate engine not found")

	// ErrSetupNotReady is returned when the root certificate, its key or the
	// engine's backing service is missing. Callers should retry later or
	// ask an administrator to finish setup.
	ErrSetupNotReady = errors.New("certificate engine is not ready yet")

	// ErrRootExists is returned when generating a root over an existing one.
	ErrRootExists = errors.New("root certificate already exists")

	// ErrRootLocked is returned when the configured root password does not
	// open the sealed root key.
	ErrRootLocked = errors.New("root key password is invalid")

	// ErrEngineUnavailable wraps transport failures talking to a remote engine.
	ErrEngineUnavailable = errors.New("certificate engine unavailable")

	// ErrValidityMismatch is returned when a remote engine issues a leaf
	// outliving the requested validity.
	ErrValidityMismatch = errors.New("issued certificate validity does not match the request")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidCSR is returned for malformed or badly signed requests.
	ErrInvalidCSR = errors.New("invalid certificate signing request")
)

// ---------------------------------------------------------------------------
// Engine contract
// ---------------------------------------------------------------------------

// RootNames is the distinguished name of a root certificate.
type RootNames struct {
	CommonName         string `json:"common_name"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty"`
	Country            string `json:"country,omitempty"`
	State              string `json:"state,omitempty"`
	Locality           string `json:"locality,omitempty"`
}

func (n RootNames) pkixName() pkix.Name {
	name := pkix.Name{CommonName: n.CommonName}
	if n.Organization != "" {
		name.Organization = []string{n.Organization}
	}
	if n.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{n.OrganizationalUnit}
	}
	if n.Country != "" {
		name.Country = []string{n.Country}
	}
	if n.State != "" {
		name.Province = []string{n.State}
	}
	if n.Locality != "" {
		name.Locality = []string{n.Locality}
	}
	return name
}

// Revocation is one line of a certificate revocation list.
type Revocation struct {
	SerialHex string
	RevokedAt time.Time
	Reason    model.CRLReason
}

// Engine abstracts certificate generation across backends.
type Engine interface {
	Type() model.CertificateEngineType

	// GenerateRootCertificate creates the root certificate for the
	// configured instance and generation. The returned key is sealed with
	// password and is never written to disk in the clear.
	GenerateRootCertificate(ctx context.Context, names RootNames, password string) (certPEM, sealedKey []byte, err error)

	// IssueLeafCertificate signs a PEM encoded CSR.
	IssueLeafCertificate(ctx context.Context, csrPEM []byte, validityDays int) (certPEM []byte, err error)

	// SignRevocationList produces a DER encoded CRL signed by the root.
	SignRevocationList(ctx context.Context, revoked []Revocation, number int64) ([]byte, error)

	// RootCertificate returns the PEM encoded root certificate.
	RootCertificate(ctx context.Context) ([]byte, error)

	// ConfigPath is the directory holding root material for one generation.
	ConfigPath(instanceID string, generation int) string

	// IsSetupOK reports whether the engine can issue certificates now.
	IsSetupOK(ctx context.Context) bool
}

// EngineConfig carries everything an engine needs. Zero values fall back to
// sensible defaults.
type EngineConfig struct {
	// ConfigRoot is the base directory for root material.
	ConfigRoot string
	InstanceID string
	Generation int
	// RootPassword opens the sealed root key for issuance and CRL signing.
	RootPassword string
	// RootValidityYears defaults to 10.
	RootValidityYears int
	// CRLBaseURL, when set, adds a CRL distribution point to issued leaves.
	CRLBaseURL string
	// CFSSLURL is the CFSSL server base URL, e.g. http://127.0.0.1:8888.
	CFSSLURL string
	// HTTPClient is used for CFSSL calls. Defaults to a 10 second timeout.
	HTTPClient *http.Client
	// KDF tunes root key sealing. Zero selects util.DefaultArgon2idParams.
	KDF util.Argon2idParams
	// KeyStore generates key pairs. Defaults to a SoftwareKeyStore.
	KeyStore KeyStore
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.RootValidityYears <= 0 {
		c.RootValidityYears = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.KDF == (util.Argon2idParams{}) {
		c.KDF = util.DefaultArgon2idParams()
	}
	if c.KeyStore == nil {
		c.KeyStore = NewSoftwareKeyStore()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// NewEngine resolves engineType ("o", "openssl", "c", "cfssl") and builds the
// matching engine.
func NewEngine(engineType string, cfg EngineConfig) (Engine, error) {
	t, ok := model.EngineTypeTryFrom(engineType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotFound, engineType)
	}
	cfg = cfg.withDefaults()
	switch t {
	case model.EngineOpenSSL:
		return NewOpenSSLEngine(cfg), nil
	case model.EngineCFSSL:
		return NewCFSSLEngine(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrEngineNotFound, engineType)
}

// configPath builds <root>/<instance>/pki/<generation>/<engine>.
func configPath(root, instanceID string, generation int, t model.CertificateEngineType) string {
	return filepath.Join(root, instanceID, "pki", strconv.Itoa(generation), string(t))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// ParseCertificatePEM decodes one PEM certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseCSRPEM decodes a PEM certificate request and checks its signature.
func ParseCSRPEM(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: expected CERTIFICATE REQUEST PEM block", ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}

// SerialHex renders a serial number the way CRL entries are keyed.
func SerialHex(serial *big.Int) string {
	return strings.ToLower(hex.EncodeToString(serial.Bytes()))
}

func parseSerialHex(s string) (*big.Int, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid serial %q: %w", s, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// randomSerial returns a positive 127-bit serial number.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return n.Add(n, big.NewInt(1)), nil
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}
