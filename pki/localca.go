package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/model"
)

const (
	rootCertFile = "ca.pem"
	rootKeyFile  = "ca-key.sealed"
)

var rootKeyAAD = []byte("ironsign root key v1")

// localCA owns the root material stored under one config path.
type localCA struct {
	cfg    EngineConfig
	engine model.CertificateEngineType
	dir    string

	mu       sync.Mutex
	password string
}

func newLocalCA(cfg EngineConfig, engine model.CertificateEngineType) *localCA {
	return &localCA{
		cfg:      cfg,
		engine:   engine,
		dir:      configPath(cfg.ConfigRoot, cfg.InstanceID, cfg.Generation, engine),
		password: cfg.RootPassword,
	}
}

func (ca *localCA) rootPassword() string {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.password
}

func (ca *localCA) hasRoot() bool {
	for _, name := range []string{rootCertFile, rootKeyFile} {
		if _, err := os.Stat(filepath.Join(ca.dir, name)); err != nil {
			return false
		}
	}
	return true
}

// storeRoot seals keyPEM and writes both files. It refuses to overwrite an
// existing root: a new root means a new generation.
func (ca *localCA) storeRoot(certPEM, keyPEM []byte, password string) ([]byte, error) {
	if ca.hasRoot() {
		return nil, fmt.Errorf("%s: %w", ca.dir, ErrRootExists)
	}
	if _, err := ParseCertificatePEM(certPEM); err != nil {
		return nil, fmt.Errorf("root certificate: %w", err)
	}
	sealedKey, err := util.SealWithPassphrase(keyPEM, password, rootKeyAAD, ca.cfg.KDF)
	if err != nil {
		return nil, fmt.Errorf("sealing root key: %w", err)
	}
	if err := os.MkdirAll(ca.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating config path: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ca.dir, rootKeyFile), sealedKey, 0o600); err != nil {
		return nil, fmt.Errorf("writing root key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ca.dir, rootCertFile), certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing root certificate: %w", err)
	}

	ca.mu.Lock()
	ca.password = password
	ca.mu.Unlock()
	return sealedKey, nil
}

func (ca *localCA) rootCertPEM() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ca.dir, rootCertFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("root certificate missing in %s: %w", ca.dir, ErrSetupNotReady)
	}
	if err != nil {
		return nil, fmt.Errorf("reading root certificate: %w", err)
	}
	return data, nil
}

// loadRoot returns the root certificate and an unsealed signer.
func (ca *localCA) loadRoot() (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := ca.rootCertPEM()
	if err != nil {
		return nil, nil, err
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("root certificate: %w", err)
	}
	sealedKey, err := os.ReadFile(filepath.Join(ca.dir, rootKeyFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("root key missing in %s: %w", ca.dir, ErrSetupNotReady)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading root key: %w", err)
	}
	keyPEM, err := util.OpenWithPassphrase(sealedKey, ca.rootPassword(), rootKeyAAD)
	if errors.Is(err, util.ErrWrongPassphrase) {
		return nil, nil, ErrRootLocked
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening root key: %w", err)
	}
	defer util.WipeBytes(keyPEM)

	ks := ca.cfg.KeyStore
	keyID, err := ks.ImportPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("importing root key: %w", err)
	}
	defer ks.Delete(keyID) //nolint:errcheck
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, nil, err
	}
	return cert, signer, nil
}

// selfSignRoot generates a key pair and a self-signed CA certificate.
func (ca *localCA) selfSignRoot(names RootNames) (certPEM, keyPEM []byte, err error) {
	ks := ca.cfg.KeyStore
	keyID, err := ks.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating root key: %w", err)
	}
	defer ks.Delete(keyID) //nolint:errcheck
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := ca.cfg.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               names.pkixName(),
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(ca.cfg.RootValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating root certificate: %w", err)
	}
	keyPEM, err = ks.ExportPEM(keyID)
	if err != nil {
		return nil, nil, fmt.Errorf("exporting root key: %w", err)
	}
	return encodeCertPEM(der), keyPEM, nil
}

// signLeaf issues a document-signing certificate for csr.
func (ca *localCA) signLeaf(csr *x509.CertificateRequest, validityDays int) ([]byte, error) {
	if validityDays <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %d days", validityDays)
	}
	rootCert, rootSigner, err := ca.loadRoot()
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := ca.cfg.Now().UTC()
	notAfter := now.AddDate(0, 0, validityDays)
	if notAfter.After(rootCert.NotAfter) {
		notAfter = rootCert.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
		EmailAddresses:        csr.EmailAddresses,
		DNSNames:              csr.DNSNames,
	}
	if ca.cfg.CRLBaseURL != "" {
		template.CRLDistributionPoints = []string{CRLURL(ca.cfg.CRLBaseURL, ca.cfg.InstanceID, ca.cfg.Generation, ca.engine)}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, rootCert, csr.PublicKey, rootSigner)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate: %w", err)
	}
	return encodeCertPEM(der), nil
}

// signCRL builds a revocation list over revoked signed by the root.
func (ca *localCA) signCRL(revoked []Revocation, number int64) ([]byte, error) {
	rootCert, rootSigner, err := ca.loadRoot()
	if err != nil {
		return nil, err
	}
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, r := range revoked {
		serial, err := parseSerialHex(r.SerialHex)
		if err != nil {
			return nil, err
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: r.RevokedAt.UTC(),
			ReasonCode:     int(r.Reason),
		})
	}
	now := ca.cfg.Now().UTC()
	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(7 * 24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, rootCert, rootSigner)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return der, nil
}
