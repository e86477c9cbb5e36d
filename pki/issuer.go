package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/model"
)

var identityKeyAAD = []byte("ironsign signing key v1")

// Recorder persists the certificates an Issuer hands out so that they can
// later be revoked and published in a CRL.
type Recorder interface {
	RecordIssued(ctx context.Context, entry *model.CrlEntry) error
}

// IdentityRequest describes a signer that needs a certificate.
type IdentityRequest struct {
	Owner      string
	CommonName string
	Email      string
	// Password seals the private key. Empty means an ephemeral identity
	// signed without a password.
	Password     string
	ValidityDays int
}

// Identity is an issued certificate plus its private key.
type Identity struct {
	Certificate *x509.Certificate
	CertPEM     []byte
	RootPEM     []byte
	SerialHex   string
	// KeyPEM is sealed with the request password, or plain for ephemeral
	// identities.
	KeyPEM []byte
	Sealed bool
}

// LoadIdentity rebuilds a stored identity. sealedKey must have been produced
// by IssueIdentity with a password.
func LoadIdentity(certPEM, rootPEM, sealedKey []byte) (*Identity, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Certificate: cert,
		CertPEM:     certPEM,
		RootPEM:     rootPEM,
		SerialHex:   SerialHex(cert.SerialNumber),
		KeyPEM:      sealedKey,
		Sealed:      true,
	}, nil
}

// Subject returns the certificate subject as a DN string.
func (id *Identity) Subject() string {
	return subjectString(id.Certificate.Subject)
}

// Chain returns the intermediate chain to embed in signatures.
func (id *Identity) Chain() ([]*x509.Certificate, error) {
	if len(id.RootPEM) == 0 {
		return nil, nil
	}
	root, err := ParseCertificatePEM(id.RootPEM)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{root}, nil
}

// Signer unseals the private key. password is ignored for ephemeral
// identities.
func (id *Identity) Signer(password string) (crypto.Signer, error) {
	keyPEM := id.KeyPEM
	if id.Sealed {
		plain, err := util.OpenWithPassphrase(id.KeyPEM, password, identityKeyAAD)
		if err != nil {
			return nil, err
		}
		defer util.WipeBytes(plain)
		keyPEM = plain
	}
	priv, err := parseECKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// Issuer generates a key, builds a CSR and has the engine sign it.
type Issuer struct {
	engine   Engine
	keys     KeyStore
	recorder Recorder
	kdf      util.Argon2idParams
	now      func() time.Time

	instanceID string
	generation int
}

// NewIssuer wires an issuer. recorder may be nil.
func NewIssuer(engine Engine, cfg EngineConfig, recorder Recorder) *Issuer {
	cfg = cfg.withDefaults()
	return &Issuer{
		engine:     engine,
		keys:       cfg.KeyStore,
		recorder:   recorder,
		kdf:        cfg.KDF,
		now:        cfg.Now,
		instanceID: cfg.InstanceID,
		generation: cfg.Generation,
	}
}

// Engine returns the engine the issuer signs with.
func (i *Issuer) Engine() Engine { return i.engine }

// IssueIdentity issues a leaf certificate for req and records it as ISSUED.
func (i *Issuer) IssueIdentity(ctx context.Context, req IdentityRequest) (*Identity, error) {
	if req.CommonName == "" {
		return nil, errors.New("common name is required")
	}
	if req.ValidityDays <= 0 {
		req.ValidityDays = 365
	}
	if !i.engine.IsSetupOK(ctx) {
		return nil, ErrSetupNotReady
	}

	keyID, err := i.keys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	defer i.keys.Delete(keyID) //nolint:errcheck
	signer, err := i.keys.Signer(keyID)
	if err != nil {
		return nil, err
	}
	subject := pkix.Name{CommonName: req.CommonName}
	tmpl := &x509.CertificateRequest{Subject: subject}
	if req.Email != "" {
		tmpl.EmailAddresses = []string{req.Email}
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, tmpl, signer)
	if err != nil {
		return nil, fmt.Errorf("creating CSR: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	certPEM, err := i.engine.IssueLeafCertificate(ctx, csrPEM, req.ValidityDays)
	if err != nil {
		return nil, fmt.Errorf("issuing certificate: %w", err)
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	rootPEM, err := i.engine.RootCertificate(ctx)
	if err != nil {
		return nil, err
	}

	keyPEM, err := i.keys.ExportPEM(keyID)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		Certificate: cert,
		CertPEM:     certPEM,
		RootPEM:     rootPEM,
		SerialHex:   SerialHex(cert.SerialNumber),
		KeyPEM:      keyPEM,
	}
	if req.Password != "" {
		sealed, err := util.SealWithPassphrase(keyPEM, req.Password, identityKeyAAD, i.kdf)
		util.WipeBytes(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("sealing key: %w", err)
		}
		id.KeyPEM = sealed
		id.Sealed = true
	}

	if i.recorder != nil {
		entry := &model.CrlEntry{
			SerialNumber:          id.SerialHex,
			Owner:                 req.Owner,
			InstanceID:            i.instanceID,
			Generation:            i.generation,
			Engine:                i.engine.Type(),
			Status:                model.CRLStatusIssued,
			IssuedAt:              i.now().UTC(),
			ValidTo:               cert.NotAfter.UTC(),
			SignedWithoutPassword: req.Password == "",
		}
		if err := i.recorder.RecordIssued(ctx, entry); err != nil {
			return nil, fmt.Errorf("recording issued certificate: %w", err)
		}
	}
	return id, nil
}
