package pki

import (
	"context"

	"github.com/jmcleod/ironsign/model"
)

// OpenSSLEngine keeps the CA entirely in process: the root is self signed
// and leaves are signed with the locally sealed root key.
type OpenSSLEngine struct {
	cfg EngineConfig
	ca  *localCA
}

var _ Engine = (*OpenSSLEngine)(nil)

// NewOpenSSLEngine builds an engine rooted at cfg.ConfigRoot.
func NewOpenSSLEngine(cfg EngineConfig) *OpenSSLEngine {
	cfg = cfg.withDefaults()
	return &OpenSSLEngine{cfg: cfg, ca: newLocalCA(cfg, model.EngineOpenSSL)}
}

func (e *OpenSSLEngine) Type() model.CertificateEngineType { return model.EngineOpenSSL }

func (e *OpenSSLEngine) GenerateRootCertificate(ctx context.Context, names RootNames, password string) ([]byte, []byte, error) {
	if e.ca.hasRoot() {
		return nil, nil, ErrRootExists
	}
	certPEM, keyPEM, err := e.ca.selfSignRoot(names)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := e.ca.storeRoot(certPEM, keyPEM, password)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, sealed, nil
}

func (e *OpenSSLEngine) IssueLeafCertificate(ctx context.Context, csrPEM []byte, validityDays int) ([]byte, error) {
	csr, err := ParseCSRPEM(csrPEM)
	if err != nil {
		return nil, err
	}
	return e.ca.signLeaf(csr, validityDays)
}

func (e *OpenSSLEngine) SignRevocationList(ctx context.Context, revoked []Revocation, number int64) ([]byte, error) {
	return e.ca.signCRL(revoked, number)
}

func (e *OpenSSLEngine) RootCertificate(ctx context.Context) ([]byte, error) {
	return e.ca.rootCertPEM()
}

func (e *OpenSSLEngine) ConfigPath(instanceID string, generation int) string {
	return configPath(e.cfg.ConfigRoot, instanceID, generation, model.EngineOpenSSL)
}

// IsSetupOK requires both root files on disk.
func (e *OpenSSLEngine) IsSetupOK(ctx context.Context) bool {
	return e.ca.hasRoot()
}
