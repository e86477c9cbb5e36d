package pki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmcleod/ironsign/model"
)

// CFSSLEngine delegates root creation and leaf signing to a CFSSL server.
// The root key CFSSL returns is sealed and kept locally so revocation lists
// can be signed without a round trip.
type CFSSLEngine struct {
	cfg EngineConfig
	ca  *localCA
}

var _ Engine = (*CFSSLEngine)(nil)

// NewCFSSLEngine builds an engine talking to cfg.CFSSLURL.
func NewCFSSLEngine(cfg EngineConfig) *CFSSLEngine {
	cfg = cfg.withDefaults()
	return &CFSSLEngine{cfg: cfg, ca: newLocalCA(cfg, model.EngineCFSSL)}
}

type cfsslName struct {
	C  string `json:"C,omitempty"`
	ST string `json:"ST,omitempty"`
	L  string `json:"L,omitempty"`
	O  string `json:"O,omitempty"`
	OU string `json:"OU,omitempty"`
}

type cfsslKey struct {
	Algo string `json:"algo"`
	Size int    `json:"size"`
}

type cfsslCAConfig struct {
	Expiry string `json:"expiry"`
}

type cfsslInitCARequest struct {
	CN    string        `json:"CN"`
	Names []cfsslName   `json:"names"`
	Key   cfsslKey      `json:"key"`
	CA    cfsslCAConfig `json:"ca"`
}

// cfsslSignRequest follows the CFSSL signer.SignRequest body. Its
// NotBefore and NotAfter fields carry no JSON tag upstream.
type cfsslSignRequest struct {
	CertificateRequest string    `json:"certificate_request"`
	Profile            string    `json:"profile,omitempty"`
	NotBefore          time.Time `json:"NotBefore"`
	NotAfter           time.Time `json:"NotAfter"`
}

type cfsslMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cfsslResponse struct {
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result"`
	Errors   []cfsslMessage  `json:"errors"`
	Messages []cfsslMessage  `json:"messages"`
}

type cfsslInitCAResult struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

type cfsslSignResult struct {
	Certificate string `json:"certificate"`
}

// cfsslServerConfig mirrors the signing section of a cfssl config.json.
type cfsslServerConfig struct {
	Signing struct {
		Default struct {
			Usages []string `json:"usages"`
			Expiry string   `json:"expiry"`
		} `json:"default"`
	} `json:"signing"`
}

func (e *CFSSLEngine) Type() model.CertificateEngineType { return model.EngineCFSSL }

func (e *CFSSLEngine) GenerateRootCertificate(ctx context.Context, names RootNames, password string) ([]byte, []byte, error) {
	if e.ca.hasRoot() {
		return nil, nil, ErrRootExists
	}
	req := cfsslInitCARequest{
		CN: names.CommonName,
		Names: []cfsslName{{
			C: names.Country, ST: names.State, L: names.Locality,
			O: names.Organization, OU: names.OrganizationalUnit,
		}},
		Key: cfsslKey{Algo: "ecdsa", Size: 256},
		CA:  cfsslCAConfig{Expiry: fmt.Sprintf("%dh", e.cfg.RootValidityYears*365*24)},
	}
	var result cfsslInitCAResult
	if err := e.call(ctx, "/api/v1/cfssl/init_ca", req, &result); err != nil {
		return nil, nil, err
	}
	if result.Certificate == "" || result.PrivateKey == "" {
		return nil, nil, fmt.Errorf("cfssl init_ca: empty certificate or key")
	}
	sealed, err := e.ca.storeRoot([]byte(result.Certificate), []byte(result.PrivateKey), password)
	if err != nil {
		return nil, nil, err
	}
	if err := e.writeServerConfig(); err != nil {
		return nil, nil, err
	}
	return []byte(result.Certificate), sealed, nil
}

func (e *CFSSLEngine) writeServerConfig() error {
	var sc cfsslServerConfig
	sc.Signing.Default.Usages = []string{"signing", "digital signature", "content commitment", "email protection"}
	sc.Signing.Default.Expiry = "8760h"
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cfssl config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.ca.dir, "config.json"), data, 0o600); err != nil {
		return fmt.Errorf("writing cfssl config: %w", err)
	}
	return nil
}

func (e *CFSSLEngine) IssueLeafCertificate(ctx context.Context, csrPEM []byte, validityDays int) ([]byte, error) {
	if _, err := ParseCSRPEM(csrPEM); err != nil {
		return nil, err
	}
	if !e.ca.hasRoot() {
		return nil, ErrSetupNotReady
	}
	if validityDays <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %d days", validityDays)
	}
	now := e.cfg.Now().UTC().Truncate(time.Second)
	req := cfsslSignRequest{
		CertificateRequest: string(csrPEM),
		NotBefore:          now.Add(-time.Minute),
		NotAfter:           now.AddDate(0, 0, validityDays),
	}
	var result cfsslSignResult
	if err := e.call(ctx, "/api/v1/cfssl/sign", req, &result); err != nil {
		return nil, err
	}
	cert, err := ParseCertificatePEM([]byte(result.Certificate))
	if err != nil {
		return nil, fmt.Errorf("cfssl sign: %w", err)
	}
	// A server whose profile overrides the requested window is refused.
	if cert.NotAfter.After(req.NotAfter.Add(24 * time.Hour)) {
		return nil, fmt.Errorf("%w: requested %d days, cfssl issued until %s",
			ErrValidityMismatch, validityDays, cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return []byte(result.Certificate), nil
}

// SignRevocationList signs locally with the sealed root key.
func (e *CFSSLEngine) SignRevocationList(ctx context.Context, revoked []Revocation, number int64) ([]byte, error) {
	return e.ca.signCRL(revoked, number)
}

func (e *CFSSLEngine) RootCertificate(ctx context.Context) ([]byte, error) {
	return e.ca.rootCertPEM()
}

func (e *CFSSLEngine) ConfigPath(instanceID string, generation int) string {
	return configPath(e.cfg.ConfigRoot, instanceID, generation, model.EngineCFSSL)
}

// IsSetupOK requires local root material and a CFSSL server answering
// /api/v1/cfssl/info.
func (e *CFSSLEngine) IsSetupOK(ctx context.Context) bool {
	if !e.ca.hasRoot() {
		return false
	}
	return e.call(ctx, "/api/v1/cfssl/info", struct{}{}, nil) == nil
}

// call POSTs body to path and decodes the result field of the CFSSL
// envelope into out.
func (e *CFSSLEngine) call(ctx context.Context, path string, body, out any) error {
	if e.cfg.CFSSLURL == "" {
		return fmt.Errorf("cfssl url not configured: %w", ErrSetupNotReady)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding cfssl request: %w", err)
	}
	url := strings.TrimRight(e.cfg.CFSSLURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building cfssl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrEngineUnavailable, err)
	}

	var envelope cfsslResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: %s returned %d with undecodable body", ErrEngineUnavailable, path, resp.StatusCode)
	}
	if !envelope.Success {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, m := range envelope.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", m.Code, m.Message))
		}
		return fmt.Errorf("cfssl %s failed: %s", path, strings.Join(msgs, "; "))
	}
	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 {
		return errors.New("cfssl response has no result")
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decoding cfssl result: %w", err)
	}
	return nil
}
