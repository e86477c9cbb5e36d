package pki_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastKDF = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1}

func testConfig(t *testing.T) pki.EngineConfig {
	t.Helper()
	return pki.EngineConfig{
		ConfigRoot:   t.TempDir(),
		InstanceID:   "oc1234",
		Generation:   1,
		RootPassword: "root-secret",
		CRLBaseURL:   "https://sign.example.com",
		KDF:          fastKDF,
	}
}

func newCSR(t *testing.T, cn, email string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:        pkix.Name{CommonName: cn},
		EmailAddresses: []string{email},
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

type recorder struct {
	mu      sync.Mutex
	entries []*model.CrlEntry
}

func (r *recorder) RecordIssued(_ context.Context, entry *model.CrlEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func TestNewEngine(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"o", "openssl", "OpenSSL"} {
		e, err := pki.NewEngine(name, cfg)
		require.NoError(t, err)
		assert.Equal(t, model.EngineOpenSSL, e.Type())
	}
	for _, name := range []string{"c", "cfssl"} {
		e, err := pki.NewEngine(name, cfg)
		require.NoError(t, err)
		assert.Equal(t, model.EngineCFSSL, e.Type())
	}
	_, err := pki.NewEngine("none", cfg)
	assert.ErrorIs(t, err, pki.ErrEngineNotFound)
	_, err = pki.NewEngine("", cfg)
	assert.ErrorIs(t, err, pki.ErrEngineNotFound)
}

func TestConfigPath(t *testing.T) {
	cfg := testConfig(t)
	e := pki.NewOpenSSLEngine(cfg)
	assert.Equal(t, filepath.Join(cfg.ConfigRoot, "oc1234", "pki", "3", "openssl"), e.ConfigPath("oc1234", 3))
	c := pki.NewCFSSLEngine(cfg)
	assert.Equal(t, filepath.Join(cfg.ConfigRoot, "oc1234", "pki", "1", "cfssl"), c.ConfigPath("oc1234", 1))
}

func TestOpenSSL_SetupNotReady(t *testing.T) {
	ctx := t.Context()
	e := pki.NewOpenSSLEngine(testConfig(t))
	assert.False(t, e.IsSetupOK(ctx))

	_, err := e.RootCertificate(ctx)
	assert.ErrorIs(t, err, pki.ErrSetupNotReady)

	_, err = e.IssueLeafCertificate(ctx, newCSR(t, "Alice", "alice@example.com"), 30)
	assert.ErrorIs(t, err, pki.ErrSetupNotReady)
}

func TestOpenSSL_GenerateRootAndIssue(t *testing.T) {
	ctx := t.Context()
	cfg := testConfig(t)
	e := pki.NewOpenSSLEngine(cfg)

	certPEM, sealed, err := e.GenerateRootCertificate(ctx, pki.RootNames{
		CommonName:   "Ironsign Root",
		Organization: "Example Org",
		Country:      "BR",
	}, cfg.RootPassword)
	require.NoError(t, err)
	assert.True(t, util.IsSealed(sealed))
	assert.True(t, e.IsSetupOK(ctx))

	root, err := pki.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.True(t, root.IsCA)
	assert.Equal(t, "Ironsign Root", root.Subject.CommonName)

	// The key on disk must never be plain PEM.
	onDisk, err := os.ReadFile(filepath.Join(e.ConfigPath(cfg.InstanceID, cfg.Generation), "ca-key.sealed"))
	require.NoError(t, err)
	assert.NotContains(t, string(onDisk), "PRIVATE KEY")

	leafPEM, err := e.IssueLeafCertificate(ctx, newCSR(t, "Alice", "alice@example.com"), 30)
	require.NoError(t, err)
	leaf, err := pki.ParseCertificatePEM(leafPEM)
	require.NoError(t, err)
	assert.False(t, leaf.IsCA)
	assert.Equal(t, []string{"alice@example.com"}, leaf.EmailAddresses)
	assert.Equal(t, []string{"https://sign.example.com/crl/libresign_oc1234_1_o.crl"}, leaf.CRLDistributionPoints)
	require.NoError(t, leaf.CheckSignatureFrom(root))

	_, _, err = e.GenerateRootCertificate(ctx, pki.RootNames{CommonName: "Again"}, cfg.RootPassword)
	assert.ErrorIs(t, err, pki.ErrRootExists)
}

func TestOpenSSL_WrongRootPassword(t *testing.T) {
	ctx := t.Context()
	cfg := testConfig(t)
	_, _, err := pki.NewOpenSSLEngine(cfg).GenerateRootCertificate(ctx, pki.RootNames{CommonName: "Root"}, cfg.RootPassword)
	require.NoError(t, err)

	cfg.RootPassword = "wrong"
	e := pki.NewOpenSSLEngine(cfg)
	_, err = e.IssueLeafCertificate(ctx, newCSR(t, "Bob", "bob@example.com"), 30)
	assert.ErrorIs(t, err, pki.ErrRootLocked)
}

func TestOpenSSL_InvalidCSR(t *testing.T) {
	e := pki.NewOpenSSLEngine(testConfig(t))
	_, err := e.IssueLeafCertificate(t.Context(), []byte("not a csr"), 30)
	assert.ErrorIs(t, err, pki.ErrInvalidCSR)
}

func TestOpenSSL_SignRevocationList(t *testing.T) {
	ctx := t.Context()
	cfg := testConfig(t)
	e := pki.NewOpenSSLEngine(cfg)
	certPEM, _, err := e.GenerateRootCertificate(ctx, pki.RootNames{CommonName: "Root"}, cfg.RootPassword)
	require.NoError(t, err)
	root, err := pki.ParseCertificatePEM(certPEM)
	require.NoError(t, err)

	revokedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	der, err := e.SignRevocationList(ctx, []pki.Revocation{
		{SerialHex: "0a1b", RevokedAt: revokedAt, Reason: model.ReasonKeyCompromise},
	}, 7)
	require.NoError(t, err)

	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(root))
	assert.Equal(t, big.NewInt(7), crl.Number)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	entry := crl.RevokedCertificateEntries[0]
	assert.Equal(t, "0a1b", pki.SerialHex(entry.SerialNumber))
	assert.Equal(t, int(model.ReasonKeyCompromise), entry.ReasonCode)
	assert.True(t, entry.RevocationTime.Equal(revokedAt))
}

// fakeCFSSL answers init_ca, sign and info the way a CFSSL server does.
type fakeCFSSL struct {
	t    *testing.T
	key  *ecdsa.PrivateKey
	root *x509.Certificate
	down bool
	// ignoreWindow issues a year long leaf whatever the request asks for.
	ignoreWindow bool

	mu       sync.Mutex
	notAfter time.Time
}

func (f *fakeCFSSL) requestedNotAfter() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notAfter
}

func (f *fakeCFSSL) reply(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true, "result": result, "errors": []any{}, "messages": []any{},
	})
}

func (f *fakeCFSSL) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false, "errors": []map[string]any{{"code": 503, "message": "unavailable"}},
		})
		return
	}
	switch r.URL.Path {
	case "/api/v1/cfssl/init_ca":
		var req struct {
			CN string `json:"CN"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(f.t, err)
		tmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: req.CN},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().AddDate(5, 0, 0),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		require.NoError(f.t, err)
		f.key = key
		f.root, err = x509.ParseCertificate(der)
		require.NoError(f.t, err)
		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(f.t, err)
		f.reply(w, map[string]string{
			"certificate": string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
			"private_key": string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
		})
	case "/api/v1/cfssl/sign":
		var req struct {
			CertificateRequest string    `json:"certificate_request"`
			NotBefore          time.Time `json:"NotBefore"`
			NotAfter           time.Time `json:"NotAfter"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.notAfter = req.NotAfter
		f.mu.Unlock()
		csr, err := pki.ParseCSRPEM([]byte(req.CertificateRequest))
		require.NoError(f.t, err)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(time.Now().UnixNano()),
			Subject:      csr.Subject,
			NotBefore:    req.NotBefore,
			NotAfter:     req.NotAfter,
		}
		if f.ignoreWindow || req.NotAfter.IsZero() {
			tmpl.NotBefore = time.Now().Add(-time.Hour)
			tmpl.NotAfter = time.Now().AddDate(1, 0, 0)
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, f.root, csr.PublicKey, f.key)
		require.NoError(f.t, err)
		f.reply(w, map[string]string{
			"certificate": string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		})
	case "/api/v1/cfssl/info":
		f.reply(w, map[string]string{"certificate": ""})
	default:
		http.NotFound(w, r)
	}
}

func TestCFSSL_RootIssueAndCRL(t *testing.T) {
	ctx := t.Context()
	fake := &fakeCFSSL{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.CFSSLURL = srv.URL
	e := pki.NewCFSSLEngine(cfg)
	assert.False(t, e.IsSetupOK(ctx))

	certPEM, sealed, err := e.GenerateRootCertificate(ctx, pki.RootNames{CommonName: "CFSSL Root"}, cfg.RootPassword)
	require.NoError(t, err)
	assert.True(t, util.IsSealed(sealed))
	assert.True(t, e.IsSetupOK(ctx))
	assert.FileExists(t, filepath.Join(e.ConfigPath(cfg.InstanceID, cfg.Generation), "config.json"))

	root, err := pki.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	leafPEM, err := e.IssueLeafCertificate(ctx, newCSR(t, "Carol", "carol@example.com"), 30)
	require.NoError(t, err)
	leaf, err := pki.ParseCertificatePEM(leafPEM)
	require.NoError(t, err)
	require.NoError(t, leaf.CheckSignatureFrom(root))
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), fake.requestedNotAfter(), time.Hour)
	assert.WithinDuration(t, fake.requestedNotAfter(), leaf.NotAfter, time.Second)

	fake.ignoreWindow = true
	_, err = e.IssueLeafCertificate(ctx, newCSR(t, "Dan", "dan@example.com"), 30)
	assert.ErrorIs(t, err, pki.ErrValidityMismatch)
	fake.ignoreWindow = false

	// CRLs are signed locally even when the server goes away.
	fake.down = true
	assert.False(t, e.IsSetupOK(ctx))
	der, err := e.SignRevocationList(ctx, nil, 1)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(root))
}

func TestCFSSL_Unreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.CFSSLURL = "http://127.0.0.1:1"
	e := pki.NewCFSSLEngine(cfg)
	_, _, err := e.GenerateRootCertificate(t.Context(), pki.RootNames{CommonName: "Root"}, "pw")
	assert.ErrorIs(t, err, pki.ErrEngineUnavailable)
}

func TestCRLFileName(t *testing.T) {
	assert.Equal(t, "libresign_oc1234_2_c.crl", pki.CRLFileName("oc1234", 2, model.EngineCFSSL))
	assert.Equal(t, "https://x.test/crl/libresign_abc_1_o.crl", pki.CRLURL("https://x.test/", "abc", 1, model.EngineOpenSSL))

	inst, gen, engine, err := pki.ParseCRLFileName("libresign_oc1234_12_o.crl")
	require.NoError(t, err)
	assert.Equal(t, "oc1234", inst)
	assert.Equal(t, 12, gen)
	assert.Equal(t, model.EngineOpenSSL, engine)

	for _, bad := range []string{"", "libresign_oc1234_x_o.crl", "other_oc1234_1_o.crl", "libresign_OC_1_o.crl", "libresign_oc1234_1_o.pem"} {
		_, _, _, err := pki.ParseCRLFileName(bad)
		assert.ErrorIs(t, err, pki.ErrInvalidCRLName, bad)
	}
	_, _, _, err = pki.ParseCRLFileName("libresign_oc1234_1_z.crl")
	assert.ErrorIs(t, err, pki.ErrEngineNotFound)
}

func TestIssuer_IssueIdentity(t *testing.T) {
	ctx := t.Context()
	cfg := testConfig(t)
	e := pki.NewOpenSSLEngine(cfg)
	_, _, err := e.GenerateRootCertificate(ctx, pki.RootNames{CommonName: "Root"}, cfg.RootPassword)
	require.NoError(t, err)

	rec := &recorder{}
	issuer := pki.NewIssuer(e, cfg, rec)

	t.Run("with password", func(t *testing.T) {
		id, err := issuer.IssueIdentity(ctx, pki.IdentityRequest{
			Owner: "alice", CommonName: "Alice", Email: "alice@example.com", Password: "pfx-pass", ValidityDays: 10,
		})
		require.NoError(t, err)
		assert.True(t, id.Sealed)
		assert.Equal(t, "CN=Alice", id.Subject())

		_, err = id.Signer("bad")
		assert.ErrorIs(t, err, util.ErrWrongPassphrase)
		signer, err := id.Signer("pfx-pass")
		require.NoError(t, err)
		assert.True(t, signer.Public().(*ecdsa.PublicKey).Equal(id.Certificate.PublicKey))

		chain, err := id.Chain()
		require.NoError(t, err)
		require.Len(t, chain, 1)
		assert.True(t, chain[0].IsCA)

		loaded, err := pki.LoadIdentity(id.CertPEM, id.RootPEM, id.KeyPEM)
		require.NoError(t, err)
		assert.Equal(t, id.SerialHex, loaded.SerialHex)
		_, err = loaded.Signer("pfx-pass")
		require.NoError(t, err)
	})

	t.Run("ephemeral", func(t *testing.T) {
		id, err := issuer.IssueIdentity(ctx, pki.IdentityRequest{Owner: "bob", CommonName: "Bob"})
		require.NoError(t, err)
		assert.False(t, id.Sealed)
		_, err = id.Signer("")
		require.NoError(t, err)
	})

	require.Len(t, rec.entries, 2)
	assert.False(t, rec.entries[0].SignedWithoutPassword)
	assert.True(t, rec.entries[1].SignedWithoutPassword)
	for _, entry := range rec.entries {
		assert.Equal(t, model.CRLStatusIssued, entry.Status)
		assert.Equal(t, "oc1234", entry.InstanceID)
		assert.Equal(t, 1, entry.Generation)
		assert.Equal(t, model.EngineOpenSSL, entry.Engine)
	}
}

func TestIssuer_NotReady(t *testing.T) {
	cfg := testConfig(t)
	issuer := pki.NewIssuer(pki.NewOpenSSLEngine(cfg), cfg, nil)
	_, err := issuer.IssueIdentity(t.Context(), pki.IdentityRequest{CommonName: "X"})
	assert.ErrorIs(t, err, pki.ErrSetupNotReady)
}

func TestSoftwareKeyStore(t *testing.T) {
	ks := pki.NewSoftwareKeyStore()
	id, err := ks.GenerateKey()
	require.NoError(t, err)
	pemData, err := ks.ExportPEM(id)
	require.NoError(t, err)

	imported, err := ks.ImportPEM(pemData)
	require.NoError(t, err)
	assert.NotEqual(t, id, imported)

	a, err := ks.Signer(id)
	require.NoError(t, err)
	b, err := ks.Signer(imported)
	require.NoError(t, err)
	assert.True(t, a.Public().(*ecdsa.PublicKey).Equal(b.Public()))

	require.NoError(t, ks.Delete(id))
	_, err = ks.Signer(id)
	assert.ErrorIs(t, err, pki.ErrKeyNotFound)

	_, err = ks.ImportPEM([]byte("garbage"))
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}
