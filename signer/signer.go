// Package signer produces detached CMS signatures over document content,
// optionally countersigned by an RFC 3161 timestamp authority.
package signer

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

var (
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	// oidTimeStampToken is id-aa-timeStampToken.
	oidTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// ErrEmptyContent is returned when there is nothing to sign.
var ErrEmptyContent = errors.New("nothing to sign")

// TSA configures an optional timestamp authority.
type TSA struct {
	URL      string
	Username string
	Password string
}

// Options tunes a Signer.
type Options struct {
	TSA TSA
	// HTTPClient is used for TSA calls. Defaults to a 10 second timeout.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Signer creates detached SHA-256 CMS signatures.
type Signer struct {
	opts Options
}

// New returns a Signer.
func New(opts Options) *Signer {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Signer{opts: opts}
}

// Result is a finished signature.
type Result struct {
	// Signature is the DER encoded detached CMS SignedData.
	Signature []byte
	// ContentHash is the hex SHA-256 of the signed content.
	ContentHash string
	Timestamped bool
	SignedAt    time.Time
}

// Sign signs content with key on behalf of cert. chain holds the issuing
// certificates, excluding cert itself.
func (s *Signer) Sign(ctx context.Context, content []byte, cert *x509.Certificate, key crypto.Signer, chain []*x509.Certificate) (*Result, error) {
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(oidSHA256)
	if err := signedData.AddSignerChain(cert, key, chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("add signer chain: %w", err)
	}
	signedData.Detach()

	res := &Result{SignedAt: s.opts.Now().UTC()}
	if s.opts.TSA.URL != "" {
		sd := signedData.GetSignedData()
		token, err := s.timestampToken(ctx, sd.SignerInfos[0].EncryptedDigest)
		if err != nil {
			return nil, fmt.Errorf("get timestamp: %w", err)
		}
		attr := pkcs7.Attribute{Type: oidTimeStampToken, Value: asn1.RawValue{FullBytes: token}}
		if err := sd.SignerInfos[0].SetUnauthenticatedAttributes([]pkcs7.Attribute{attr}); err != nil {
			return nil, fmt.Errorf("attach timestamp: %w", err)
		}
		res.Timestamped = true
	}

	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signature: %w", err)
	}
	sum := sha256.Sum256(content)
	res.Signature = der
	res.ContentHash = hex.EncodeToString(sum[:])
	return res, nil
}

// timestampToken asks the TSA to timestamp digest and returns the raw token.
func (s *Signer) timestampToken(ctx context.Context, digest []byte) ([]byte, error) {
	tsReq, err := timestamp.CreateRequest(bytes.NewReader(digest), &timestamp.RequestOptions{Certificates: true})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.TSA.URL, bytes.NewReader(tsReq))
	if err != nil {
		return nil, fmt.Errorf("prepare request (%s): %w", s.opts.TSA.URL, err)
	}
	req.Header.Add("Content-Type", "application/timestamp-query")
	req.Header.Add("Content-Transfer-Encoding", "binary")
	if s.opts.TSA.Username != "" && s.opts.TSA.Password != "" {
		req.SetBasicAuth(s.opts.TSA.Username, s.opts.TSA.Password)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("non success response (%d)", resp.StatusCode)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	if _, err := pkcs7.Parse(ts.RawToken); err != nil {
		return nil, fmt.Errorf("parse timestamp token: %w", err)
	}
	return ts.RawToken, nil
}

// Verify checks a detached signature over content and returns the signer
// certificate.
func Verify(content, signature []byte) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	p7.Content = content
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}
	if len(p7.Signers) > 0 {
		info := p7.Signers[0]
		for _, cert := range p7.Certificates {
			if cert.SerialNumber.Cmp(info.IssuerAndSerialNumber.SerialNumber) == 0 &&
				bytes.Equal(cert.RawIssuer, info.IssuerAndSerialNumber.IssuerName.FullBytes) {
				return cert, nil
			}
		}
	}
	if len(p7.Certificates) > 0 {
		return p7.Certificates[0], nil
	}
	return nil, errors.New("signature carries no certificate")
}
