package model

import "strings"

// CertificateEngineType selects the backend that issues certificates.
type CertificateEngineType string

const (
	EngineOpenSSL CertificateEngineType = "openssl"
	EngineCFSSL   CertificateEngineType = "cfssl"
)

// EngineTypeTryFrom resolves a long or one-letter engine name. Unknown
// input yields false; nothing is guessed.
func EngineTypeTryFrom(s string) (CertificateEngineType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "o", "openssl":
		return EngineOpenSSL, true
	case "c", "cfssl":
		return EngineCFSSL, true
	default:
		return "", false
	}
}

// Short is the one-letter code used in CRL file names.
func (t CertificateEngineType) Short() string {
	switch t {
	case EngineOpenSSL:
		return "o"
	case EngineCFSSL:
		return "c"
	default:
		return ""
	}
}

func (t CertificateEngineType) String() string {
	return string(t)
}
