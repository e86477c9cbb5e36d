package pki

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmcleod/ironsign/model"
)

// ErrInvalidCRLName is returned when a CRL file name does not match
// libresign_{instanceId}_{generation}_{engineType}.crl.
var ErrInvalidCRLName = errors.New("invalid CRL name")

var crlNamePattern = regexp.MustCompile(`^libresign_([a-z0-9]+)_([0-9]+)_([a-z])\.crl$`)

// CRLFileName is the published file name of one revocation list.
func CRLFileName(instanceID string, generation int, engine model.CertificateEngineType) string {
	return fmt.Sprintf("libresign_%s_%d_%s.crl", instanceID, generation, engine.Short())
}

// CRLURL is the distribution point embedded in issued certificates.
func CRLURL(baseURL, instanceID string, generation int, engine model.CertificateEngineType) string {
	return strings.TrimRight(baseURL, "/") + "/crl/" + CRLFileName(instanceID, generation, engine)
}

// ParseCRLFileName extracts the parameters from a CRL file name. The engine
// letter must name a known engine.
func ParseCRLFileName(name string) (instanceID string, generation int, engine model.CertificateEngineType, err error) {
	m := crlNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidCRLName, name)
	}
	generation, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: generation %q", ErrInvalidCRLName, m[2])
	}
	engine, ok := model.EngineTypeTryFrom(m[3])
	if !ok {
		return "", 0, "", fmt.Errorf("%w: engine %q", ErrEngineNotFound, m[3])
	}
	return m[1], generation, engine, nil
}
