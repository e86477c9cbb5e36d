// Package crl tracks issued certificate serials, revokes them and publishes
// signed revocation lists.
package crl

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironsign/events"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/jmcleod/ironsign/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// SystemActor is recorded as RevokedBy for automatic revocations.
const SystemActor = "system"

var tracer = otel.Tracer("github.com/jmcleod/ironsign/crl")

// EngineResolver returns the engine that signs the CRL of one
// (instance, generation, engine) triple.
type EngineResolver func(instanceID string, generation int, engine model.CertificateEngineType) (pki.Engine, error)

// Service is the certificate revocation service.
type Service struct {
	store   *store.Store
	engines EngineResolver
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	lists map[listKey]*signedList
}

type listKey struct {
	instanceID string
	generation int
	engine     model.CertificateEngineType
}

// signedList is a rendered CRL, reusable while the revoked set is the same
// and NextUpdate has not passed.
type signedList struct {
	fingerprint string
	nextUpdate  time.Time
	der         []byte
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the revocation service.
func NewService(st *store.Store, engines EngineResolver, opts ...Option) *Service {
	s := &Service{
		store:   st,
		engines: engines,
		logger:  slog.Default(),
		now:     time.Now,
		lists:   make(map[listKey]*signedList),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordIssued stores a newly issued certificate. It implements pki.Recorder.
func (s *Service) RecordIssued(ctx context.Context, entry *model.CrlEntry) error {
	return s.store.InsertCrlEntry(ctx, entry)
}

var _ pki.Recorder = (*Service)(nil)

// RevokeCertificate marks serial revoked. Unknown serials report false with
// no error. Revoking an already revoked serial reports true and leaves the
// original revocation untouched.
func (s *Service) RevokeCertificate(ctx context.Context, serial string, reason model.CRLReason, note, actor string) (bool, error) {
	if _, err := model.CRLReasonFromInt(int(reason)); err != nil {
		return false, err
	}
	now := s.now().UTC()
	_, changed, err := s.store.ModifyCrlEntry(ctx, serial, func(e *model.CrlEntry) (bool, error) {
		return e.Revoke(reason, note, actor, now), nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revoking %s: %w", serial, err)
	}
	if changed {
		s.logger.Info("certificate revoked", "serial", strings.ToLower(serial), "reason", reason.String(), "actor", actor)
	}
	return true, nil
}

// RevokeUserCertificates revokes every certificate owned by userID and
// returns how many were newly revoked.
func (s *Service) RevokeUserCertificates(ctx context.Context, userID string, reason model.CRLReason, note, actor string) (int, error) {
	entries, err := s.store.ListCrlEntries(ctx, func(e *model.CrlEntry) bool {
		return e.Owner == userID && !e.IsRevoked()
	})
	if err != nil {
		return 0, fmt.Errorf("listing certificates of %s: %w", userID, err)
	}
	now := s.now().UTC()
	revoked := 0
	for _, entry := range entries {
		_, changed, err := s.store.ModifyCrlEntry(ctx, entry.SerialNumber, func(e *model.CrlEntry) (bool, error) {
			return e.Revoke(reason, note, actor, now), nil
		})
		if err != nil {
			return revoked, fmt.Errorf("revoking %s: %w", entry.SerialNumber, err)
		}
		if changed {
			revoked++
		}
	}
	return revoked, nil
}

// IsRevoked reports whether serial is known and revoked.
func (s *Service) IsRevoked(ctx context.Context, serial string) (bool, error) {
	e, err := s.store.GetCrlEntry(ctx, serial)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.IsRevoked(), nil
}

// ListUserCertificates returns the entries owned by userID.
func (s *Service) ListUserCertificates(ctx context.Context, userID string) ([]*model.CrlEntry, error) {
	return s.store.ListCrlEntries(ctx, func(e *model.CrlEntry) bool { return e.Owner == userID })
}

// Revoked returns the revoked entries of one revocation list.
func (s *Service) Revoked(ctx context.Context, instanceID string, generation int, engine model.CertificateEngineType) ([]*model.CrlEntry, error) {
	return s.store.ListCrlEntries(ctx, func(e *model.CrlEntry) bool {
		return e.IsRevoked() && e.InstanceID == instanceID && e.Generation == generation && e.Engine == engine
	})
}

// GetRevocationList returns the signed DER CRL for one
// (instance, generation, engine). A new CRL number is allocated only when
// the revoked set changed or the previous list reached its NextUpdate.
func (s *Service) GetRevocationList(ctx context.Context, instanceID string, generation int, engineType model.CertificateEngineType) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "crl.GetRevocationList")
	defer span.End()
	span.SetAttributes(
		attribute.String("crl.instance_id", instanceID),
		attribute.Int("crl.generation", generation),
		attribute.String("crl.engine", engineType.String()),
	)

	engine, err := s.engines(instanceID, generation, engineType)
	if err != nil {
		return nil, err
	}
	entries, err := s.Revoked(ctx, instanceID, generation, engineType)
	if err != nil {
		return nil, fmt.Errorf("listing revoked certificates: %w", err)
	}
	revoked := make([]pki.Revocation, 0, len(entries))
	for _, e := range entries {
		r := pki.Revocation{SerialHex: e.SerialNumber, Reason: model.ReasonUnspecified}
		if e.ReasonCode != nil {
			r.Reason = *e.ReasonCode
		}
		if e.RevokedAt != nil {
			r.RevokedAt = *e.RevokedAt
		}
		revoked = append(revoked, r)
	}
	span.SetAttributes(attribute.Int("crl.revoked", len(revoked)))

	key := listKey{instanceID: instanceID, generation: generation, engine: engineType}
	fp := fingerprint(revoked)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.lists[key]; ok && cached.fingerprint == fp && s.now().Before(cached.nextUpdate) {
		span.SetAttributes(attribute.Bool("crl.cached", true))
		return cached.der, nil
	}

	number, err := s.store.NextCRLNumber(ctx, instanceID, generation, engineType)
	if err != nil {
		return nil, fmt.Errorf("allocating CRL number: %w", err)
	}
	der, err := engine.SignRevocationList(ctx, revoked, number)
	if err != nil {
		return nil, err
	}
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signed CRL: %w", err)
	}
	s.lists[key] = &signedList{fingerprint: fp, nextUpdate: list.NextUpdate, der: der}
	return der, nil
}

// fingerprint identifies a revoked set independent of listing order.
func fingerprint(revoked []pki.Revocation) string {
	parts := make([]string, 0, len(revoked))
	for _, r := range revoked {
		parts = append(parts, fmt.Sprintf("%s/%d/%d", strings.ToLower(r.SerialHex), r.Reason, r.RevokedAt.UnixNano()))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// GetRevocationListByName resolves a published CRL file name.
func (s *Service) GetRevocationListByName(ctx context.Context, name string) ([]byte, error) {
	instanceID, generation, engine, err := ParseCRLName(name)
	if err != nil {
		return nil, err
	}
	return s.GetRevocationList(ctx, instanceID, generation, engine)
}

// ParseCRLName parses libresign_{instanceId}_{generation}_{engineType}.crl.
func ParseCRLName(name string) (string, int, model.CertificateEngineType, error) {
	return pki.ParseCRLFileName(name)
}

// RevokeEphemeralOnSigned is an event handler that revokes click-to-sign
// certificates as superseded once their signature is done. Certificates of
// password protected identities are left alone.
func (s *Service) RevokeEphemeralOnSigned(ctx context.Context, evt events.Event) error {
	signed, ok := evt.(events.SignedEvent)
	if !ok || !signed.SignedWithoutPassword || signed.CertificateSerialHex == "" {
		return nil
	}
	found, err := s.RevokeCertificate(ctx, signed.CertificateSerialHex, model.ReasonSuperseded,
		"ephemeral certificate used for click-to-sign", SystemActor)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Warn("ephemeral certificate not tracked", "serial", signed.CertificateSerialHex)
	}
	return nil
}
