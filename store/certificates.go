package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmcleod/ironsign/model"
)

func crlKey(serial string) string {
	return strings.ToLower(serial)
}

// InsertCrlEntry records a newly issued certificate. Serial numbers are
// unique; inserting one twice fails with ErrDuplicate.
func (s *Store) InsertCrlEntry(ctx context.Context, e *model.CrlEntry) error {
	e.SerialNumber = crlKey(e.SerialNumber)
	if e.Status == "" {
		e.Status = model.CRLStatusIssued
	}
	if err := create(ctx, s, kindCrlEntry, e.SerialNumber, e); err != nil {
		return fmt.Errorf("storing CRL entry: %w", err)
	}
	return nil
}

func (s *Store) GetCrlEntry(ctx context.Context, serial string) (*model.CrlEntry, error) {
	cur, err := get[model.CrlEntry](ctx, s, kindCrlEntry, crlKey(serial))
	if err != nil {
		return nil, err
	}
	return cur.value, nil
}

// ModifyCrlEntry applies fn under optimistic concurrency. See modify.
func (s *Store) ModifyCrlEntry(ctx context.Context, serial string, fn func(*model.CrlEntry) (bool, error)) (*model.CrlEntry, bool, error) {
	return modify(ctx, s, kindCrlEntry, crlKey(serial), fn)
}

// ListCrlEntries returns entries keep accepts, oldest issuance first.
func (s *Store) ListCrlEntries(ctx context.Context, keep func(*model.CrlEntry) bool) ([]*model.CrlEntry, error) {
	entries, err := list(ctx, s, kindCrlEntry, keep)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IssuedAt.Equal(entries[j].IssuedAt) {
			return entries[i].SerialNumber < entries[j].SerialNumber
		}
		return entries[i].IssuedAt.Before(entries[j].IssuedAt)
	})
	return entries, nil
}

// NextCRLNumber returns a monotonically increasing CRL number for one
// (instance, generation, engine) revocation list.
func (s *Store) NextCRLNumber(ctx context.Context, instanceID string, generation int, engine model.CertificateEngineType) (int64, error) {
	return s.nextID(ctx, fmt.Sprintf("crl_number:%s:%d:%s", instanceID, generation, engine.Short()))
}
