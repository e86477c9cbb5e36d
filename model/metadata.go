package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Recognised metadata keys. Anything else is carried through untouched.
const (
	MetaStatusChangedAt   = "status_changed_at"
	MetaSigningInProgress = "signing_in_progress"
	MetaSigningStartedBy  = "signing_started_by"
)

// Metadata is the typed view over a file's open metadata map.
type Metadata struct {
	StatusChangedAt   *time.Time
	SigningInProgress bool
	// SigningStartedBy is the uuid of the sign request that set the marker.
	SigningStartedBy string
	// Extra holds keys this package does not interpret.
	Extra map[string]json.RawMessage
}

// MarkSigningInProgress sets the transient in-progress marker.
func (m *Metadata) MarkSigningInProgress(now time.Time, signRequestUUID string) {
	now = now.UTC()
	m.StatusChangedAt = &now
	m.SigningInProgress = true
	m.SigningStartedBy = signRequestUUID
}

// ClearSigningInProgress removes the marker and stamps the change time.
func (m *Metadata) ClearSigningInProgress(now time.Time) {
	now = now.UTC()
	m.StatusChangedAt = &now
	m.SigningInProgress = false
	m.SigningStartedBy = ""
}

// Touch records a stable status change.
func (m *Metadata) Touch(now time.Time) {
	now = now.UTC()
	m.StatusChangedAt = &now
}

// SigningStale reports whether an in-progress marker has outlived timeout.
// A marker without a timestamp cannot be aged and is always stale.
func (m *Metadata) SigningStale(now time.Time, timeout time.Duration) bool {
	if !m.SigningInProgress {
		return false
	}
	if m.StatusChangedAt == nil {
		return true
	}
	return now.Sub(*m.StatusChangedAt) > timeout
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.StatusChangedAt != nil {
		out[MetaStatusChangedAt] = m.StatusChangedAt.UTC().Format(time.RFC3339Nano)
	}
	if m.SigningInProgress {
		out[MetaSigningInProgress] = true
	}
	if m.SigningStartedBy != "" {
		out[MetaSigningStartedBy] = m.SigningStartedBy
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}

	if v, ok := raw[MetaStatusChangedAt]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("metadata %s: %w", MetaStatusChangedAt, err)
		}
		if s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", MetaStatusChangedAt, err)
			}
			m.StatusChangedAt = &t
		}
		delete(raw, MetaStatusChangedAt)
	}
	if v, ok := raw[MetaSigningInProgress]; ok {
		if err := json.Unmarshal(v, &m.SigningInProgress); err != nil {
			return fmt.Errorf("metadata %s: %w", MetaSigningInProgress, err)
		}
		delete(raw, MetaSigningInProgress)
	}
	if v, ok := raw[MetaSigningStartedBy]; ok {
		if err := json.Unmarshal(v, &m.SigningStartedBy); err != nil {
			return fmt.Errorf("metadata %s: %w", MetaSigningStartedBy, err)
		}
		delete(raw, MetaSigningStartedBy)
	}
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	cp := m
	if m.StatusChangedAt != nil {
		t := *m.StatusChangedAt
		cp.StatusChangedAt = &t
	}
	cp.Extra = maps.Clone(m.Extra)
	return cp
}
