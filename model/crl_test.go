package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/model"
)

func TestCRLReasonCodes(t *testing.T) {
	for n := 0; n <= 10; n++ {
		r, err := model.CRLReasonFromInt(n)
		if n == 7 {
			assert.ErrorIs(t, err, model.ErrInvalidCRLReason)
			continue
		}
		require.NoError(t, err, n)
		assert.NotEmpty(t, r.Description())
	}
	_, err := model.CRLReasonFromInt(11)
	assert.ErrorIs(t, err, model.ErrInvalidCRLReason)
}

func TestCRLReasonFromString(t *testing.T) {
	r, err := model.CRLReasonFromString("keyCompromise")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonKeyCompromise, r)

	r, err = model.CRLReasonFromString("cessation_of_operation")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonCessationOfOperation, r)

	_, err = model.CRLReasonFromString("because")
	assert.ErrorIs(t, err, model.ErrInvalidCRLReason)
}

func TestCrlEntryValidity(t *testing.T) {
	now := time.Now()
	e := &model.CrlEntry{Status: model.CRLStatusIssued, ValidTo: now.Add(time.Hour)}

	assert.False(t, e.IsRevoked())
	assert.False(t, e.IsExpired(now))
	assert.True(t, e.IsValid(now))

	assert.True(t, e.IsExpired(now.Add(2*time.Hour)))
	assert.False(t, e.IsValid(now.Add(2*time.Hour)))

	require.True(t, e.Revoke(model.ReasonKeyCompromise, "lost laptop", "admin", now))
	assert.True(t, e.IsRevoked())
	assert.Equal(t, e.IsRevoked(), e.Status == model.CRLStatusRevoked)
	assert.False(t, e.IsValid(now))
}

func TestCrlEntryRevokeIsOneWay(t *testing.T) {
	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := &model.CrlEntry{Status: model.CRLStatusIssued}
	require.True(t, e.Revoke(model.ReasonSuperseded, "", "system", first))

	assert.False(t, e.Revoke(model.ReasonKeyCompromise, "again", "admin", first.Add(time.Hour)))
	assert.True(t, e.RevokedAt.Equal(first))
	assert.Equal(t, model.ReasonSuperseded, *e.ReasonCode)
}
