package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("premium")
	require.NoError(t, err)
	assert.Equal(t, TierPremium, tier)

	_, err = ParseTier("gold")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" Conversion ")
	require.NoError(t, err)
	assert.Equal(t, PolicyConversion, p)

	_, err = ParsePolicy("upload")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestOverride(t *testing.T) {
	var zero Override
	assert.False(t, zero.IsSet())
	assert.Equal(t, 7, zero.Or(7))
	assert.Nil(t, zero.Ptr())

	o := OverrideOf(0)
	assert.True(t, o.IsSet(), "an explicit zero is still an override")
	assert.Equal(t, 0, o.Or(7))

	five := 5
	assert.Equal(t, OverrideOf(5), OverrideFromPtr(&five))
	assert.Equal(t, Default(), OverrideFromPtr(nil))
}

func TestUserRateLimitSettings_Mutations(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewUserRateLimitSettings("u", now)
	assert.Equal(t, TierFree, s.Tier)
	assert.False(t, s.HasAnyOverride())

	require.NoError(t, s.UpdateTier(TierBasic, now))
	assert.Equal(t, TierBasic, s.Tier)
	assert.ErrorIs(t, s.UpdateTier("Gold", now), ErrUnknownTier)

	require.NoError(t, s.SetPolicyOverride(PolicyStandard, PolicyOverrides{PermitLimit: OverrideOf(5)}, now))
	assert.True(t, s.HasAnyOverride())
	ov, err := s.Overrides(PolicyStandard)
	require.NoError(t, err)
	assert.Equal(t, OverrideOf(5), ov.PermitLimit)
	assert.False(t, ov.WindowMinutes.IsSet())

	later := now.Add(time.Hour)
	s.ClearAllOverrides(later)
	assert.False(t, s.HasAnyOverride())
	assert.Equal(t, later, s.UpdatedAt)
}

func TestUserRateLimitSettings_RejectsInvalidOverrides(t *testing.T) {
	s := NewUserRateLimitSettings("u", time.Now())

	err := s.SetPolicyOverride(PolicyConversion, PolicyOverrides{PermitLimit: OverrideOf(-1)}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidOverride)

	err = s.SetPolicyOverride(PolicyConversion, PolicyOverrides{WindowMinutes: OverrideOf(0)}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidOverride)

	err = s.SetPolicyOverride("burst", PolicyOverrides{PermitLimit: OverrideOf(1)}, time.Now())
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	assert.False(t, s.HasAnyOverride(), "rejected overrides must not be applied")
}
