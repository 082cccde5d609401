package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"convertapi/logger"
	"convertapi/models"
)

// SettingsService owns the administrative lifecycle of per-user settings and
// answers effective-limit lookups for the transport limiter.
type SettingsService struct {
	store   SettingsStore
	catalog *Catalog
	now     func() time.Time
}

type SettingsOption func(*SettingsService)

func WithSettingsClock(now func() time.Time) SettingsOption {
	return func(s *SettingsService) { s.now = now }
}

func NewSettingsService(store SettingsStore, catalog *Catalog, opts ...SettingsOption) *SettingsService {
	s := &SettingsService{store: store, catalog: catalog, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SettingsService) Catalog() *Catalog { return s.catalog }

// Provision creates tier Free settings for a user. Provisioning an existing
// user returns the stored settings unchanged.
func (s *SettingsService) Provision(ctx context.Context, userID string) (models.UserRateLimitSettings, error) {
	return s.store.Create(ctx, models.NewUserRateLimitSettings(userID, s.now()))
}

func (s *SettingsService) Get(ctx context.Context, userID string) (models.UserRateLimitSettings, error) {
	return s.store.Get(ctx, userID)
}

func (s *SettingsService) UpdateTier(ctx context.Context, userID, tierName string) (models.UserRateLimitSettings, error) {
	tier, err := models.ParseTier(tierName)
	if err != nil {
		return models.UserRateLimitSettings{}, err
	}
	return s.mutate(ctx, userID, func(st *models.UserRateLimitSettings, now time.Time) error {
		return st.UpdateTier(tier, now)
	})
}

// SetPolicyOverride replaces both override fields of one policy; passing
// Default for a field removes that override.
func (s *SettingsService) SetPolicyOverride(ctx context.Context, userID, policyName string, permit, window models.Override) (models.UserRateLimitSettings, error) {
	policy, err := models.ParsePolicy(policyName)
	if err != nil {
		return models.UserRateLimitSettings{}, err
	}
	o := models.PolicyOverrides{PermitLimit: permit, WindowMinutes: window}
	return s.mutate(ctx, userID, func(st *models.UserRateLimitSettings, now time.Time) error {
		return st.SetPolicyOverride(policy, o, now)
	})
}

func (s *SettingsService) ClearAllOverrides(ctx context.Context, userID string) (models.UserRateLimitSettings, error) {
	return s.mutate(ctx, userID, func(st *models.UserRateLimitSettings, now time.Time) error {
		st.ClearAllOverrides(now)
		return nil
	})
}

func (s *SettingsService) mutate(ctx context.Context, userID string, fn func(*models.UserRateLimitSettings, time.Time) error) (models.UserRateLimitSettings, error) {
	st, err := s.store.Get(ctx, userID)
	if err != nil {
		return models.UserRateLimitSettings{}, err
	}
	if err := fn(&st, s.now()); err != nil {
		return models.UserRateLimitSettings{}, err
	}
	if err := s.store.Save(ctx, st); err != nil {
		return models.UserRateLimitSettings{}, err
	}
	return st, nil
}

// Effective resolves the enforced limit for a user and policy. Users without
// stored settings get the Free tier defaults.
func (s *SettingsService) Effective(ctx context.Context, userID string, policy models.PolicyName) (Effective, error) {
	st, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrSettingsNotFound) {
		return Resolve(s.catalog, models.TierFree, policy, models.Default(), models.Default())
	}
	if err != nil {
		return Effective{}, err
	}
	return ResolveSettings(s.catalog, st, policy)
}

// PolicyView is the read model of one policy's effective limit.
type PolicyView struct {
	EffectivePermitLimit   int    `json:"effectivePermitLimit"`
	EffectiveWindowMinutes int    `json:"effectiveWindowMinutes"`
	OverridePermitLimit    *int   `json:"overridePermitLimit,omitempty"`
	OverrideWindowMinutes  *int   `json:"overrideWindowMinutes,omitempty"`
	Source                 Source `json:"source"`
}

// SettingsView is the read model of a user's rate-limit settings.
type SettingsView struct {
	UserID           string     `json:"userId"`
	Tier             string     `json:"tier"`
	StandardPolicy   PolicyView `json:"standardPolicy"`
	ConversionPolicy PolicyView `json:"conversionPolicy"`
	HasAnyOverride   bool       `json:"hasAnyOverride"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// View renders settings with their effective limits resolved.
func (s *SettingsService) View(st models.UserRateLimitSettings) SettingsView {
	return SettingsView{
		UserID:           st.UserID,
		Tier:             string(st.Tier),
		StandardPolicy:   s.policyView(st, models.PolicyStandard),
		ConversionPolicy: s.policyView(st, models.PolicyConversion),
		HasAnyOverride:   st.HasAnyOverride(),
		UpdatedAt:        st.UpdatedAt,
	}
}

func (s *SettingsService) policyView(st models.UserRateLimitSettings, policy models.PolicyName) PolicyView {
	o, _ := st.Overrides(policy)
	eff, err := ResolveSettings(s.catalog, st, policy)
	if err != nil {
		logger.Error("Failed to resolve rate limit",
			zap.String("user_id", st.UserID),
			zap.String("policy", string(policy)),
			zap.Error(err),
		)
	}
	return PolicyView{
		EffectivePermitLimit:   eff.PermitLimit,
		EffectiveWindowMinutes: eff.WindowMinutes(),
		OverridePermitLimit:    o.PermitLimit.Ptr(),
		OverrideWindowMinutes:  o.WindowMinutes.Ptr(),
		Source:                 eff.Source,
	}
}
