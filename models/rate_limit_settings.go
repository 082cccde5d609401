package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownTier     = errors.New("unknown rate limit tier")
	ErrUnknownPolicy   = errors.New("unknown rate limit policy")
	ErrInvalidOverride = errors.New("invalid rate limit override")
)

type Tier string

const (
	TierFree      Tier = "Free"
	TierBasic     Tier = "Basic"
	TierPremium   Tier = "Premium"
	TierUnlimited Tier = "Unlimited"
)

// Tiers lists every tier from lowest to highest privilege.
var Tiers = []Tier{TierFree, TierBasic, TierPremium, TierUnlimited}

// ParseTier matches a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	s = strings.TrimSpace(s)
	for _, t := range Tiers {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

type PolicyName string

const (
	PolicyStandard   PolicyName = "standard"
	PolicyConversion PolicyName = "conversion"
)

var Policies = []PolicyName{PolicyStandard, PolicyConversion}

func ParsePolicy(s string) (PolicyName, error) {
	switch PolicyName(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyStandard:
		return PolicyStandard, nil
	case PolicyConversion:
		return PolicyConversion, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Override is either Default (use the tier value) or an explicit value.
// The zero value is Default.
type Override struct {
	value int
	set   bool
}

func Default() Override { return Override{} }

func OverrideOf(v int) Override { return Override{value: v, set: true} }

// OverrideFromPtr maps a nil pointer to Default.
func OverrideFromPtr(v *int) Override {
	if v == nil {
		return Default()
	}
	return OverrideOf(*v)
}

func (o Override) Get() (int, bool) { return o.value, o.set }

func (o Override) IsSet() bool { return o.set }

// Or returns the override value, or def when o is Default.
func (o Override) Or(def int) int {
	if o.set {
		return o.value
	}
	return def
}

// Ptr returns nil for Default.
func (o Override) Ptr() *int {
	if !o.set {
		return nil
	}
	v := o.value
	return &v
}

func (o Override) String() string {
	if !o.set {
		return "default"
	}
	return fmt.Sprintf("%d", o.value)
}

// PolicyOverrides holds the per-user overrides for one policy.
type PolicyOverrides struct {
	PermitLimit   Override
	WindowMinutes Override
}

func (p PolicyOverrides) Any() bool {
	return p.PermitLimit.IsSet() || p.WindowMinutes.IsSet()
}

func (p PolicyOverrides) validate() error {
	if v, ok := p.PermitLimit.Get(); ok && v < 0 {
		return fmt.Errorf("%w: permit limit must be >= 0, got %d", ErrInvalidOverride, v)
	}
	if v, ok := p.WindowMinutes.Get(); ok && v <= 0 {
		return fmt.Errorf("%w: window minutes must be > 0, got %d", ErrInvalidOverride, v)
	}
	return nil
}

// UserRateLimitSettings is the per-user rate-limit configuration.
type UserRateLimitSettings struct {
	UserID     string
	Tier       Tier
	Standard   PolicyOverrides
	Conversion PolicyOverrides
	UpdatedAt  time.Time
}

// NewUserRateLimitSettings returns the settings a freshly provisioned user
// gets: tier Free and no overrides.
func NewUserRateLimitSettings(userID string, now time.Time) UserRateLimitSettings {
	return UserRateLimitSettings{
		UserID:    userID,
		Tier:      TierFree,
		UpdatedAt: now.UTC(),
	}
}

func (s *UserRateLimitSettings) UpdateTier(tier Tier, now time.Time) error {
	if _, err := ParseTier(string(tier)); err != nil {
		return err
	}
	s.Tier = tier
	s.UpdatedAt = now.UTC()
	return nil
}

// SetPolicyOverride replaces both override fields of one policy. Passing
// Default for a field clears it.
func (s *UserRateLimitSettings) SetPolicyOverride(policy PolicyName, o PolicyOverrides, now time.Time) error {
	if err := o.validate(); err != nil {
		return err
	}
	switch policy {
	case PolicyStandard:
		s.Standard = o
	case PolicyConversion:
		s.Conversion = o
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	s.UpdatedAt = now.UTC()
	return nil
}

func (s *UserRateLimitSettings) ClearAllOverrides(now time.Time) {
	s.Standard = PolicyOverrides{}
	s.Conversion = PolicyOverrides{}
	s.UpdatedAt = now.UTC()
}

func (s UserRateLimitSettings) Overrides(policy PolicyName) (PolicyOverrides, error) {
	switch policy {
	case PolicyStandard:
		return s.Standard, nil
	case PolicyConversion:
		return s.Conversion, nil
	}
	return PolicyOverrides{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

func (s UserRateLimitSettings) HasAnyOverride() bool {
	return s.Standard.Any() || s.Conversion.Any()
}
