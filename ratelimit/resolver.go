package ratelimit

import (
	"time"

	"convertapi/models"
)

// Source says where an effective limit came from.
type Source string

const (
	SourceTier     Source = "Tier"
	SourceOverride Source = "Override"
)

// Effective is the limit actually enforced for one user and policy.
type Effective struct {
	PermitLimit int
	Window      time.Duration
	Source      Source
}

func (e Effective) WindowMinutes() int {
	return int(e.Window / time.Minute)
}

// Resolve computes the effective limit for a policy. When either override
// is set the result is sourced from the override, and the unset field falls
// back to the tier default of the same policy.
func Resolve(c *Catalog, tier models.Tier, policy models.PolicyName, overridePermit, overrideWindow models.Override) (Effective, error) {
	def, err := c.Policy(tier, policy)
	if err != nil {
		return Effective{}, err
	}

	source := SourceTier
	if overridePermit.IsSet() || overrideWindow.IsSet() {
		source = SourceOverride
	}
	return Effective{
		PermitLimit: overridePermit.Or(def.PermitLimit),
		Window:      time.Duration(overrideWindow.Or(def.WindowMinutes)) * time.Minute,
		Source:      source,
	}, nil
}

// ResolveSettings is Resolve with the tier and overrides taken from s.
func ResolveSettings(c *Catalog, s models.UserRateLimitSettings, policy models.PolicyName) (Effective, error) {
	o, err := s.Overrides(policy)
	if err != nil {
		return Effective{}, err
	}
	return Resolve(c, s.Tier, policy, o.PermitLimit, o.WindowMinutes)
}
