// Package ratelimit resolves per-user rate limits from tier defaults and
// per-policy overrides, and enforces them at the HTTP edge with token
// buckets.
package ratelimit

import (
	"fmt"
	"strings"

	"convertapi/config"
	"convertapi/models"
)

var (
	ErrUnknownTier   = models.ErrUnknownTier
	ErrUnknownPolicy = models.ErrUnknownPolicy
)

// PolicyDefault is a tier's default for one policy.
type PolicyDefault struct {
	PermitLimit   int
	WindowMinutes int
}

type TierDefaults struct {
	Standard   PolicyDefault
	Conversion PolicyDefault
}

func (d TierDefaults) policy(p models.PolicyName) (PolicyDefault, error) {
	switch p {
	case models.PolicyStandard:
		return d.Standard, nil
	case models.PolicyConversion:
		return d.Conversion, nil
	}
	return PolicyDefault{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, p)
}

// Catalog maps every tier to its policy defaults. It is immutable once built.
type Catalog struct {
	tiers map[models.Tier]TierDefaults
}

// NewCatalog builds a catalog from configuration. Tiers absent from cfg
// keep their built-in defaults; unknown tier names are rejected.
func NewCatalog(cfg map[string]config.TierConfig) (*Catalog, error) {
	c := DefaultCatalog()
	for name, tc := range cfg {
		tier, err := models.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("rate_limiting.tiers.%s: %w", strings.ToLower(name), err)
		}
		d := TierDefaults{
			Standard:   PolicyDefault{PermitLimit: tc.StandardPolicy.PermitLimit, WindowMinutes: tc.StandardPolicy.WindowMinutes},
			Conversion: PolicyDefault{PermitLimit: tc.ConversionPolicy.PermitLimit, WindowMinutes: tc.ConversionPolicy.WindowMinutes},
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("rate_limiting.tiers.%s: %w", strings.ToLower(name), err)
		}
		c.tiers[tier] = d
	}
	return c, nil
}

// DefaultCatalog returns the built-in tier table.
func DefaultCatalog() *Catalog {
	c := &Catalog{tiers: make(map[models.Tier]TierDefaults, len(models.Tiers))}
	for name, tc := range config.DefaultTiers() {
		tier, _ := models.ParseTier(name)
		c.tiers[tier] = TierDefaults{
			Standard:   PolicyDefault{PermitLimit: tc.StandardPolicy.PermitLimit, WindowMinutes: tc.StandardPolicy.WindowMinutes},
			Conversion: PolicyDefault{PermitLimit: tc.ConversionPolicy.PermitLimit, WindowMinutes: tc.ConversionPolicy.WindowMinutes},
		}
	}
	return c
}

func (d TierDefaults) validate() error {
	for _, p := range []PolicyDefault{d.Standard, d.Conversion} {
		if p.PermitLimit < 0 || p.WindowMinutes <= 0 {
			return fmt.Errorf("permit limit must be >= 0 and window minutes > 0, got %d/%d", p.PermitLimit, p.WindowMinutes)
		}
	}
	return nil
}

// Lookup returns the defaults of tier. Unknown tiers resolve to Free so a
// stale tier name never takes the request path down.
func (c *Catalog) Lookup(tier models.Tier) TierDefaults {
	if d, ok := c.tiers[tier]; ok {
		return d
	}
	return c.tiers[models.TierFree]
}

func (c *Catalog) Policy(tier models.Tier, policy models.PolicyName) (PolicyDefault, error) {
	return c.Lookup(tier).policy(policy)
}
