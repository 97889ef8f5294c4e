package quota

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/scrapbird/syncgate/pkg/domain/category"
	"github.com/scrapbird/syncgate/pkg/domain/license"
)

// Limit is the admission budget for one (tier, category) pair.
type Limit struct {
	Count  int
	Window time.Duration
}

// defaultLimit is the conservative budget applied when a tier/category has
// no configured entry. A configuration gap fails closed, never open.
var defaultLimit = Limit{Count: 10, Window: time.Minute}

// LimitSetting is the config-file shape of a single limit entry.
type LimitSetting struct {
	Limit         int `mapstructure:"limit" json:"limit"`
	WindowSeconds int `mapstructure:"window_seconds" json:"window_seconds"`
}

// Table resolves (tier, category) to an admission budget. It is immutable
// after construction and safe for concurrent use.
type Table struct {
	limits   map[license.Tier]map[category.Category]Limit
	fallback Limit
}

// DefaultTable returns the built-in quota table. Limits are per minute.
func DefaultTable() *Table {
	return &Table{
		limits: map[license.Tier]map[category.Category]Limit{
			license.TierBasic: {
				category.Workspace:  {Count: 10, Window: time.Minute},
				category.Member:     {Count: 10, Window: time.Minute},
				category.File:       {Count: 100, Window: time.Minute},
				category.Location:   {Count: 100, Window: time.Minute},
				category.Annotation: {Count: 1000, Window: time.Minute},
				category.Auth:       {Count: 5, Window: time.Minute},
			},
			license.TierPremium: {
				category.Workspace:  {Count: 100, Window: time.Minute},
				category.Member:     {Count: 100, Window: time.Minute},
				category.File:       {Count: 500, Window: time.Minute},
				category.Location:   {Count: 500, Window: time.Minute},
				category.Annotation: {Count: 5000, Window: time.Minute},
				category.Auth:       {Count: 10, Window: time.Minute},
			},
		},
		fallback: defaultLimit,
	}
}

// NewTableFromSettings overlays configured per-tier per-category limits on
// top of the defaults. The settings tree comes straight out of viper, so it
// is decoded with mapstructure the same way plugin settings are.
func NewTableFromSettings(settings map[string]map[string]interface{}) (*Table, error) {
	t := DefaultTable()
	for tierName, categories := range settings {
		tier := license.ParseTier(tierName)
		if tier == license.TierUnknown {
			return nil, fmt.Errorf("unknown tier %q in rate limit settings", tierName)
		}
		for catName, raw := range categories {
			var ls LimitSetting
			if err := mapstructure.Decode(raw, &ls); err != nil {
				return nil, fmt.Errorf("invalid limit for %s/%s: %w", tierName, catName, err)
			}
			if ls.Limit <= 0 || ls.WindowSeconds <= 0 {
				return nil, fmt.Errorf("limit for %s/%s requires positive 'limit' and 'window_seconds'", tierName, catName)
			}
			t.limits[tier][category.Category(catName)] = Limit{
				Count:  ls.Limit,
				Window: time.Duration(ls.WindowSeconds) * time.Second,
			}
		}
	}
	return t, nil
}

// Lookup returns the budget for a tier and category. An unknown tier
// degrades to basic and a missing category degrades to the conservative
// fallback; degraded reports that either fallback was taken so callers can
// log the configuration gap.
func (t *Table) Lookup(tier license.Tier, cat category.Category) (Limit, bool) {
	degraded := false

	tierLimits, ok := t.limits[tier]
	if !ok {
		tierLimits = t.limits[license.TierBasic]
		degraded = true
	}

	limit, ok := tierLimits[cat]
	if !ok {
		limit = t.fallback
		degraded = true
	}

	return limit, degraded
}
