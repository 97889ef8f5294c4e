package license

import (
	"errors"
)

var ErrMissingLicenseClaim = errors.New("license claim not found in request context")

// Tier is the license tier a customer is entitled to. Unrecognized tier
// strings parse to TierUnknown, which the quota table treats as basic.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierUnknown Tier = "unknown"
)

func ParseTier(s string) Tier {
	switch s {
	case string(TierBasic):
		return TierBasic
	case string(TierPremium):
		return TierPremium
	default:
		return TierUnknown
	}
}

// Context identifies the tenant for rate-limiting purposes. LicenseHash is a
// pseudonymous digest of the customer's license key, never the key itself.
// It is derived per request and never persisted by this subsystem.
type Context struct {
	LicenseHash string
	Tier        Tier
}

// FromClaims derives a license context from the verified claims map handed
// over by the auth layer. Accepts both the current and the legacy claim name
// for the hash. A missing hash means the auth middleware did not run, which
// is a contract violation upstream of this subsystem.
func FromClaims(claims map[string]interface{}) (Context, error) {
	hash, ok := claims["license_hash"].(string)
	if !ok || hash == "" {
		hash, ok = claims["license_key_hash"].(string)
		if !ok || hash == "" {
			return Context{}, ErrMissingLicenseClaim
		}
	}

	tier := TierUnknown
	if t, ok := claims["tier"].(string); ok {
		tier = ParseTier(t)
	}

	return Context{LicenseHash: hash, Tier: tier}, nil
}

// EmailIdentifier builds the partition key used on unauthenticated auth
// endpoints, where no license hash exists yet. The prefix keeps email-keyed
// counters from ever colliding with hash-keyed ones.
func EmailIdentifier(email string) string {
	return "email:" + email
}

// Truncate shortens an identifier for log output so raw hashes and emails
// never land in logs whole.
func Truncate(identifier string) string {
	if len(identifier) <= 12 {
		return identifier
	}
	return identifier[:12] + "..."
}
