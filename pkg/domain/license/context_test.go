package license_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrapbird/syncgate/pkg/domain/license"
)

func TestFromClaims(t *testing.T) {
	licCtx, err := license.FromClaims(map[string]interface{}{
		"license_hash": "sha256:abc123",
		"tier":         "premium",
	})
	assert.NoError(t, err)
	assert.Equal(t, "sha256:abc123", licCtx.LicenseHash)
	assert.Equal(t, license.TierPremium, licCtx.Tier)
}

func TestFromClaims_LegacyClaimName(t *testing.T) {
	licCtx, err := license.FromClaims(map[string]interface{}{
		"license_key_hash": "sha256:abc123",
		"tier":             "basic",
	})
	assert.NoError(t, err)
	assert.Equal(t, "sha256:abc123", licCtx.LicenseHash)
	assert.Equal(t, license.TierBasic, licCtx.Tier)
}

func TestFromClaims_MissingHash(t *testing.T) {
	_, err := license.FromClaims(map[string]interface{}{"tier": "basic"})
	assert.ErrorIs(t, err, license.ErrMissingLicenseClaim)

	_, err = license.FromClaims(map[string]interface{}{"license_hash": ""})
	assert.ErrorIs(t, err, license.ErrMissingLicenseClaim)

	_, err = license.FromClaims(map[string]interface{}{"license_hash": 42})
	assert.ErrorIs(t, err, license.ErrMissingLicenseClaim)
}

func TestFromClaims_UnrecognizedTier(t *testing.T) {
	licCtx, err := license.FromClaims(map[string]interface{}{
		"license_hash": "sha256:abc123",
		"tier":         "enterprise-gold",
	})
	assert.NoError(t, err)
	assert.Equal(t, license.TierUnknown, licCtx.Tier)
}

func TestFromClaims_MissingTier(t *testing.T) {
	licCtx, err := license.FromClaims(map[string]interface{}{
		"license_hash": "sha256:abc123",
	})
	assert.NoError(t, err)
	assert.Equal(t, license.TierUnknown, licCtx.Tier)
}

func TestEmailIdentifier(t *testing.T) {
	assert.Equal(t, "email:user@example.com", license.EmailIdentifier("user@example.com"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", license.Truncate("short"))
	assert.Equal(t, "sha256:abcde...", license.Truncate("sha256:abcdef0123456789"))
}
