// SPDX-License-Identifier: MIT

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/reconciler/internal/errs"
	"github.com/shelfsync/reconciler/internal/planner"
)

func validConfig() Config {
	return Config{
		PVR: PVR{URL: "http://pvr.local", APIKey: "key"},
		ProviderAPIs: ProviderAPIs{
			Primary: PrimaryAPI{APIKey: "primary-key"},
		},
		StreamingProviders: []StreamingProvider{
			{Name: "netflix", Country: "US"},
		},
	}
}

func TestConfig_ValidateAcceptsAWellFormedConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestConfig_ValidateRejectsEmptyPVRURL(t *testing.T) {
	c := validConfig()
	c.PVR.URL = "  "
	assert.ErrorIs(t, c.Validate(), errs.ErrConfigInvalid)
}

func TestConfig_ValidateRejectsNonHTTPPVRURL(t *testing.T) {
	c := validConfig()
	c.PVR.URL = "ftp://pvr.local"
	assert.ErrorIs(t, c.Validate(), errs.ErrConfigInvalid)
}

func TestConfig_ValidateRequiresPrimaryAPIKeyWhenEnabled(t *testing.T) {
	c := validConfig()
	c.ProviderAPIs.Primary.APIKey = ""
	assert.ErrorIs(t, c.Validate(), errs.ErrConfigInvalid)
}

func TestConfig_ValidateAllowsMissingPrimaryAPIKeyWhenDisabled(t *testing.T) {
	c := validConfig()
	c.ProviderAPIs.Primary.APIKey = ""
	disabled := false
	c.ProviderAPIs.Primary.Enabled = &disabled
	require.NoError(t, c.Validate())
}

func TestConfig_ValidateRejectsUnknownSyncAction(t *testing.T) {
	c := validConfig()
	c.Sync.Action = planner.Action("purge")
	assert.ErrorIs(t, c.Validate(), errs.ErrConfigInvalid)
}

func TestConfig_ValidateRejectsNegativeExcludeRecentDays(t *testing.T) {
	c := validConfig()
	negative := -1
	c.Sync.ExcludeRecentDays = &negative
	assert.ErrorIs(t, c.Validate(), errs.ErrConfigInvalid)
}

func TestConfig_ValidatePropagatesStreamingProviderErrors(t *testing.T) {
	c := validConfig()
	c.StreamingProviders = append(c.StreamingProviders, StreamingProvider{Name: "Netflix", Country: "US"})
	assert.ErrorIs(t, c.Validate(), errs.ErrConfigInvalid)
}

func TestStreamingProvider_ValidateRejectsEmptyName(t *testing.T) {
	p := StreamingProvider{Name: "  ", Country: "US"}
	assert.ErrorIs(t, p.Validate(), errs.ErrConfigInvalid)
}

func TestStreamingProvider_ValidateRejectsUppercaseName(t *testing.T) {
	p := StreamingProvider{Name: "Netflix", Country: "US"}
	assert.ErrorIs(t, p.Validate(), errs.ErrConfigInvalid)
}

func TestStreamingProvider_ValidateRejectsLowercaseCountry(t *testing.T) {
	p := StreamingProvider{Name: "netflix", Country: "us"}
	assert.ErrorIs(t, p.Validate(), errs.ErrConfigInvalid)
}

func TestStreamingProvider_ValidateRejectsThreeLetterCountry(t *testing.T) {
	p := StreamingProvider{Name: "netflix", Country: "USA"}
	assert.ErrorIs(t, p.Validate(), errs.ErrConfigInvalid)
}

func TestValidateStreamingProviders_RejectsDuplicateCombination(t *testing.T) {
	providers := []StreamingProvider{
		{Name: "netflix", Country: "US"},
		{Name: "netflix", Country: "US"},
	}
	assert.ErrorIs(t, ValidateStreamingProviders(providers), errs.ErrConfigInvalid)
}

func TestValidateStreamingProviders_SameNameDifferentCountryIsFine(t *testing.T) {
	providers := []StreamingProvider{
		{Name: "netflix", Country: "US"},
		{Name: "netflix", Country: "DE"},
	}
	require.NoError(t, ValidateStreamingProviders(providers))
}

func TestSync_Defaults(t *testing.T) {
	var s Sync
	assert.True(t, s.IsDryRun())
	assert.Equal(t, 7, s.ExcludeRecentDaysOrDefault())
	assert.Equal(t, planner.ActionUnmonitor, s.ActionOrDefault())
}

func TestSync_ExplicitOverridesDefaults(t *testing.T) {
	dryRun := false
	days := 30
	s := Sync{Action: planner.ActionDelete, DryRun: &dryRun, ExcludeRecentDays: &days}
	assert.False(t, s.IsDryRun())
	assert.Equal(t, 30, s.ExcludeRecentDaysOrDefault())
	assert.Equal(t, planner.ActionDelete, s.ActionOrDefault())
}

func TestPrimaryAPI_EnabledDefaultsTrue(t *testing.T) {
	var p PrimaryAPI
	assert.True(t, p.IsEnabled())

	disabled := false
	p.Enabled = &disabled
	assert.False(t, p.IsEnabled())
}

func TestConfig_DescribeMasksAPIKeysAndPasswords(t *testing.T) {
	c := validConfig()
	c.ProviderAPIs.Secondary.APIKey = "super-secret"

	out, err := c.Describe()
	require.NoError(t, err)
	assert.NotContains(t, out, "super-secret")
	assert.NotContains(t, out, "primary-key")
	assert.Contains(t, out, "***")
}

func TestConfig_DescribeIsValidYAML(t *testing.T) {
	out, err := validConfig().Describe()
	require.NoError(t, err)
	assert.Contains(t, out, "PVR")
}
