// SPDX-License-Identifier: MIT

// Package config defines the populated configuration value the engine
// receives. This package never reads a file or an environment variable
// itself; that boundary belongs to an external collaborator. It does
// validate values already received.
package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shelfsync/reconciler/internal/errs"
	"github.com/shelfsync/reconciler/internal/planner"
)

// Config is the populated configuration value the Engine is constructed
// from: grouped sub-structs with yaml tags, carrying only the sections
// this engine actually consumes.
type Config struct {
	PVR                PVR                 `yaml:"pvr"`
	ProviderAPIs       ProviderAPIs        `yaml:"providerApis"`
	StreamingProviders []StreamingProvider `yaml:"streamingProviders"`
	Sync               Sync                `yaml:"sync"`
}

// PVR holds the credentials for the abstract PVR capability; the wire
// format itself belongs to the external client implementation.
type PVR struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

// ProviderAPIs groups the three upstream catalogue sources' settings.
type ProviderAPIs struct {
	Primary   PrimaryAPI   `yaml:"primary"`
	Secondary SecondaryAPI `yaml:"secondary"`
	Tertiary  TertiaryAPI  `yaml:"tertiary"`
}

// PrimaryAPI configures the primary catalogue source. Enabled defaults true.
type PrimaryAPI struct {
	APIKey    string `yaml:"apiKey"`
	Enabled   *bool  `yaml:"enabled,omitempty"`
	RateLimit int    `yaml:"rateLimit,omitempty"` // req/10s, default 40
	CacheTTL  int    `yaml:"cacheTtl,omitempty"`  // seconds, default 86400
}

func (p PrimaryAPI) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// SecondaryAPI configures the secondary deep-link source. Enabled defaults false.
type SecondaryAPI struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	APIKey     string `yaml:"apiKey"`
	DailyQuota int    `yaml:"dailyQuota,omitempty"` // default 100
	CacheTTL   int    `yaml:"cacheTtl,omitempty"`   // seconds, default 43200
}

// TertiaryAPI configures the tertiary broad-aggregator source. Enabled defaults false.
type TertiaryAPI struct {
	Enabled      bool   `yaml:"enabled,omitempty"`
	APIKey       string `yaml:"apiKey"`
	MonthlyQuota int    `yaml:"monthlyQuota,omitempty"` // default 1000
	CacheTTL     int    `yaml:"cacheTtl,omitempty"`     // seconds, default 604800
}

// StreamingProvider is one subscription the user already pays for: a
// provider name (normalised lowercase at use) and a country the
// subscription applies in.
type StreamingProvider struct {
	Name    string `yaml:"name"`
	Country string `yaml:"country"`
}

// Sync configures the planner/executor policy.
type Sync struct {
	Action            planner.Action `yaml:"action,omitempty"`            // default "unmonitor"
	DryRun            *bool          `yaml:"dryRun,omitempty"`            // default true
	ExcludeRecentDays *int           `yaml:"excludeRecentDays,omitempty"` // default 7
}

func (s Sync) IsDryRun() bool {
	return s.DryRun == nil || *s.DryRun
}

func (s Sync) ExcludeRecentDaysOrDefault() int {
	if s.ExcludeRecentDays == nil {
		return 7
	}
	return *s.ExcludeRecentDays
}

func (s Sync) ActionOrDefault() planner.Action {
	if s.Action == "" {
		return planner.ActionUnmonitor
	}
	return s.Action
}

var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// Validate reports a name or country normalisation violation: names must
// be lowercase, countries uppercase 2-letter ISO-3166-1. It does not
// mutate p.
func (p StreamingProvider) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("%w: streamingProviders: name must not be empty", errs.ErrConfigInvalid)
	}
	if name != strings.ToLower(name) {
		return fmt.Errorf("%w: streamingProviders: name %q must be lowercase", errs.ErrConfigInvalid, p.Name)
	}
	if !countryPattern.MatchString(p.Country) {
		return fmt.Errorf("%w: streamingProviders: country %q must be an uppercase 2-letter ISO-3166-1 code", errs.ErrConfigInvalid, p.Country)
	}
	return nil
}

// ValidateStreamingProviders validates every entry and rejects duplicate
// (name, country) combinations.
func ValidateStreamingProviders(providers []StreamingProvider) error {
	seen := make(map[StreamingProvider]bool, len(providers))
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			return err
		}
		key := StreamingProvider{Name: strings.ToLower(p.Name), Country: strings.ToUpper(p.Country)}
		if seen[key] {
			return fmt.Errorf("%w: streamingProviders: duplicate combination %s/%s", errs.ErrConfigInvalid, p.Name, p.Country)
		}
		seen[key] = true
	}
	return nil
}

// Validate checks the populated Config for internal consistency. It never
// parses anything; every value it inspects was already supplied by the
// caller.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PVR.URL) == "" {
		return fmt.Errorf("%w: pvr.url must not be empty", errs.ErrConfigInvalid)
	}
	if !strings.HasPrefix(c.PVR.URL, "https://") && !strings.HasPrefix(c.PVR.URL, "http://") {
		return fmt.Errorf("%w: pvr.url must be an http(s) URL", errs.ErrConfigInvalid)
	}
	if c.ProviderAPIs.Primary.IsEnabled() && strings.TrimSpace(c.ProviderAPIs.Primary.APIKey) == "" {
		return fmt.Errorf("%w: providerApis.primary.apiKey must not be empty when enabled", errs.ErrConfigInvalid)
	}
	if err := ValidateStreamingProviders(c.StreamingProviders); err != nil {
		return err
	}
	switch c.Sync.ActionOrDefault() {
	case planner.ActionUnmonitor, planner.ActionDelete:
	default:
		return fmt.Errorf("%w: sync.action must be unmonitor or delete, got %q", errs.ErrConfigInvalid, c.Sync.Action)
	}
	if c.Sync.ExcludeRecentDaysOrDefault() < 0 {
		return fmt.Errorf("%w: sync.excludeRecentDays must be >= 0", errs.ErrConfigInvalid)
	}
	return nil
}

// sensitiveKeys are masked by Describe so diagnostic logging never leaks
// credentials.
var sensitiveKeys = []string{"apikey", "password", "secret", "token"}

// Describe marshals c back to YAML for diagnostic logging only, masking
// API keys and other credentials.
func (c Config) Describe() (string, error) {
	masked := maskSecrets(c).(map[string]any)
	out, err := yaml.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("config: describe: %w", err)
	}
	return string(out), nil
}

func maskSecrets(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if isSensitive(name) {
				out[name] = "***"
				continue
			}
			out[name] = maskSecrets(rv.Field(i).Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = maskSecrets(rv.Index(i).Interface())
		}
		return out
	default:
		return rv.Interface()
	}
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
