// SPDX-License-Identifier: MIT

// Package broadagg implements the tertiary broad-aggregator source: a
// single lookup endpoint, a monthly quota, and monetisation kind inferred
// from deep-link URL patterns rather than a structured field.
package broadagg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfsync/reconciler/internal/errs"
	xlog "github.com/shelfsync/reconciler/internal/log"
	"github.com/shelfsync/reconciler/internal/provider"
	"github.com/shelfsync/reconciler/internal/quota"
	"github.com/shelfsync/reconciler/internal/resilience"
	"github.com/shelfsync/reconciler/internal/sources"
)

const sourceName = "tertiary"

// Config configures the tertiary source client.
type Config struct {
	BaseURL string
	APIKey  string

	MonthlyQuota     int // default 1000
	Timeout          time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MonthlyQuota <= 0 {
		c.MonthlyQuota = 1000
	}
	if c.Timeout <= 0 {
		c.Timeout = sources.DefaultRequestTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	return c
}

// Client is the tertiary source client.
type Client struct {
	cfg   Config
	http  *http.Client
	log   zerolog.Logger
	cb    *resilience.CircuitBreaker
	guard *quota.Guard
}

// New builds a client.
func New(cfg Config, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log,
		cb:    resilience.New(sourceName, cfg.FailureThreshold, cfg.RecoveryTimeout),
		guard: quota.NewGuard(sourceName, quota.Monthly, cfg.MonthlyQuota),
	}
}

func (c *Client) Name() string { return sourceName }

// rentalHosts are known digital-store hosts whose deep links are always
// transactional (rent or buy), never subscription.
var rentalHosts = []string{"itunes.apple.com", "play.google.com", "microsoft.com/store"}

// Lookup queries lookup?term={imdbId}&country=.. for broad-catalogue hits.
func (c *Client) Lookup(ctx context.Context, imdbID, country string) (*sources.Record, error) {
	if !c.cb.AllowRequest() {
		return nil, &errs.SourceError{Sentinel: errs.ErrCircuitOpen, Source: sourceName, Operation: "lookup"}
	}
	if err := c.guard.CheckAndIncrement(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/lookup?term=%s&country=%s", imdbID, strings.ToUpper(country))
	body, notFound, err := c.doGet(ctx, path)
	if err != nil {
		c.cb.RecordFailure()
		return nil, err
	}
	c.cb.RecordSuccess()
	if notFound {
		return nil, errs.ErrNotFound
	}

	var parsed struct {
		Locations []struct {
			Name      string   `json:"display_name"`
			URL       string   `json:"url"`
			Icon      string   `json:"icon"`
			Countries []string `json:"countries"`
		} `json:"locations"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: "lookup", Err: err}
	}

	offers := make(map[string]provider.Offer)
	upperCountry := strings.ToUpper(country)
	for _, loc := range parsed.Locations {
		if !containsCountry(loc.Countries, upperCountry) {
			continue
		}
		key := provider.Normalize(loc.Name)
		if key == "" {
			continue
		}
		offers[key] = provider.Offer{
			Kind:   inferKind(loc.URL),
			Link:   loc.URL,
			Source: sourceName,
		}
	}
	return &sources.Record{Offers: offers}, nil
}

func containsCountry(countries []string, want string) bool {
	if len(countries) == 0 {
		return true // API omits the field when it applies globally
	}
	for _, c := range countries {
		if strings.EqualFold(c, want) {
			return true
		}
	}
	return false
}

// inferKind derives a monetisation kind from the deep-link URL when the
// API provides no structured type.
func inferKind(rawURL string) provider.Kind {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, "rent") || strings.Contains(lower, "rental"):
		return provider.KindRent
	case strings.Contains(lower, "buy") || strings.Contains(lower, "purchase"):
		return provider.KindBuy
	}
	for _, host := range rentalHosts {
		if strings.Contains(lower, host) {
			return provider.KindRent
		}
	}
	return provider.KindSubscription
}

// doGet returns (body, notFound, err).
func (c *Client) doGet(ctx context.Context, path string) ([]byte, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("X-RapidAPI-Key", c.cfg.APIKey)

	res, err := c.http.Do(req)
	if err != nil {
		logger := xlog.WithContext(ctx, c.log)
		logger.Warn().Err(err).Str("operation", "lookup").Msg("broadagg request failed")
		return nil, false, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: "lookup", Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	switch res.StatusCode {
	case http.StatusOK:
		body, _ := io.ReadAll(res.Body)
		return body, false, nil
	case http.StatusNotFound:
		return nil, true, nil
	default:
		return nil, false, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: "lookup", Status: res.StatusCode}
	}
}
