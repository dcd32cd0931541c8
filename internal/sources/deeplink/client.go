// SPDX-License-Identifier: MIT

// Package deeplink implements the secondary deep-link/regional-detail
// source: a single endpoint, a daily quota, and no retries. The provider
// returns HTTP 403 for both auth failure and quota exhaustion; it is
// treated as quota saturation here.
package deeplink

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

const sourceName = "secondary"

// Config configures the secondary source client.
type Config struct {
	BaseURL string
	APIKey  string

	DailyQuota       int // default 100
	Timeout          time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DailyQuota <= 0 {
		c.DailyQuota = 100
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

// Client is the secondary source client.
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
		guard: quota.NewGuard(sourceName, quota.Daily, cfg.DailyQuota),
	}
}

func (c *Client) Name() string { return sourceName }

// Lookup queries shows/{imdbId}?country=.. for deep-link availability.
func (c *Client) Lookup(ctx context.Context, imdbID, country string) (*sources.Record, error) {
	if !c.cb.AllowRequest() {
		return nil, &errs.SourceError{Sentinel: errs.ErrCircuitOpen, Source: sourceName, Operation: "lookup"}
	}
	if err := c.guard.CheckAndIncrement(); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/shows/%s?country=%s", imdbID, strings.ToUpper(country))
	body, saturated, err := c.doGet(ctx, path)
	if saturated {
		// Ambiguous 403: treated as quota exhaustion, not recorded as a
		// circuit-breaker failure since the source itself is healthy.
		c.guard.RecordSaturationSignal()
		return nil, errs.ErrQuotaExceeded
	}
	if err != nil {
		c.cb.RecordFailure()
		return nil, err
	}
	c.cb.RecordSuccess()

	if body == nil {
		return nil, errs.ErrNotFound
	}

	var parsed struct {
		StreamingOptions map[string][]struct {
			Service   string `json:"service"`
			Link      string `json:"link"`
			Quality   string `json:"quality"`
			ExpiresAt *int64 `json:"expiresAt"`
			Type      string `json:"type"` // "subscription", "rent", "buy", "free"
		} `json:"streamingOptions"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: "lookup", Err: err}
	}

	entries, ok := parsed.StreamingOptions[strings.ToUpper(country)]
	if !ok {
		return &sources.Record{Offers: map[string]provider.Offer{}}, nil
	}

	offers := make(map[string]provider.Offer, len(entries))
	for _, e := range entries {
		key := provider.Normalize(e.Service)
		if key == "" {
			continue
		}
		offers[key] = provider.Offer{
			Kind:      monetisationKind(e.Type),
			Link:      e.Link,
			Quality:   e.Quality,
			ExpiresAt: e.ExpiresAt,
			Source:    sourceName,
		}
	}
	return &sources.Record{Offers: offers}, nil
}

func monetisationKind(t string) provider.Kind {
	switch strings.ToLower(t) {
	case "rent":
		return provider.KindRent
	case "buy":
		return provider.KindBuy
	case "free":
		return provider.KindFree
	default:
		return provider.KindSubscription
	}
}

// doGet returns (body, saturated, err). saturated=true means the response
// was HTTP 403, which this source's API overloads for both auth failure
// and quota exhaustion.
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
		logger.Warn().Err(err).Str("operation", "lookup").Msg("deeplink request failed")
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
		return nil, false, nil
	case http.StatusForbidden:
		return nil, true, nil
	default:
		return nil, false, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: "lookup", Status: res.StatusCode}
	}
}
