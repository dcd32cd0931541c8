// SPDX-License-Identifier: MIT

// Package catalogindex implements the primary catalogue-index source:
// IMDb-id resolution followed by a watch/providers lookup, guarded by a
// token-bucket rate limiter, a circuit breaker, and an internal retry
// policy on transient upstream errors.
package catalogindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shelfsync/reconciler/internal/errs"
	xlog "github.com/shelfsync/reconciler/internal/log"
	"github.com/shelfsync/reconciler/internal/provider"
	"github.com/shelfsync/reconciler/internal/resilience"
	"github.com/shelfsync/reconciler/internal/sources"
)

const sourceName = "primary"

// Config configures the primary source client.
type Config struct {
	BaseURL string // e.g. "https://api.themoviedb.org/3"
	APIKey  string // either a v3 query-param key or a v4 bearer JWT

	// RateLimit is the sustained request rate per 10s (default 40) and also
	// the burst size: a cold client may issue up to twice this many requests
	// in its first 10s, so it does not cap every 10s window at RateLimit.
	RateLimit        int
	Timeout          time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 40
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

// Client is the primary source client. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	cb      *resilience.CircuitBreaker
	limiter *rate.Limiter

	isBearer bool
}

// New builds a client. log may be the zero zerolog.Logger.
func New(cfg Config, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	// RateLimit is expressed as requests per 10s window. Burst equal to the
	// window's full allowance lets a cold client spend it immediately, then
	// refill at the equivalent per-second rate.
	perSecond := rate.Limit(float64(cfg.RateLimit) / 10.0)
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log,
		cb:       resilience.New(sourceName, cfg.FailureThreshold, cfg.RecoveryTimeout),
		limiter:  rate.NewLimiter(perSecond, cfg.RateLimit),
		isBearer: looksLikeJWT(cfg.APIKey),
	}
}

func (c *Client) Name() string { return sourceName }

// looksLikeJWT identifies a v4 bearer token by its three dot-separated
// base64url segments (header.payload.signature), vs. a v3 flat API key.
func looksLikeJWT(key string) bool {
	parts := strings.Split(key, ".")
	return len(parts) == 3 && strings.HasPrefix(parts[0], "eyJ")
}

// Find resolves an IMDb id to this catalogue's internal id. The result is
// permanently cacheable by the caller.
func (c *Client) Find(ctx context.Context, imdbID string) (string, error) {
	body, err := c.get(ctx, "find."+imdbID, fmt.Sprintf("/find/%s?external_source=imdb_id", imdbID))
	if err != nil {
		return "", err
	}

	var parsed struct {
		TVResults []struct {
			ID int `json:"id"`
		} `json:"tv_results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: "find", Err: err}
	}
	if len(parsed.TVResults) == 0 {
		return "", errs.ErrNotFound
	}
	return fmt.Sprintf("%d", parsed.TVResults[0].ID), nil
}

// Providers fetches watch/providers for a catalogue id, scoped to country.
func (c *Client) Providers(ctx context.Context, catalogID, country string) (map[string]provider.Offer, error) {
	body, err := c.get(ctx, "providers."+catalogID, fmt.Sprintf("/tv/%s/watch/providers", catalogID))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results map[string]struct {
			Flatrate []providerEntry `json:"flatrate"`
			Free     []providerEntry `json:"free"`
			Ads      []providerEntry `json:"ads"`
			Rent     []providerEntry `json:"rent"`
			Buy      []providerEntry `json:"buy"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: "providers", Err: err}
	}

	byCountry, ok := parsed.Results[strings.ToUpper(country)]
	if !ok {
		return map[string]provider.Offer{}, nil
	}

	offers := make(map[string]provider.Offer)
	fold := func(entries []providerEntry, kind provider.Kind) {
		for _, e := range entries {
			key := provider.Normalize(e.Name)
			if key == "" {
				continue
			}
			offers[key] = provider.Offer{Kind: kind, Source: sourceName}
		}
	}
	fold(byCountry.Flatrate, provider.KindSubscription)
	fold(byCountry.Free, provider.KindFree)
	fold(byCountry.Ads, provider.KindAds)
	fold(byCountry.Rent, provider.KindRent)
	fold(byCountry.Buy, provider.KindBuy)

	return offers, nil
}

// Lookup satisfies sources.Client by composing Find and Providers without
// any cache interleaving; the Aggregator calls Find/Providers directly so
// it can interleave id-mapping and provider-data cache checks between the
// two steps. Lookup exists so this client is still usable wherever the
// common one-method capability is required.
func (c *Client) Lookup(ctx context.Context, imdbID, country string) (*sources.Record, error) {
	catalogID, err := c.Find(ctx, imdbID)
	if err != nil {
		return nil, err
	}
	offers, err := c.Providers(ctx, catalogID, country)
	if err != nil {
		return nil, err
	}
	return &sources.Record{CatalogID: catalogID, Offers: offers}, nil
}

type providerEntry struct {
	Name string `json:"provider_name"`
}

// get performs a rate-limited, circuit-broken, retrying GET and returns the
// response body on HTTP 200.
func (c *Client) get(ctx context.Context, operation, path string) ([]byte, error) {
	if !c.cb.AllowRequest() {
		return nil, &errs.SourceError{Sentinel: errs.ErrCircuitOpen, Source: sourceName, Operation: operation}
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if _, hasDeadline := ctx.Deadline(); hasDeadline && ctx.Err() == nil {
				// The limiter refuses up front when the wait would outlast
				// ctx's deadline, without wrapping context.DeadlineExceeded.
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return nil, err
		}

		data, retryable, err := c.doGet(ctx, operation, path)
		if err == nil {
			c.cb.RecordSuccess()
			return data, nil
		}

		lastErr = err
		if !retryable || attempt == maxAttempts {
			c.cb.RecordFailure()
			return nil, err
		}

		sleep := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, lastErr
}

func (c *Client) doGet(ctx context.Context, operation, path string) ([]byte, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, false, err
	}
	if c.isBearer {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else {
		q := req.URL.Query()
		q.Set("api_key", c.cfg.APIKey)
		req.URL.RawQuery = q.Encode()
	}

	start := time.Now()
	res, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		logger := xlog.WithContext(ctx, c.log)
		logger.Warn().Err(err).Str("operation", operation).Dur("duration", duration).Msg("catalogindex request failed")
		return nil, true, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: operation, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	body, _ := io.ReadAll(res.Body)

	switch {
	case res.StatusCode == http.StatusOK:
		return body, false, nil
	case res.StatusCode == http.StatusUnauthorized:
		return nil, false, &errs.SourceError{Sentinel: errs.ErrSourceAuthFailed, Source: sourceName, Operation: operation, Status: res.StatusCode}
	case res.StatusCode == http.StatusNotFound:
		return nil, false, errs.ErrNotFound
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, false, &errs.SourceError{Sentinel: errs.ErrSourceRateLimited, Source: sourceName, Operation: operation, Status: res.StatusCode}
	case res.StatusCode >= 500:
		return nil, true, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: operation, Status: res.StatusCode}
	default:
		return nil, false, &errs.SourceError{Sentinel: errs.ErrTransient, Source: sourceName, Operation: operation, Status: res.StatusCode}
	}
}
