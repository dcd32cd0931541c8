// SPDX-License-Identifier: MIT

// Package aggregator is the composition point: given an IMDb id and a set
// of target countries, it answers "what providers carry this series,
// canonicalised?" by composing the cache, the three source clients, and
// each source's circuit breaker/quota guard.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfsync/reconciler/internal/cache"
	"github.com/shelfsync/reconciler/internal/errs"
	xlog "github.com/shelfsync/reconciler/internal/log"
	"github.com/shelfsync/reconciler/internal/provider"
	"github.com/shelfsync/reconciler/internal/sources"
	"github.com/shelfsync/reconciler/internal/sources/catalogindex"
)

var imdbIDPattern = regexp.MustCompile(`^tt\d{7,8}$`)

// ErrInvalidIMDbID exists so other packages can recognise the malformed-id
// condition without string-matching Reason; Aggregate itself never errors
// on a malformed id, it returns an empty record with Reason set.
var ErrInvalidIMDbID = errors.New("aggregator: malformed imdb id")

// Record is what each enabled source found for an id, folded into one view
// per country.
type Record struct {
	IMDbID    string                               `json:"imdbId"`
	TMDBID    string                               `json:"tmdbId,omitempty"`
	Countries map[string]map[string]provider.Offer `json:"countries"`
	Sources   []string                             `json:"sources"`
	FetchedAt time.Time                            `json:"fetchedAt"`
	Reason    string                               `json:"reason,omitempty"`
}

// TTLConfig holds the per-source provider-data cache lifetime (defaults:
// primary 24h, secondary 12h, tertiary 7d) plus the aggregate record's own
// TTL.
type TTLConfig struct {
	Primary   time.Duration
	Secondary time.Duration
	Tertiary  time.Duration
	Aggregate time.Duration
}

func (t TTLConfig) withDefaults() TTLConfig {
	if t.Primary <= 0 {
		t.Primary = 24 * time.Hour
	}
	if t.Secondary <= 0 {
		t.Secondary = 12 * time.Hour
	}
	if t.Tertiary <= 0 {
		t.Tertiary = 7 * 24 * time.Hour
	}
	if t.Aggregate <= 0 {
		t.Aggregate = t.Secondary
	}
	return t
}

// Aggregator composes the cache and the (up to) three source clients.
// Secondary and tertiary are optional: a nil value means that source is
// disabled for this run, matching providerApis.secondary/tertiary.enabled.
type Aggregator struct {
	cache     *cache.Cache
	primary   *catalogindex.Client
	secondary sources.Client
	tertiary  sources.Client
	ttl       TTLConfig
	log       zerolog.Logger
}

// New builds an Aggregator. primary must not be nil; secondary/tertiary may
// be nil to disable that source entirely.
func New(c *cache.Cache, primary *catalogindex.Client, secondary, tertiary sources.Client, ttl TTLConfig, log zerolog.Logger) *Aggregator {
	return &Aggregator{cache: c, primary: primary, secondary: secondary, tertiary: tertiary, ttl: ttl.withDefaults(), log: log}
}

// Aggregate resolves availability for imdbID across countries. It never
// returns an error for remote failures: every per-source/per-country
// failure degrades to "no data for that cell". The only hard failure mode
// is a context cancellation.
func (a *Aggregator) Aggregate(ctx context.Context, imdbID string, countries []string) (*Record, error) {
	logger := xlog.WithContext(ctx, a.log)

	if !imdbIDPattern.MatchString(imdbID) {
		return &Record{IMDbID: imdbID, Countries: map[string]map[string]provider.Offer{}, FetchedAt: time.Now(), Reason: "malformed imdb id"}, nil
	}

	if a.cache.Blacklist().IsBlacklisted(ctx, imdbID) {
		return &Record{IMDbID: imdbID, Countries: map[string]map[string]provider.Offer{}, FetchedAt: time.Now(), Reason: "identifier blacklisted"}, nil
	}

	sorted := normalizeCountries(countries)
	aggKey := fmt.Sprintf("aggregate:%s:%s", imdbID, strings.Join(sorted, ","))

	if payload, ok := a.cache.Aggregate().Get(ctx, aggKey); ok {
		var rec Record
		if err := json.Unmarshal(payload, &rec); err == nil {
			return &rec, nil
		}
	}

	rec := &Record{
		IMDbID:    imdbID,
		Countries: map[string]map[string]provider.Offer{},
		FetchedAt: time.Now(),
	}

	a.resolvePrimary(ctx, imdbID, sorted, rec, logger)

	missing := missingCountries(rec, sorted)
	if len(missing) > 0 && a.secondary != nil {
		a.resolveFallback(ctx, a.secondary, imdbID, missing, rec, logger)
	}

	missing = missingCountries(rec, sorted)
	if len(missing) > 0 && a.tertiary != nil {
		a.resolveFallback(ctx, a.tertiary, imdbID, missing, rec, logger)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(rec); err == nil {
		_ = a.cache.Aggregate().Put(ctx, aggKey, payload, a.ttl.Aggregate)
	}
	a.cache.MaybeCleanup(ctx)

	return rec, nil
}

// resolvePrimary consults the id-mapping cache, then the per-country
// provider-data cache, calling the primary source only on cache miss.
func (a *Aggregator) resolvePrimary(ctx context.Context, imdbID string, countries []string, rec *Record, logger zerolog.Logger) {
	tmdbID, ok := a.cache.IDMapping().Get(ctx, imdbID)
	if !ok {
		id, err := a.primary.Find(ctx, imdbID)
		switch {
		case err == nil:
			tmdbID = id
			_ = a.cache.IDMapping().Put(ctx, imdbID, tmdbID)
		case errors.Is(err, errs.ErrNotFound):
			_ = a.cache.Blacklist().Record(ctx, imdbID, "primary source: no catalogue entry")
			logger.Info().Str("imdb_id", imdbID).Msg("aggregator: primary find returned not found, blacklisting")
			return
		default:
			logger.Warn().Err(err).Str("imdb_id", imdbID).Msg("aggregator: primary find failed, degrading to no data")
			return
		}
	}
	if tmdbID == "" {
		return
	}
	rec.TMDBID = tmdbID
	rec.Sources = appendOnce(rec.Sources, "primary")

	for _, country := range countries {
		offers, ok := a.cache.ProviderData().Get(ctx, "primary", tmdbID, country)
		if !ok {
			fetched, err := a.primary.Providers(ctx, tmdbID, country)
			if err != nil {
				logger.Warn().Err(err).Str("tmdb_id", tmdbID).Str("country", country).Msg("aggregator: primary providers failed, degrading to no data")
				continue
			}
			offers = fetched
			_ = a.cache.ProviderData().Put(ctx, "primary", tmdbID, country, offers, a.ttl.Primary)
		}
		mergeCountry(rec, country, offers)
	}
}

// resolveFallback consults a fallback source only for countries the
// primary produced zero providers for. On QuotaExceeded no further
// countries are attempted from this source in this run.
func (a *Aggregator) resolveFallback(ctx context.Context, src sources.Client, imdbID string, countries []string, rec *Record, logger zerolog.Logger) {
	name := src.Name()
	ttl := a.ttl.Secondary
	if name == "tertiary" {
		ttl = a.ttl.Tertiary
	}

	consulted := false
	for _, country := range countries {
		offers, ok := a.cache.ProviderData().Get(ctx, name, imdbID, country)
		if !ok {
			result, err := src.Lookup(ctx, imdbID, country)
			if err != nil {
				if errors.Is(err, errs.ErrQuotaExceeded) {
					logger.Info().Str("source", name).Msg("aggregator: quota exceeded, stopping further countries this run")
					break
				}
				if errors.Is(err, errs.ErrNotFound) {
					continue
				}
				logger.Warn().Err(err).Str("source", name).Str("country", country).Msg("aggregator: fallback source failed, degrading to no data")
				continue
			}
			offers = result.Offers
			_ = a.cache.ProviderData().Put(ctx, name, imdbID, country, offers, ttl)
		}
		consulted = true
		mergeCountry(rec, country, offers)
	}
	if consulted {
		rec.Sources = appendOnce(rec.Sources, name)
	}
}

// mergeCountry inserts new providers; for an existing one, later-source
// fields fill empty slots only and the original source tag is never
// overwritten.
func mergeCountry(rec *Record, country string, offers map[string]provider.Offer) {
	if rec.Countries[country] == nil {
		rec.Countries[country] = map[string]provider.Offer{}
	}
	dst := rec.Countries[country]
	for key, offer := range offers {
		existing, ok := dst[key]
		if !ok {
			dst[key] = offer
			continue
		}
		if existing.Link == "" {
			existing.Link = offer.Link
		}
		if existing.Quality == "" {
			existing.Quality = offer.Quality
		}
		if existing.ExpiresAt == nil {
			existing.ExpiresAt = offer.ExpiresAt
		}
		dst[key] = existing
	}
}

// missingCountries computes {c : rec.Countries[c] has zero providers}.
func missingCountries(rec *Record, countries []string) []string {
	var missing []string
	for _, c := range countries {
		if len(rec.Countries[c]) == 0 {
			missing = append(missing, c)
		}
	}
	return missing
}

func normalizeCountries(countries []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(countries))
	for _, c := range countries {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func appendOnce(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}

// Filter produces a per-country flag: true means the record has at least
// one match in that country against the user's subscribed (providerKey,
// country) set. Both sides are already canonicalised before this call.
func Filter(rec *Record, subscribed map[Subscription]bool) map[string]bool {
	out := make(map[string]bool, len(rec.Countries))
	for country, offers := range rec.Countries {
		matched := false
		for key := range offers {
			if subscribed[Subscription{Key: key, Country: country}] {
				matched = true
				break
			}
		}
		out[country] = matched
	}
	return out
}

// Subscription is one (providerKey, country) pair the user already pays
// for, used as the Filter lookup key.
type Subscription struct {
	Key     string
	Country string
}

// SourceCount reports how many sources this Aggregator was built with
// (primary always counts; secondary/tertiary only if enabled), used by
// connectivity diagnostics.
func (a *Aggregator) SourceCount() int {
	n := 1
	if a.secondary != nil {
		n++
	}
	if a.tertiary != nil {
		n++
	}
	return n
}
