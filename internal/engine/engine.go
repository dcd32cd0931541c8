// SPDX-License-Identifier: MIT

// Package engine is the top-level coordinator: it pulls monitored series
// from the PVR, filters eligible ones, and drives Aggregator -> Planner ->
// Executor for each, returning a full Result list even when individual
// series fail.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shelfsync/reconciler/internal/aggregator"
	"github.com/shelfsync/reconciler/internal/cache"
	"github.com/shelfsync/reconciler/internal/config"
	"github.com/shelfsync/reconciler/internal/errs"
	"github.com/shelfsync/reconciler/internal/executor"
	xlog "github.com/shelfsync/reconciler/internal/log"
	"github.com/shelfsync/reconciler/internal/metrics"
	"github.com/shelfsync/reconciler/internal/planner"
	"github.com/shelfsync/reconciler/internal/pvr"
)

// DefaultConcurrency bounds concurrent per-series processing.
const DefaultConcurrency = 4

// ProgressFunc is invoked once per processed series, in no particular
// completion order across concurrent workers.
type ProgressFunc func(index, total int, title string)

// Engine is the top-level coordinator. Construct one per process via New.
type Engine struct {
	pvrClient  pvr.Client
	aggregator *aggregator.Aggregator
	cache      *cache.Cache
	executor   *executor.Executor

	plannerCfg        planner.Config
	subscriptions     map[aggregator.Subscription]bool
	countries         []string
	excludeRecentDays int
	concurrency       int

	group singleflight.Group
	log   zerolog.Logger
}

// New builds an Engine from a populated Config and its collaborators. The
// planner's tie-breaking provider preference order is derived from the
// order cfg.StreamingProviders appears in.
func New(cfg config.Config, pvrClient pvr.Client, agg *aggregator.Aggregator, c *cache.Cache, log zerolog.Logger) *Engine {
	subs := make(map[aggregator.Subscription]bool, len(cfg.StreamingProviders))
	countrySet := map[string]bool{}
	providerOrder := make([]string, 0, len(cfg.StreamingProviders))
	seenProvider := map[string]bool{}

	for _, p := range cfg.StreamingProviders {
		key := p.Name
		country := p.Country
		subs[aggregator.Subscription{Key: key, Country: country}] = true
		countrySet[country] = true
		if !seenProvider[key] {
			seenProvider[key] = true
			providerOrder = append(providerOrder, key)
		}
	}

	countries := make([]string, 0, len(countrySet))
	for c := range countrySet {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	return &Engine{
		pvrClient:  pvrClient,
		aggregator: agg,
		cache:      c,
		executor:   executor.New(pvrClient, cfg.Sync.IsDryRun()),
		plannerCfg: planner.Config{
			Action:        cfg.Sync.ActionOrDefault(),
			ProviderOrder: providerOrder,
		},
		subscriptions:     subs,
		countries:         countries,
		excludeRecentDays: cfg.Sync.ExcludeRecentDaysOrDefault(),
		concurrency:       DefaultConcurrency,
		log:               log,
	}
}

// RunSync pulls eligible series, reconciles each against the aggregated
// availability, and returns the full Result list. Overlapping callers
// collapse onto a single in-flight run via singleflight. Only pre-flight
// PVR unreachability aborts the run; every per-series failure is captured
// in its Result instead.
func (e *Engine) RunSync(ctx context.Context, progress ProgressFunc) ([]executor.Result, error) {
	v, err, _ := e.group.Do("run", func() (any, error) {
		return e.runOnce(ctx, progress)
	})
	if err != nil {
		return nil, err
	}
	return v.([]executor.Result), nil
}

func (e *Engine) runOnce(ctx context.Context, progress ProgressFunc) ([]executor.Result, error) {
	ctx = xlog.ContextWithRunID(ctx, uuid.NewString())
	logger := xlog.WithContext(ctx, e.log)

	all, err := e.pvrClient.ListMonitoredSeries(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list monitored series: %v", errs.ErrPVRUnreachable, err)
	}

	eligible := e.filterEligible(all, logger)
	total := len(eligible)
	results := make([]executor.Result, total)

	g, gctx := errgroup.WithContext(ctx)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}

	var processed int32
	for i, series := range eligible {
		i, series := i, series
		g.Go(func() error {
			idx := int(atomic.AddInt32(&processed, 1))
			if progress != nil {
				progress(idx, total, series.Title)
			}
			results[i] = e.processSeries(gctx, series)
			return nil
		})
	}
	// processSeries never returns an error to the group, so Wait returns nil;
	// a cancelled context shows up as failed per-series Results instead.
	if waitErr := g.Wait(); waitErr != nil {
		return results, waitErr
	}
	return results, nil
}

// filterEligible drops unmonitored series and series added too recently.
// A malformed addedAt value is logged and treated as "not recent" so the
// series still participates.
func (e *Engine) filterEligible(all []pvr.Series, logger zerolog.Logger) []pvr.Series {
	cutoff := time.Now().AddDate(0, 0, -e.excludeRecentDays)
	out := make([]pvr.Series, 0, len(all))
	for _, s := range all {
		if !s.Monitored {
			continue
		}
		if s.AddedAt != "" {
			addedAt, err := time.Parse(time.RFC3339, s.AddedAt)
			if err != nil {
				logger.Warn().Str("title", s.Title).Str("added_at", s.AddedAt).Msg("engine: malformed addedAt, treating as not recent")
			} else if addedAt.After(cutoff) {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// processSeries runs one series through Aggregator -> Planner -> Executor.
// Any panic raised along the way is caught and turned into a failed
// Result.
func (e *Engine) processSeries(ctx context.Context, series pvr.Series) (result executor.Result) {
	ctx = xlog.ContextWithSeriesID(ctx, series.ID)
	defer func() {
		if r := recover(); r != nil {
			result = executor.Result{
				SeriesID:    series.ID,
				SeriesTitle: series.Title,
				Success:     false,
				Message:     fmt.Sprintf("panic while processing series: %v", r),
			}
		}
	}()

	rec, err := e.aggregator.Aggregate(ctx, series.IMDbID, e.countries)
	if err != nil {
		return executor.Result{
			SeriesID:    series.ID,
			SeriesTitle: series.Title,
			Success:     false,
			Error:       err,
			Message:     "aggregation failed",
		}
	}

	decision := planner.Plan(series, e.matchesFor(rec), e.plannerCfg)
	metrics.RecordDecision(string(decision.Action))
	return e.executor.Execute(ctx, decision)
}

// matchesFor builds the planner.Match list from rec, restricted to the
// user's subscribed (providerKey, country) pairs. The list is sorted by
// (providerKey, country) so planner input is deterministic regardless of
// map iteration order.
func (e *Engine) matchesFor(rec *aggregator.Record) []planner.Match {
	var matches []planner.Match
	for country, offers := range rec.Countries {
		for key, offer := range offers {
			if !e.subscriptions[aggregator.Subscription{Key: key, Country: country}] {
				continue
			}
			matches = append(matches, planner.Match{ProviderKey: key, Country: country, Offer: offer})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ProviderKey != matches[j].ProviderKey {
			return matches[i].ProviderKey < matches[j].ProviderKey
		}
		return matches[i].Country < matches[j].Country
	})
	return matches
}
