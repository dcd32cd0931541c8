// SPDX-License-Identifier: MIT

// Package planner implements the pure decision function: given a Series
// and the aggregator output already filtered to the user's subscribed
// providers, it produces a single Decision. The planner is the only place
// policy lives; the Executor never re-decides.
package planner

import (
	"fmt"
	"sort"

	"github.com/shelfsync/reconciler/internal/provider"
	"github.com/shelfsync/reconciler/internal/pvr"
)

// Action is the configured sync action, subject to the partial-availability
// downgrade in Plan.
type Action string

const (
	ActionNone      Action = "none"
	ActionUnmonitor Action = "unmonitor"
	ActionDelete    Action = "delete"
)

// Scope is whether a Decision applies to the whole series or specific
// seasons.
type Scope string

const (
	ScopeSeries  Scope = "series"
	ScopeSeasons Scope = "seasons"
)

// Decision is the planner's sole output type.
type Decision struct {
	SeriesID        int
	SeriesTitle     string
	Action          Action
	Scope           Scope
	AffectedSeasons []int
	ProviderKey     string
	Reason          string
}

// Config carries the policy inputs the planner needs beyond the series and
// availability: the configured action, and the provider preference order
// used to break ties between equally-good matches.
type Config struct {
	Action        Action
	ProviderOrder []string // providerKey, most-preferred first
}

// Match is one (providerKey, country) pair the aggregator reported
// available and that matches a subscription, carrying whatever per-season
// detail that source offered.
type Match struct {
	ProviderKey string
	Country     string
	Offer       provider.Offer
}

// Plan is the pure decision function. matches must already be filtered to
// the user's subscribed (providerKey, country) pairs; an empty slice means
// "no match anywhere".
func Plan(series pvr.Series, matches []Match, cfg Config) Decision {
	base := Decision{SeriesID: series.ID, SeriesTitle: series.Title}

	if len(matches) == 0 {
		base.Action = ActionNone
		base.Reason = "not available on any configured streaming provider"
		return base
	}

	monitored := monitoredSeasons(series)
	best := bestMatch(matches, monitored, cfg.ProviderOrder)
	base.ProviderKey = best.ProviderKey

	if len(monitored) == 0 || best.Offer.Seasons == nil {
		// Per-season data absent on either side: degrade to series-level.
		// A monitored series with zero monitored seasons is treated the
		// same way pending confirmation against real PVR data.
		base.Scope = ScopeSeries
		base.Action = cfg.Action
		base.Reason = fmt.Sprintf("all monitored seasons available on %s", best.ProviderKey)
		return base
	}

	available := toSet(best.Offer.Seasons)
	matched := intersect(available, monitored)

	switch {
	case len(matched) == 0:
		base.Action = ActionNone
		base.Reason = "not available on any configured streaming provider"
		return base
	case setEqual(matched, monitored):
		base.Scope = ScopeSeries
		base.AffectedSeasons = sortedInts(monitored)
		base.Action = cfg.Action
		base.Reason = fmt.Sprintf("all monitored seasons available on %s", best.ProviderKey)
	default:
		base.Scope = ScopeSeasons
		base.AffectedSeasons = sortedInts(matched)
		base.Action = cfg.Action
		if cfg.Action == ActionDelete {
			base.Action = ActionUnmonitor // partial availability never deletes files
		}
		base.Reason = fmt.Sprintf("seasons %v available on %s", base.AffectedSeasons, best.ProviderKey)
	}

	return base
}

// monitoredSeasons returns the set of monitored season numbers, excluding
// season 0 ("specials") by default.
func monitoredSeasons(series pvr.Series) map[int]struct{} {
	out := map[int]struct{}{}
	for _, s := range series.Seasons {
		if s.Monitored && s.SeasonNumber != 0 {
			out[s.SeasonNumber] = struct{}{}
		}
	}
	return out
}

// bestMatch picks the match offering the largest subset of monitored
// seasons, ties broken by cfg.ProviderOrder position.
func bestMatch(matches []Match, monitored map[int]struct{}, order []string) Match {
	rank := func(key string) int {
		for i, k := range order {
			if k == key {
				return i
			}
		}
		return len(order)
	}

	best := matches[0]
	bestScore := matchScore(best, monitored)
	for _, m := range matches[1:] {
		score := matchScore(m, monitored)
		switch {
		case score > bestScore:
			best, bestScore = m, score
		case score == bestScore && rank(m.ProviderKey) < rank(best.ProviderKey):
			best = m
		}
	}
	return best
}

func matchScore(m Match, monitored map[int]struct{}) int {
	if m.Offer.Seasons == nil {
		return len(monitored) // series-level offers are treated as covering everything monitored
	}
	available := toSet(m.Offer.Seasons)
	return len(intersect(available, monitored))
}

func toSet(seasons []int) map[int]struct{} {
	out := make(map[int]struct{}, len(seasons))
	for _, s := range seasons {
		out[s] = struct{}{}
	}
	return out
}

func intersect(a, b map[int]struct{}) map[int]struct{} {
	out := map[int]struct{}{}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func setEqual(a, b map[int]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedInts(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
