// SPDX-License-Identifier: MIT

package engine

import (
	"context"

	"github.com/shelfsync/reconciler/internal/executor"
	"github.com/shelfsync/reconciler/internal/planner"
)

// Summary is a pure fold of a Result list: counts by action taken and by
// matched provider, for callers that render a per-run report.
type Summary struct {
	ByAction   map[planner.Action]int
	ByProvider map[string]int
}

// Summarize folds results into a Summary. It is pure and has no access to
// Engine state.
func Summarize(results []executor.Result) Summary {
	s := Summary{
		ByAction:   map[planner.Action]int{},
		ByProvider: map[string]int{},
	}
	for _, r := range results {
		s.ByAction[r.ActionTaken]++
		if r.ProviderKey != "" {
			s.ByProvider[r.ProviderKey]++
		}
	}
	return s
}

// Connectivity is the structured diagnosis TestConnectivity returns:
// every check is independently wrapped so a failure in one never prevents
// the others from reporting.
type Connectivity struct {
	PVR struct {
		Connected bool
		Error     string
	}
	Aggregator struct {
		Initialized bool
		Sources     int
		Error       string
	}
	Cache struct {
		Initialized bool
		Error       string
	}
}

// TestConnectivity checks each collaborator independently and never
// panics or returns an error itself.
func (e *Engine) TestConnectivity(ctx context.Context) Connectivity {
	var c Connectivity

	func() {
		defer recoverInto(&c.PVR.Error)
		if err := e.pvrClient.TestConnection(ctx); err != nil {
			c.PVR.Error = err.Error()
			return
		}
		c.PVR.Connected = true
	}()

	func() {
		defer recoverInto(&c.Aggregator.Error)
		if e.aggregator == nil {
			c.Aggregator.Error = "aggregator not configured"
			return
		}
		c.Aggregator.Sources = e.aggregator.SourceCount()
		c.Aggregator.Initialized = true
	}()

	func() {
		defer recoverInto(&c.Cache.Error)
		if e.cache == nil {
			c.Cache.Error = "cache not configured"
			return
		}
		if _, err := e.cache.Statistics(ctx); err != nil {
			c.Cache.Error = err.Error()
			return
		}
		c.Cache.Initialized = true
	}()

	return c
}

// recoverInto catches a panic from a connectivity check and records it as
// an error string instead of letting it escape TestConnectivity.
func recoverInto(dst *string) {
	if r := recover(); r != nil {
		*dst = "panic: " + toString(r)
	}
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}
