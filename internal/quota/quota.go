// SPDX-License-Identifier: MIT

// Package quota implements the daily/monthly request ceilings for the
// secondary and tertiary sources, distinct from both the circuit breaker
// (failure-driven) and the per-source rate limiter (request-pacing).
package quota

import (
	"sync"
	"time"

	"github.com/shelfsync/reconciler/internal/errs"
	"github.com/shelfsync/reconciler/internal/metrics"
)

// Period is the reset cadence of a Guard.
type Period int

const (
	Daily Period = iota
	Monthly
)

// Guard enforces a request ceiling over a Period, resetting the counter
// when the calendar period rolls over.
type Guard struct {
	source string
	period Period
	limit  int

	mu         sync.Mutex
	used       int
	currentKey string // day-of-year or "YYYY-MM", whichever marks the window

	// saturatedViaAuthAmbiguity records that the last saturation signal came
	// from the secondary source's overloaded 403, which conflates auth
	// failure and quota exhaustion. Diagnostics surface this distinctly from
	// an ordinary counter-driven exhaustion even though both are treated the
	// same way operationally.
	saturatedViaAuthAmbiguity bool
}

// NewGuard builds a Guard for source with the given ceiling.
func NewGuard(source string, period Period, limit int) *Guard {
	g := &Guard{source: source, period: period, limit: limit}
	g.currentKey = g.periodKey(time.Now())
	metrics.SetQuotaRemaining(source, limit)
	return g
}

func (g *Guard) periodKey(t time.Time) string {
	if g.period == Monthly {
		return t.Format("2006-01")
	}
	return t.Format("2006-002") // year + day-of-year
}

// resetIfRolledOver must be called with g.mu held.
func (g *Guard) resetIfRolledOver(now time.Time) {
	key := g.periodKey(now)
	if key != g.currentKey {
		g.currentKey = key
		g.used = 0
		g.saturatedViaAuthAmbiguity = false
	}
}

// CheckAndIncrement consumes one unit of quota, returning
// errs.ErrQuotaExceeded if the ceiling for the current period is already
// reached.
func (g *Guard) CheckAndIncrement() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetIfRolledOver(time.Now())

	if g.used >= g.limit {
		metrics.RecordQuotaExceeded(g.source)
		return errs.ErrQuotaExceeded
	}

	g.used++
	metrics.SetQuotaRemaining(g.source, g.limit-g.used)
	return nil
}

// Remaining reports how much quota is left in the current period.
func (g *Guard) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfRolledOver(time.Now())
	remaining := g.limit - g.used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSaturationSignal marks the guard as exhausted without consuming a
// counted request slot. The secondary source's provider returns HTTP 403
// both for auth failure and for quota saturation; when the caller cannot
// distinguish the two, it calls this so later requests in the same period
// short-circuit via CheckAndIncrement rather than re-trying a source that
// will keep refusing.
func (g *Guard) RecordSaturationSignal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfRolledOver(time.Now())
	g.used = g.limit
	g.saturatedViaAuthAmbiguity = true
	metrics.SetQuotaRemaining(g.source, 0)
	metrics.RecordQuotaExceeded(g.source)
}

// SaturatedViaAuthAmbiguity reports whether the current period's exhaustion
// was triggered by the secondary source's ambiguous 403 rather than by
// CheckAndIncrement's own counter reaching the ceiling. It resets the next
// time the period rolls over.
func (g *Guard) SaturatedViaAuthAmbiguity() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfRolledOver(time.Now())
	return g.saturatedViaAuthAmbiguity
}
