// SPDX-License-Identifier: MIT

// Package executor turns a Decision into a Result, honouring dry-run and
// season-ascending ordering, and never aborting the enclosing run on a
// single PVR failure.
package executor

import (
	"context"
	"fmt"

	"github.com/shelfsync/reconciler/internal/metrics"
	"github.com/shelfsync/reconciler/internal/planner"
	"github.com/shelfsync/reconciler/internal/pvr"
)

// Result is the outcome of applying one Decision.
type Result struct {
	SeriesID    int
	SeriesTitle string
	ActionTaken planner.Action
	Success     bool
	Message     string
	ProviderKey string
	Error       error
}

// Executor applies Decisions against a pvr.Client.
type Executor struct {
	client pvr.Client
	dryRun bool
}

// New builds an Executor. dryRun defaults to true at the config layer; it
// is passed explicitly here so tests can exercise both modes.
func New(client pvr.Client, dryRun bool) *Executor {
	return &Executor{client: client, dryRun: dryRun}
}

// Execute applies d and returns its Result. It never panics and never
// returns an error; all failure is carried in Result.Error/Success.
func (e *Executor) Execute(ctx context.Context, d planner.Decision) Result {
	result := Result{SeriesID: d.SeriesID, SeriesTitle: d.SeriesTitle, ActionTaken: d.Action, ProviderKey: d.ProviderKey}

	if d.Action == planner.ActionNone {
		result.Success = true
		result.Message = d.Reason
		metrics.RecordResult(true)
		return result
	}

	if e.dryRun {
		result.Success = true
		result.Message = dryRunMessage(d)
		metrics.RecordResult(true)
		return result
	}

	switch {
	case d.Action == planner.ActionUnmonitor && d.Scope == planner.ScopeSeries:
		e.execUnmonitorSeries(ctx, d, &result)
	case d.Action == planner.ActionUnmonitor && d.Scope == planner.ScopeSeasons:
		e.execUnmonitorSeasons(ctx, d, &result)
	case d.Action == planner.ActionDelete && d.Scope == planner.ScopeSeries:
		e.execDeleteSeries(ctx, d, &result)
	case d.Action == planner.ActionDelete && d.Scope == planner.ScopeSeasons:
		e.execDeleteSeasons(ctx, d, &result)
	default:
		result.Success = false
		result.Message = fmt.Sprintf("unsupported decision action=%s scope=%s", d.Action, d.Scope)
	}

	metrics.RecordResult(result.Success)
	return result
}

func dryRunMessage(d planner.Decision) string {
	switch {
	case d.Action == planner.ActionUnmonitor && d.Scope == planner.ScopeSeries:
		return fmt.Sprintf("would unmonitor series %q", d.SeriesTitle)
	case d.Action == planner.ActionUnmonitor && d.Scope == planner.ScopeSeasons:
		return fmt.Sprintf("would unmonitor seasons %v of series %q", d.AffectedSeasons, d.SeriesTitle)
	case d.Action == planner.ActionDelete && d.Scope == planner.ScopeSeries:
		return fmt.Sprintf("would delete series %q", d.SeriesTitle)
	case d.Action == planner.ActionDelete && d.Scope == planner.ScopeSeasons:
		return fmt.Sprintf("would delete seasons %v of series %q", d.AffectedSeasons, d.SeriesTitle)
	default:
		return d.Reason
	}
}

func (e *Executor) execUnmonitorSeries(ctx context.Context, d planner.Decision, result *Result) {
	if err := e.client.UnmonitorSeries(ctx, d.SeriesID); err != nil {
		result.Success = false
		result.Error = err
		result.Message = fmt.Sprintf("failed to unmonitor series %q: %v", d.SeriesTitle, err)
		return
	}
	result.Success = true
	result.Message = fmt.Sprintf("unmonitored series %q", d.SeriesTitle)
}

// execUnmonitorSeasons iterates affected seasons in ascending order so
// logging is deterministic and retryable. If at least one season succeeds,
// the overall Result is a success; only a total wipeout fails it.
func (e *Executor) execUnmonitorSeasons(ctx context.Context, d planner.Decision, result *Result) {
	var succeeded []int
	var lastErr error
	for _, season := range d.AffectedSeasons {
		if err := e.client.UnmonitorSeason(ctx, d.SeriesID, season); err != nil {
			lastErr = err
			continue
		}
		succeeded = append(succeeded, season)
	}

	if len(succeeded) == 0 {
		result.Success = false
		result.Error = lastErr
		result.Message = fmt.Sprintf("failed to unmonitor any season of %v for series %q", d.AffectedSeasons, d.SeriesTitle)
		return
	}
	result.Success = true
	result.Message = fmt.Sprintf("unmonitored seasons %v of series %q", succeeded, d.SeriesTitle)
	if len(succeeded) < len(d.AffectedSeasons) {
		result.Error = lastErr
	}
}

func (e *Executor) execDeleteSeries(ctx context.Context, d planner.Decision, result *Result) {
	if err := e.client.DeleteSeries(ctx, d.SeriesID, true); err != nil {
		result.Success = false
		result.Error = err
		result.Message = fmt.Sprintf("failed to delete series %q: %v", d.SeriesTitle, err)
		return
	}
	result.Success = true
	result.Message = fmt.Sprintf("deleted series %q (files removed)", d.SeriesTitle)
}

// execDeleteSeasons performs the atomic unmonitor-then-delete-files
// sequence per season: unmonitor must succeed before files are touched,
// since preventing re-download is the operation's real guarantee.
// A file-deletion failure degrades the message but not the season's
// success, provided unmonitor succeeded.
func (e *Executor) execDeleteSeasons(ctx context.Context, d planner.Decision, result *Result) {
	var succeeded []int
	var degraded []int
	var lastErr error
	for _, season := range d.AffectedSeasons {
		if err := e.client.UnmonitorSeason(ctx, d.SeriesID, season); err != nil {
			lastErr = err
			continue
		}
		succeeded = append(succeeded, season)
		if err := e.client.DeleteSeasonFiles(ctx, d.SeriesID, season); err != nil {
			degraded = append(degraded, season)
		}
	}

	if len(succeeded) == 0 {
		result.Success = false
		result.Error = lastErr
		result.Message = fmt.Sprintf("failed to unmonitor any season of %v for series %q", d.AffectedSeasons, d.SeriesTitle)
		return
	}

	result.Success = true
	if len(succeeded) < len(d.AffectedSeasons) {
		result.Error = lastErr
	}
	if len(degraded) == 0 {
		result.Message = fmt.Sprintf("unmonitored and deleted files for seasons %v of series %q", succeeded, d.SeriesTitle)
	} else {
		result.Message = fmt.Sprintf("unmonitored seasons %v of series %q; file deletion failed for %v", succeeded, d.SeriesTitle, degraded)
	}
}
