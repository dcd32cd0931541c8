// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shelfsync/reconciler/internal/aggregator"
	"github.com/shelfsync/reconciler/internal/cache"
	"github.com/shelfsync/reconciler/internal/config"
	"github.com/shelfsync/reconciler/internal/executor"
	"github.com/shelfsync/reconciler/internal/persistence/sqlite"
	"github.com/shelfsync/reconciler/internal/planner"
	"github.com/shelfsync/reconciler/internal/pvr"
	"github.com/shelfsync/reconciler/internal/sources/catalogindex"
)

func TestMain(m *testing.M) {
	// httptest-backed source clients leave transport read/write loop
	// goroutines that exit on their own schedule after Server.Close(); they
	// are not a leak this package introduces, so they are filtered the same
	// way net/http-heavy suites commonly do.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakePVR struct {
	series  []pvr.Series
	connErr error

	unmonitoredSeries  []int
	unmonitoredSeasons []int
	deletedSeries      []int
}

func (f *fakePVR) TestConnection(ctx context.Context) error { return f.connErr }
func (f *fakePVR) ListMonitoredSeries(ctx context.Context) ([]pvr.Series, error) {
	return f.series, nil
}
func (f *fakePVR) GetSeries(ctx context.Context, id int) (pvr.Series, error) {
	for _, s := range f.series {
		if s.ID == id {
			return s, nil
		}
	}
	return pvr.Series{}, errors.New("not found")
}
func (f *fakePVR) UnmonitorSeries(ctx context.Context, id int) error {
	f.unmonitoredSeries = append(f.unmonitoredSeries, id)
	return nil
}
func (f *fakePVR) UnmonitorSeason(ctx context.Context, id, season int) error {
	f.unmonitoredSeasons = append(f.unmonitoredSeasons, season)
	return nil
}
func (f *fakePVR) DeleteSeries(ctx context.Context, id int, deleteFiles bool) error {
	f.deletedSeries = append(f.deletedSeries, id)
	return nil
}
func (f *fakePVR) DeleteSeasonFiles(ctx context.Context, id, season int) error { return nil }
func (f *fakePVR) UnmonitorAndDeleteSeason(ctx context.Context, id, season int) error {
	if err := f.UnmonitorSeason(ctx, id, season); err != nil {
		return err
	}
	return f.DeleteSeasonFiles(ctx, id, season)
}

var _ pvr.Client = (*fakePVR)(nil)

// primaryStub serves /find and /tv/{id}/watch/providers for catalogindex,
// mirroring internal/aggregator's test helper of the same shape.
func primaryStub(t *testing.T, tmdbID string, providers map[string][]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/find/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tv_results": []map[string]int{{"id": mustAtoi(tmdbID)}}})
	})
	mux.HandleFunc(fmt.Sprintf("/tv/%s/watch/providers", tmdbID), func(w http.ResponseWriter, r *http.Request) {
		results := map[string]any{}
		for country, names := range providers {
			var flatrate []map[string]string
			for _, n := range names {
				flatrate = append(flatrate, map[string]string{"provider_name": n})
			}
			results[country] = map[string]any{"flatrate": flatrate}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	return httptest.NewServer(mux)
}

func mustAtoi(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

func newTestEngine(t *testing.T, pvrClient pvr.Client, primaryServer *httptest.Server, cfg config.Config) *Engine {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := cache.New(context.Background(), db)
	require.NoError(t, err)

	primary := catalogindex.New(catalogindex.Config{BaseURL: primaryServer.URL, APIKey: "key"}, zerolog.Nop())
	agg := aggregator.New(c, primary, nil, nil, aggregator.TTLConfig{}, zerolog.Nop())

	return New(cfg, pvrClient, agg, c, zerolog.Nop())
}

func baseConfig() config.Config {
	dryRun := true
	return config.Config{
		PVR:                config.PVR{URL: "https://pvr.local", APIKey: "deadbeef"},
		StreamingProviders: []config.StreamingProvider{{Name: "netflix", Country: "US"}},
		Sync:               config.Sync{Action: planner.ActionUnmonitor, DryRun: &dryRun},
	}
}

func TestRunSync_AllSeasonsAvailableDryRunUnmonitor(t *testing.T) {
	srv := primaryStub(t, "1396", map[string][]string{"US": {"Netflix"}})
	defer srv.Close()

	pvrClient := &fakePVR{series: []pvr.Series{{
		ID: 1, Title: "Breaking Bad", Monitored: true,
		AddedAt: time.Now().AddDate(0, 0, -30).Format(time.RFC3339),
		IMDbID:  "tt0903747",
		Seasons: []pvr.Season{{SeasonNumber: 1, Monitored: true}, {SeasonNumber: 2, Monitored: true}},
	}}}

	e := newTestEngine(t, pvrClient, srv, baseConfig())
	results, err := e.RunSync(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.True(t, r.Success)
	assert.Equal(t, planner.ActionUnmonitor, r.ActionTaken)
	assert.Contains(t, r.Message, `would unmonitor series "Breaking Bad"`)
	assert.Empty(t, pvrClient.unmonitoredSeries, "dry-run must never mutate the PVR")
}

func TestRunSync_NotAvailableAnywhere(t *testing.T) {
	srv := primaryStub(t, "1396", map[string][]string{})
	defer srv.Close()

	pvrClient := &fakePVR{series: []pvr.Series{{
		ID: 1, Title: "Breaking Bad", Monitored: true,
		AddedAt: time.Now().AddDate(0, 0, -30).Format(time.RFC3339),
		IMDbID:  "tt0903747",
		Seasons: []pvr.Season{{SeasonNumber: 1, Monitored: true}},
	}}}

	e := newTestEngine(t, pvrClient, srv, baseConfig())
	results, err := e.RunSync(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, planner.ActionNone, results[0].ActionTaken)
	assert.Equal(t, "not available on any configured streaming provider", results[0].Message)
}

func TestRunSync_RecentAdditionFilter(t *testing.T) {
	srv := primaryStub(t, "1396", map[string][]string{"US": {"Netflix"}})
	defer srv.Close()

	pvrClient := &fakePVR{series: []pvr.Series{{
		ID: 1, Title: "Brand New Show", Monitored: true,
		AddedAt: time.Now().AddDate(0, 0, -2).Format(time.RFC3339),
		IMDbID:  "tt0903747",
		Seasons: []pvr.Season{{SeasonNumber: 1, Monitored: true}},
	}}}

	cfg := baseConfig()
	cfg.Sync.ExcludeRecentDays = intPtr(7)
	e := newTestEngine(t, pvrClient, srv, cfg)

	results, err := e.RunSync(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results, "a series added within excludeRecentDays must produce no Result")
}

func TestRunSync_UnmonitoredSeriesExcluded(t *testing.T) {
	srv := primaryStub(t, "1396", map[string][]string{"US": {"Netflix"}})
	defer srv.Close()

	pvrClient := &fakePVR{series: []pvr.Series{{
		ID: 1, Title: "Paused Show", Monitored: false, IMDbID: "tt0903747",
	}}}

	e := newTestEngine(t, pvrClient, srv, baseConfig())
	results, err := e.RunSync(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunSync_MalformedAddedAtTreatedAsNotRecent(t *testing.T) {
	srv := primaryStub(t, "1396", map[string][]string{"US": {"Netflix"}})
	defer srv.Close()

	pvrClient := &fakePVR{series: []pvr.Series{{
		ID: 1, Title: "Weird Dates", Monitored: true, AddedAt: "not-a-date", IMDbID: "tt0903747",
		Seasons: []pvr.Season{{SeasonNumber: 1, Monitored: true}},
	}}}

	e := newTestEngine(t, pvrClient, srv, baseConfig())
	results, err := e.RunSync(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 1, "a malformed addedAt must still let the series participate")
}

func TestRunSync_PVRUnreachableAbortsRun(t *testing.T) {
	srv := primaryStub(t, "1396", nil)
	defer srv.Close()

	pvrClient := &fakePVR{connErr: errors.New("down")}
	// ListMonitoredSeries itself doesn't use connErr; simulate unreachable via a wrapper.
	unreachable := &unreachablePVR{fakePVR: pvrClient}

	e := newTestEngine(t, unreachable, srv, baseConfig())
	_, err := e.RunSync(context.Background(), nil)
	require.Error(t, err)
}

type unreachablePVR struct{ *fakePVR }

func (u *unreachablePVR) ListMonitoredSeries(ctx context.Context) ([]pvr.Series, error) {
	return nil, errors.New("connection refused")
}

func TestRunSync_ProgressCallbackInvokedPerSeries(t *testing.T) {
	srv := primaryStub(t, "1396", map[string][]string{"US": {"Netflix"}})
	defer srv.Close()

	pvrClient := &fakePVR{series: []pvr.Series{
		{ID: 1, Title: "A", Monitored: true, IMDbID: "tt0903747", Seasons: []pvr.Season{{SeasonNumber: 1, Monitored: true}}},
		{ID: 2, Title: "B", Monitored: true, IMDbID: "tt0903747", Seasons: []pvr.Season{{SeasonNumber: 1, Monitored: true}}},
	}}

	e := newTestEngine(t, pvrClient, srv, baseConfig())
	var calls atomic.Int32
	_, err := e.RunSync(context.Background(), func(idx, total int, title string) {
		calls.Add(1)
		assert.Equal(t, 2, total)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSummarize_FoldsByActionAndProvider(t *testing.T) {
	results := []executor.Result{
		{ActionTaken: planner.ActionUnmonitor, ProviderKey: "netflix"},
		{ActionTaken: planner.ActionUnmonitor, ProviderKey: "netflix"},
		{ActionTaken: planner.ActionNone},
	}
	s := Summarize(results)
	assert.Equal(t, 2, s.ByAction[planner.ActionUnmonitor])
	assert.Equal(t, 1, s.ByAction[planner.ActionNone])
	assert.Equal(t, 2, s.ByProvider["netflix"])
}

func TestTestConnectivity_NeverPanics(t *testing.T) {
	srv := primaryStub(t, "1396", nil)
	defer srv.Close()

	pvrClient := &fakePVR{}
	e := newTestEngine(t, pvrClient, srv, baseConfig())

	conn := e.TestConnectivity(context.Background())
	assert.True(t, conn.PVR.Connected)
	assert.True(t, conn.Aggregator.Initialized)
	assert.Equal(t, 1, conn.Aggregator.Sources)
	assert.True(t, conn.Cache.Initialized)
}

func TestTestConnectivity_ReportsPVRFailureWithoutPanicking(t *testing.T) {
	srv := primaryStub(t, "1396", nil)
	defer srv.Close()

	pvrClient := &fakePVR{connErr: errors.New("unreachable")}
	e := newTestEngine(t, pvrClient, srv, baseConfig())

	conn := e.TestConnectivity(context.Background())
	assert.False(t, conn.PVR.Connected)
	assert.Equal(t, "unreachable", conn.PVR.Error)
}

func intPtr(v int) *int { return &v }
