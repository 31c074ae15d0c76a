package counters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitsync/internal/gtfs"
	"transitsync/internal/gtfs/gtfstest"
	"transitsync/internal/storage"
)

// exportAPI is a fake export API serving one archive for job "job-1".
type exportAPI struct {
	archive   atomic.Value // []byte
	failFirst int32
	fetches   atomic.Int32
}

func (a *exportAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exports", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "job-1"}`))
	})
	mux.HandleFunc("GET /exports/job-1/data", func(w http.ResponseWriter, r *http.Request) {
		if a.fetches.Add(1) <= a.failFirst {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write(a.archive.Load().([]byte))
	})
	return mux
}

func newTestPoller(t *testing.T, api *exportAPI) (*Poller, *storage.DB, *fakeTimer) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	db := gtfstest.OpenDB(t)
	timer := newFakeTimer()
	client := newTestClient(srv.URL, timer)
	p := NewPoller(client, NewImporter(db, time.UTC, gtfstest.Logger()), db,
		PollerConfig{SiteIDs: []string{"S100", "S200"}}, time.UTC, gtfstest.Logger())
	return p, db, timer
}

var exportDay = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestRunOnce(t *testing.T) {
	api := &exportAPI{failFirst: 2}
	api.archive.Store(buildZip(t, map[string]string{"channels.csv": channelsCSV, "measures.csv": measuresCSV}))
	p, db, timer := newTestPoller(t, api)
	ctx := context.Background()

	res, err := p.RunOnce(ctx, exportDay)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Channels: 3, Measures: 3}, res)
	assert.Len(t, timer.waits, 2)

	job, err := db.ExportJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, storage.JobSucceeded, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "2024-05-01", job.StartDate)
	assert.Equal(t, "2024-05-02", job.EndDate)

	measures, err := db.CounterMeasures(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, measures, 2)
	assert.True(t, measures[0].StartTime.Equal(time.Date(2024, 4, 30, 22, 0, 0, 0, time.UTC)))
	assert.Equal(t, 12, measures[0].Count)
	assert.True(t, measures[0].Validated)
}

func TestRunOnce_ReimportUpdatesCount(t *testing.T) {
	api := &exportAPI{}
	api.archive.Store(buildZip(t, map[string]string{"channels.csv": channelsCSV, "measures.csv": measuresCSV}))
	p, db, _ := newTestPoller(t, api)
	ctx := context.Background()

	_, err := p.RunOnce(ctx, exportDay)
	require.NoError(t, err)

	changed := strings.Replace(measuresCSV, ",12,true", ",15,true", 1)
	api.archive.Store(buildZip(t, map[string]string{"channels.csv": channelsCSV, "measures.csv": changed}))
	_, err = p.RunOnce(ctx, exportDay)
	require.NoError(t, err)

	var total int
	require.NoError(t, db.GetContext(ctx, &total, `SELECT COUNT(*) FROM counter_measures`))
	assert.Equal(t, 3, total)

	measures, err := db.CounterMeasures(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 15, measures[0].Count)
}

func TestRunOnce_ArchiveErrorNotRetried(t *testing.T) {
	api := &exportAPI{}
	api.archive.Store(buildZip(t, map[string]string{"channels.csv": channelsCSV}))
	p, db, timer := newTestPoller(t, api)
	ctx := context.Background()

	_, err := p.RunOnce(ctx, exportDay)
	var ae *ArchiveError
	require.ErrorAs(t, err, &ae)
	assert.EqualValues(t, 1, api.fetches.Load())
	assert.Empty(t, timer.waits)

	job, err := db.ExportJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, job.State)
	assert.Contains(t, job.Error, "missing member")
}

func TestRunOnce_Exhausted(t *testing.T) {
	api := &exportAPI{failFirst: 100}
	p, db, timer := newTestPoller(t, api)
	ctx := context.Background()

	_, err := p.RunOnce(ctx, exportDay)
	require.ErrorIs(t, err, ErrExhausted)
	assert.EqualValues(t, MaxFetchAttempts, api.fetches.Load())
	assert.Len(t, timer.waits, MaxFetchAttempts-1)

	job, err := db.ExportJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobExhausted, job.State)
	assert.Equal(t, MaxFetchAttempts, job.Attempts)
}

func TestRunOnce_BadMeasureRow(t *testing.T) {
	api := &exportAPI{}
	bad := measuresCSV + "C2,2024-05-01T03:00:00Z,2024-05-01T02:00:00Z,1,true\n"
	api.archive.Store(buildZip(t, map[string]string{"channels.csv": channelsCSV, "measures.csv": bad}))
	p, db, _ := newTestPoller(t, api)
	ctx := context.Background()

	_, err := p.RunOnce(ctx, exportDay)
	var pe *gtfs.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, measuresFile, pe.File)
	assert.Equal(t, 5, pe.Line)
	assert.Equal(t, "end_time", pe.Field)

	var total int
	require.NoError(t, db.GetContext(ctx, &total, `SELECT COUNT(*) FROM counter_measures`))
	assert.Zero(t, total, "measures file is written all or nothing")

	job, err := db.ExportJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, job.State)
}

func TestChannelRows_DedupesSites(t *testing.T) {
	export, err := Extract(buildZip(t, map[string]string{"channels.csv": channelsCSV, "measures.csv": measuresCSV}))
	require.NoError(t, err)

	sites, channels, err := channelRows(export.Channels)
	require.NoError(t, err)
	assert.Len(t, channels, 3)
	require.Len(t, sites, 2)
	assert.Equal(t, "S100", sites[0].SiteID)
	assert.Nil(t, sites[1].Latitude)
}
