package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, modes ...string) *DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), modes, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

// seedGraph loads one agency, route, trip T1 with three stops.
func seedGraph(t *testing.T, db *DB, mode string) {
	t.Helper()
	_, err := db.ReplaceStaticGraph(context.Background(), mode, func(w *GraphWriter) error {
		return fillGraph(w, "T1")
	})
	require.NoError(t, err)
}

func fillGraph(w *GraphWriter, tripIDs ...string) error {
	rows := []struct {
		e   Entity
		row any
	}{
		{Agencies, Agency{AgencyID: "A", Name: "Agency", Timezone: "Europe/Brussels"}},
		{CalendarSchedules, CalendarSchedule{ServiceID: "WK", Monday: true, StartDate: "2024-01-01", EndDate: "2024-12-31"}},
		{Stops, Stop{StopID: "S1", Name: "One", Lat: 50.0, Lon: 4.0}},
		{Stops, Stop{StopID: "S2", Name: "Two", Lat: 50.1, Lon: 4.1}},
		{Stops, Stop{StopID: "S3", Name: "Three", Lat: 50.2, Lon: 4.2}},
		{Routes, Route{RouteID: "R1", AgencyID: "A", ShortName: "1"}},
	}
	for _, r := range rows {
		if err := w.Insert(r.e, r.row); err != nil {
			return err
		}
	}
	for _, id := range tripIDs {
		if err := w.Insert(Trips, Trip{TripID: id, RouteID: "R1", ServiceID: "WK"}); err != nil {
			return err
		}
		for i, s := range []string{"S1", "S2", "S3"} {
			st := StopTime{TripID: id, StopID: s, Sequence: i + 1, ArrivalTime: "08:00:00", DepartureTime: "08:00:00"}
			if err := w.Insert(StopTimes, st); err != nil {
				return err
			}
		}
	}
	return nil
}

func TestOpen_RejectsBadMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), []string{"Bus-1"}, logger)
	assert.Error(t, err)
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode("bus"))
	assert.True(t, ValidMode("tram_2"))
	assert.False(t, ValidMode(""))
	assert.False(t, ValidMode("2bus"))
	assert.False(t, ValidMode("bus; DROP TABLE x"))
}

func TestReplaceStaticGraph_Idempotent(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()

	first, err := db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error { return fillGraph(w, "T1", "T2") })
	require.NoError(t, err)
	second, err := db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error { return fillGraph(w, "T1", "T2") })
	require.NoError(t, err)
	assert.Equal(t, first, second)

	counts, err := db.StaticCounts(ctx, "bus")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[Trips])
	assert.Equal(t, 6, counts[StopTimes])
	assert.Equal(t, 3, counts[Stops])
	assert.True(t, db.HasStaticGraph(ctx, "bus"))

	imported, err := db.GetMetadata(ctx, MetadataKey("bus", "imported_at"))
	require.NoError(t, err)
	assert.NotEmpty(t, imported)
}

func TestReplaceStaticGraph_RollbackKeepsPrevious(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	seedGraph(t, db, "bus")

	boom := errors.New("boom")
	_, err := db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error {
		if err := fillGraph(w, "T9"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stops, err := db.TripStops(ctx, "bus", "T1")
	require.NoError(t, err)
	assert.Len(t, stops, 3)
	stops, err = db.TripStops(ctx, "bus", "T9")
	require.NoError(t, err)
	assert.Empty(t, stops)
}

func TestReplaceStaticGraph_ConstraintViolationRollsBack(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	seedGraph(t, db, "bus")

	_, err := db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error {
		return w.Insert(Routes, Route{RouteID: "R1", AgencyID: "missing"})
	})
	require.Error(t, err)

	counts, err := db.StaticCounts(ctx, "bus")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[Trips])
}

func TestReplaceStaticGraph_PrunesOrphanLiveRows(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	_, err := db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error { return fillGraph(w, "T1", "T2") })
	require.NoError(t, err)

	_, err = db.AppendVehiclePositions(ctx, "bus", []VehiclePosition{
		{VehicleID: 1, TripID: "T1", ScheduleRelationship: "scheduled", ObservedAt: time.Now()},
		{VehicleID: 2, TripID: "T2", ScheduleRelationship: "scheduled", ObservedAt: time.Now()},
	})
	require.NoError(t, err)

	_, err = db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error { return fillGraph(w, "T1") })
	require.NoError(t, err)

	n, err := db.CountRows(ctx, Table("bus", LiveVehicles))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplaceStaticGraph_UnknownMode(t *testing.T) {
	db := openTestDB(t, "bus")
	_, err := db.ReplaceStaticGraph(context.Background(), "tram", func(*GraphWriter) error { return nil })
	assert.Error(t, err)
}

func TestModesAreIsolated(t *testing.T) {
	db := openTestDB(t, "bus", "tram")
	ctx := context.Background()
	seedGraph(t, db, "bus")

	assert.True(t, db.HasStaticGraph(ctx, "bus"))
	assert.False(t, db.HasStaticGraph(ctx, "tram"))
	assert.False(t, db.HasStaticGraph(ctx, "metro"))
	assert.Equal(t, []string{"bus", "tram"}, db.Modes())
}

func TestAppendVehiclePositions_UnknownTripRollsBack(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	seedGraph(t, db, "bus")

	_, err := db.AppendVehiclePositions(ctx, "bus", []VehiclePosition{
		{VehicleID: 1, TripID: "T1", ScheduleRelationship: "scheduled", ObservedAt: time.Now()},
		{VehicleID: 2, TripID: "ghost", ScheduleRelationship: "scheduled", ObservedAt: time.Now()},
	})
	require.Error(t, err)

	n, err := db.CountRows(ctx, Table("bus", LiveVehicles))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendTripUpdates_Children(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	seedGraph(t, db, "bus")

	rows := []TripUpdate{{
		TripID:               "T1",
		ScheduleRelationship: "scheduled",
		ObservedAt:           time.Now(),
		StopTimeUpdates: []StopTimeUpdate{
			{StopSequence: ptr(1), StopID: ptr("S1"), ScheduleRelationship: "scheduled", ArrivalDelay: ptr(30)},
			{StopSequence: ptr(2), StopID: ptr("S2"), ScheduleRelationship: "scheduled", DepartureDelay: ptr(-15)},
		},
	}}
	n, err := db.AppendTripUpdates(ctx, "bus", rows)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotZero(t, rows[0].ID)

	stus, err := db.StopTimeUpdates(ctx, "bus", rows[0].ID)
	require.NoError(t, err)
	require.Len(t, stus, 2)
	assert.Equal(t, 30, *stus[0].ArrivalDelay)
	assert.Nil(t, stus[0].DepartureDelay)
	assert.Equal(t, -15, *stus[1].DepartureDelay)
}

func TestLatestVehiclePositions(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	seedGraph(t, db, "bus")

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	_, err := db.AppendVehiclePositions(ctx, "bus", []VehiclePosition{
		{VehicleID: 7, TripID: "T1", ScheduleRelationship: "scheduled", Latitude: 1, ObservedAt: base},
		{VehicleID: 7, TripID: "T1", ScheduleRelationship: "scheduled", Latitude: 2, ObservedAt: base.Add(time.Minute)},
		{VehicleID: 3, TripID: "T1", ScheduleRelationship: "scheduled", Latitude: 3, ObservedAt: base},
	})
	require.NoError(t, err)

	latest, err := db.LatestVehiclePositions(ctx, "bus")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(3), latest[0].VehicleID)
	assert.Equal(t, int64(7), latest[1].VehicleID)
	assert.Equal(t, 2.0, latest[1].Latitude)
	assert.True(t, latest[1].ObservedAt.Equal(base.Add(time.Minute)))
}

func TestUpsertRidership_ReplacesByKey(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	observed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	row := RidershipEstimate{VehicleID: 1, TripID: "T1", ObservedAt: observed, StopID: "S1",
		StopSequence: 1, Onboard: 10, Capacity: 80, EstimatedAt: time.Now()}
	_, err := db.UpsertRidership(ctx, "bus", []RidershipEstimate{row})
	require.NoError(t, err)

	row.Onboard = 20
	row.StopID = "S2"
	_, err = db.UpsertRidership(ctx, "bus", []RidershipEstimate{row})
	require.NoError(t, err)

	got, err := db.RidershipEstimates(ctx, "bus")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 20, got[0].Onboard)
	assert.Equal(t, "S2", got[0].StopID)
}

func TestUpsertRidership_CapacityCheck(t *testing.T) {
	db := openTestDB(t, "bus")
	_, err := db.UpsertRidership(context.Background(), "bus", []RidershipEstimate{{
		VehicleID: 1, TripID: "T1", ObservedAt: time.Now(), StopID: "S1",
		Onboard: 81, Capacity: 80, EstimatedAt: time.Now(),
	}})
	assert.Error(t, err)
}

func TestUpsertCounterMeasures_UpdatesCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := []CounterMeasure{
		{ChannelID: "C1", StartTime: start, EndTime: start.Add(time.Hour), Count: 5},
		{ChannelID: "C1", StartTime: start.Add(time.Hour), EndTime: start.Add(2 * time.Hour), Count: 7},
	}
	_, err := db.UpsertCounterMeasures(ctx, rows)
	require.NoError(t, err)

	_, err = db.UpsertCounterMeasures(ctx, []CounterMeasure{
		{ChannelID: "C1", StartTime: start, EndTime: start.Add(time.Hour), Count: 9, Validated: true},
	})
	require.NoError(t, err)

	got, err := db.CounterMeasures(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 9, got[0].Count)
	assert.True(t, got[0].Validated)
	assert.Equal(t, 7, got[1].Count)
}

func TestUpsertCounterChannels(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sites := []CounterSite{{SiteID: "X", Name: "Bridge", Latitude: ptr(50.8), Longitude: ptr(4.3)}}
	channels := []CounterChannel{{ChannelID: "C1", SiteID: "X", Name: "in", TravelMode: "bike", Direction: "in"}}
	_, err := db.UpsertCounterChannels(ctx, sites, channels)
	require.NoError(t, err)

	channels[0].Name = "inbound"
	_, err = db.UpsertCounterChannels(ctx, sites, channels)
	require.NoError(t, err)

	var name string
	require.NoError(t, db.GetContext(ctx, &name, `SELECT channel_name FROM counter_channels WHERE channel_id = 'C1'`))
	assert.Equal(t, "inbound", name)
	n, err := db.CountRows(ctx, "counter_channels")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.UpsertCounterChannels(ctx, nil, []CounterChannel{{ChannelID: "C2", SiteID: "nowhere"}})
	assert.Error(t, err)
}

func TestExportJob_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	job := ExportJob{JobID: "j1", StartDate: "2024-05-01", EndDate: "2024-05-02", State: JobRequested}
	require.NoError(t, db.SaveExportJob(ctx, job))
	job.State = JobExhausted
	job.Attempts = 5
	job.Error = "gave up"
	require.NoError(t, db.SaveExportJob(ctx, job))

	got, err := db.ExportJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, JobExhausted, got.State)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, "2024-05-01", got.StartDate)

	missing, err := db.ExportJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertStations(ctx, []Station{{StationID: "1", Name: "Gare", Latitude: 50, Longitude: 4, Capacity: ptr(20)}})
	require.NoError(t, err)

	reported := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	status := []StationStatus{{StationID: "1", ReportedAt: reported, BikesAvailable: 3, DocksAvailable: 17, IsRenting: true}}
	n, err := db.AppendStationStatus(ctx, status)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = db.AppendStationStatus(ctx, status)
	require.NoError(t, err)
	assert.Zero(t, n)

	total, err := db.CountRows(ctx, "station_status")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestMetadata(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	v, err := db.GetMetadata(ctx, "bus.etag")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.SetMetadata(ctx, "bus.etag", `"abc"`))
	require.NoError(t, db.SetMetadata(ctx, "bus.etag", `"def"`))
	all, err := db.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bus.etag": `"def"`}, all)
}

// Live writers share the guard, so concurrent appends all succeed.
func TestConcurrentLiveWriters(t *testing.T) {
	db := openTestDB(t, "bus")
	ctx := context.Background()
	seedGraph(t, db, "bus")

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.AppendVehiclePositions(ctx, "bus", []VehiclePosition{
				{VehicleID: int64(i), TripID: "T1", ScheduleRelationship: "scheduled", ObservedAt: time.Now()},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := db.CountRows(ctx, Table("bus", LiveVehicles))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestGraphVersion_GrowsPerReload(t *testing.T) {
	db := openTestDB(t, "bus", "tram")
	ctx := context.Background()

	v, err := db.GraphVersion(ctx, "bus")
	require.NoError(t, err)
	assert.Zero(t, v)

	seedGraph(t, db, "bus")
	seedGraph(t, db, "bus")
	v, err = db.GraphVersion(ctx, "bus")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// A failed reload leaves the version alone.
	_, err = db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error { return errors.New("broken feed") })
	require.Error(t, err)
	v, err = db.GraphVersion(ctx, "bus")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = db.GraphVersion(ctx, "tram")
	require.NoError(t, err)
	assert.Zero(t, v)
}

// A live writer of the reloading mode waits for the reload to commit, while
// other modes stay readable.
func TestReplaceStaticGraph_HoldsOffSameModeWriters(t *testing.T) {
	db := openTestDB(t, "bus", "tram")
	ctx := context.Background()
	seedGraph(t, db, "bus")
	seedGraph(t, db, "tram")

	inFill := make(chan struct{})
	release := make(chan struct{})
	reloadDone := make(chan error, 1)
	go func() {
		_, err := db.ReplaceStaticGraph(ctx, "bus", func(w *GraphWriter) error {
			close(inFill)
			<-release
			return fillGraph(w, "T1")
		})
		reloadDone <- err
	}()
	<-inFill

	appendDone := make(chan error, 1)
	go func() {
		_, err := db.AppendVehiclePositions(ctx, "bus", []VehiclePosition{
			{VehicleID: 7, TripID: "T1", ScheduleRelationship: "scheduled", ObservedAt: time.Now()},
		})
		appendDone <- err
	}()

	stops, err := db.TripStops(ctx, "tram", "T1")
	require.NoError(t, err)
	assert.Len(t, stops, 3)

	select {
	case err := <-appendDone:
		t.Fatalf("append finished while the reload was in progress (err=%v)", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-reloadDone)
	select {
	case err := <-appendDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("append never ran after the reload committed")
	}

	n, err := db.CountRows(ctx, Table("bus", LiveVehicles))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "row written after the reload is kept")
}
