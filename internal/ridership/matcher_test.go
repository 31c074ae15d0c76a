package ridership

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitsync/internal/gtfs"
	"transitsync/internal/gtfs/gtfstest"
	"transitsync/internal/storage"
)

func loadedDB(t *testing.T) *storage.DB {
	t.Helper()
	db := gtfstest.OpenDB(t, "bus")
	loader := gtfs.NewLoader(db, "bus", gtfstest.Logger())
	require.NoError(t, loader.Load(context.Background(), gtfstest.Basic().Write(t)))
	return db
}

func TestNearestStop(t *testing.T) {
	m := NewMatcher(loadedDB(t), "bus")
	ctx := context.Background()

	tests := []struct {
		name     string
		trip     string
		lat, lon float64
		wantStop string
		wantSeq  int
		wantIdx  int
	}{
		{"exactly at first stop", "T1", 50.8400, 4.3500, "S1", 1, 0},
		{"exactly at last stop", "T1", 50.8600, 4.3700, "S5", 5, 4},
		{"near S2", "T1", 50.8452, 4.3549, "S2", 2, 1},
		// X1 is closer but not on the trip.
		{"next to outsider", "T1", gtfstest.Outsider.Lat, gtfstest.Outsider.Lon, "S3", 3, 2},
		{"beyond shorter trip", "T2", 50.8600, 4.3700, "S3", 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.NearestStop(ctx, tt.trip, tt.lat, tt.lon)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStop, got.StopID)
			assert.Equal(t, tt.wantSeq, got.Sequence)
			assert.Equal(t, tt.wantIdx, got.Index)
			assert.GreaterOrEqual(t, got.DistanceKm, 0.0)
		})
	}
}

func TestNearestStop_ExactMatchHasZeroDistance(t *testing.T) {
	m := NewMatcher(loadedDB(t), "bus")
	got, err := m.NearestStop(context.Background(), "T1", 50.8400, 4.3500)
	require.NoError(t, err)
	assert.InDelta(t, 0, got.DistanceKm, 1e-9)
	assert.Zero(t, got.Progress())
}

func TestNearestStop_NoStops(t *testing.T) {
	m := NewMatcher(loadedDB(t), "bus")

	for _, trip := range []string{"T3", "UNKNOWN"} {
		_, err := m.NearestStop(context.Background(), trip, 50.85, 4.36)
		require.ErrorIs(t, err, ErrNoStopsForTrip)
		assert.Contains(t, err.Error(), trip)
	}
}

func TestMatcher_SeesReloadedGraph(t *testing.T) {
	db := loadedDB(t)
	m := NewMatcher(db, "bus")
	ctx := context.Background()

	got, err := m.NearestStop(ctx, "T1", 50.84, 4.35)
	require.NoError(t, err)
	assert.Equal(t, "S1", got.StopID)

	// T1 now only visits S5 and T2 lost its stop times.
	feed := gtfstest.Basic().With("stop_times.txt",
		"trip_id,arrival_time,departure_time,stop_id,stop_sequence\nT1,08:00:00,08:00:00,S5,1\n")
	require.NoError(t, gtfs.NewLoader(db, "bus", gtfstest.Logger()).Load(ctx, feed.Write(t)))

	got, err = m.NearestStop(ctx, "T1", 50.84, 4.35)
	require.NoError(t, err)
	assert.Equal(t, "S5", got.StopID)
	assert.Equal(t, 1, got.TripStops)

	_, err = m.NearestStop(ctx, "T2", 50.84, 4.35)
	assert.ErrorIs(t, err, ErrNoStopsForTrip)
}

func TestMatcher_CachesWithinVersion(t *testing.T) {
	db := loadedDB(t)
	m := NewMatcher(db, "bus")
	ctx := context.Background()

	_, err := m.NearestStop(ctx, "T1", 50.84, 4.35)
	require.NoError(t, err)

	// Rows changed behind the loader's back are not seen until Reset.
	_, err = db.ExecContext(ctx, `DELETE FROM bus_stop_times WHERE trip_id = 'T1'`)
	require.NoError(t, err)
	_, err = m.NearestStop(ctx, "T1", 50.84, 4.35)
	require.NoError(t, err)

	m.Reset()
	_, err = m.NearestStop(ctx, "T1", 50.84, 4.35)
	assert.ErrorIs(t, err, ErrNoStopsForTrip)
}

func TestNearestStop_InvalidPosition(t *testing.T) {
	m := NewMatcher(loadedDB(t), "bus")
	ctx := context.Background()

	for _, pos := range [][2]float64{
		{math.NaN(), 4.35},
		{50.84, math.Inf(1)},
		{91, 4.35},
		{50.84, -181},
	} {
		var err error
		assert.NotPanics(t, func() {
			_, err = m.NearestStop(ctx, "T1", pos[0], pos[1])
		})
		assert.ErrorIs(t, err, ErrInvalidPosition, "%v", pos)
	}
}

func TestCache_Expiry(t *testing.T) {
	c := newCache[int](time.Minute)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.set("a", 1)
	v, ok := c.get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("a")
	assert.False(t, ok)

	c.set("b", 2)
	assert.Len(t, c.entries, 1, "expired entries dropped on set")
}

func TestMatchProgress(t *testing.T) {
	assert.Equal(t, 0.0, Match{Index: 0, TripStops: 1}.Progress())
	assert.Equal(t, 0.5, Match{Index: 2, TripStops: 5}.Progress())
	assert.Equal(t, 1.0, Match{Index: 4, TripStops: 5}.Progress())
}
