package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitsync/internal/gtfs/gtfstest"
)

const stationInformation = `{
  "last_updated": 1714550400,
  "data": {"stations": [
    {"station_id": 1, "name": "Gare Centrale", "lat": 50.845, "lon": 4.357, "capacity": 25},
    {"station_id": "2", "name": "Bourse", "lat": 50.848, "lon": 4.350}
  ]}
}`

const stationStatusJSON = `{
  "last_updated": 1714550400,
  "data": {"stations": [
    {"station_id": 1, "num_bikes_available": 4, "num_docks_available": 21, "is_renting": 1, "last_reported": 1714550300},
    {"station_id": "2", "num_bikes_available": 0, "num_docks_available": 10, "is_renting": false}
  ]}
}`

func TestStationReconciler(t *testing.T) {
	db := gtfstest.OpenDB(t)
	s := NewStationReconciler(db, time.UTC, gtfstest.Logger())
	ctx := context.Background()

	n, err := s.IngestInformation(ctx, []byte(stationInformation))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.IngestStatus(ctx, []byte(stationStatusJSON))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The same snapshot again adds nothing.
	n, err = s.IngestStatus(ctx, []byte(stationStatusJSON))
	require.NoError(t, err)
	assert.Zero(t, n)

	var renting []bool
	require.NoError(t, db.SelectContext(ctx, &renting, `SELECT is_renting FROM station_status ORDER BY station_id`))
	assert.Equal(t, []bool{true, false}, renting)

	var reported time.Time
	require.NoError(t, db.GetContext(ctx, &reported, `SELECT reported_at FROM station_status WHERE station_id = '2'`))
	assert.True(t, reported.Equal(time.Unix(1714550400, 0)), "falls back to last_updated")
}

func TestStationReconciler_Malformed(t *testing.T) {
	db := gtfstest.OpenDB(t)
	s := NewStationReconciler(db, time.UTC, gtfstest.Logger())
	ctx := context.Background()

	for _, payload := range []string{
		`{"data": {"stations": []}}`,
		`{"last_updated": 1}`,
		`{"last_updated": 1, "data": {}}`,
		`{"last_updated": 1, "data": {"stations": [{"station_id": 1, "is_renting": "yes"}]}}`,
	} {
		_, err := s.IngestStatus(ctx, []byte(payload))
		var malformed *MalformedFeedError
		assert.ErrorAs(t, err, &malformed, payload)
	}

	_, err := s.IngestInformation(ctx, []byte(`{"last_updated": 1, "data": {"stations": [{"name": "nameless"}]}}`))
	assert.Error(t, err)
}
