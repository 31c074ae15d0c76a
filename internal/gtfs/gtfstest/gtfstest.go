// Package gtfstest builds small GTFS feeds and databases for tests.
package gtfstest

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"transitsync/internal/storage"
)

// StopPoint is a stop of the fixture feed.
type StopPoint struct {
	ID       string
	Lat, Lon float64
}

// TripStops are the five stops of trip T1, in sequence order.
var TripStops = []StopPoint{
	{"S1", 50.8400, 4.3500},
	{"S2", 50.8450, 4.3550},
	{"S3", 50.8500, 4.3600},
	{"S4", 50.8550, 4.3650},
	{"S5", 50.8600, 4.3700},
}

// Outsider is a stop no trip visits, placed next to S3.
var Outsider = StopPoint{"X1", 50.8501, 4.3601}

// Feed maps GTFS file names to their contents.
type Feed map[string]string

// Basic returns a feed with one agency, one route and three trips: T1 visits
// the five TripStops, T2 visits S1 to S3 past midnight, T3 has no stop times.
func Basic() Feed {
	var stops, stopTimes strings.Builder
	stops.WriteString("stop_id,stop_code,stop_name,stop_desc,stop_lat,stop_lon\n")
	for i, s := range append(append([]StopPoint(nil), TripStops...), Outsider) {
		fmt.Fprintf(&stops, "%s,%d,Stop %s,,%.4f,%.4f\n", s.ID, 100+i, s.ID, s.Lat, s.Lon)
	}
	stopTimes.WriteString("trip_id,arrival_time,departure_time,stop_id,stop_sequence\n")
	for i, s := range TripStops {
		fmt.Fprintf(&stopTimes, "T1,08:%02d:00,08:%02d:30,%s,%d\n", i*5, i*5, s.ID, i+1)
	}
	for i, s := range TripStops[:3] {
		fmt.Fprintf(&stopTimes, "T2,24:%02d:00,24:%02d:00,%s,%d\n", 50+i*4, 50+i*4, s.ID, i+1)
	}

	return Feed{
		"agency.txt": "agency_id,agency_name,agency_url,agency_timezone\n" +
			"STIB,Transit Agency,https://example.org,Europe/Brussels\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"WK,1,1,1,1,1,0,0,20240101,20241231\n" +
			"WE,0,0,0,0,0,1,1,20240101,20241231\n",
		"calendar_dates.txt": "service_id,date,exception_type\n" +
			"WK,20241225,2\n",
		"routes.txt": "route_id,agency_id,route_short_name,route_long_name,route_type,route_color\n" +
			"R1,,1,Gare du Midi - Stockel,1,C4008F\n",
		"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence,shape_dist_traveled\n" +
			"SH1,50.8400,4.3500,1,0\n" +
			"SH1,50.8600,4.3700,2,2.6\n",
		"trips.txt": "route_id,service_id,trip_id,trip_headsign,direction_id,shape_id\n" +
			"R1,WK,T1,Stockel,0,SH1\n" +
			"R1,WK,T2,Stockel,0,\n" +
			"R1,WE,T3,Stockel,1,MISSING\n",
		"stops.txt":      stops.String(),
		"stop_times.txt": stopTimes.String(),
	}
}

// With returns a copy of f with name set to content.
func (f Feed) With(name, content string) Feed {
	out := maps.Clone(f)
	out[name] = content
	return out
}

// Without returns a copy of f without name.
func (f Feed) Without(name string) Feed {
	out := maps.Clone(f)
	delete(out, name)
	return out
}

// Write stores the feed in a fresh temporary directory and returns its path.
func (f Feed) Write(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range f {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OpenDB opens a fresh database for modes in a temporary directory.
func OpenDB(t testing.TB, modes ...string) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "transitsync.db"), modes, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
