package gtfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"transitsync/internal/storage"
)

var (
	errRequired       = errors.New("value is required")
	errNumber         = errors.New("not a number")
	errLatitude       = errors.New("latitude outside [-90,90]")
	errLongitude      = errors.New("longitude outside [-180,180]")
	errFlag           = errors.New("want 0 or 1")
	errEndBeforeStart = errors.New("end_date before start_date")
	errDepartsEarly   = errors.New("departure_time before arrival_time")
	errExceptionType  = errors.New("want 1 or 2")
	errAgency         = errors.New("agency_id is required when the feed has several agencies")
)

// Loader replaces the static schedule graph of one mode from a directory of
// GTFS files.
type Loader struct {
	db     *storage.DB
	mode   string
	logger *slog.Logger
}

// NewLoader creates a Loader for mode.
func NewLoader(db *storage.DB, mode string, logger *slog.Logger) *Loader {
	return &Loader{db: db, mode: mode, logger: logger.With("mode", mode)}
}

// Load validates the files in dir and atomically replaces the mode's static
// graph with their contents. Missing files and missing columns are reported
// before anything is changed; a parse or constraint failure rolls the whole
// replacement back.
func (l *Loader) Load(ctx context.Context, dir string) error {
	start := time.Now()

	present, err := preflight(dir)
	if err != nil {
		return err
	}

	gl := &graphLoader{
		dir:       dir,
		logger:    l.logger,
		sequences: make(map[string][]int),
	}
	counts, err := l.db.ReplaceStaticGraph(ctx, l.mode, func(w *storage.GraphWriter) error {
		gl.w = w
		for _, f := range Files {
			if !present[f.Name] {
				l.logger.Info("optional file absent, skipped", "file", f.Name)
				continue
			}
			if err := gl.load(ctx, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Error("static load rolled back", "dir", dir, "error", err)
		return fmt.Errorf("load %s static graph: %w", l.mode, err)
	}

	if gaps := sequenceGaps(gl.sequences, l.logger); gaps > 0 {
		l.logger.Warn("stop sequences with gaps", "count", gaps)
	}
	l.logger.Info("static load complete",
		"duration", time.Since(start).Round(time.Millisecond),
		"agencies", counts[storage.Agencies],
		"routes", counts[storage.Routes],
		"stops", counts[storage.Stops],
		"trips", counts[storage.Trips],
		"stop_times", counts[storage.StopTimes],
	)
	return nil
}

// preflight checks that every required file exists and that every present
// file has its required columns. It returns the set of present files.
func preflight(dir string) (map[string]bool, error) {
	present := make(map[string]bool, len(Files))
	for _, f := range Files {
		_, err := os.Stat(filepath.Join(dir, f.Name))
		switch {
		case err == nil:
			present[f.Name] = true
		case errors.Is(err, os.ErrNotExist):
			if !f.Optional {
				return nil, &MissingFileError{Dir: dir, File: f.Name}
			}
		default:
			return nil, fmt.Errorf("stat %s: %w", f.Name, err)
		}
	}

	for _, f := range Files {
		if !present[f.Name] {
			continue
		}
		header, err := ReadHeader(filepath.Join(dir, f.Name))
		if err != nil {
			return nil, err
		}
		if err := CheckHeader(f.Name, header, f.Required); err != nil {
			return nil, err
		}
	}
	return present, nil
}

type graphLoader struct {
	dir    string
	w      *storage.GraphWriter
	logger *slog.Logger

	agencies  []string
	sequences map[string][]int // stop_sequence values per trip, in file order
}

func (g *graphLoader) load(ctx context.Context, f File) error {
	switch f.Name {
	case "agency.txt":
		return streamRows(ctx, g.dir, f, g.agency)
	case "calendar.txt":
		return streamRows(ctx, g.dir, f, g.calendar)
	case "calendar_dates.txt":
		return streamRows(ctx, g.dir, f, g.calendarDate)
	case "stops.txt":
		return streamRows(ctx, g.dir, f, g.stop)
	case "routes.txt":
		return streamRows(ctx, g.dir, f, g.route)
	case "shapes.txt":
		return streamRows(ctx, g.dir, f, g.shape)
	case "trips.txt":
		return streamRows(ctx, g.dir, f, g.trip)
	case "stop_times.txt":
		return streamRows(ctx, g.dir, f, g.stopTime)
	}
	return fmt.Errorf("no row parser for %s", f.Name)
}

// streamRows feeds every record of f through each, one row at a time.
func streamRows[T any](ctx context.Context, dir string, f File, each func(r *row, raw *T) error) error {
	s, err := OpenCSVStream[T](filepath.Join(dir, f.Name), f.Required)
	if err != nil {
		return err
	}
	defer s.Close()

	var raw T
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.Next(&raw)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		r := &row{file: s.File(), line: s.Line()}
		if err := each(r, &raw); err != nil {
			return err
		}
	}
}

func (g *graphLoader) agency(r *row, raw *agencyRow) error {
	rec := storage.Agency{
		AgencyID: r.required("agency_id", raw.AgencyID),
		Name:     r.required("agency_name", raw.AgencyName),
		URL:      raw.AgencyURL,
		Timezone: r.required("agency_timezone", raw.AgencyTimezone),
	}
	if r.err != nil {
		return r.err
	}
	g.agencies = append(g.agencies, rec.AgencyID)
	return g.w.Insert(storage.Agencies, rec)
}

func (g *graphLoader) calendar(r *row, raw *calendarRow) error {
	start, startT := r.date("start_date", raw.StartDate)
	end, endT := r.date("end_date", raw.EndDate)
	rec := storage.CalendarSchedule{
		ServiceID: r.required("service_id", raw.ServiceID),
		Monday:    r.flag("monday", raw.Monday),
		Tuesday:   r.flag("tuesday", raw.Tuesday),
		Wednesday: r.flag("wednesday", raw.Wednesday),
		Thursday:  r.flag("thursday", raw.Thursday),
		Friday:    r.flag("friday", raw.Friday),
		Saturday:  r.flag("saturday", raw.Saturday),
		Sunday:    r.flag("sunday", raw.Sunday),
		StartDate: start,
		EndDate:   end,
	}
	if r.err == nil && endT.Before(startT) {
		r.fail("end_date", raw.EndDate, errEndBeforeStart)
	}
	if r.err != nil {
		return r.err
	}
	return g.w.Insert(storage.CalendarSchedules, rec)
}

func (g *graphLoader) calendarDate(r *row, raw *calendarDateRow) error {
	date, _ := r.date("date", raw.Date)
	rec := storage.CalendarDate{
		ServiceID:     r.required("service_id", raw.ServiceID),
		Date:          date,
		ExceptionType: r.integer("exception_type", raw.ExceptionType),
	}
	if r.err == nil && rec.ExceptionType != 1 && rec.ExceptionType != 2 {
		r.fail("exception_type", raw.ExceptionType, errExceptionType)
	}
	if r.err != nil {
		return r.err
	}
	return g.w.Insert(storage.CalendarDates, rec)
}

func (g *graphLoader) stop(r *row, raw *stopRow) error {
	rec := storage.Stop{
		StopID: r.required("stop_id", raw.StopID),
		Code:   raw.StopCode,
		Name:   raw.StopName,
		Desc:   optional(raw.StopDesc),
		Lat:    r.latitude("stop_lat", raw.StopLat),
		Lon:    r.longitude("stop_lon", raw.StopLon),
	}
	if r.err != nil {
		return r.err
	}
	return g.w.Insert(storage.Stops, rec)
}

func (g *graphLoader) route(r *row, raw *routeRow) error {
	agencyID := raw.AgencyID
	if agencyID == "" {
		if len(g.agencies) != 1 {
			r.fail("agency_id", raw.AgencyID, errAgency)
		} else {
			agencyID = g.agencies[0]
		}
	}
	rec := storage.Route{
		RouteID:   r.required("route_id", raw.RouteID),
		AgencyID:  agencyID,
		ShortName: raw.RouteShortName,
		LongName:  raw.RouteLongName,
		RouteType: r.optInteger("route_type", raw.RouteType),
		Color:     optional(raw.RouteColor),
	}
	if r.err != nil {
		return r.err
	}
	return g.w.Insert(storage.Routes, rec)
}

func (g *graphLoader) shape(r *row, raw *shapeRow) error {
	rec := storage.ShapePoint{
		ShapeID:      r.required("shape_id", raw.ShapeID),
		Sequence:     r.integer("shape_pt_sequence", raw.ShapePtSequence),
		Lat:          r.latitude("shape_pt_lat", raw.ShapePtLat),
		Lon:          r.longitude("shape_pt_lon", raw.ShapePtLon),
		DistTraveled: r.optFloat("shape_dist_traveled", raw.ShapeDistTraveled),
	}
	if r.err != nil {
		return r.err
	}
	return g.w.Insert(storage.TripShapes, rec)
}

func (g *graphLoader) trip(r *row, raw *tripRow) error {
	rec := storage.Trip{
		TripID:      r.required("trip_id", raw.TripID),
		RouteID:     r.required("route_id", raw.RouteID),
		ServiceID:   r.required("service_id", raw.ServiceID),
		Headsign:    raw.TripHeadsign,
		DirectionID: r.optInteger("direction_id", raw.DirectionID),
		ShapeID:     optional(raw.ShapeID),
	}
	if r.err != nil {
		return r.err
	}
	return g.w.Insert(storage.Trips, rec)
}

func (g *graphLoader) stopTime(r *row, raw *stopTimeRow) error {
	arrival, arrSecs := r.serviceTime("arrival_time", raw.ArrivalTime)
	departure, depSecs := r.serviceTime("departure_time", raw.DepartureTime)
	rec := storage.StopTime{
		TripID:        r.required("trip_id", raw.TripID),
		StopID:        r.required("stop_id", raw.StopID),
		Sequence:      r.integer("stop_sequence", raw.StopSequence),
		ArrivalTime:   arrival,
		DepartureTime: departure,
	}
	if r.err == nil && depSecs < arrSecs {
		r.fail("departure_time", raw.DepartureTime, errDepartsEarly)
	}
	if r.err != nil {
		return r.err
	}

	g.sequences[rec.TripID] = append(g.sequences[rec.TripID], rec.Sequence)
	return g.w.Insert(storage.StopTimes, rec)
}

// sequenceGaps counts the breaks in each trip's stop sequence once sorted, so
// rows need not be ordered within stop_times.txt.
func sequenceGaps(sequences map[string][]int, logger *slog.Logger) int {
	gaps := 0
	for trip, seqs := range sequences {
		slices.Sort(seqs)
		for i := 1; i < len(seqs); i++ {
			if seqs[i] != seqs[i-1]+1 {
				gaps++
				logger.Debug("stop sequence gap", "trip_id", trip, "after", seqs[i-1], "got", seqs[i])
			}
		}
	}
	return gaps
}

// row converts the text fields of one record, keeping the first failure.
type row struct {
	file string
	line int
	err  error
}

func (r *row) fail(field, value string, err error) {
	if r.err != nil {
		return
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	r.err = &ParseError{File: r.file, Line: r.line, Field: field, Value: value, Err: err}
}

func (r *row) required(field, v string) string {
	if v == "" {
		r.fail(field, v, errRequired)
	}
	return v
}

func (r *row) date(field, v string) (string, time.Time) {
	t, err := ParseCalendarDate(v)
	if err != nil {
		r.fail(field, v, err)
		return "", time.Time{}
	}
	return t.Format(DateLayout), t
}

func (r *row) serviceTime(field, v string) (string, int) {
	tod, err := ParseServiceTime(v)
	if err != nil {
		r.fail(field, v, err)
		return "", 0
	}
	secs, _ := ServiceSeconds(v)
	return tod.String(), secs
}

func (r *row) flag(field, v string) bool {
	switch v {
	case "1":
		return true
	case "0":
		return false
	}
	r.fail(field, v, errFlag)
	return false
}

func (r *row) integer(field, v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(field, v, errNumber)
	}
	return n
}

func (r *row) optInteger(field, v string) *int {
	if v == "" {
		return nil
	}
	n := r.integer(field, v)
	return &n
}

// float accepts finite numbers only; ParseFloat also takes "inf" and "NaN".
func (r *row) float(field, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		r.fail(field, v, errNumber)
		return 0
	}
	return f
}

func (r *row) latitude(field, v string) float64 {
	f := r.float(field, v)
	if math.Abs(f) > 90 {
		r.fail(field, v, errLatitude)
	}
	return f
}

func (r *row) longitude(field, v string) float64 {
	f := r.float(field, v)
	if math.Abs(f) > 180 {
		r.fail(field, v, errLongitude)
	}
	return f
}

func (r *row) optFloat(field, v string) *float64 {
	if v == "" {
		return nil
	}
	f := r.float(field, v)
	return &f
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
