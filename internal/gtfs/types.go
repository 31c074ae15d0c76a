package gtfs

// Raw GTFS rows as read from the CSV files. Every field is the trimmed text of
// its column; conversion happens in the loader's row parsers.

type agencyRow struct {
	AgencyID       string `csv:"agency_id"`
	AgencyName     string `csv:"agency_name"`
	AgencyURL      string `csv:"agency_url"`
	AgencyTimezone string `csv:"agency_timezone"`
}

type calendarRow struct {
	ServiceID string `csv:"service_id"`
	Monday    string `csv:"monday"`
	Tuesday   string `csv:"tuesday"`
	Wednesday string `csv:"wednesday"`
	Thursday  string `csv:"thursday"`
	Friday    string `csv:"friday"`
	Saturday  string `csv:"saturday"`
	Sunday    string `csv:"sunday"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
}

type calendarDateRow struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType string `csv:"exception_type"`
}

type stopRow struct {
	StopID   string `csv:"stop_id"`
	StopCode string `csv:"stop_code"`
	StopName string `csv:"stop_name"`
	StopDesc string `csv:"stop_desc"`
	StopLat  string `csv:"stop_lat"`
	StopLon  string `csv:"stop_lon"`
}

type routeRow struct {
	RouteID        string `csv:"route_id"`
	AgencyID       string `csv:"agency_id"`
	RouteShortName string `csv:"route_short_name"`
	RouteLongName  string `csv:"route_long_name"`
	RouteType      string `csv:"route_type"`
	RouteColor     string `csv:"route_color"`
}

type shapeRow struct {
	ShapeID           string `csv:"shape_id"`
	ShapePtLat        string `csv:"shape_pt_lat"`
	ShapePtLon        string `csv:"shape_pt_lon"`
	ShapePtSequence   string `csv:"shape_pt_sequence"`
	ShapeDistTraveled string `csv:"shape_dist_traveled"`
}

type tripRow struct {
	TripID       string `csv:"trip_id"`
	RouteID      string `csv:"route_id"`
	ServiceID    string `csv:"service_id"`
	TripHeadsign string `csv:"trip_headsign"`
	DirectionID  string `csv:"direction_id"`
	ShapeID      string `csv:"shape_id"`
}

type stopTimeRow struct {
	TripID        string `csv:"trip_id"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	StopID        string `csv:"stop_id"`
	StopSequence  string `csv:"stop_sequence"`
}

// File describes one GTFS file the loader reads.
type File struct {
	Name     string
	Required []string
	Optional bool
}

// Files lists every file the loader reads, in insertion order.
var Files = []File{
	{Name: "agency.txt", Required: []string{"agency_id", "agency_name", "agency_url", "agency_timezone"}},
	{Name: "calendar.txt", Required: []string{"service_id", "monday", "tuesday", "wednesday",
		"thursday", "friday", "saturday", "sunday", "start_date", "end_date"}},
	{Name: "calendar_dates.txt", Required: []string{"service_id", "date", "exception_type"}, Optional: true},
	{Name: "stops.txt", Required: []string{"stop_id", "stop_name", "stop_lat", "stop_lon"}},
	{Name: "routes.txt", Required: []string{"route_id", "agency_id", "route_short_name", "route_long_name"}},
	{Name: "shapes.txt", Required: []string{"shape_id", "shape_pt_lat", "shape_pt_lon", "shape_pt_sequence"}},
	{Name: "trips.txt", Required: []string{"route_id", "service_id", "trip_id"}},
	{Name: "stop_times.txt", Required: []string{"trip_id", "arrival_time", "departure_time", "stop_id", "stop_sequence"}},
}
