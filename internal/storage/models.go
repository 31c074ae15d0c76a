package storage

import "time"

// Static schedule records. Dates are stored as YYYY-MM-DD and times of day
// as HH:MM:SS text, already normalized by the loader.

type Agency struct {
	AgencyID string `db:"agency_id"`
	Name     string `db:"agency_name"`
	URL      string `db:"agency_url"`
	Timezone string `db:"agency_timezone"`
}

type CalendarSchedule struct {
	ServiceID string `db:"service_id"`
	Monday    bool   `db:"monday"`
	Tuesday   bool   `db:"tuesday"`
	Wednesday bool   `db:"wednesday"`
	Thursday  bool   `db:"thursday"`
	Friday    bool   `db:"friday"`
	Saturday  bool   `db:"saturday"`
	Sunday    bool   `db:"sunday"`
	StartDate string `db:"start_date"`
	EndDate   string `db:"end_date"`
}

type CalendarDate struct {
	ServiceID     string `db:"service_id"`
	Date          string `db:"date"`
	ExceptionType int    `db:"exception_type"`
}

type Stop struct {
	StopID string  `db:"stop_id"`
	Code   string  `db:"stop_code"`
	Name   string  `db:"stop_name"`
	Desc   *string `db:"stop_desc"`
	Lat    float64 `db:"stop_lat"`
	Lon    float64 `db:"stop_lon"`
}

type Route struct {
	RouteID   string  `db:"route_id"`
	AgencyID  string  `db:"agency_id"`
	ShortName string  `db:"route_short_name"`
	LongName  string  `db:"route_long_name"`
	RouteType *int    `db:"route_type"`
	Color     *string `db:"route_color"`
}

type ShapePoint struct {
	ShapeID      string   `db:"shape_id"`
	Sequence     int      `db:"shape_pt_sequence"`
	Lat          float64  `db:"shape_pt_lat"`
	Lon          float64  `db:"shape_pt_lon"`
	DistTraveled *float64 `db:"shape_dist_traveled"`
}

type Trip struct {
	TripID      string  `db:"trip_id"`
	RouteID     string  `db:"route_id"`
	ServiceID   string  `db:"service_id"`
	Headsign    string  `db:"trip_headsign"`
	DirectionID *int    `db:"direction_id"`
	ShapeID     *string `db:"shape_id"`
}

type StopTime struct {
	TripID        string `db:"trip_id"`
	StopID        string `db:"stop_id"`
	Sequence      int    `db:"stop_sequence"`
	ArrivalTime   string `db:"arrival_time"`
	DepartureTime string `db:"departure_time"`
}

// TripStop is one stop of a trip's ordered stop list with its coordinates.
type TripStop struct {
	StopID   string  `db:"stop_id"`
	Sequence int     `db:"stop_sequence"`
	Lat      float64 `db:"stop_lat"`
	Lon      float64 `db:"stop_lon"`
}

// Live records.

type VehiclePosition struct {
	ID                   int64     `db:"id"`
	EntityID             string    `db:"entity_id"`
	VehicleID            int64     `db:"vehicle_id"`
	TripID               string    `db:"trip_id"`
	RouteID              *string   `db:"route_id"`
	StartTime            *string   `db:"start_time"`
	StartDate            *string   `db:"start_date"`
	ScheduleRelationship string    `db:"schedule_relationship"`
	DirectionID          *int      `db:"direction_id"`
	Latitude             float64   `db:"latitude"`
	Longitude            float64   `db:"longitude"`
	ObservedAt           time.Time `db:"observed_at"`
	IngestedAt           time.Time `db:"ingested_at"`
}

type TripUpdate struct {
	ID                   int64     `db:"id"`
	EntityID             string    `db:"entity_id"`
	TripID               string    `db:"trip_id"`
	RouteID              *string   `db:"route_id"`
	StartTime            *string   `db:"start_time"`
	StartDate            *string   `db:"start_date"`
	ScheduleRelationship string    `db:"schedule_relationship"`
	DirectionID          *int      `db:"direction_id"`
	VehicleID            *int64    `db:"vehicle_id"`
	ObservedAt           time.Time `db:"observed_at"`
	IngestedAt           time.Time `db:"ingested_at"`

	StopTimeUpdates []StopTimeUpdate `db:"-"`
}

type StopTimeUpdate struct {
	TripUpdateID         int64   `db:"trip_update_id"`
	StopSequence         *int    `db:"stop_sequence"`
	StopID               *string `db:"stop_id"`
	ScheduleRelationship string  `db:"schedule_relationship"`
	ArrivalDelay         *int    `db:"arrival_delay"`
	DepartureDelay       *int    `db:"departure_delay"`
}

type RidershipEstimate struct {
	VehicleID    int64     `db:"vehicle_id"`
	TripID       string    `db:"trip_id"`
	ObservedAt   time.Time `db:"observed_at"`
	StopID       string    `db:"stop_id"`
	StopSequence int       `db:"stop_sequence"`
	Boarding     int       `db:"boarding"`
	Alighting    int       `db:"alighting"`
	Onboard      int       `db:"onboard"`
	Capacity     int       `db:"capacity"`
	EstimatedAt  time.Time `db:"estimated_at"`
}

// Counter and station records.

type CounterSite struct {
	SiteID    string   `db:"site_id"`
	Name      string   `db:"site_name"`
	Latitude  *float64 `db:"latitude"`
	Longitude *float64 `db:"longitude"`
}

type CounterChannel struct {
	ChannelID  string `db:"channel_id"`
	SiteID     string `db:"site_id"`
	Name       string `db:"channel_name"`
	TravelMode string `db:"travel_mode"`
	Direction  string `db:"direction"`
}

type CounterMeasure struct {
	ChannelID string    `db:"channel_id"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
	Count     int       `db:"count"`
	Validated bool      `db:"validated"`
}

// Export job states.
const (
	JobRequested = "requested"
	JobPolling   = "polling"
	JobSucceeded = "succeeded"
	JobExhausted = "exhausted"
	JobFailed    = "failed"
)

type ExportJob struct {
	JobID     string    `db:"job_id"`
	StartDate string    `db:"start_date"`
	EndDate   string    `db:"end_date"`
	State     string    `db:"state"`
	Attempts  int       `db:"attempts"`
	Error     string    `db:"error"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Station struct {
	StationID string  `db:"station_id"`
	Name      string  `db:"name"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
	Capacity  *int    `db:"capacity"`
}

type StationStatus struct {
	StationID      string    `db:"station_id"`
	ReportedAt     time.Time `db:"reported_at"`
	BikesAvailable int       `db:"bikes_available"`
	DocksAvailable int       `db:"docks_available"`
	IsRenting      bool      `db:"is_renting"`
}
