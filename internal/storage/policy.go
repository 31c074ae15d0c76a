package storage

import (
	"fmt"
	"slices"
	"strings"
)

// Strategy describes what re-ingesting an entity does.
type Strategy int

const (
	// FullReplace entities are deleted wholesale and reinserted, so inserts
	// never meet an existing row.
	FullReplace Strategy = iota
	// KeyedUpsert entities insert or update in place by a natural key; only
	// mutable columns are overwritten.
	KeyedUpsert
	// AppendOnly entities are plain inserts. With a Key, a duplicate is
	// silently ignored instead of failing.
	AppendOnly
)

func (s Strategy) String() string {
	switch s {
	case FullReplace:
		return "full-replace"
	case KeyedUpsert:
		return "keyed-upsert"
	case AppendOnly:
		return "append-only"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Policy is the write policy for one table.
type Policy struct {
	Table    string
	Strategy Strategy
	Columns  []string
	Key      []string
	Mutable  []string
}

// Validate checks that the policy is internally consistent.
func (p Policy) Validate() error {
	if p.Table == "" || len(p.Columns) == 0 {
		return fmt.Errorf("policy %q: table and columns are required", p.Table)
	}
	for _, k := range p.Key {
		if !slices.Contains(p.Columns, k) {
			return fmt.Errorf("policy %q: key column %q not in columns", p.Table, k)
		}
	}
	switch p.Strategy {
	case KeyedUpsert:
		if len(p.Key) == 0 || len(p.Mutable) == 0 {
			return fmt.Errorf("policy %q: upsert needs key and mutable columns", p.Table)
		}
		for _, m := range p.Mutable {
			if slices.Contains(p.Key, m) {
				return fmt.Errorf("policy %q: key column %q cannot be mutable", p.Table, m)
			}
			if !slices.Contains(p.Columns, m) {
				return fmt.Errorf("policy %q: mutable column %q not in columns", p.Table, m)
			}
		}
	case FullReplace, AppendOnly:
		if len(p.Mutable) > 0 {
			return fmt.Errorf("policy %q: %s cannot declare mutable columns", p.Table, p.Strategy)
		}
	default:
		return fmt.Errorf("policy %q: unknown strategy %d", p.Table, p.Strategy)
	}
	return nil
}

// InsertSQL renders the named-parameter insert statement for the policy.
func (p Policy) InsertSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (:%s)",
		p.Table, strings.Join(p.Columns, ", "), strings.Join(p.Columns, ", :"))

	switch {
	case p.Strategy == KeyedUpsert:
		sets := make([]string, len(p.Mutable))
		for i, m := range p.Mutable {
			sets[i] = fmt.Sprintf("%s = excluded.%s", m, m)
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(p.Key, ", "), strings.Join(sets, ", "))
	case p.Strategy == AppendOnly && len(p.Key) > 0:
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", strings.Join(p.Key, ", "))
	}
	return b.String()
}

// Entity names a per-mode table.
type Entity string

const (
	Agencies           Entity = "agencies"
	CalendarSchedules  Entity = "calendar_schedule"
	CalendarDates      Entity = "calendar_dates"
	Stops              Entity = "stops"
	Routes             Entity = "routes"
	TripShapes         Entity = "trip_shapes"
	Trips              Entity = "trips"
	StopTimes          Entity = "stop_times"
	LiveVehicles       Entity = "live_vehicles"
	LiveTripUpdates    Entity = "live_trip_updates"
	LiveStopTimeUpdate Entity = "live_stop_time_updates"
	RidershipEstimates Entity = "ridership_estimates"
)

// StaticGraph lists the schedule entities in insertion (dependency) order.
// Deletion runs in reverse.
var StaticGraph = []Entity{
	Agencies, CalendarSchedules, CalendarDates, Stops, Routes, TripShapes, Trips, StopTimes,
}

// Table returns the mode-qualified table name.
func Table(mode string, e Entity) string {
	return mode + "_" + string(e)
}

var modePolicies = map[Entity]Policy{
	Agencies: {
		Strategy: FullReplace,
		Columns:  []string{"agency_id", "agency_name", "agency_url", "agency_timezone"},
	},
	CalendarSchedules: {
		Strategy: FullReplace,
		Columns: []string{"service_id", "monday", "tuesday", "wednesday", "thursday",
			"friday", "saturday", "sunday", "start_date", "end_date"},
	},
	CalendarDates: {
		Strategy: FullReplace,
		Columns:  []string{"service_id", "date", "exception_type"},
	},
	Stops: {
		Strategy: FullReplace,
		Columns:  []string{"stop_id", "stop_code", "stop_name", "stop_desc", "stop_lat", "stop_lon"},
	},
	Routes: {
		Strategy: FullReplace,
		Columns: []string{"route_id", "agency_id", "route_short_name", "route_long_name",
			"route_type", "route_color"},
	},
	TripShapes: {
		Strategy: FullReplace,
		Columns:  []string{"shape_id", "shape_pt_sequence", "shape_pt_lat", "shape_pt_lon", "shape_dist_traveled"},
	},
	Trips: {
		Strategy: FullReplace,
		Columns:  []string{"trip_id", "route_id", "service_id", "trip_headsign", "direction_id", "shape_id"},
	},
	StopTimes: {
		Strategy: FullReplace,
		Columns:  []string{"trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time"},
	},
	LiveVehicles: {
		Strategy: AppendOnly,
		Columns: []string{"entity_id", "vehicle_id", "trip_id", "route_id", "start_time", "start_date",
			"schedule_relationship", "direction_id", "latitude", "longitude", "observed_at", "ingested_at"},
	},
	LiveTripUpdates: {
		Strategy: AppendOnly,
		Columns: []string{"entity_id", "trip_id", "route_id", "start_time", "start_date",
			"schedule_relationship", "direction_id", "vehicle_id", "observed_at", "ingested_at"},
	},
	LiveStopTimeUpdate: {
		Strategy: AppendOnly,
		Columns: []string{"trip_update_id", "stop_sequence", "stop_id", "schedule_relationship",
			"arrival_delay", "departure_delay"},
	},
	RidershipEstimates: {
		Strategy: KeyedUpsert,
		Columns: []string{"vehicle_id", "trip_id", "observed_at", "stop_id", "stop_sequence",
			"boarding", "alighting", "onboard", "capacity", "estimated_at"},
		Key: []string{"vehicle_id", "trip_id", "observed_at"},
		Mutable: []string{"stop_id", "stop_sequence", "boarding", "alighting", "onboard",
			"capacity", "estimated_at"},
	},
}

// ModePolicy returns the write policy of entity e for mode.
func ModePolicy(mode string, e Entity) Policy {
	p, ok := modePolicies[e]
	if !ok {
		panic(fmt.Sprintf("storage: no policy for entity %q", e))
	}
	p.Table = Table(mode, e)
	return p
}

// Policies of the mode-independent entities.
var (
	CounterSitePolicy = Policy{
		Table:    "counter_sites",
		Strategy: KeyedUpsert,
		Columns:  []string{"site_id", "site_name", "latitude", "longitude"},
		Key:      []string{"site_id"},
		Mutable:  []string{"site_name", "latitude", "longitude"},
	}
	CounterChannelPolicy = Policy{
		Table:    "counter_channels",
		Strategy: KeyedUpsert,
		Columns:  []string{"channel_id", "site_id", "channel_name", "travel_mode", "direction"},
		Key:      []string{"channel_id"},
		Mutable:  []string{"site_id", "channel_name", "travel_mode", "direction"},
	}
	CounterMeasurePolicy = Policy{
		Table:    "counter_measures",
		Strategy: KeyedUpsert,
		Columns:  []string{"channel_id", "start_time", "end_time", "count", "validated"},
		Key:      []string{"channel_id", "start_time", "end_time"},
		Mutable:  []string{"count", "validated"},
	}
	ExportJobPolicy = Policy{
		Table:    "counter_export_jobs",
		Strategy: KeyedUpsert,
		Columns:  []string{"job_id", "start_date", "end_date", "state", "attempts", "error", "updated_at"},
		Key:      []string{"job_id"},
		Mutable:  []string{"state", "attempts", "error", "updated_at"},
	}
	StationPolicy = Policy{
		Table:    "stations",
		Strategy: KeyedUpsert,
		Columns:  []string{"station_id", "name", "latitude", "longitude", "capacity"},
		Key:      []string{"station_id"},
		Mutable:  []string{"name", "latitude", "longitude", "capacity"},
	}
	StationStatusPolicy = Policy{
		Table:    "station_status",
		Strategy: AppendOnly,
		Columns:  []string{"station_id", "reported_at", "bikes_available", "docks_available", "is_renting"},
		Key:      []string{"station_id", "reported_at"},
	}
)
