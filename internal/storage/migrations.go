package storage

import (
	"fmt"
	"strings"
)

// migrate creates the shared schema and one schema per mode if they don't exist.
func (db *DB) migrate() error {
	for i, stmt := range sharedMigrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	for _, mode := range db.modes {
		for i, stmt := range modeMigrations {
			if _, err := db.Exec(strings.ReplaceAll(stmt, "{m}", mode)); err != nil {
				return fmt.Errorf("migration %s/%d: %w", mode, i, err)
			}
		}
	}
	db.logger.Info("database migrations applied")
	return nil
}

// modeMigrations are instantiated per mode; {m} is replaced by the mode name.
//
// trips.service_id and trips.shape_id are soft references: calendar service
// ids are not unique and feeds may name shapes that do not exist, so neither
// is a foreign key. Live rows reference trips through deferred foreign keys
// that are checked at commit.
var modeMigrations = []string{
	`CREATE TABLE IF NOT EXISTS {m}_agencies (
		agency_id       TEXT PRIMARY KEY,
		agency_name     TEXT NOT NULL,
		agency_url      TEXT NOT NULL DEFAULT '',
		agency_timezone TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_calendar_schedule (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id TEXT NOT NULL,
		monday     INTEGER NOT NULL DEFAULT 0,
		tuesday    INTEGER NOT NULL DEFAULT 0,
		wednesday  INTEGER NOT NULL DEFAULT 0,
		thursday   INTEGER NOT NULL DEFAULT 0,
		friday     INTEGER NOT NULL DEFAULT 0,
		saturday   INTEGER NOT NULL DEFAULT 0,
		sunday     INTEGER NOT NULL DEFAULT 0,
		start_date TEXT NOT NULL,
		end_date   TEXT NOT NULL,
		UNIQUE (service_id, start_date, end_date),
		CHECK (end_date >= start_date)
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_calendar_dates (
		service_id     TEXT NOT NULL,
		date           TEXT NOT NULL,
		exception_type INTEGER NOT NULL,
		PRIMARY KEY (service_id, date)
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_stops (
		stop_id   TEXT PRIMARY KEY,
		stop_code TEXT NOT NULL DEFAULT '',
		stop_name TEXT NOT NULL,
		stop_desc TEXT,
		stop_lat  REAL NOT NULL,
		stop_lon  REAL NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_routes (
		route_id         TEXT PRIMARY KEY,
		agency_id        TEXT NOT NULL REFERENCES {m}_agencies(agency_id),
		route_short_name TEXT NOT NULL DEFAULT '',
		route_long_name  TEXT NOT NULL DEFAULT '',
		route_type       INTEGER,
		route_color      TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_trip_shapes (
		shape_id            TEXT NOT NULL,
		shape_pt_sequence   INTEGER NOT NULL,
		shape_pt_lat        REAL NOT NULL,
		shape_pt_lon        REAL NOT NULL,
		shape_dist_traveled REAL,
		PRIMARY KEY (shape_id, shape_pt_sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_trips (
		trip_id       TEXT PRIMARY KEY,
		route_id      TEXT NOT NULL REFERENCES {m}_routes(route_id),
		service_id    TEXT NOT NULL,
		trip_headsign TEXT NOT NULL DEFAULT '',
		direction_id  INTEGER,
		shape_id      TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_stop_times (
		trip_id        TEXT NOT NULL REFERENCES {m}_trips(trip_id),
		stop_id        TEXT NOT NULL REFERENCES {m}_stops(stop_id),
		stop_sequence  INTEGER NOT NULL,
		arrival_time   TEXT NOT NULL,
		departure_time TEXT NOT NULL,
		PRIMARY KEY (trip_id, stop_sequence)
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_live_vehicles (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id             TEXT NOT NULL DEFAULT '',
		vehicle_id            INTEGER NOT NULL,
		trip_id               TEXT NOT NULL REFERENCES {m}_trips(trip_id) DEFERRABLE INITIALLY DEFERRED,
		route_id              TEXT,
		start_time            TEXT,
		start_date            TEXT,
		schedule_relationship TEXT NOT NULL,
		direction_id          INTEGER,
		latitude              REAL NOT NULL,
		longitude             REAL NOT NULL,
		observed_at           TIMESTAMP NOT NULL,
		ingested_at           TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS {m}_live_trip_updates (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id             TEXT NOT NULL DEFAULT '',
		trip_id               TEXT NOT NULL REFERENCES {m}_trips(trip_id) DEFERRABLE INITIALLY DEFERRED,
		route_id              TEXT,
		start_time            TEXT,
		start_date            TEXT,
		schedule_relationship TEXT NOT NULL,
		direction_id          INTEGER,
		vehicle_id            INTEGER,
		observed_at           TIMESTAMP NOT NULL,
		ingested_at           TIMESTAMP NOT NULL
	)`,

	// stop_id is a soft reference: realtime feeds may name stops the schedule lacks.
	`CREATE TABLE IF NOT EXISTS {m}_live_stop_time_updates (
		trip_update_id        INTEGER NOT NULL REFERENCES {m}_live_trip_updates(id) ON DELETE CASCADE,
		stop_sequence         INTEGER,
		stop_id               TEXT,
		schedule_relationship TEXT NOT NULL,
		arrival_delay         INTEGER,
		departure_delay       INTEGER
	)`,

	// Derived rows, regenerated at will; stop_id and trip_id are soft references.
	`CREATE TABLE IF NOT EXISTS {m}_ridership_estimates (
		vehicle_id    INTEGER NOT NULL,
		trip_id       TEXT NOT NULL,
		observed_at   TIMESTAMP NOT NULL,
		stop_id       TEXT NOT NULL,
		stop_sequence INTEGER NOT NULL,
		boarding      INTEGER NOT NULL CHECK (boarding >= 0 AND boarding <= capacity),
		alighting     INTEGER NOT NULL CHECK (alighting >= 0 AND alighting <= capacity),
		onboard       INTEGER NOT NULL CHECK (onboard >= 0 AND onboard <= capacity),
		capacity      INTEGER NOT NULL,
		estimated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (vehicle_id, trip_id, observed_at)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_{m}_stop_times_stop ON {m}_stop_times(stop_id)`,
	`CREATE INDEX IF NOT EXISTS idx_{m}_trips_route ON {m}_trips(route_id)`,
	`CREATE INDEX IF NOT EXISTS idx_{m}_trips_service ON {m}_trips(service_id)`,
	`CREATE INDEX IF NOT EXISTS idx_{m}_live_vehicles_latest ON {m}_live_vehicles(vehicle_id, observed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_{m}_live_vehicles_trip ON {m}_live_vehicles(trip_id)`,
	`CREATE INDEX IF NOT EXISTS idx_{m}_live_trip_updates_trip ON {m}_live_trip_updates(trip_id)`,
	`CREATE INDEX IF NOT EXISTS idx_{m}_live_stu_parent ON {m}_live_stop_time_updates(trip_update_id)`,
}

var sharedMigrations = []string{
	// Feed metadata (imported_at, last_modified, etag per mode)
	`CREATE TABLE IF NOT EXISTS feed_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS counter_sites (
		site_id   TEXT PRIMARY KEY,
		site_name TEXT NOT NULL DEFAULT '',
		latitude  REAL,
		longitude REAL
	)`,

	`CREATE TABLE IF NOT EXISTS counter_channels (
		channel_id   TEXT PRIMARY KEY,
		site_id      TEXT NOT NULL REFERENCES counter_sites(site_id),
		channel_name TEXT NOT NULL DEFAULT '',
		travel_mode  TEXT NOT NULL DEFAULT '',
		direction    TEXT NOT NULL DEFAULT ''
	)`,

	// channel_id is soft: measures may arrive for channels not yet described.
	`CREATE TABLE IF NOT EXISTS counter_measures (
		channel_id TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time   TIMESTAMP NOT NULL,
		count      INTEGER NOT NULL,
		validated  INTEGER NOT NULL DEFAULT 0,
		UNIQUE (channel_id, start_time, end_time)
	)`,

	`CREATE TABLE IF NOT EXISTS counter_export_jobs (
		job_id     TEXT PRIMARY KEY,
		start_date TEXT NOT NULL,
		end_date   TEXT NOT NULL,
		state      TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		error      TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS stations (
		station_id TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		latitude   REAL NOT NULL,
		longitude  REAL NOT NULL,
		capacity   INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS station_status (
		station_id      TEXT NOT NULL,
		reported_at     TIMESTAMP NOT NULL,
		bikes_available INTEGER NOT NULL,
		docks_available INTEGER NOT NULL,
		is_renting      INTEGER NOT NULL,
		UNIQUE (station_id, reported_at)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_counter_measures_start ON counter_measures(start_time)`,
}
