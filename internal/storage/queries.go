package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

func modeSQL(query, mode string) string {
	return strings.ReplaceAll(query, "{m}", mode)
}

// MetadataKey namespaces a feed_metadata key by mode.
func MetadataKey(mode, key string) string {
	return mode + "." + key
}

// GetMetadata retrieves a value from the feed_metadata table.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM feed_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// GraphVersion returns a counter that grows with every committed static
// reload of mode. It is 0 before the first load.
func (db *DB) GraphVersion(ctx context.Context, mode string) (int64, error) {
	v, err := db.GetMetadata(ctx, MetadataKey(mode, "graph_version"))
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("graph_version %q: %w", v, err)
	}
	return n, nil
}

// SetMetadata stores a key-value pair in the feed_metadata table.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`,
		key, value)
	return err
}

// Metadata returns every feed_metadata entry.
func (db *DB) Metadata(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := db.SelectContext(ctx, &rows, `SELECT key, value FROM feed_metadata ORDER BY key`); err != nil {
		return nil, fmt.Errorf("select metadata: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// HasStaticGraph reports whether mode has at least one trip loaded.
func (db *DB) HasStaticGraph(ctx context.Context, mode string) bool {
	if !ValidMode(mode) {
		return false
	}
	var n int
	err := db.GetContext(ctx, &n, modeSQL(`SELECT COUNT(*) FROM (SELECT 1 FROM {m}_trips LIMIT 1)`, mode))
	return err == nil && n > 0
}

// CountRows returns the number of rows in table.
func (db *DB) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// StaticCounts returns the row count of every schedule table of mode.
func (db *DB) StaticCounts(ctx context.Context, mode string) (map[Entity]int, error) {
	if _, err := db.guard(mode); err != nil {
		return nil, err
	}
	counts := make(map[Entity]int, len(StaticGraph))
	for _, e := range StaticGraph {
		n, err := db.CountRows(ctx, Table(mode, e))
		if err != nil {
			return nil, err
		}
		counts[e] = n
	}
	return counts, nil
}

// TripStops returns the stops a trip visits, ordered by stop sequence.
func (db *DB) TripStops(ctx context.Context, mode, tripID string) ([]TripStop, error) {
	if _, err := db.guard(mode); err != nil {
		return nil, err
	}
	var stops []TripStop
	err := db.SelectContext(ctx, &stops, modeSQL(`
		SELECT st.stop_id, st.stop_sequence, s.stop_lat, s.stop_lon
		FROM {m}_stop_times AS st
		JOIN {m}_stops AS s ON s.stop_id = st.stop_id
		WHERE st.trip_id = ?
		ORDER BY st.stop_sequence`, mode), tripID)
	if err != nil {
		return nil, fmt.Errorf("trip stops %s: %w", tripID, err)
	}
	return stops, nil
}

// LatestVehiclePositions returns the most recent position of every vehicle,
// ordered by vehicle id.
func (db *DB) LatestVehiclePositions(ctx context.Context, mode string) ([]VehiclePosition, error) {
	if _, err := db.guard(mode); err != nil {
		return nil, err
	}
	var rows []VehiclePosition
	err := db.SelectContext(ctx, &rows, modeSQL(`
		SELECT id, entity_id, vehicle_id, trip_id, route_id, start_time, start_date,
		       schedule_relationship, direction_id, latitude, longitude, observed_at, ingested_at
		FROM {m}_live_vehicles AS v
		WHERE v.id = (
			SELECT l.id FROM {m}_live_vehicles AS l
			WHERE l.vehicle_id = v.vehicle_id
			ORDER BY l.observed_at DESC, l.id DESC
			LIMIT 1
		)
		ORDER BY v.vehicle_id`, mode))
	if err != nil {
		return nil, fmt.Errorf("latest vehicle positions: %w", err)
	}
	return rows, nil
}
