package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertStations inserts or updates station descriptions by station_id.
func (db *DB) UpsertStations(ctx context.Context, rows []Station) (int, error) {
	var n int
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, err = writePolicy(ctx, tx, StationPolicy, rows)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert stations: %w", err)
	}
	return n, nil
}

// AppendStationStatus appends status snapshots. A snapshot already stored
// for the same (station_id, reported_at) is skipped, so the returned count
// only includes new rows.
func (db *DB) AppendStationStatus(ctx context.Context, rows []StationStatus) (int, error) {
	for i := range rows {
		rows[i].ReportedAt = rows[i].ReportedAt.UTC()
	}
	var n int
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, err = writePolicy(ctx, tx, StationStatusPolicy, rows)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append station status: %w", err)
	}
	return n, nil
}
