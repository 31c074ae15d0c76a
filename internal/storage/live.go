package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// writePolicy executes the policy's insert for every row inside tx and
// returns the number of rows the database reports as written.
func writePolicy[T any](ctx context.Context, tx *sqlx.Tx, p Policy, rows []T) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, p.InsertSQL())
	if err != nil {
		return 0, fmt.Errorf("prepare %s: %w", p.Table, err)
	}
	defer stmt.Close()

	n := 0
	for i := range rows {
		res, err := stmt.ExecContext(ctx, &rows[i])
		if err != nil {
			return n, fmt.Errorf("write %s row %d: %w", p.Table, i, err)
		}
		if a, err := res.RowsAffected(); err == nil {
			n += int(a)
		}
	}
	return n, nil
}

// AppendVehiclePositions inserts one feed pull of vehicle positions in a
// single transaction. Rows referencing unknown trips fail the commit and
// nothing is written.
func (db *DB) AppendVehiclePositions(ctx context.Context, mode string, rows []VehiclePosition) (int, error) {
	now := time.Now().UTC()
	for i := range rows {
		rows[i].ObservedAt = rows[i].ObservedAt.UTC()
		rows[i].IngestedAt = now
	}
	var n int
	err := db.liveTx(ctx, mode, func(tx *sqlx.Tx) error {
		var err error
		n, err = writePolicy(ctx, tx, ModePolicy(mode, LiveVehicles), rows)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append vehicle positions (%s): %w", mode, err)
	}
	return n, nil
}

// AppendTripUpdates inserts trip updates and their stop-time updates in a
// single transaction. The returned count is the number of trip updates.
func (db *DB) AppendTripUpdates(ctx context.Context, mode string, rows []TripUpdate) (int, error) {
	now := time.Now().UTC()
	for i := range rows {
		rows[i].ObservedAt = rows[i].ObservedAt.UTC()
		rows[i].IngestedAt = now
	}

	err := db.liveTx(ctx, mode, func(tx *sqlx.Tx) error {
		parent, err := tx.PrepareNamedContext(ctx, ModePolicy(mode, LiveTripUpdates).InsertSQL())
		if err != nil {
			return fmt.Errorf("prepare trip updates: %w", err)
		}
		defer parent.Close()

		var children []StopTimeUpdate
		for i := range rows {
			res, err := parent.ExecContext(ctx, &rows[i])
			if err != nil {
				return fmt.Errorf("insert trip update %s: %w", rows[i].TripID, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("trip update id: %w", err)
			}
			rows[i].ID = id
			for j := range rows[i].StopTimeUpdates {
				rows[i].StopTimeUpdates[j].TripUpdateID = id
				children = append(children, rows[i].StopTimeUpdates[j])
			}
		}
		_, err = writePolicy(ctx, tx, ModePolicy(mode, LiveStopTimeUpdate), children)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append trip updates (%s): %w", mode, err)
	}
	return len(rows), nil
}

// UpsertRidership writes estimates keyed by (vehicle_id, trip_id, observed_at).
func (db *DB) UpsertRidership(ctx context.Context, mode string, rows []RidershipEstimate) (int, error) {
	for i := range rows {
		rows[i].ObservedAt = rows[i].ObservedAt.UTC()
		rows[i].EstimatedAt = rows[i].EstimatedAt.UTC()
	}
	var n int
	err := db.liveTx(ctx, mode, func(tx *sqlx.Tx) error {
		var err error
		n, err = writePolicy(ctx, tx, ModePolicy(mode, RidershipEstimates), rows)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert ridership (%s): %w", mode, err)
	}
	return n, nil
}

// RidershipEstimates returns every stored estimate of mode.
func (db *DB) RidershipEstimates(ctx context.Context, mode string) ([]RidershipEstimate, error) {
	if _, err := db.guard(mode); err != nil {
		return nil, err
	}
	var rows []RidershipEstimate
	err := db.SelectContext(ctx, &rows, modeSQL(`
		SELECT vehicle_id, trip_id, observed_at, stop_id, stop_sequence,
		       boarding, alighting, onboard, capacity, estimated_at
		FROM {m}_ridership_estimates
		ORDER BY vehicle_id, observed_at`, mode))
	if err != nil {
		return nil, fmt.Errorf("select ridership: %w", err)
	}
	return rows, nil
}

// StopTimeUpdates returns the stop-time updates stored for a trip update.
func (db *DB) StopTimeUpdates(ctx context.Context, mode string, tripUpdateID int64) ([]StopTimeUpdate, error) {
	if _, err := db.guard(mode); err != nil {
		return nil, err
	}
	var rows []StopTimeUpdate
	err := db.SelectContext(ctx, &rows, modeSQL(`
		SELECT trip_update_id, stop_sequence, stop_id, schedule_relationship,
		       arrival_delay, departure_delay
		FROM {m}_live_stop_time_updates
		WHERE trip_update_id = ?
		ORDER BY rowid`, mode), tripUpdateID)
	if err != nil {
		return nil, fmt.Errorf("select stop time updates: %w", err)
	}
	return rows, nil
}
