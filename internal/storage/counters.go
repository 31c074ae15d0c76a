package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertCounterChannels upserts sites and then the channels that reference
// them, in one transaction.
func (db *DB) UpsertCounterChannels(ctx context.Context, sites []CounterSite, channels []CounterChannel) (int, error) {
	var n int
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := writePolicy(ctx, tx, CounterSitePolicy, sites); err != nil {
			return err
		}
		var err error
		n, err = writePolicy(ctx, tx, CounterChannelPolicy, channels)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert counter channels: %w", err)
	}
	return n, nil
}

// UpsertCounterMeasures upserts measures by (channel_id, start_time, end_time);
// only count and validated are overwritten.
func (db *DB) UpsertCounterMeasures(ctx context.Context, rows []CounterMeasure) (int, error) {
	for i := range rows {
		rows[i].StartTime = rows[i].StartTime.UTC()
		rows[i].EndTime = rows[i].EndTime.UTC()
	}
	var n int
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, err = writePolicy(ctx, tx, CounterMeasurePolicy, rows)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert counter measures: %w", err)
	}
	return n, nil
}

// CounterMeasures returns the measures of one channel ordered by start time.
func (db *DB) CounterMeasures(ctx context.Context, channelID string) ([]CounterMeasure, error) {
	var rows []CounterMeasure
	err := db.SelectContext(ctx, &rows, `
		SELECT channel_id, start_time, end_time, count, validated
		FROM counter_measures
		WHERE channel_id = ?
		ORDER BY start_time`, channelID)
	if err != nil {
		return nil, fmt.Errorf("select counter measures: %w", err)
	}
	return rows, nil
}

// SaveExportJob records the current state of an export job.
func (db *DB) SaveExportJob(ctx context.Context, job ExportJob) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now()
	}
	job.UpdatedAt = job.UpdatedAt.UTC()
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := writePolicy(ctx, tx, ExportJobPolicy, []ExportJob{job})
		return err
	})
}

// ExportJob returns the job with the given id, or nil if there is none.
func (db *DB) ExportJob(ctx context.Context, jobID string) (*ExportJob, error) {
	var job ExportJob
	err := db.GetContext(ctx, &job, `
		SELECT job_id, start_date, end_date, state, attempts, error, updated_at
		FROM counter_export_jobs WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select export job %s: %w", jobID, err)
	}
	return &job, nil
}
