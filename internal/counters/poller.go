package counters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transitsync/internal/storage"
)

// PollerConfig configures the export Poller.
type PollerConfig struct {
	SiteIDs  []string
	Interval time.Duration
}

// Poller runs the export cycle: request a job, fetch its archive, extract it
// and import it. Every state change is recorded in the export job table.
type Poller struct {
	cfg      PollerConfig
	client   *Client
	importer *Importer
	db       *storage.DB
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// NewPoller creates a Poller. Days are counted in loc.
func NewPoller(client *Client, importer *Importer, db *storage.DB, cfg PollerConfig, loc *time.Location, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Poller{
		cfg:      cfg,
		client:   client,
		importer: importer,
		db:       db,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Start exports the previous day immediately and then once per interval,
// until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.runYesterday(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runYesterday(ctx)
		case <-ctx.Done():
			p.logger.Info("counter poller stopped")
			return
		}
	}
}

func (p *Poller) runYesterday(ctx context.Context) {
	day := p.now().In(p.loc).AddDate(0, 0, -1)
	if _, err := p.RunOnce(ctx, day); err != nil {
		p.logger.Error("counter export failed", "date", day.Format(time.DateOnly), "error", err)
	}
}

// RunOnce exports the measures of date for the configured sites.
func (p *Poller) RunOnce(ctx context.Context, date time.Time) (ImportResult, error) {
	jobID, err := p.client.RequestExport(ctx, p.cfg.SiteIDs, date)
	if err != nil {
		return ImportResult{}, err
	}

	job := storage.ExportJob{
		JobID:     jobID,
		StartDate: date.Format(time.DateOnly),
		EndDate:   date.AddDate(0, 0, 1).Format(time.DateOnly),
	}
	logger := p.logger.With("job_id", jobID)
	if err := p.record(ctx, &job, storage.JobRequested, nil); err != nil {
		return ImportResult{}, err
	}
	if err := p.record(ctx, &job, storage.JobPolling, nil); err != nil {
		return ImportResult{}, err
	}

	archive, attempts, err := p.client.fetchResult(ctx, jobID)
	job.Attempts = attempts
	if err != nil {
		state := storage.JobFailed
		if errors.Is(err, ErrExhausted) {
			state = storage.JobExhausted
		}
		return ImportResult{}, p.fail(ctx, &job, state, err)
	}

	export, err := Extract(archive)
	if err != nil {
		return ImportResult{}, p.fail(ctx, &job, storage.JobFailed, err)
	}
	res, err := p.importer.Import(ctx, export)
	if err != nil {
		return ImportResult{}, p.fail(ctx, &job, storage.JobFailed, err)
	}

	if err := p.record(ctx, &job, storage.JobSucceeded, nil); err != nil {
		return res, err
	}
	logger.Info("counter export done", "attempts", attempts, "channels", res.Channels, "measures", res.Measures)
	return res, nil
}

// fail records a terminal state and returns cause.
func (p *Poller) fail(ctx context.Context, job *storage.ExportJob, state string, cause error) error {
	// The job outcome is recorded even when ctx was cancelled.
	if err := p.record(context.WithoutCancel(ctx), job, state, cause); err != nil {
		p.logger.Error("record export job", "job_id", job.JobID, "error", err)
	}
	return fmt.Errorf("export job %s: %w", job.JobID, cause)
}

func (p *Poller) record(ctx context.Context, job *storage.ExportJob, state string, cause error) error {
	job.State = state
	job.Error = ""
	if cause != nil {
		job.Error = cause.Error()
	}
	job.UpdatedAt = p.now()
	if err := p.db.SaveExportJob(ctx, *job); err != nil {
		return fmt.Errorf("record export job %s: %w", job.JobID, err)
	}
	return nil
}
