package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// FeedTimeout bounds every live feed request.
const FeedTimeout = 20 * time.Second

// FetcherConfig configures a live feed Fetcher.
type FetcherConfig struct {
	VehiclePositionsURL string
	TripUpdatesURL      string
	Format              Format
	Interval            time.Duration

	// AfterVehicles runs after every successful vehicle-position ingest.
	AfterVehicles func(ctx context.Context) error
}

// Fetcher polls one mode's live feeds and hands them to a Reconciler.
type Fetcher struct {
	cfg        FetcherConfig
	reconciler *Reconciler
	client     *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a live feed fetcher.
func NewFetcher(reconciler *Reconciler, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Fetcher{
		cfg:        cfg,
		reconciler: reconciler,
		client:     &http.Client{Timeout: FeedTimeout},
		logger:     logger.With("mode", reconciler.mode),
	}
}

// Start polls the feeds until ctx is cancelled.
func (f *Fetcher) Start(ctx context.Context) {
	// Fetch immediately on start
	if err := f.PollOnce(ctx); err != nil {
		f.logger.Warn("live poll failed", "error", err)
	}

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.PollOnce(ctx); err != nil {
				f.logger.Warn("live poll failed", "error", err)
			}
		case <-ctx.Done():
			f.logger.Info("live fetcher stopped")
			return
		}
	}
}

// PollOnce fetches and ingests each configured feed once. A failure of one
// feed does not prevent the other from being ingested.
func (f *Fetcher) PollOnce(ctx context.Context) error {
	var errs []error

	if f.cfg.VehiclePositionsURL != "" {
		if err := f.pull(ctx, VehiclePositions, f.cfg.VehiclePositionsURL); err != nil {
			errs = append(errs, err)
		} else if f.cfg.AfterVehicles != nil {
			if err := f.cfg.AfterVehicles(ctx); err != nil {
				errs = append(errs, fmt.Errorf("after vehicle positions: %w", err))
			}
		}
	}
	if f.cfg.TripUpdatesURL != "" {
		if err := f.pull(ctx, TripUpdates, f.cfg.TripUpdatesURL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fetcher) pull(ctx context.Context, kind Kind, url string) error {
	body, err := fetch(ctx, f.client, url)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	if _, err := f.reconciler.Ingest(ctx, kind, f.cfg.Format, body); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

// fetch downloads url in full. The whole body is read before any database
// work starts.
func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}
