package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"transitsync/internal/gtfs"
	"transitsync/internal/storage"
)

// Station feeds follow the GBFS layout: a last_updated stamp and a data
// object holding the station list.

type stationInformationFeed struct {
	LastUpdated *Scalar                 `json:"last_updated" validate:"required"`
	Data        *stationInformationData `json:"data" validate:"required"`
}

type stationInformationData struct {
	Stations []stationInfo `json:"stations" validate:"required"`
}

type stationInfo struct {
	StationID *Scalar `json:"station_id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Capacity  *int    `json:"capacity"`
}

type stationStatusFeed struct {
	LastUpdated *Scalar            `json:"last_updated" validate:"required"`
	Data        *stationStatusData `json:"data" validate:"required"`
}

type stationStatusData struct {
	Stations []stationStatus `json:"stations" validate:"required"`
}

type stationStatus struct {
	StationID         *Scalar  `json:"station_id"`
	NumBikesAvailable int      `json:"num_bikes_available"`
	NumDocksAvailable int      `json:"num_docks_available"`
	IsRenting         flexBool `json:"is_renting"`
	LastReported      *Scalar  `json:"last_reported"`
}

// flexBool accepts JSON booleans as well as the 0/1 integers older feeds use.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*b = true
	case "false", "0", "null":
		*b = false
	default:
		return fmt.Errorf("want boolean, got %s", data)
	}
	return nil
}

// StationReconciler persists bike-station feeds.
type StationReconciler struct {
	db     *storage.DB
	loc    *time.Location
	logger *slog.Logger
}

// NewStationReconciler creates a StationReconciler.
func NewStationReconciler(db *storage.DB, loc *time.Location, logger *slog.Logger) *StationReconciler {
	return &StationReconciler{db: db, loc: loc, logger: logger}
}

// IngestInformation upserts station descriptions by station id.
func (s *StationReconciler) IngestInformation(ctx context.Context, payload []byte) (int, error) {
	var feed stationInformationFeed
	if err := decodeStationFeed(payload, &feed); err != nil {
		return 0, err
	}

	rows := make([]storage.Station, 0, len(feed.Data.Stations))
	for i, st := range feed.Data.Stations {
		id, err := stationID(st.StationID)
		if err != nil {
			return 0, fmt.Errorf("station %d: %w", i, err)
		}
		rows = append(rows, storage.Station{
			StationID: id,
			Name:      st.Name,
			Latitude:  st.Lat,
			Longitude: st.Lon,
			Capacity:  st.Capacity,
		})
	}

	n, err := s.db.UpsertStations(ctx, rows)
	if err != nil {
		return 0, err
	}
	s.logger.Info("station information ingested", "rows", n)
	return n, nil
}

// IngestStatus appends station status snapshots. Snapshots already stored
// for the same station and report time are skipped.
func (s *StationReconciler) IngestStatus(ctx context.Context, payload []byte) (int, error) {
	var feed stationStatusFeed
	if err := decodeStationFeed(payload, &feed); err != nil {
		return 0, err
	}
	updated, err := gtfs.ParseVendorTimestamp(feed.LastUpdated.Value(), s.loc)
	if err != nil {
		return 0, &MalformedFeedError{Reason: "bad last_updated", Err: err}
	}

	rows := make([]storage.StationStatus, 0, len(feed.Data.Stations))
	for i, st := range feed.Data.Stations {
		id, err := stationID(st.StationID)
		if err != nil {
			return 0, fmt.Errorf("station %d: %w", i, err)
		}
		reported := updated
		if st.LastReported != nil {
			reported, err = gtfs.ParseVendorTimestamp(st.LastReported.Value(), s.loc)
			if err != nil {
				return 0, fmt.Errorf("station %s: %w", id, fieldError("last_reported", st.LastReported.String(), err))
			}
		}
		rows = append(rows, storage.StationStatus{
			StationID:      id,
			ReportedAt:     reported,
			BikesAvailable: st.NumBikesAvailable,
			DocksAvailable: st.NumDocksAvailable,
			IsRenting:      bool(st.IsRenting),
		})
	}

	n, err := s.db.AppendStationStatus(ctx, rows)
	if err != nil {
		return 0, err
	}
	s.logger.Info("station status ingested", "rows", n, "duplicates", len(rows)-n)
	return n, nil
}

func decodeStationFeed(payload []byte, feed any) error {
	if err := json.Unmarshal(payload, feed); err != nil {
		return &MalformedFeedError{Reason: "invalid JSON", Err: err}
	}
	if err := validate.Struct(feed); err != nil {
		return &MalformedFeedError{Reason: "missing last_updated or data.stations", Err: err}
	}
	return nil
}

func stationID(v *Scalar) (string, error) {
	if v == nil || strings.TrimSpace(v.String()) == "" {
		return "", fieldError("station_id", "", errRequired)
	}
	return strings.TrimSpace(v.String()), nil
}

// StationFetcherConfig configures a StationFetcher.
type StationFetcherConfig struct {
	InformationURL string
	StatusURL      string
	Interval       time.Duration
}

// StationFetcher polls the station feeds.
type StationFetcher struct {
	cfg        StationFetcherConfig
	reconciler *StationReconciler
	client     *http.Client
	logger     *slog.Logger
}

// NewStationFetcher creates a StationFetcher.
func NewStationFetcher(reconciler *StationReconciler, cfg StationFetcherConfig, logger *slog.Logger) *StationFetcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &StationFetcher{
		cfg:        cfg,
		reconciler: reconciler,
		client:     &http.Client{Timeout: FeedTimeout},
		logger:     logger,
	}
}

// Start polls until ctx is cancelled.
func (f *StationFetcher) Start(ctx context.Context) {
	if err := f.PollOnce(ctx); err != nil {
		f.logger.Warn("station poll failed", "error", err)
	}

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.PollOnce(ctx); err != nil {
				f.logger.Warn("station poll failed", "error", err)
			}
		case <-ctx.Done():
			f.logger.Info("station fetcher stopped")
			return
		}
	}
}

// PollOnce ingests station information, then station status.
func (f *StationFetcher) PollOnce(ctx context.Context) error {
	var errs []error
	if f.cfg.InformationURL != "" {
		body, err := fetch(ctx, f.client, f.cfg.InformationURL)
		if err == nil {
			_, err = f.reconciler.IngestInformation(ctx, body)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("station information: %w", err))
		}
	}
	if f.cfg.StatusURL != "" {
		body, err := fetch(ctx, f.client, f.cfg.StatusURL)
		if err == nil {
			_, err = f.reconciler.IngestStatus(ctx, body)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("station status: %w", err))
		}
	}
	return errors.Join(errs...)
}
