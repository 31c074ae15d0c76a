package counters

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"transitsync/internal/gtfs"
	"transitsync/internal/storage"
)

// ImportResult counts the rows an import wrote.
type ImportResult struct {
	Channels int
	Measures int
}

// Importer writes decoded export archives to the database.
type Importer struct {
	db     *storage.DB
	loc    *time.Location
	logger *slog.Logger
}

// NewImporter creates an Importer. Measure times without an offset are read
// in loc.
func NewImporter(db *storage.DB, loc *time.Location, logger *slog.Logger) *Importer {
	if loc == nil {
		loc = time.UTC
	}
	return &Importer{db: db, loc: loc, logger: logger}
}

// Import upserts the archive's channels, then its measures. Each file is
// written in its own transaction; a row that fails to parse aborts its file.
func (im *Importer) Import(ctx context.Context, export *Export) (ImportResult, error) {
	var res ImportResult

	sites, channels, err := channelRows(export.Channels)
	if err != nil {
		return res, err
	}
	if res.Channels, err = im.db.UpsertCounterChannels(ctx, sites, channels); err != nil {
		return res, err
	}

	measures, err := im.measureRows(export.Measures)
	if err != nil {
		return res, err
	}
	if res.Measures, err = im.db.UpsertCounterMeasures(ctx, measures); err != nil {
		return res, err
	}

	im.logger.Info("counter export imported", "sites", len(sites), "channels", res.Channels, "measures", res.Measures)
	return res, nil
}

// channelRows splits channel records into sites and channels. A site listed
// by several channels keeps the last description seen.
func channelRows(records []ChannelRecord) ([]storage.CounterSite, []storage.CounterChannel, error) {
	var (
		sites    []storage.CounterSite
		siteIdx  = make(map[string]int)
		channels = make([]storage.CounterChannel, 0, len(records))
	)
	for i, r := range records {
		line := i + 2
		if r.ChannelID == "" {
			return nil, nil, recordError(channelsFile, line, "channel_id", r.ChannelID, errRequired)
		}
		if r.SiteID == "" {
			return nil, nil, recordError(channelsFile, line, "site_id", r.SiteID, errRequired)
		}
		lat, err := optFloat(r.Latitude)
		if err != nil {
			return nil, nil, recordError(channelsFile, line, "latitude", r.Latitude, err)
		}
		lon, err := optFloat(r.Longitude)
		if err != nil {
			return nil, nil, recordError(channelsFile, line, "longitude", r.Longitude, err)
		}

		site := storage.CounterSite{SiteID: r.SiteID, Name: r.SiteName, Latitude: lat, Longitude: lon}
		if j, ok := siteIdx[r.SiteID]; ok {
			sites[j] = site
		} else {
			siteIdx[r.SiteID] = len(sites)
			sites = append(sites, site)
		}
		channels = append(channels, storage.CounterChannel{
			ChannelID:  r.ChannelID,
			SiteID:     r.SiteID,
			Name:       r.ChannelName,
			TravelMode: r.TravelMode,
			Direction:  r.Direction,
		})
	}
	return sites, channels, nil
}

func (im *Importer) measureRows(records []MeasureRecord) ([]storage.CounterMeasure, error) {
	rows := make([]storage.CounterMeasure, 0, len(records))
	for i, r := range records {
		line := i + 2
		if r.ChannelID == "" {
			return nil, recordError(measuresFile, line, "channel_id", r.ChannelID, errRequired)
		}
		start, err := gtfs.ParseVendorTimestamp(r.StartTime, im.loc)
		if err != nil {
			return nil, recordError(measuresFile, line, "start_time", r.StartTime, err)
		}
		end, err := gtfs.ParseVendorTimestamp(r.EndTime, im.loc)
		if err != nil {
			return nil, recordError(measuresFile, line, "end_time", r.EndTime, err)
		}
		if end.Before(start) {
			return nil, recordError(measuresFile, line, "end_time", r.EndTime, errEndBeforeStart)
		}
		count, err := strconv.Atoi(strings.TrimSpace(r.Count))
		if err != nil || count < 0 {
			return nil, recordError(measuresFile, line, "count", r.Count, errCount)
		}
		validated, err := parseBool(r.Validated)
		if err != nil {
			return nil, recordError(measuresFile, line, "validated", r.Validated, err)
		}
		rows = append(rows, storage.CounterMeasure{
			ChannelID: r.ChannelID,
			StartTime: start,
			EndTime:   end,
			Count:     count,
			Validated: validated,
		})
	}
	return rows, nil
}

var (
	errRequired       = errors.New("value is required")
	errCount          = errors.New("want a non-negative integer")
	errEndBeforeStart = errors.New("end_time before start_time")
	errBool           = errors.New("want true, false, 1 or 0")
)

func recordError(file string, line int, field, value string, err error) error {
	var pe *gtfs.ParseError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &gtfs.ParseError{File: file, Line: line, Field: field, Value: value, Err: err}
}

func optFloat(v string) (*float64, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "t", "yes":
		return true, nil
	case "false", "0", "f", "no", "":
		return false, nil
	}
	return false, errBool
}
