package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"transitsync/internal/geo"
	"transitsync/internal/gtfs"
	"transitsync/internal/storage"
)

var (
	tripRelationships = []string{"scheduled", "added", "unscheduled", "canceled", "replacement", "duplicated", "deleted"}
	stopRelationships = []string{"scheduled", "skipped", "no_data", "unscheduled"}

	errRequired   = errors.New("value is required")
	errCoordinate = errors.New("coordinate out of range")
)

// Format is the wire format of a live feed.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// Reconciler converts live feed payloads of one mode into rows and persists
// each payload as one batch.
type Reconciler struct {
	db     *storage.DB
	mode   string
	loc    *time.Location
	logger *slog.Logger
}

// NewReconciler creates a Reconciler. loc is the feed's reference timezone.
func NewReconciler(db *storage.DB, mode string, loc *time.Location, logger *slog.Logger) *Reconciler {
	return &Reconciler{db: db, mode: mode, loc: loc, logger: logger.With("mode", mode)}
}

// Ingest decodes payload in the given format and persists its kind of entities.
func (r *Reconciler) Ingest(ctx context.Context, kind Kind, format Format, payload []byte) (int, error) {
	var (
		feed *Feed
		err  error
	)
	switch format {
	case FormatProtobuf:
		feed, err = decodeProto(payload)
	case FormatJSON, "":
		feed, err = decodeJSON(payload)
	default:
		return 0, fmt.Errorf("unknown feed format %q", format)
	}
	if err != nil {
		r.logger.Warn("rejected live feed", "kind", kind, "error", err)
		return 0, err
	}

	switch kind {
	case TripUpdates:
		return r.ingestTripUpdates(ctx, feed)
	default:
		return r.ingestVehicles(ctx, feed)
	}
}

// IngestVehiclePositions persists a JSON vehicle-position feed.
func (r *Reconciler) IngestVehiclePositions(ctx context.Context, payload []byte) (int, error) {
	return r.Ingest(ctx, VehiclePositions, FormatJSON, payload)
}

// IngestTripUpdates persists a JSON trip-update feed.
func (r *Reconciler) IngestTripUpdates(ctx context.Context, payload []byte) (int, error) {
	return r.Ingest(ctx, TripUpdates, FormatJSON, payload)
}

// IngestProto persists a GTFS-RT protobuf feed.
func (r *Reconciler) IngestProto(ctx context.Context, kind Kind, payload []byte) (int, error) {
	return r.Ingest(ctx, kind, FormatProtobuf, payload)
}

func (r *Reconciler) ingestVehicles(ctx context.Context, feed *Feed) (int, error) {
	headerTS, err := r.headerTime(feed)
	if err != nil {
		return 0, err
	}

	rows := make([]storage.VehiclePosition, 0, len(feed.Entities))
	for _, e := range feed.Entities {
		if e.Vehicle == nil {
			continue
		}
		row, err := r.vehicleRow(e, headerTS)
		if err != nil {
			r.logger.Warn("rejected vehicle position feed", "entity_id", e.ID, "error", err)
			return 0, fmt.Errorf("entity %q: %w", e.ID, err)
		}
		rows = append(rows, row)
	}

	n, err := r.db.AppendVehiclePositions(ctx, r.mode, rows)
	if err != nil {
		r.logger.Error("vehicle position batch rolled back", "rows", len(rows), "error", err)
		return 0, err
	}
	r.logger.Info("vehicle positions ingested", "rows", n, "skipped", len(feed.Entities)-len(rows))
	return n, nil
}

func (r *Reconciler) ingestTripUpdates(ctx context.Context, feed *Feed) (int, error) {
	headerTS, err := r.headerTime(feed)
	if err != nil {
		return 0, err
	}

	rows := make([]storage.TripUpdate, 0, len(feed.Entities))
	dropped := 0
	for _, e := range feed.Entities {
		if e.TripUpdate == nil {
			continue
		}
		row, d, err := r.tripUpdateRow(e, headerTS)
		if err != nil {
			r.logger.Warn("rejected trip update feed", "entity_id", e.ID, "error", err)
			return 0, fmt.Errorf("entity %q: %w", e.ID, err)
		}
		dropped += d
		rows = append(rows, row)
	}

	n, err := r.db.AppendTripUpdates(ctx, r.mode, rows)
	if err != nil {
		r.logger.Error("trip update batch rolled back", "rows", len(rows), "error", err)
		return 0, err
	}
	r.logger.Info("trip updates ingested", "rows", n, "dropped_stop_updates", dropped)
	return n, nil
}

func (r *Reconciler) headerTime(feed *Feed) (time.Time, error) {
	t, err := gtfs.ParseVendorTimestamp(feed.Header.Timestamp.Value(), r.loc)
	if err != nil {
		return time.Time{}, &MalformedFeedError{Reason: "bad header.timestamp", Err: err}
	}
	return t, nil
}

func (r *Reconciler) vehicleRow(e Entity, headerTS time.Time) (storage.VehiclePosition, error) {
	v := e.Vehicle
	trip, err := r.tripFields(v.Trip)
	if err != nil {
		return storage.VehiclePosition{}, err
	}

	if v.Vehicle == nil || v.Vehicle.ID == nil {
		return storage.VehiclePosition{}, fieldError("vehicle.id", "", errRequired)
	}
	vehicleID, err := v.Vehicle.ID.Int64()
	if err != nil {
		return storage.VehiclePosition{}, fieldError("vehicle.id", v.Vehicle.ID.String(), err)
	}

	if v.Position == nil || v.Position.Latitude == nil || v.Position.Longitude == nil {
		return storage.VehiclePosition{}, fieldError("position", "", errRequired)
	}
	lat, lon := *v.Position.Latitude, *v.Position.Longitude
	if !geo.ValidCoord(lat, lon) {
		return storage.VehiclePosition{}, fieldError("position", fmt.Sprintf("%v,%v", lat, lon), errCoordinate)
	}

	observed, err := r.entityTime(v.Timestamp, headerTS)
	if err != nil {
		return storage.VehiclePosition{}, err
	}

	return storage.VehiclePosition{
		EntityID:             e.ID,
		VehicleID:            vehicleID,
		TripID:               trip.id,
		RouteID:              trip.routeID,
		StartTime:            trip.startTime,
		StartDate:            trip.startDate,
		ScheduleRelationship: trip.relationship,
		DirectionID:          trip.directionID,
		Latitude:             lat,
		Longitude:            lon,
		ObservedAt:           observed,
	}, nil
}

// tripUpdateRow converts one trip update. It also returns how many stop-time
// updates were dropped for carrying no delay.
func (r *Reconciler) tripUpdateRow(e Entity, headerTS time.Time) (storage.TripUpdate, int, error) {
	tu := e.TripUpdate
	trip, err := r.tripFields(tu.Trip)
	if err != nil {
		return storage.TripUpdate{}, 0, err
	}

	var vehicleID *int64
	if tu.Vehicle != nil && tu.Vehicle.ID != nil {
		id, err := tu.Vehicle.ID.Int64()
		if err != nil {
			return storage.TripUpdate{}, 0, fieldError("vehicle.id", tu.Vehicle.ID.String(), err)
		}
		vehicleID = &id
	}

	observed, err := r.entityTime(tu.Timestamp, headerTS)
	if err != nil {
		return storage.TripUpdate{}, 0, err
	}

	row := storage.TripUpdate{
		EntityID:             e.ID,
		TripID:               trip.id,
		RouteID:              trip.routeID,
		StartTime:            trip.startTime,
		StartDate:            trip.startDate,
		ScheduleRelationship: trip.relationship,
		DirectionID:          trip.directionID,
		VehicleID:            vehicleID,
		ObservedAt:           observed,
	}

	dropped := 0
	for _, stu := range tu.StopTimeUpdates {
		arrival, departure := delay(stu.Arrival), delay(stu.Departure)
		if arrival == nil && departure == nil {
			dropped++
			continue
		}
		rel, err := relationship("stop_time_update.schedule_relationship", stu.ScheduleRelationship, stopRelationships)
		if err != nil {
			return storage.TripUpdate{}, 0, err
		}
		row.StopTimeUpdates = append(row.StopTimeUpdates, storage.StopTimeUpdate{
			StopSequence:         stu.StopSequence,
			StopID:               optional(stu.StopID),
			ScheduleRelationship: rel,
			ArrivalDelay:         arrival,
			DepartureDelay:       departure,
		})
	}
	return row, dropped, nil
}

type tripFields struct {
	id           string
	routeID      *string
	startTime    *string
	startDate    *string
	relationship string
	directionID  *int
}

func (r *Reconciler) tripFields(t *TripDescriptor) (tripFields, error) {
	if t == nil {
		return tripFields{}, fieldError("trip.trip_id", "", errRequired)
	}
	out := tripFields{
		id:          strings.TrimSpace(t.TripID),
		routeID:     optional(t.RouteID),
		directionID: t.DirectionID,
	}
	if out.id == "" {
		return tripFields{}, fieldError("trip.trip_id", t.TripID, errRequired)
	}

	if s := strings.TrimSpace(t.StartTime); s != "" {
		tod, err := gtfs.ParseServiceTime(s)
		if err != nil {
			return tripFields{}, fieldError("trip.start_time", t.StartTime, err)
		}
		v := tod.String()
		out.startTime = &v
	}
	if s := strings.TrimSpace(t.StartDate); s != "" {
		d, err := gtfs.ParseCalendarDate(s)
		if err != nil {
			return tripFields{}, fieldError("trip.start_date", t.StartDate, err)
		}
		v := d.Format(gtfs.DateLayout)
		out.startDate = &v
	}

	rel, err := relationship("trip.schedule_relationship", t.ScheduleRelationship, tripRelationships)
	if err != nil {
		return tripFields{}, err
	}
	out.relationship = rel
	return out, nil
}

// entityTime converts an entity timestamp to the reference timezone, falling
// back to the header timestamp when the entity has none.
func (r *Reconciler) entityTime(ts *Scalar, headerTS time.Time) (time.Time, error) {
	if ts == nil {
		return headerTS, nil
	}
	t, err := gtfs.ParseVendorTimestamp(ts.Value(), r.loc)
	if err != nil {
		return time.Time{}, fieldError("timestamp", ts.String(), err)
	}
	return t, nil
}

// relationship normalizes a schedule relationship. An empty value means
// scheduled.
func relationship(field, value string, allowed []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "scheduled", nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", &InvalidEnumError{Field: field, Value: value, Allowed: allowed}
}

func delay(ev *StopTimeEvent) *int {
	if ev == nil {
		return nil
	}
	return ev.Delay
}

func fieldError(field, value string, err error) error {
	var pe *gtfs.ParseError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &gtfs.ParseError{Field: field, Value: value, Err: err}
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
