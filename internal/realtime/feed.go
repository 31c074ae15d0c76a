package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/go-playground/validator/v10"
	"google.golang.org/protobuf/proto"
)

var validate = validator.New()

// Kind selects which entity payload of a feed is ingested.
type Kind int

const (
	VehiclePositions Kind = iota
	TripUpdates
)

func (k Kind) String() string {
	if k == TripUpdates {
		return "trip_updates"
	}
	return "vehicle_positions"
}

// Feed is the envelope shared by vehicle-position and trip-update feeds.
type Feed struct {
	Header   *FeedHeader `json:"header" validate:"required"`
	Entities []Entity    `json:"entity" validate:"required"`
}

type FeedHeader struct {
	Timestamp *Scalar `json:"timestamp" validate:"required"`
}

type Entity struct {
	ID         string      `json:"id"`
	Vehicle    *Vehicle    `json:"vehicle"`
	TripUpdate *TripUpdate `json:"trip_update"`
}

type TripDescriptor struct {
	TripID               string `json:"trip_id"`
	RouteID              string `json:"route_id"`
	StartTime            string `json:"start_time"`
	StartDate            string `json:"start_date"`
	ScheduleRelationship string `json:"schedule_relationship"`
	DirectionID          *int   `json:"direction_id"`
}

type VehicleDescriptor struct {
	ID *Scalar `json:"id"`
}

type Position struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type Vehicle struct {
	Trip      *TripDescriptor    `json:"trip"`
	Position  *Position          `json:"position"`
	Timestamp *Scalar            `json:"timestamp"`
	Vehicle   *VehicleDescriptor `json:"vehicle"`
}

type TripUpdate struct {
	Trip            *TripDescriptor    `json:"trip"`
	Vehicle         *VehicleDescriptor `json:"vehicle"`
	Timestamp       *Scalar            `json:"timestamp"`
	StopTimeUpdates []StopTimeUpdate   `json:"stop_time_update"`
}

type StopTimeUpdate struct {
	StopSequence         *int           `json:"stop_sequence"`
	StopID               string         `json:"stop_id"`
	ScheduleRelationship string         `json:"schedule_relationship"`
	Arrival              *StopTimeEvent `json:"arrival"`
	Departure            *StopTimeEvent `json:"departure"`
}

type StopTimeEvent struct {
	Delay *int `json:"delay"`
}

// Scalar holds a JSON value that feeds send either as a string or as a
// number, such as timestamps and vehicle ids.
type Scalar struct {
	raw any // string or json.Number
}

// NumberScalar returns a Scalar holding an integer.
func NumberScalar(n int64) *Scalar {
	return &Scalar{raw: json.Number(strconv.FormatInt(n, 10))}
}

// StringScalar returns a Scalar holding a string.
func StringScalar(s string) *Scalar {
	return &Scalar{raw: s}
}

func (s *Scalar) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch v.(type) {
	case string, json.Number:
		s.raw = v
		return nil
	}
	return fmt.Errorf("want string or number, got %s", b)
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	if n, ok := s.raw.(json.Number); ok {
		return []byte(n), nil
	}
	return json.Marshal(s.raw)
}

// Value returns the underlying string or json.Number.
func (s *Scalar) Value() any { return s.raw }

func (s *Scalar) String() string { return fmt.Sprint(s.raw) }

var errNotIntegral = errors.New("not an integer")

// Int64 coerces the value to an integer. Integral floats such as "12.0"
// are accepted.
func (s *Scalar) Int64() (int64, error) {
	text := strings.TrimSpace(s.String())
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, errNotIntegral
	}
	return int64(f), nil
}

// decodeJSON parses and shape-checks a JSON feed payload.
func decodeJSON(payload []byte) (*Feed, error) {
	var feed Feed
	if err := json.Unmarshal(payload, &feed); err != nil {
		return nil, &MalformedFeedError{Reason: "invalid JSON", Err: err}
	}
	if err := checkShape(&feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

// decodeProto parses a GTFS-RT protobuf payload into the same envelope.
func decodeProto(payload []byte) (*Feed, error) {
	msg := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, &MalformedFeedError{Reason: "invalid protobuf", Err: err}
	}
	feed := feedFromProto(msg)
	if err := checkShape(feed); err != nil {
		return nil, err
	}
	return feed, nil
}

func checkShape(feed *Feed) error {
	err := validate.Struct(feed)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &MalformedFeedError{Reason: "missing " + shapeField(verrs[0].Namespace())}
	}
	return &MalformedFeedError{Reason: "invalid shape", Err: err}
}

// shapeField maps a validator namespace such as "Feed.Header.Timestamp" to
// the feed's own field names.
func shapeField(ns string) string {
	switch ns {
	case "Feed.Header":
		return "header"
	case "Feed.Header.Timestamp":
		return "header.timestamp"
	case "Feed.Entities":
		return "entity"
	}
	return ns
}

func feedFromProto(msg *gtfsrt.FeedMessage) *Feed {
	feed := &Feed{Entities: make([]Entity, 0, len(msg.GetEntity()))}
	if h := msg.GetHeader(); h != nil {
		feed.Header = &FeedHeader{}
		if h.Timestamp != nil {
			feed.Header.Timestamp = uintScalar(h.GetTimestamp())
		}
	}

	for _, pe := range msg.GetEntity() {
		e := Entity{ID: pe.GetId()}
		if v := pe.GetVehicle(); v != nil {
			e.Vehicle = &Vehicle{
				Trip:    tripFromProto(v.GetTrip()),
				Vehicle: vehicleFromProto(v.GetVehicle()),
			}
			if p := v.GetPosition(); p != nil {
				lat, lon := float64(p.GetLatitude()), float64(p.GetLongitude())
				e.Vehicle.Position = &Position{Latitude: &lat, Longitude: &lon}
			}
			if v.Timestamp != nil {
				e.Vehicle.Timestamp = uintScalar(v.GetTimestamp())
			}
		}
		if tu := pe.GetTripUpdate(); tu != nil {
			e.TripUpdate = &TripUpdate{
				Trip:    tripFromProto(tu.GetTrip()),
				Vehicle: vehicleFromProto(tu.GetVehicle()),
			}
			if tu.Timestamp != nil {
				e.TripUpdate.Timestamp = uintScalar(tu.GetTimestamp())
			}
			for _, stu := range tu.GetStopTimeUpdate() {
				u := StopTimeUpdate{
					StopID:    stu.GetStopId(),
					Arrival:   eventFromProto(stu.GetArrival()),
					Departure: eventFromProto(stu.GetDeparture()),
				}
				if stu.StopSequence != nil {
					seq := int(stu.GetStopSequence())
					u.StopSequence = &seq
				}
				if stu.ScheduleRelationship != nil {
					u.ScheduleRelationship = stu.GetScheduleRelationship().String()
				}
				e.TripUpdate.StopTimeUpdates = append(e.TripUpdate.StopTimeUpdates, u)
			}
		}
		feed.Entities = append(feed.Entities, e)
	}
	return feed
}

func tripFromProto(t *gtfsrt.TripDescriptor) *TripDescriptor {
	if t == nil {
		return nil
	}
	out := &TripDescriptor{
		TripID:    t.GetTripId(),
		RouteID:   t.GetRouteId(),
		StartTime: t.GetStartTime(),
		StartDate: t.GetStartDate(),
	}
	if t.ScheduleRelationship != nil {
		out.ScheduleRelationship = t.GetScheduleRelationship().String()
	}
	if t.DirectionId != nil {
		d := int(t.GetDirectionId())
		out.DirectionID = &d
	}
	return out
}

func vehicleFromProto(v *gtfsrt.VehicleDescriptor) *VehicleDescriptor {
	if v == nil || v.Id == nil {
		return nil
	}
	return &VehicleDescriptor{ID: StringScalar(v.GetId())}
}

func eventFromProto(ev *gtfsrt.TripUpdate_StopTimeEvent) *StopTimeEvent {
	if ev == nil || ev.Delay == nil {
		return nil
	}
	d := int(ev.GetDelay())
	return &StopTimeEvent{Delay: &d}
}

func uintScalar(n uint64) *Scalar {
	return &Scalar{raw: json.Number(strconv.FormatUint(n, 10))}
}
