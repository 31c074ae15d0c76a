// Package ridership matches vehicle positions to the stops of their trip and
// synthesizes passenger counts from them.
package ridership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"transitsync/internal/geo"
	"transitsync/internal/storage"
)

// StopCacheTTL is how long a trip's stop list is reused before reloading.
const StopCacheTTL = 10 * time.Minute

var (
	// ErrNoStopsForTrip is returned when a trip has no stop times.
	ErrNoStopsForTrip = errors.New("trip has no stops")

	// ErrInvalidPosition is returned for a non-finite or out-of-range
	// query coordinate.
	ErrInvalidPosition = errors.New("invalid position")
)

// Match is the stop of a trip closest to a position.
type Match struct {
	StopID     string
	Sequence   int
	Index      int // position in the trip's ordered stop list
	TripStops  int // length of the trip's stop list
	DistanceKm float64
}

// Progress is the matched stop's position along the trip, from 0 at the
// first stop to 1 at the last.
func (m Match) Progress() float64 {
	if m.TripStops < 2 {
		return 0
	}
	return float64(m.Index) / float64(m.TripStops-1)
}

// Matcher finds the nearest stop of a trip. It is safe for concurrent use.
//
// Stop lists are cached per static graph version, so a reload is seen by the
// next lookup.
type Matcher struct {
	db    *storage.DB
	mode  string
	stops *cache[[]storage.TripStop]

	mu      sync.Mutex
	version int64
}

// NewMatcher creates a Matcher reading mode's static graph.
func NewMatcher(db *storage.DB, mode string) *Matcher {
	return &Matcher{db: db, mode: mode, stops: newCache[[]storage.TripStop](StopCacheTTL)}
}

// NearestStop returns the stop of tripID closest to (lat, lon). Only the
// trip's own stops are considered; ties keep the lowest sequence.
func (m *Matcher) NearestStop(ctx context.Context, tripID string, lat, lon float64) (Match, error) {
	if !geo.ValidCoord(lat, lon) {
		return Match{}, fmt.Errorf("trip %s: (%v, %v): %w", tripID, lat, lon, ErrInvalidPosition)
	}
	stops, err := m.tripStops(ctx, tripID)
	if err != nil {
		return Match{}, err
	}
	if len(stops) == 0 {
		return Match{}, fmt.Errorf("trip %s: %w", tripID, ErrNoStopsForTrip)
	}

	i, dist := geo.Nearest(lat, lon, stops, func(s storage.TripStop) (float64, float64) {
		return s.Lat, s.Lon
	})
	if i < 0 {
		return Match{}, fmt.Errorf("trip %s: no stop with usable coordinates: %w", tripID, ErrNoStopsForTrip)
	}
	return Match{
		StopID:     stops[i].StopID,
		Sequence:   stops[i].Sequence,
		Index:      i,
		TripStops:  len(stops),
		DistanceKm: dist,
	}, nil
}

// Reset drops every cached stop list.
func (m *Matcher) Reset() {
	m.stops.purge()
}

func (m *Matcher) tripStops(ctx context.Context, tripID string) ([]storage.TripStop, error) {
	// The version is read before the stops: a list fetched across a reload
	// lands under the older key and is never served again.
	version, err := m.db.GraphVersion(ctx, m.mode)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if version > m.version {
		m.stops.purge()
		m.version = version
	}
	m.mu.Unlock()

	key := strconv.FormatInt(version, 10) + "/" + tripID
	if stops, ok := m.stops.get(key); ok {
		return stops, nil
	}
	stops, err := m.db.TripStops(ctx, m.mode, tripID)
	if err != nil {
		return nil, err
	}
	m.stops.set(key, stops)
	return stops, nil
}
