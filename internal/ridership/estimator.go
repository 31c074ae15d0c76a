package ridership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"transitsync/internal/storage"
)

// band is a uniform range of load factors.
type band struct{ lo, hi float64 }

var (
	peak     = band{0.70, 1.00}
	midday   = band{0.40, 0.60}
	night    = band{0.05, 0.15}
	shoulder = band{0.20, 0.40}
)

// demandBand returns the load-factor range for a local hour of the day.
func demandBand(hour int) band {
	switch {
	case hour >= 7 && hour <= 9, hour >= 17 && hour <= 19:
		return peak
	case hour >= 10 && hour <= 16:
		return midday
	case hour >= 22 || hour <= 4:
		return night
	default:
		return shoulder
	}
}

func (b band) draw(rng *rand.Rand) float64 {
	return b.lo + rng.Float64()*(b.hi-b.lo)
}

// Estimator synthesizes ridership for the newest position of every vehicle.
// An Estimator must not be used by more than one goroutine at a time.
type Estimator struct {
	db       *storage.DB
	mode     string
	matcher  *Matcher
	capacity int
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// NewEstimator creates an Estimator for mode. Hours of day are read in loc.
func NewEstimator(db *storage.DB, mode string, capacity int, loc *time.Location, logger *slog.Logger) *Estimator {
	if loc == nil {
		loc = time.UTC
	}
	return &Estimator{
		db:       db,
		mode:     mode,
		matcher:  NewMatcher(db, mode),
		capacity: capacity,
		loc:      loc,
		logger:   logger.With("mode", mode),
		now:      time.Now,
	}
}

// Matcher returns the matcher the estimator uses.
func (e *Estimator) Matcher() *Matcher { return e.matcher }

// Estimate computes one estimate per vehicle from its newest position.
// Vehicles whose trip has no stops are skipped.
func (e *Estimator) Estimate(ctx context.Context, rng *rand.Rand) ([]storage.RidershipEstimate, error) {
	if e.capacity <= 0 {
		return nil, fmt.Errorf("vehicle capacity must be positive, got %d", e.capacity)
	}

	positions, err := e.db.LatestVehiclePositions(ctx, e.mode)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	rows := make([]storage.RidershipEstimate, 0, len(positions))
	for _, p := range positions {
		m, err := e.matcher.NearestStop(ctx, p.TripID, p.Latitude, p.Longitude)
		switch {
		case errors.Is(err, ErrNoStopsForTrip):
			e.logger.Warn("skipping vehicle without trip stops", "vehicle_id", p.VehicleID, "trip_id", p.TripID)
			continue
		case errors.Is(err, ErrInvalidPosition):
			e.logger.Warn("skipping vehicle with invalid position", "vehicle_id", p.VehicleID, "trip_id", p.TripID,
				"lat", p.Latitude, "lon", p.Longitude)
			continue
		}
		if err != nil {
			return nil, err
		}

		c := e.synthesize(rng, p.ObservedAt.In(e.loc).Hour(), m.Progress())
		rows = append(rows, storage.RidershipEstimate{
			VehicleID:    p.VehicleID,
			TripID:       p.TripID,
			ObservedAt:   p.ObservedAt,
			StopID:       m.StopID,
			StopSequence: m.Sequence,
			Boarding:     c.boarding,
			Alighting:    c.alighting,
			Onboard:      c.onboard,
			Capacity:     e.capacity,
			EstimatedAt:  now,
		})
	}
	return rows, nil
}

// Run estimates and stores ridership, returning the number of rows written.
func (e *Estimator) Run(ctx context.Context, rng *rand.Rand) (int, error) {
	rows, err := e.Estimate(ctx, rng)
	if err != nil {
		return 0, fmt.Errorf("estimate ridership: %w", err)
	}
	n, err := e.db.UpsertRidership(ctx, e.mode, rows)
	if err != nil {
		return 0, err
	}
	e.logger.Info("ridership estimated", "rows", n)
	return n, nil
}

type counts struct {
	boarding, alighting, onboard int
}

// synthesize draws passenger counts for a vehicle at the given hour and trip
// progress. Every count lies in [0, capacity].
func (e *Estimator) synthesize(rng *rand.Rand, hour int, progress float64) counts {
	capf := float64(e.capacity)
	bell := 0.5 + 0.5*math.Sin(progress*math.Pi)

	noise := rng.NormFloat64() * 0.05 * capf
	noise = math.Max(-0.15*capf, math.Min(0.15*capf, noise))

	onboard := e.clamp(capf*demandBand(hour).draw(rng)*bell + noise)
	return counts{
		onboard:   onboard,
		boarding:  e.clamp(float64(onboard) * (1 - progress) * band{0.1, 0.4}.draw(rng)),
		alighting: e.clamp(float64(onboard) * progress * band{0.1, 0.4}.draw(rng)),
	}
}

func (e *Estimator) clamp(v float64) int {
	n := int(math.Round(v))
	return max(0, min(e.capacity, n))
}
