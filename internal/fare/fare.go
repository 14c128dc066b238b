package fare

import (
	"errors"
	"math"

	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/models"
)

// ErrInvalidLocation flags NaN or out-of-range coordinates.
var ErrInvalidLocation = errors.New("invalid location")

// Validate rejects coordinates outside the WGS84 range.
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return ErrInvalidLocation
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return ErrInvalidLocation
	}
	return nil
}

// DistanceKm returns the great-circle distance in km, rounded to 2 decimals.
func DistanceKm(a, b models.Coord) float64 {
	return Round2(geo.Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000.0)
}

// Estimate computes distance and fare for a trip at the given class rate.
// Deterministic: same inputs always produce the same outputs.
func Estimate(pickup, drop models.Coord, rate models.CabClassRate) (km, amount float64, err error) {
	if err := Validate(pickup); err != nil {
		return 0, 0, err
	}
	if err := Validate(drop); err != nil {
		return 0, 0, err
	}
	km = DistanceKm(pickup, drop)
	amount = Round2(rate.BaseFare + km*rate.PerKm)
	return km, amount, nil
}

func Round2(v float64) float64 { return math.Round(v*100) / 100 }
