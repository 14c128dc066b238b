package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// Filter narrows a proximity query to drivers that can actually serve the
// booking. Available and online are always required.
type Filter struct {
	CabClass string
	Feature  string // optional accessibility feature
}

// Candidate is a driver plus its exact distance from the query point.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

// Geo is the minimal interface required by the dispatcher and handlers.
type Geo interface {
	Nearby(ctx context.Context, at models.Coord, radiusKm float64, f Filter) ([]Candidate, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is an in-memory driver registry with a naive proximity scan.
// It doubles as the DriverStore when no redis is configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Get(ctx context.Context, id string) (models.Driver, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	return d, ok, nil
}

func (g *Index) SetAvailability(ctx context.Context, id string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.drivers[id]; ok {
		d.Available = available
		d.Updated = time.Now()
		g.drivers[id] = d
	}
	return nil
}

func (g *Index) UpdatePosition(ctx context.Context, id string, lat, lng float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		d = models.Driver{ID: id, Online: true, Available: true}
	}
	d.Loc = &models.Coord{Lat: lat, Lng: lng}
	d.Updated = time.Now()
	g.drivers[id] = d
	return nil
}

// Nearby scans all drivers and keeps those within radiusKm of the query
// point, sorted ascending by exact haversine distance. The radius is a hard
// cutoff, not a bounding-box approximation.
func (g *Index) Nearby(ctx context.Context, at models.Coord, radiusKm float64, f Filter) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !Eligible(d, f) {
			continue
		}
		km := Haversine(at.Lat, at.Lng, d.Loc.Lat, d.Loc.Lng) / 1000.0
		if km > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: km})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// Eligible applies the availability/class/feature predicate shared by all
// Geo implementations.
func Eligible(d models.Driver, f Filter) bool {
	if !d.Online || !d.Available || d.Loc == nil {
		return false
	}
	if f.CabClass != "" && d.CabClass != f.CabClass {
		return false
	}
	if f.Feature != "" && !d.HasFeature(f.Feature) {
		return false
	}
	return true
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
