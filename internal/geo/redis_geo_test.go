package geo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/cab-dispatch/internal/models"
)

func newTestRedisGeo(t *testing.T) *RedisGeo {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewRedisGeoWithClient(c, "drivers_geo")
}

func TestRedisGeoRoundtrip(t *testing.T) {
	ctx := context.Background()
	rg := newTestRedisGeo(t)

	in := driver("d1", "mini", 12.9720, 77.5950, "wheelchair_ramp")
	if err := rg.Upsert(ctx, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	out, found, err := rg.Get(ctx, "d1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if out.CabClass != "mini" || !out.Online || !out.Available {
		t.Fatalf("meta roundtrip mismatch: %+v", out)
	}
	if !out.HasFeature("wheelchair_ramp") {
		t.Fatalf("features lost: %+v", out.Features)
	}
	if out.Loc == nil {
		t.Fatal("position lost")
	}
}

func TestRedisGeoGetMissing(t *testing.T) {
	rg := newTestRedisGeo(t)
	_, found, err := rg.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("missing driver reported as found")
	}
}

func TestRedisGeoNearby(t *testing.T) {
	ctx := context.Background()
	rg := newTestRedisGeo(t)

	if err := rg.Upsert(ctx, driver("near", "mini", 12.9720, 77.5950)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Mysuru, ~128 km away
	if err := rg.Upsert(ctx, driver("far", "mini", 12.2958, 76.6394)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	busy := driver("busy", "mini", 12.9721, 77.5951)
	busy.Available = false
	if err := rg.Upsert(ctx, busy); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	out, err := rg.Nearby(ctx, models.Coord{Lat: 12.9716, Lng: 77.5946}, 5, Filter{CabClass: "mini"})
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(out) != 1 || out[0].Driver.ID != "near" {
		t.Fatalf("expected only the near available driver, got %+v", out)
	}
	if out[0].DistanceKm > 5 {
		t.Fatalf("candidate outside radius: %f", out[0].DistanceKm)
	}
}

func TestRedisGeoSetAvailability(t *testing.T) {
	ctx := context.Background()
	rg := newTestRedisGeo(t)
	if err := rg.Upsert(ctx, driver("d1", "mini", 12.9720, 77.5950)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := rg.SetAvailability(ctx, "d1", false); err != nil {
		t.Fatalf("set availability: %v", err)
	}
	d, _, err := rg.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Available {
		t.Fatal("availability flip lost")
	}
}

func TestRedisGeoUpdatePosition(t *testing.T) {
	ctx := context.Background()
	rg := newTestRedisGeo(t)
	if err := rg.Upsert(ctx, driver("d1", "mini", 12.9720, 77.5950)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := rg.UpdatePosition(ctx, "d1", 13.0000, 77.6000); err != nil {
		t.Fatalf("update position: %v", err)
	}
	d, _, err := rg.Get(ctx, "d1")
	if err != nil || d.Loc == nil {
		t.Fatalf("get after move: loc=%v err=%v", d.Loc, err)
	}
	// geo encoding is lossy at the ~0.5m level; centimeter precision is enough
	if diff := d.Loc.Lat - 13.0000; diff > 0.001 || diff < -0.001 {
		t.Fatalf("latitude not updated: %f", d.Loc.Lat)
	}
}
