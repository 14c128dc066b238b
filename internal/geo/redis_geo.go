package geo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/cab-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a per-driver meta
// hash for the eligibility fields GEO cannot hold.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if d.Loc != nil {
		if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID}).Result(); err != nil {
			return err
		}
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"class":     d.CabClass,
		"online":    strconv.FormatBool(d.Online),
		"available": strconv.FormatBool(d.Available),
		"features":  strings.Join(d.Features, ","),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Driver, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, false, err
	}
	if len(m) == 0 {
		return models.Driver{}, false, nil
	}
	d := driverFromMeta(id, m)
	if pos, err := r.client.GeoPos(ctx, r.key, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = &models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return d, true, nil
}

func (r *RedisGeo) SetAvailability(ctx context.Context, id string, available bool) error {
	return r.client.HSet(ctx, metaKey(id), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisGeo) UpdatePosition(ctx context.Context, id string, lat, lng float64) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: id}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(id), "updated", time.Now().Format(time.RFC3339)).Err()
}

// Nearby uses GEORADIUS as the index prefilter, then re-applies the exact
// haversine cutoff and the eligibility predicate against the meta hash.
func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusKm float64, f Filter) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d := driverFromMeta(g.Name, m)
		d.Loc = &models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		if !Eligible(d, f) {
			continue
		}
		km := Haversine(at.Lat, at.Lng, g.Latitude, g.Longitude) / 1000.0
		if km > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: km})
	}
	return out, nil
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id}
	d.CabClass = m["class"]
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	if v := m["features"]; v != "" {
		d.Features = strings.Split(v, ",")
	}
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
