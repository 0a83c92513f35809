package service

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/cache"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/geometry"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/membership"
)

var sucursal38 = domain.GeoPoint{Lat: 25.6505422, Lon: -100.3838798}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// north returns the point d meters due north of p.
func north(p domain.GeoPoint, d float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: p.Lat + d/geometry.EarthRadiusMeters*180/math.Pi, Lon: p.Lon}
}

func circleGeofence(id int64, center domain.GeoPoint, radius float64) domain.Geofence {
	return domain.Geofence{
		ID:           id,
		LocationCode: "SUC-" + string(rune('A'+id%26)),
		DisplayName:  "Sucursal",
		Active:       true,
		Version:      1,
		Geometry:     domain.Geometry{Kind: domain.GeometryCircle, Center: center, RadiusMeters: radius},
	}
}

type mockGeofenceLoader struct {
	mu         sync.Mutex
	geofences  []domain.Geofence
	listActive func(ctx context.Context) ([]domain.Geofence, error)
}

func (m *mockGeofenceLoader) ListActive(ctx context.Context) ([]domain.Geofence, error) {
	if m.listActive != nil {
		return m.listActive(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Geofence(nil), m.geofences...), nil
}

func (m *mockGeofenceLoader) set(gs ...domain.Geofence) {
	m.mu.Lock()
	m.geofences = gs
	m.mu.Unlock()
}

type nopMembershipRepo struct{}

func (nopMembershipRepo) Upsert(context.Context, domain.MembershipRecord) error { return nil }
func (nopMembershipRepo) ListAll(context.Context) ([]domain.MembershipRecord, error) {
	return nil, nil
}
func (nopMembershipRepo) DeleteEntity(context.Context, string) error { return nil }
func (nopMembershipRepo) DeleteGeofence(context.Context, int64) error { return nil }

type engineFixture struct {
	engine *GeofenceEngine
	store  *membership.Store
	cache  *cache.Cache
	loader *mockGeofenceLoader
}

func newEngineFixture(t *testing.T, cfg EngineConfig, gs ...domain.Geofence) *engineFixture {
	t.Helper()
	loader := &mockGeofenceLoader{geofences: gs}
	c := cache.New(loader, cache.Config{MinLevel: 10, MaxLevel: 20, MaxCells: 500}, quietLogger(), nil)
	require.NoError(t, c.Refresh(context.Background()))

	store := membership.NewStore(nopMembershipRepo{}, membership.Config{QueueSize: 1 << 16}, quietLogger(), nil)
	return &engineFixture{
		engine: NewGeofenceEngine(c, store, cfg, quietLogger(), nil),
		store:  store,
		cache:  c,
		loader: loader,
	}
}

var baseTime = time.Unix(1715003456, 0).UTC()

func pingAt(entity string, p domain.GeoPoint, accuracy float64, seq int) *domain.LocationPing {
	return &domain.LocationPing{
		ID:             "ping-" + entity + "-" + strconv.Itoa(seq),
		EntityID:       entity,
		Latitude:       p.Lat,
		Longitude:      p.Lon,
		AccuracyMeters: accuracy,
		AccuracyKnown:  true,
		Timestamp:      baseTime.Add(time.Duration(seq) * time.Second),
		SourceProtocol: domain.ProtocolFleet,
	}
}
