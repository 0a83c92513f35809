// Package cache keeps a read-optimized snapshot of the active geofences.
//
// Readers load the current snapshot through an atomic pointer and never
// block. Refresh builds a complete replacement off to the side and publishes
// it with a single pointer store, so a reader sees either the old or the new
// snapshot and never a partially built one.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/golang/geo/s2"
	"golang.org/x/sync/singleflight"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/geometry"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/metrics"
)

type Loader interface {
	ListActive(ctx context.Context) ([]domain.Geofence, error)
}

type Config struct {
	RefreshInterval time.Duration
	LoadTimeout     time.Duration
	// CoverMarginMeters pads every geofence in the spatial index. Pings
	// farther than this from a geofence are never returned as candidates.
	CoverMarginMeters float64
	MinLevel          int
	MaxLevel          int
	MaxCells          int
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval:   60 * time.Second,
		LoadTimeout:       5 * time.Second,
		CoverMarginMeters: 500,
		MinLevel:          6,
		MaxLevel:          18,
		MaxCells:          16,
	}
}

type Cache struct {
	loader  Loader
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[Snapshot]
	seq     atomic.Uint64
	group   singleflight.Group
	wake    chan struct{}
}

func New(loader Loader, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Cache {
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if cfg.CoverMarginMeters < 0 {
		cfg.CoverMarginMeters = 0
	}
	if cfg.MaxLevel <= 0 || cfg.MaxLevel > s2.MaxLevel {
		cfg.MaxLevel = def.MaxLevel
	}
	if cfg.MinLevel < 0 || cfg.MinLevel > cfg.MaxLevel {
		cfg.MinLevel = def.MinLevel
	}
	if cfg.MaxCells <= 0 {
		cfg.MaxCells = def.MaxCells
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		loader:  loader,
		cfg:     cfg,
		logger:  logger.With("component", "geofence_cache"),
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
	c.current.Store(emptySnapshot())
	return c
}

// Current returns the published snapshot. It is never nil.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

func (c *Cache) Lookup(lat, lon float64) []*Entry {
	return c.Current().Lookup(lat, lon)
}

// Refresh loads the active geofences and publishes a new snapshot. On
// failure the previous snapshot stays published. Concurrent calls share a
// single load, which is bounded by LoadTimeout alone so one caller giving up
// does not fail the others. Refresh returns early when ctx is done.
func (c *Cache) Refresh(ctx context.Context) error {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return nil, c.refresh(shared)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()

	geofences, err := c.loader.ListActive(loadCtx)
	if err != nil {
		c.metrics.CacheRefreshed(false, 0, 0)
		c.logger.Error("geofence refresh failed, keeping previous snapshot",
			"error", err, "snapshot_version", c.Current().Version)
		return fmt.Errorf("%w: %w", domain.ErrCacheUnavailable, err)
	}

	snap := c.build(geofences)
	c.current.Store(snap)
	c.metrics.CacheRefreshed(true, snap.Version, snap.Len())
	c.logger.Debug("geofence snapshot published", "snapshot_version", snap.Version, "geofences", snap.Len())
	return nil
}

func (c *Cache) build(geofences []domain.Geofence) *Snapshot {
	snap := &Snapshot{
		Version:  c.seq.Add(1),
		LoadedAt: time.Now().UTC(),
		byID:     make(map[int64]*Entry, len(geofences)),
		cells:    map[s2.CellID][]*Entry{},
		minLevel: c.cfg.MinLevel,
		maxLevel: c.cfg.MaxLevel,
	}
	coverer := &s2.RegionCoverer{
		MinLevel: c.cfg.MinLevel,
		MaxLevel: c.cfg.MaxLevel,
		LevelMod: 1,
		MaxCells: c.cfg.MaxCells,
	}
	margin := geometry.MetersToAngle(c.cfg.CoverMarginMeters)

	for _, g := range geofences {
		if !g.Active {
			continue
		}
		shape, err := geometry.Compile(g.Geometry)
		if err != nil {
			c.logger.Warn("skipping geofence with invalid geometry",
				"geofence_id", g.ID, "version", g.Version, "error", err)
			continue
		}

		g.Geometry.Vertices = append([]domain.GeoPoint(nil), g.Geometry.Vertices...)
		e := &Entry{Geofence: g, Shape: shape}
		snap.byID[g.ID] = e

		for _, cell := range coverer.Covering(shape.Bound().Expanded(margin)) {
			snap.cells[cell] = append(snap.cells[cell], e)
		}
	}
	return snap
}

// RequestRefresh schedules an out-of-band refresh on the Run loop. It never
// blocks; requests made while one is pending collapse into it.
func (c *Cache) RequestRefresh() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run refreshes on the configured interval and on RequestRefresh until ctx
// is done. The first refresh happens immediately.
func (c *Cache) Run(ctx context.Context) error {
	_ = c.Refresh(ctx)

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = c.Refresh(ctx)
		case <-c.wake:
			c.logger.Info("geofence refresh requested")
			_ = c.Refresh(ctx)
		}
	}
}
