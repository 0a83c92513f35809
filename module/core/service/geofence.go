package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/cache"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/geometry"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/metrics"
)

type snapshotSource interface {
	Current() *cache.Snapshot
}

type membershipStore interface {
	Get(entityID string, geofenceID int64) (domain.MembershipState, bool)
	Set(entityID string, geofenceID int64, state domain.MembershipState)
	InsideOf(entityID string) []int64
	LastPing(entityID string) (time.Time, bool)
	MarkPing(entityID string, ts time.Time)
	Lock(entityID string) func()
}

type EngineConfig struct {
	// BandScale multiplies the reported accuracy to size the ambiguity band.
	BandScale float64
	// Confirmations is how many consecutive unambiguous fixes on the other
	// side of a boundary are needed before the transition fires.
	Confirmations int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{BandScale: 1, Confirmations: 1}
}

type GeofenceEngine struct {
	geofences snapshotSource
	store     membershipStore
	cfg       EngineConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewGeofenceEngine(geofences snapshotSource, store membershipStore, cfg EngineConfig, logger *slog.Logger, m *metrics.Metrics) *GeofenceEngine {
	if cfg.BandScale < 0 {
		cfg.BandScale = 1
	}
	if cfg.Confirmations < 1 {
		cfg.Confirmations = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeofenceEngine{
		geofences: geofences,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "geofence_engine"),
		metrics:   m,
	}
}

// ProcessLocation evaluates one ping against every nearby geofence and every
// geofence the entity is currently inside. Pings for the same entity are
// applied one at a time; a ping older than the last one applied is rejected
// with a *domain.NormalizationError of kind domain.ErrStaleTimestamp.
//
// The returned events are ordered ENTER before EXIT, then by geofence id.
func (e *GeofenceEngine) ProcessLocation(ctx context.Context, ping *domain.LocationPing) ([]domain.TransitionEvent, error) {
	if ping == nil || ping.EntityID == "" {
		return nil, errors.New("process location: ping without entity")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := e.store.Lock(ping.EntityID)
	defer unlock()

	if last, ok := e.store.LastPing(ping.EntityID); ok && ping.Timestamp.Before(last) {
		e.metrics.StalePingDiscarded()
		e.logger.Debug("out of order ping discarded",
			"entity_id", ping.EntityID, "ping_id", ping.ID,
			"timestamp", ping.Timestamp, "last_accepted", last)
		return nil, &domain.NormalizationError{
			Kind:     domain.ErrStaleTimestamp,
			Protocol: ping.SourceProtocol,
			Detail:   "older than the last applied ping",
		}
	}

	snap := e.geofences.Current()
	var events []domain.TransitionEvent
	for _, entry := range e.candidates(snap, ping) {
		if ev, ok := e.evaluate(entry, ping); ok {
			events = append(events, ev)
		}
	}
	e.store.MarkPing(ping.EntityID, ping.Timestamp)

	sortEvents(events)
	for _, ev := range events {
		e.metrics.TransitionEmitted(string(ev.Kind))
		e.logger.Info("geofence transition",
			"entity_id", ev.EntityID, "geofence_id", ev.GeofenceID,
			"location_code", ev.LocationCode, "kind", ev.Kind,
			"occurred_at", ev.OccurredAt, "snapshot_version", snap.Version)
	}
	return events, nil
}

// candidates merges the spatial lookup with the geofences the entity is
// inside, so a single large jump still yields the EXIT. Inside geofences
// missing from the snapshot are deactivated and left as they are.
func (e *GeofenceEngine) candidates(snap *cache.Snapshot, ping *domain.LocationPing) []*cache.Entry {
	entries := snap.Lookup(ping.Latitude, ping.Longitude)
	seen := make(map[int64]struct{}, len(entries))
	for _, en := range entries {
		seen[en.Geofence.ID] = struct{}{}
	}

	extra := false
	for _, id := range e.store.InsideOf(ping.EntityID) {
		if _, ok := seen[id]; ok {
			continue
		}
		en, ok := snap.Get(id)
		if !ok {
			e.logger.Debug("inside geofence no longer active, keeping state",
				"entity_id", ping.EntityID, "geofence_id", id)
			continue
		}
		entries = append(entries, en)
		extra = true
	}
	if extra {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Geofence.ID < entries[j].Geofence.ID })
	}
	return entries
}

func (e *GeofenceEngine) evaluate(entry *cache.Entry, ping *domain.LocationPing) (domain.TransitionEvent, bool) {
	gf := entry.Geofence
	class := entry.Shape.Classify(ping.Latitude, ping.Longitude, ping.AccuracyMeters, e.cfg.BandScale)

	prev, _ := e.store.Get(ping.EntityID, gf.ID)
	next := prev
	next.LastEvaluatedAt = ping.Timestamp

	fired := false
	switch {
	case class == geometry.Ambiguous:
		// inside the band: keep the previous state and any pending count
	case (class == geometry.Inside) == prev.Inside:
		next.ConsecutiveBoundaryCrossCount = 0
	default:
		next.ConsecutiveBoundaryCrossCount++
		if next.ConsecutiveBoundaryCrossCount >= e.cfg.Confirmations {
			next.Inside = class == geometry.Inside
			next.LastTransitionAt = ping.Timestamp
			next.ConsecutiveBoundaryCrossCount = 0
			fired = true
		}
	}
	e.store.Set(ping.EntityID, gf.ID, next)

	if !fired {
		return domain.TransitionEvent{}, false
	}
	kind := domain.TransitionExit
	if next.Inside {
		kind = domain.TransitionEnter
	}
	return domain.TransitionEvent{
		EntityID:         ping.EntityID,
		GeofenceID:       gf.ID,
		LocationCode:     gf.LocationCode,
		DisplayName:      gf.DisplayName,
		Kind:             kind,
		OccurredAt:       ping.Timestamp,
		TriggeringPingID: ping.ID,
	}, true
}

func sortEvents(events []domain.TransitionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Kind != b.Kind {
			return a.Kind == domain.TransitionEnter
		}
		return a.GeofenceID < b.GeofenceID
	})
}
