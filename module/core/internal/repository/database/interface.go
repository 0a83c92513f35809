package database

import (
	"context"
	"time"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

type LocationRepository interface {
	Insert(ctx context.Context, ping *domain.LocationPing) error
	GetLatest(ctx context.Context, entityID string) (*domain.LocationPing, error)
	GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.LocationPing, error)
	GetAllEntities(ctx context.Context) ([]domain.Entity, error)
}

type GeofenceRepository interface {
	ListActive(ctx context.Context) ([]domain.Geofence, error)
}

type MembershipRepository interface {
	Upsert(ctx context.Context, rec domain.MembershipRecord) error
	ListAll(ctx context.Context) ([]domain.MembershipRecord, error)
	DeleteEntity(ctx context.Context, entityID string) error
	DeleteGeofence(ctx context.Context, geofenceID int64) error
}

type TransitionRepository interface {
	// Insert is idempotent on the event key and reports whether a new row
	// was written.
	Insert(ctx context.Context, ev domain.TransitionEvent) (bool, error)
	MarkDelivered(ctx context.Context, ev domain.TransitionEvent, at time.Time) error
	ListUndelivered(ctx context.Context, limit int) ([]domain.TransitionEvent, error)
}

type DeviceRepository interface {
	ResolveEntity(ctx context.Context, deviceID string) (string, error)
}
