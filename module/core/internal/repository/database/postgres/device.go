package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database"
)

var _ database.DeviceRepository = (*DeviceRepo)(nil)

type DeviceRepo struct {
	db *sql.DB
}

func NewDeviceRepo(db *sql.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// ResolveEntity maps a tracker identifier to the entity it reports for.
// Unknown and deactivated devices both yield domain.ErrNotFound.
func (r *DeviceRepo) ResolveEntity(ctx context.Context, deviceID string) (string, error) {
	var entityID string
	err := r.db.QueryRowContext(ctx,
		`SELECT entity_id FROM devices WHERE device_id = $1 AND active = TRUE`,
		deviceID,
	).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", wrap("resolve device", err)
	}
	return entityID, nil
}
