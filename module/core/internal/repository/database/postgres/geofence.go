package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database"
)

var _ database.GeofenceRepository = (*GeofenceRepo)(nil)

type GeofenceRepo struct {
	db *sql.DB
}

func NewGeofenceRepo(db *sql.DB) *GeofenceRepo {
	return &GeofenceRepo{db: db}
}

// ListActive returns the active geofences ordered by id. Geometry is decoded
// as stored; validation is left to the caller.
func (r *GeofenceRepo) ListActive(ctx context.Context) ([]domain.Geofence, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, location_code, display_name, active, kind, center_lat, center_lon, radius_meters, vertices, version
		 FROM geofences WHERE active = TRUE ORDER BY id`,
	)
	if err != nil {
		return nil, wrap("list geofences", err)
	}
	defer func() { _ = rows.Close() }()

	var results []domain.Geofence
	for rows.Next() {
		var (
			g                         domain.Geofence
			kind                      string
			centerLat, centerLon, rad sql.NullFloat64
			vertices                  []byte
		)
		if err := rows.Scan(&g.ID, &g.LocationCode, &g.DisplayName, &g.Active, &kind,
			&centerLat, &centerLon, &rad, &vertices, &g.Version); err != nil {
			return nil, wrap("scan geofence", err)
		}
		g.Geometry.Kind = domain.GeometryKind(kind)
		g.Geometry.Center = domain.GeoPoint{Lat: centerLat.Float64, Lon: centerLon.Float64}
		g.Geometry.RadiusMeters = rad.Float64
		if len(vertices) > 0 {
			if err := json.Unmarshal(vertices, &g.Geometry.Vertices); err != nil {
				return nil, fmt.Errorf("geofence %d vertices: %w", g.ID, err)
			}
		}
		results = append(results, g)
	}
	return results, wrap("list geofences", rows.Err())
}
