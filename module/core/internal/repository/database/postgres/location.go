package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database"
)

var _ database.LocationRepository = (*LocationRepo)(nil)

const pingColumns = `id, entity_id, device_id, latitude, longitude, accuracy_meters, battery_percent, source_protocol, timestamp`

type LocationRepo struct {
	db *sql.DB
}

func NewLocationRepo(db *sql.DB) *LocationRepo {
	return &LocationRepo{db: db}
}

func (r *LocationRepo) Insert(ctx context.Context, p *domain.LocationPing) error {
	var battery sql.NullFloat64
	if p.BatteryPercent != nil {
		battery = sql.NullFloat64{Float64: *p.BatteryPercent, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO location_pings (`+pingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (id) DO NOTHING`,
		p.ID, p.EntityID, p.DeviceID, p.Latitude, p.Longitude, p.AccuracyMeters, battery, string(p.SourceProtocol), p.Timestamp,
	)
	return err
}

func (r *LocationRepo) GetLatest(ctx context.Context, entityID string) (*domain.LocationPing, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pingColumns+` FROM location_pings WHERE entity_id = $1 ORDER BY timestamp DESC LIMIT 1`,
		entityID,
	)

	p, err := scanPing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *LocationRepo) GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.LocationPing, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+pingColumns+` FROM location_pings WHERE entity_id = $1 AND timestamp >= $2 AND timestamp <= $3 ORDER BY timestamp ASC`,
		query.EntityID, query.Start, query.End,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []domain.LocationPing
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *p)
	}
	return results, rows.Err()
}

func (r *LocationRepo) GetAllEntities(ctx context.Context) ([]domain.Entity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM location_pings ORDER BY entity_id`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []domain.Entity
	for rows.Next() {
		var e domain.Entity
		if err := rows.Scan(&e.EntityID); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPing(s scanner) (*domain.LocationPing, error) {
	var (
		p        domain.LocationPing
		battery  sql.NullFloat64
		protocol string
	)
	if err := s.Scan(&p.ID, &p.EntityID, &p.DeviceID, &p.Latitude, &p.Longitude,
		&p.AccuracyMeters, &battery, &protocol, &p.Timestamp); err != nil {
		return nil, err
	}
	if battery.Valid {
		v := battery.Float64
		p.BatteryPercent = &v
	}
	p.SourceProtocol = domain.SourceProtocol(protocol)
	p.AccuracyKnown = true
	return &p, nil
}
