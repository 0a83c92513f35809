package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database"
)

var _ database.MembershipRepository = (*MembershipRepo)(nil)

type MembershipRepo struct {
	db *sql.DB
}

func NewMembershipRepo(db *sql.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

func (r *MembershipRepo) Upsert(ctx context.Context, rec domain.MembershipRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO geofence_memberships (entity_id, geofence_id, inside, last_transition_at, last_evaluated_at, consecutive_crossings)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (entity_id, geofence_id) DO UPDATE SET
		   inside = EXCLUDED.inside,
		   last_transition_at = EXCLUDED.last_transition_at,
		   last_evaluated_at = EXCLUDED.last_evaluated_at,
		   consecutive_crossings = EXCLUDED.consecutive_crossings`,
		rec.EntityID, rec.GeofenceID, rec.State.Inside,
		nullTime(rec.State.LastTransitionAt), nullTime(rec.State.LastEvaluatedAt),
		rec.State.ConsecutiveBoundaryCrossCount,
	)
	return wrap("upsert membership", err)
}

func (r *MembershipRepo) ListAll(ctx context.Context) ([]domain.MembershipRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, geofence_id, inside, last_transition_at, last_evaluated_at, consecutive_crossings
		 FROM geofence_memberships ORDER BY entity_id, geofence_id`,
	)
	if err != nil {
		return nil, wrap("list memberships", err)
	}
	defer func() { _ = rows.Close() }()

	var results []domain.MembershipRecord
	for rows.Next() {
		var (
			rec               domain.MembershipRecord
			transitAt, evalAt sql.NullTime
		)
		if err := rows.Scan(&rec.EntityID, &rec.GeofenceID, &rec.State.Inside,
			&transitAt, &evalAt, &rec.State.ConsecutiveBoundaryCrossCount); err != nil {
			return nil, wrap("scan membership", err)
		}
		rec.State.LastTransitionAt = transitAt.Time
		rec.State.LastEvaluatedAt = evalAt.Time
		results = append(results, rec)
	}
	return results, wrap("list memberships", rows.Err())
}

func (r *MembershipRepo) DeleteEntity(ctx context.Context, entityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM geofence_memberships WHERE entity_id = $1`, entityID)
	return wrap("delete entity memberships", err)
}

func (r *MembershipRepo) DeleteGeofence(ctx context.Context, geofenceID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM geofence_memberships WHERE geofence_id = $1`, geofenceID)
	return wrap("delete geofence memberships", err)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
