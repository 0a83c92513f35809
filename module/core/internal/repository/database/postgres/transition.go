package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database"
)

var _ database.TransitionRepository = (*TransitionRepo)(nil)

type TransitionRepo struct {
	db *sql.DB
}

func NewTransitionRepo(db *sql.DB) *TransitionRepo {
	return &TransitionRepo{db: db}
}

func (r *TransitionRepo) Insert(ctx context.Context, ev domain.TransitionEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO transition_events (entity_id, geofence_id, location_code, display_name, kind, occurred_at, triggering_ping_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (entity_id, geofence_id, kind, occurred_at) DO NOTHING`,
		ev.EntityID, ev.GeofenceID, ev.LocationCode, ev.DisplayName, string(ev.Kind), ev.OccurredAt.UTC(), ev.TriggeringPingID,
	)
	if err != nil {
		return false, wrap("insert transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("insert transition", err)
	}
	return n > 0, nil
}

func (r *TransitionRepo) MarkDelivered(ctx context.Context, ev domain.TransitionEvent, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transition_events SET delivered_at = $5
		 WHERE entity_id = $1 AND geofence_id = $2 AND kind = $3 AND occurred_at = $4 AND delivered_at IS NULL`,
		ev.EntityID, ev.GeofenceID, string(ev.Kind), ev.OccurredAt.UTC(), at.UTC(),
	)
	return wrap("mark transition delivered", err)
}

// ListUndelivered returns persisted events that were never acknowledged by
// the notifier, oldest first.
func (r *TransitionRepo) ListUndelivered(ctx context.Context, limit int) ([]domain.TransitionEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, geofence_id, location_code, display_name, kind, occurred_at, triggering_ping_id
		 FROM transition_events WHERE delivered_at IS NULL ORDER BY occurred_at, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, wrap("list undelivered", err)
	}
	defer func() { _ = rows.Close() }()

	var results []domain.TransitionEvent
	for rows.Next() {
		var (
			ev   domain.TransitionEvent
			kind string
		)
		if err := rows.Scan(&ev.EntityID, &ev.GeofenceID, &ev.LocationCode, &ev.DisplayName,
			&kind, &ev.OccurredAt, &ev.TriggeringPingID); err != nil {
			return nil, wrap("scan transition", err)
		}
		ev.Kind = domain.TransitionKind(kind)
		results = append(results, ev)
	}
	return results, wrap("list undelivered", rows.Err())
}
