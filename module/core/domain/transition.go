package domain

import (
	"fmt"
	"time"
)

type TransitionKind string

const (
	TransitionEnter TransitionKind = "ENTER"
	TransitionExit  TransitionKind = "EXIT"
)

type TransitionEvent struct {
	EntityID         string         `json:"entity_id"`
	GeofenceID       int64          `json:"geofence_id"`
	LocationCode     string         `json:"location_code"`
	DisplayName      string         `json:"display_name"`
	Kind             TransitionKind `json:"kind"`
	OccurredAt       time.Time      `json:"occurred_at"`
	TriggeringPingID string         `json:"triggering_ping_id"`
}

// Key identifies the real-world crossing. Re-processing the same ping yields
// the same key, which is what the event log deduplicates on.
func (e TransitionEvent) Key() string {
	return fmt.Sprintf("%s|%d|%s|%d", e.EntityID, e.GeofenceID, e.Kind, e.OccurredAt.UTC().UnixNano())
}
