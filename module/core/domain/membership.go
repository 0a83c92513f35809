package domain

import "time"

// MembershipState is the last accepted classification of one entity against
// one geofence. The zero value means outside.
type MembershipState struct {
	Inside                        bool      `json:"inside"`
	LastTransitionAt              time.Time `json:"last_transition_at"`
	LastEvaluatedAt               time.Time `json:"last_evaluated_at"`
	ConsecutiveBoundaryCrossCount int       `json:"consecutive_boundary_cross_count"`
}

type MembershipRecord struct {
	EntityID   string          `json:"entity_id"`
	GeofenceID int64           `json:"geofence_id"`
	State      MembershipState `json:"state"`
}
