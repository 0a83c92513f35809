package domain

import "time"

type SourceProtocol string

const (
	ProtocolPolling SourceProtocol = "polling"
	ProtocolPush    SourceProtocol = "push"
	ProtocolFleet   SourceProtocol = "fleet"
)

func (p SourceProtocol) Valid() bool {
	switch p {
	case ProtocolPolling, ProtocolPush, ProtocolFleet:
		return true
	}
	return false
}

type GeoPoint struct {
	Lat float64 `json:"latitude" yaml:"latitude"`
	Lon float64 `json:"longitude" yaml:"longitude"`
}

// LocationPing is the canonical, protocol independent form of one position
// report. It is built by the normalizer and never modified afterwards.
type LocationPing struct {
	ID             string         `json:"id"`
	EntityID       string         `json:"entity_id"`
	DeviceID       string         `json:"device_id"`
	Latitude       float64        `json:"latitude"`
	Longitude      float64        `json:"longitude"`
	AccuracyMeters float64        `json:"accuracy_meters"`
	AccuracyKnown  bool           `json:"accuracy_known"`
	Timestamp      time.Time      `json:"timestamp"`
	BatteryPercent *float64       `json:"battery_percent,omitempty"`
	SourceProtocol SourceProtocol `json:"source_protocol"`
}

type Entity struct {
	EntityID string `json:"entity_id"`
}

type HistoryQuery struct {
	EntityID string
	Start    time.Time
	End      time.Time
}
