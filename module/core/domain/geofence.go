package domain

type GeometryKind string

const (
	GeometryCircle  GeometryKind = "circle"
	GeometryPolygon GeometryKind = "polygon"
)

// Geometry is either a circle (Center + RadiusMeters) or a polygon given as an
// ordered vertex ring. The ring may or may not repeat its first vertex.
type Geometry struct {
	Kind         GeometryKind `json:"kind"`
	Center       GeoPoint     `json:"center"`
	RadiusMeters float64      `json:"radius_meters,omitempty"`
	Vertices     []GeoPoint   `json:"vertices,omitempty"`
}

type Geofence struct {
	ID           int64    `json:"id"`
	LocationCode string   `json:"location_code"`
	DisplayName  string   `json:"display_name"`
	Active       bool     `json:"active"`
	Geometry     Geometry `json:"geometry"`
	Version      int64    `json:"version"`
}
