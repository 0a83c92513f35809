// Package geometry classifies positions against geofence shapes on the
// sphere. Distances are great-circle distances in meters.
package geometry

import (
	"errors"
	"fmt"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

const EarthRadiusMeters = 6371008.8

var ErrInvalidGeometry = errors.New("invalid geometry")

type Classification int

const (
	Ambiguous Classification = iota
	Inside
	Outside
)

func (c Classification) String() string {
	switch c {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	default:
		return "ambiguous"
	}
}

// Shape is a compiled geofence geometry.
type Shape interface {
	// Classify applies the accuracy band: the fix is inside only when the
	// whole accuracy disc (scaled by band) lies within the shape, outside only
	// when the disc lies entirely beyond it.
	Classify(lat, lon, accuracyMeters, band float64) Classification
	// Bound is the smallest cap containing the shape.
	Bound() s2.Cap
	// EffectiveRadiusMeters sizes the low quality fix rule.
	EffectiveRadiusMeters() float64
}

func MetersToAngle(m float64) s1.Angle {
	return s1.Angle(m / EarthRadiusMeters)
}

func AngleToMeters(a s1.Angle) float64 {
	return a.Radians() * EarthRadiusMeters
}

// Distance returns the great-circle distance between two points in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return AngleToMeters(p1.Distance(p2))
}

// Compile validates g and builds the shape used for classification.
func Compile(g domain.Geometry) (Shape, error) {
	switch g.Kind {
	case domain.GeometryCircle:
		return newCircle(g)
	case domain.GeometryPolygon:
		return newPolygon(g)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidGeometry, g.Kind)
	}
}

func validPoint(p domain.GeoPoint) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// lowQuality reports a fix too coarse to ever trigger a transition.
func lowQuality(s Shape, accuracyMeters float64) bool {
	return accuracyMeters > 2*s.EffectiveRadiusMeters()
}
