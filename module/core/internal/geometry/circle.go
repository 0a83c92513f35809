package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

type circle struct {
	center s2.LatLng
	radius float64
}

func newCircle(g domain.Geometry) (*circle, error) {
	if !validPoint(g.Center) {
		return nil, fmt.Errorf("%w: center out of range", ErrInvalidGeometry)
	}
	if g.RadiusMeters <= 0 || math.IsNaN(g.RadiusMeters) || math.IsInf(g.RadiusMeters, 0) {
		return nil, fmt.Errorf("%w: radius must be positive", ErrInvalidGeometry)
	}
	return &circle{
		center: s2.LatLngFromDegrees(g.Center.Lat, g.Center.Lon),
		radius: g.RadiusMeters,
	}, nil
}

func (c *circle) Classify(lat, lon, accuracyMeters, band float64) Classification {
	if lowQuality(c, accuracyMeters) {
		return Ambiguous
	}
	d := AngleToMeters(c.center.Distance(s2.LatLngFromDegrees(lat, lon)))
	margin := accuracyMeters * band
	switch {
	case d+margin <= c.radius:
		return Inside
	case d-margin > c.radius:
		return Outside
	default:
		return Ambiguous
	}
}

func (c *circle) Bound() s2.Cap {
	return s2.CapFromCenterAngle(s2.PointFromLatLng(c.center), MetersToAngle(c.radius))
}

func (c *circle) EffectiveRadiusMeters() float64 {
	return c.radius
}
