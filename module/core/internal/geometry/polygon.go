package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

type polygon struct {
	loop   *s2.Loop
	bound  s2.Cap
	radius float64
}

func newPolygon(g domain.Geometry) (*polygon, error) {
	vs := g.Vertices
	if n := len(vs); n > 1 && vs[0] == vs[n-1] {
		vs = vs[:n-1]
	}
	if len(vs) < 3 {
		return nil, fmt.Errorf("%w: polygon needs at least 3 distinct vertices", ErrInvalidGeometry)
	}

	pts := make([]s2.Point, 0, len(vs))
	for i, v := range vs {
		if !validPoint(v) {
			return nil, fmt.Errorf("%w: vertex %d out of range", ErrInvalidGeometry, i)
		}
		pts = append(pts, s2.PointFromLatLng(s2.LatLngFromDegrees(v.Lat, v.Lon)))
	}

	loop := s2.LoopFromPoints(pts)
	// vertex rings arrive in either winding; geofences are always the smaller side
	loop.Normalize()
	if err := loop.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	bound := loop.CapBound()
	return &polygon{
		loop:   loop,
		bound:  bound,
		radius: AngleToMeters(bound.Radius()),
	}, nil
}

func (p *polygon) Classify(lat, lon, accuracyMeters, band float64) Classification {
	if lowQuality(p, accuracyMeters) {
		return Ambiguous
	}
	pt := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	contained := p.loop.ContainsPoint(pt)
	edge := AngleToMeters(p.distanceToBoundary(pt))
	margin := accuracyMeters * band

	switch {
	case contained && edge >= margin:
		return Inside
	case !contained && edge > margin:
		return Outside
	default:
		return Ambiguous
	}
}

func (p *polygon) distanceToBoundary(pt s2.Point) s1.Angle {
	best := s1.Angle(math.Inf(1))
	for i := 0; i < p.loop.NumEdges(); i++ {
		e := p.loop.Edge(i)
		if d := s2.DistanceFromSegment(pt, e.V0, e.V1); d < best {
			best = d
		}
	}
	return best
}

func (p *polygon) Bound() s2.Cap {
	return p.bound
}

func (p *polygon) EffectiveRadiusMeters() float64 {
	return p.radius
}
