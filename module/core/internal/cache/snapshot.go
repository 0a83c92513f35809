package cache

import (
	"sort"
	"time"

	"github.com/golang/geo/s2"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/geometry"
)

// Entry pairs a geofence with the shape compiled from that exact geofence
// version. Entries are shared between readers and never modified.
type Entry struct {
	Geofence domain.Geofence
	Shape    geometry.Shape
}

// Snapshot is an immutable, indexed view of the active geofences.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	byID     map[int64]*Entry
	cells    map[s2.CellID][]*Entry
	minLevel int
	maxLevel int
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		byID:  map[int64]*Entry{},
		cells: map[s2.CellID][]*Entry{},
	}
}

// Lookup returns the geofences whose indexed area covers the point, ordered
// by ascending id.
func (s *Snapshot) Lookup(lat, lon float64) []*Entry {
	if len(s.cells) == 0 {
		return nil
	}
	leaf := s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon))

	seen := map[int64]struct{}{}
	var out []*Entry
	for level := s.minLevel; level <= s.maxLevel; level++ {
		for _, e := range s.cells[leaf.Parent(level)] {
			if _, ok := seen[e.Geofence.ID]; ok {
				continue
			}
			seen[e.Geofence.ID] = struct{}{}
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func (s *Snapshot) Get(id int64) (*Entry, bool) {
	e, ok := s.byID[id]
	return e, ok
}

func (s *Snapshot) Len() int {
	return len(s.byID)
}

// Geofences lists every entry by ascending id.
func (s *Snapshot) Geofences() []*Entry {
	out := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(es []*Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Geofence.ID < es[j].Geofence.ID })
}
