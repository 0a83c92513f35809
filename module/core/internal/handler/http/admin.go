package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/cache"
)

const (
	defaultUndeliveredLimit = 100
	maxUndeliveredLimit     = 1000
)

type geofenceCatalog interface {
	Current() *cache.Snapshot
	Refresh(ctx context.Context) error
}

type undeliveredLister interface {
	ListUndelivered(ctx context.Context, limit int) ([]domain.TransitionEvent, error)
}

type membershipRemover interface {
	RemoveEntity(ctx context.Context, entityID string) error
	RemoveGeofence(ctx context.Context, geofenceID int64) error
}

type geofenceResponse struct {
	ID                    int64               `json:"id"`
	LocationCode          string              `json:"location_code"`
	DisplayName           string              `json:"display_name"`
	Kind                  domain.GeometryKind `json:"kind"`
	Version               int64               `json:"version"`
	EffectiveRadiusMeters float64             `json:"effective_radius_meters"`
}

type snapshotResponse struct {
	SnapshotVersion uint64             `json:"snapshot_version"`
	LoadedAt        int64              `json:"loaded_at"`
	Geofences       []geofenceResponse `json:"geofences"`
}

// AdminHandler exposes the geofence snapshot, the refresh signal, the
// undelivered event contract and membership resets.
type AdminHandler struct {
	geofences   geofenceCatalog
	events      undeliveredLister
	memberships membershipRemover
}

func NewAdminHandler(geofences geofenceCatalog, events undeliveredLister, memberships membershipRemover) *AdminHandler {
	return &AdminHandler{geofences: geofences, events: events, memberships: memberships}
}

func (h *AdminHandler) Register(r *gin.RouterGroup) {
	r.GET("/geofences", h.ListGeofences)
	r.POST("/geofences/refresh", h.RefreshGeofences)
	r.GET("/events/undelivered", h.ListUndelivered)
	r.DELETE("/memberships/entities/:entity_id", h.ResetEntity)
	r.DELETE("/memberships/geofences/:geofence_id", h.ResetGeofence)
}

func (h *AdminHandler) ListGeofences(c *gin.Context) {
	c.JSON(http.StatusOK, toSnapshotResponse(h.geofences.Current()))
}

func (h *AdminHandler) RefreshGeofences(c *gin.Context) {
	if err := h.geofences.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":            "refresh failed, previous snapshot kept",
			"snapshot_version": h.geofences.Current().Version,
		})
		return
	}
	snap := h.geofences.Current()
	c.JSON(http.StatusOK, gin.H{"snapshot_version": snap.Version, "geofences": snap.Len()})
}

func (h *AdminHandler) ListUndelivered(c *gin.Context) {
	limit := defaultUndeliveredLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
			return
		}
		limit = min(n, maxUndeliveredLimit)
	}

	events, err := h.events.ListUndelivered(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to list undelivered events"})
		return
	}
	if events == nil {
		events = []domain.TransitionEvent{}
	}
	c.JSON(http.StatusOK, events)
}

// ResetEntity forgets every membership of an entity, so its next ping is
// evaluated as if it had been outside everywhere.
func (h *AdminHandler) ResetEntity(c *gin.Context) {
	if err := h.memberships.RemoveEntity(c.Request.Context(), c.Param("entity_id")); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to reset memberships"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) ResetGeofence(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("geofence_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid geofence_id"})
		return
	}
	if err := h.memberships.RemoveGeofence(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to reset memberships"})
		return
	}
	c.Status(http.StatusNoContent)
}

func toSnapshotResponse(snap *cache.Snapshot) snapshotResponse {
	entries := snap.Geofences()
	resp := snapshotResponse{
		SnapshotVersion: snap.Version,
		Geofences:       make([]geofenceResponse, len(entries)),
	}
	if !snap.LoadedAt.IsZero() {
		resp.LoadedAt = snap.LoadedAt.Unix()
	}
	for i, e := range entries {
		resp.Geofences[i] = geofenceResponse{
			ID:                    e.Geofence.ID,
			LocationCode:          e.Geofence.LocationCode,
			DisplayName:           e.Geofence.DisplayName,
			Kind:                  e.Geofence.Geometry.Kind,
			Version:               e.Geofence.Version,
			EffectiveRadiusMeters: e.Shape.EffectiveRadiusMeters(),
		}
	}
	return resp
}
