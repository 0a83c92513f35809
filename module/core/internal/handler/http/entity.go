package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

type locationService interface {
	GetLatest(ctx context.Context, entityID string) (*domain.LocationPing, error)
	GetHistory(ctx context.Context, query *domain.HistoryQuery) ([]domain.LocationPing, error)
	GetAllEntities(ctx context.Context) ([]domain.Entity, error)
	GetMemberships(entityID string) []domain.MembershipRecord
}

type locationResponse struct {
	PingID         string   `json:"ping_id"`
	EntityID       string   `json:"entity_id"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters float64  `json:"accuracy_meters"`
	BatteryPercent *float64 `json:"battery_percent,omitempty"`
	Protocol       string   `json:"source_protocol"`
	Timestamp      int64    `json:"timestamp"`
}

type membershipResponse struct {
	GeofenceID       int64  `json:"geofence_id"`
	Inside           bool   `json:"inside"`
	LastTransitionAt *int64 `json:"last_transition_at,omitempty"`
	LastEvaluatedAt  *int64 `json:"last_evaluated_at,omitempty"`
}

type EntityHandler struct {
	locationSvc locationService
}

func NewEntityHandler(locationSvc locationService) *EntityHandler {
	return &EntityHandler{locationSvc: locationSvc}
}

func (h *EntityHandler) Register(r *gin.RouterGroup) {
	r.GET("/entities", h.GetAllEntities)
	r.GET("/entities/:entity_id/location", h.GetLatestLocation)
	r.GET("/entities/:entity_id/history", h.GetHistory)
	r.GET("/entities/:entity_id/memberships", h.GetMemberships)
}

func (h *EntityHandler) GetAllEntities(c *gin.Context) {
	entities, err := h.locationSvc.GetAllEntities(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch entities"})
		return
	}
	if entities == nil {
		entities = []domain.Entity{}
	}

	c.JSON(http.StatusOK, entities)
}

func (h *EntityHandler) GetLatestLocation(c *gin.Context) {
	entityID := c.Param("entity_id")

	p, err := h.locationSvc.GetLatest(c.Request.Context(), entityID)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch location"})
		return
	}

	c.JSON(http.StatusOK, toLocationResponse(p))
}

func (h *EntityHandler) GetHistory(c *gin.Context) {
	entityID := c.Param("entity_id")

	start, err := parseTimeParam(c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start parameter"})
		return
	}

	end, err := parseTimeParam(c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end parameter"})
		return
	}
	if end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must not be before start"})
		return
	}

	query := &domain.HistoryQuery{EntityID: entityID, Start: start, End: end}
	pings, err := h.locationSvc.GetHistory(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history"})
		return
	}

	results := make([]locationResponse, len(pings))
	for i := range pings {
		results[i] = toLocationResponse(&pings[i])
	}
	c.JSON(http.StatusOK, results)
}

func (h *EntityHandler) GetMemberships(c *gin.Context) {
	records := h.locationSvc.GetMemberships(c.Param("entity_id"))

	results := make([]membershipResponse, len(records))
	for i, r := range records {
		results[i] = membershipResponse{
			GeofenceID:       r.GeofenceID,
			Inside:           r.State.Inside,
			LastTransitionAt: unixOrNil(r.State.LastTransitionAt),
			LastEvaluatedAt:  unixOrNil(r.State.LastEvaluatedAt),
		}
	}
	c.JSON(http.StatusOK, results)
}

// parseTimeParam accepts unix seconds or RFC3339.
func parseTimeParam(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

func unixOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

func toLocationResponse(p *domain.LocationPing) locationResponse {
	return locationResponse{
		PingID:         p.ID,
		EntityID:       p.EntityID,
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		AccuracyMeters: p.AccuracyMeters,
		BatteryPercent: p.BatteryPercent,
		Protocol:       string(p.SourceProtocol),
		Timestamp:      p.Timestamp.Unix(),
	}
}
