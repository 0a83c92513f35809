package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/service"
)

const maxPayloadBytes = 64 << 10

type ingestService interface {
	Ingest(ctx context.Context, raw []byte, protocol domain.SourceProtocol, deviceHint string) (*service.IngestResult, error)
}

type ingestResponse struct {
	Status string `json:"status"`
	PingID string `json:"ping_id,omitempty"`
	Events int    `json:"events"`
}

// IngestHandler accepts position reports from tracking clients over HTTP.
type IngestHandler struct {
	ingestSvc ingestService
}

func NewIngestHandler(ingestSvc ingestService) *IngestHandler {
	return &IngestHandler{ingestSvc: ingestSvc}
}

func (h *IngestHandler) Register(r *gin.RouterGroup) {
	r.GET("/locations/polling", h.Polling)
	r.POST("/locations/polling", h.Polling)
	r.POST("/locations/push", h.Push)
}

// Polling takes the report from the body, or from the query string when the
// body is empty, which is how polling clients usually send it.
func (h *IngestHandler) Polling(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		bodyError(c, err)
		return
	}
	if len(raw) == 0 {
		raw = []byte(c.Request.URL.RawQuery)
	}
	h.ingest(c, raw, domain.ProtocolPolling, "")
}

// Push takes an OwnTracks style report. The device may be named by the
// X-Limit-U and X-Limit-D headers instead of the body.
func (h *IngestHandler) Push(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		bodyError(c, err)
		return
	}

	var hint string
	if u, d := c.GetHeader("X-Limit-U"), c.GetHeader("X-Limit-D"); u != "" && d != "" {
		hint = u + "/" + d
	}
	h.ingest(c, raw, domain.ProtocolPush, hint)
}

func (h *IngestHandler) ingest(c *gin.Context, raw []byte, protocol domain.SourceProtocol, hint string) {
	res, err := h.ingestSvc.Ingest(c.Request.Context(), raw, protocol, hint)

	var nerr *domain.NormalizationError
	switch {
	case errors.As(err, &nerr) && errors.Is(err, domain.ErrStaleTimestamp):
		// clients resend on failure; an old fix will never become fresh
		c.JSON(http.StatusOK, ingestResponse{Status: "stale"})
	case errors.As(err, &nerr) && errors.Is(err, domain.ErrUnknownEntity):
		c.JSON(http.StatusNotFound, gin.H{"error": nerr.Error()})
	case errors.As(err, &nerr):
		c.JSON(http.StatusBadRequest, gin.H{"error": nerr.Error()})
	case res != nil && err != nil:
		c.JSON(http.StatusAccepted, ingestResponse{Status: "accepted", PingID: res.Ping.ID, Events: len(res.Events)})
	case err != nil && domain.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process location"})
	default:
		c.JSON(http.StatusOK, ingestResponse{Status: "ok", PingID: res.Ping.ID, Events: len(res.Events)})
	}
}

func bodyError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
}

func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	return io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
}
