package ingest

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bus-buddy/internal/db"
	"bus-buddy/internal/gps"
)

type locationService interface {
	Ingest(ctx context.Context, u gps.Update, source string, recordedAt time.Time) (*db.Location, error)
	IngestWebhook(ctx context.Context, p WebhookPayload) (*db.Location, error)
	Latest(ctx context.Context, busID string) (*db.Location, error)
	History(ctx context.Context, busID string, start, end time.Time) ([]db.Location, error)
	Health(ctx context.Context) Health
}

type locationResponse struct {
	ID         string    `json:"id"`
	BusID      string    `json:"busId"`
	TripID     *string   `json:"tripId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      *float64  `json:"speed"`
	Heading    *int      `json:"heading"`
	Source     string    `json:"source"`
	RecordedAt time.Time `json:"recordedAt"`
}

type Handler struct {
	svc     locationService
	metrics Metrics
}

func NewHandler(svc locationService, m Metrics) *Handler {
	return &Handler{svc: svc, metrics: m}
}

func (h *Handler) Register(r *gin.RouterGroup) {
	r.POST("/api/gps/location", h.PostLocation)
	r.POST("/api/webhooks/tracker", h.PostTrackerWebhook)
	r.GET("/api/buses/:busId/location", h.GetLatestLocation)
	r.GET("/api/buses/:busId/history", h.GetHistory)
	r.GET("/healthz", h.GetHealth)
}

func (h *Handler) PostLocation(c *gin.Context) {
	var u gps.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		h.malformed(c, err)
		return
	}
	loc, err := h.svc.Ingest(c.Request.Context(), u, SourceClient, time.Time{})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toLocationResponse(loc))
}

func (h *Handler) PostTrackerWebhook(c *gin.Context) {
	var p WebhookPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		h.malformed(c, err)
		return
	}
	loc, err := h.svc.IngestWebhook(c.Request.Context(), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toLocationResponse(loc))
}

func (h *Handler) GetLatestLocation(c *gin.Context) {
	loc, err := h.svc.Latest(c.Request.Context(), c.Param("busId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no location recorded for bus"})
		return
	}
	if err != nil {
		log.Printf("ingest: latest location: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch location"})
		return
	}
	c.JSON(http.StatusOK, toLocationResponse(loc))
}

func (h *Handler) GetHistory(c *gin.Context) {
	busID := c.Param("busId")

	start, err := strconv.ParseInt(c.Query("start"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start parameter"})
		return
	}
	end, err := strconv.ParseInt(c.Query("end"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end parameter"})
		return
	}
	if end < start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must not be before start"})
		return
	}

	locations, err := h.svc.History(c.Request.Context(), busID, time.Unix(start, 0), time.Unix(end, 0))
	if err != nil {
		log.Printf("ingest: history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch history"})
		return
	}

	results := make([]locationResponse, len(locations))
	for i := range locations {
		results[i] = toLocationResponse(&locations[i])
	}
	c.JSON(http.StatusOK, results)
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := h.svc.Health(c.Request.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (h *Handler) malformed(c *gin.Context, err error) {
	if h.metrics != nil {
		h.metrics.RejectedInc("malformed")
	}
	c.JSON(http.StatusBadRequest, gps.Rejection{
		Error:   "malformed request body",
		Details: []gps.FieldError{{Field: "body", Message: err.Error()}},
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gps.Rejection{Error: ErrInvalid.Error(), Details: ve.Details})
	case errors.Is(err, ErrUnknownDevice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Printf("ingest: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store location"})
	}
}

func toLocationResponse(loc *db.Location) locationResponse {
	return locationResponse{
		ID:         loc.ID,
		BusID:      loc.BusID,
		TripID:     loc.TripID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Speed:      loc.SpeedKmh,
		Heading:    loc.Heading,
		Source:     loc.Source,
		RecordedAt: loc.RecordedAt,
	}
}
