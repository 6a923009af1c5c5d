// README: Worker presence and location handlers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatchd/internal/http/middleware"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/types"
)

// LocationPublisher hands samples to the ingestion pipeline instead of applying them inline.
type LocationPublisher interface {
	Publish(ctx context.Context, u location.Update) error
}

type LocationHandler struct {
	location  *location.Service
	publisher LocationPublisher
}

// NewLocationHandler applies samples inline when publisher is nil.
func NewLocationHandler(svc *location.Service, publisher LocationPublisher) *LocationHandler {
	return &LocationHandler{location: svc, publisher: publisher}
}

type onlineReq struct {
	VehicleClass string       `json:"vehicle_class"`
	Category     string       `json:"category"`
	PushToken    string       `json:"push_token"`
	Position     *types.Point `json:"position"`
}

func (h *LocationHandler) Online(c *gin.Context) {
	var req onlineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	w, err := h.location.GoOnline(c.Request.Context(), location.OnlineCommand{
		Profile: location.Profile{
			WorkerID:     types.ID(middleware.CallerUID(c)),
			VehicleClass: req.VehicleClass,
			Category:     req.Category,
			PushToken:    req.PushToken,
		},
		Position: req.Position,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, w)
}

func (h *LocationHandler) Offline(c *gin.Context) {
	if err := h.location.GoOffline(c.Request.Context(), types.ID(middleware.CallerUID(c))); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "offline"})
}

type locationReq struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Update records the caller's own position; a driver can only move itself.
func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	u := location.Update{
		WorkerID:   types.ID(middleware.CallerUID(c)),
		Position:   types.Point{Lat: req.Lat, Lng: req.Lng},
		RecordedAt: req.RecordedAt,
	}
	if !u.Position.Valid() {
		writeServiceError(c, location.ErrBadSample)
		return
	}
	if h.publisher != nil {
		if u.RecordedAt.IsZero() {
			u.RecordedAt = time.Now().UTC()
		}
		if err := h.publisher.Publish(c.Request.Context(), u); err != nil {
			writeServiceError(c, err)
			return
		}
		writeJSON(c, http.StatusAccepted, map[string]any{"status": "queued"})
		return
	}
	result, err := h.location.Ingest(c.Request.Context(), u)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": result})
}
