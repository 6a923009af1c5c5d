// README: Admin handlers: force-cancel, reassignment, broadcasts and rate profiles.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatchd/internal/http/middleware"
	"dispatchd/internal/modules/dispatch"
	"dispatchd/internal/modules/notification"
	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/types"
)

type BroadcastCreator interface {
	Create(ctx context.Context, cmd notification.CreateBroadcastCommand) (notification.Broadcast, error)
}

type RateProfileWriter interface {
	Upsert(ctx context.Context, p pricing.RateProfile) error
}

type AdminHandler struct {
	dispatch   *dispatch.Service
	broadcasts BroadcastCreator
	profiles   RateProfileWriter
}

func NewAdminHandler(svc *dispatch.Service, broadcasts BroadcastCreator, profiles RateProfileWriter) *AdminHandler {
	return &AdminHandler{dispatch: svc, broadcasts: broadcasts, profiles: profiles}
}

func (h *AdminHandler) ForceCancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req := cancelReq{Reason: "admin_cancel"}
	if !bindJSON(c, &req) {
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	r, err := h.dispatch.Cancel(c.Request.Context(), dispatch.CancelCommand{
		RequestID: id,
		Actor:     dispatch.ActorAdmin,
		ActorID:   &uid,
		Reason:    req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type reassignReq struct {
	WorkerID string `json:"worker_id"`
}

// Reassign re-dispatches the request, or assigns it to worker_id when given.
func (h *AdminHandler) Reassign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req reassignReq
	if !bindJSON(c, &req) {
		return
	}
	cmd := dispatch.ReassignCommand{RequestID: id, AdminID: types.ID(middleware.CallerUID(c))}
	if req.WorkerID != "" {
		cmd.WorkerID = types.ID(req.WorkerID).Ptr()
	}
	r, err := h.dispatch.Reassign(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type broadcastReq struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Audience    string    `json:"audience"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *AdminHandler) Broadcast(c *gin.Context) {
	var req broadcastReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	b, err := h.broadcasts.Create(c.Request.Context(), notification.CreateBroadcastCommand{
		Title:       req.Title,
		Body:        req.Body,
		Audience:    req.Audience,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, b)
}

func (h *AdminHandler) UpsertRateProfile(c *gin.Context) {
	var p pricing.RateProfile
	if err := c.ShouldBindJSON(&p); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p.VehicleClass = c.Param("class")
	if err := p.Validate(); err != nil {
		writeServiceError(c, err)
		return
	}
	if err := h.profiles.Upsert(c.Request.Context(), p); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}
