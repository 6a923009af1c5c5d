// README: Driver handlers for offers and trip progress.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatchd/internal/http/middleware"
	"dispatchd/internal/modules/dispatch"
	"dispatchd/internal/types"
)

type DriverHandler struct {
	dispatch *dispatch.Service
}

func NewDriverHandler(svc *dispatch.Service) *DriverHandler {
	return &DriverHandler{dispatch: svc}
}

type respondReq struct {
	Action string `json:"action"`
}

// Respond answers an offer. Losing the race still returns 200 with outcome offer_withdrawn.
func (h *DriverHandler) Respond(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := h.dispatch.RespondToOffer(c.Request.Context(), dispatch.RespondCommand{
		RequestID: id,
		WorkerID:  types.ID(middleware.CallerUID(c)),
		Action:    req.Action,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *DriverHandler) Arrive(c *gin.Context) {
	h.tripAction(c, h.dispatch.Arrive)
}

func (h *DriverHandler) Start(c *gin.Context) {
	h.tripAction(c, h.dispatch.Start)
}

func (h *DriverHandler) tripAction(c *gin.Context, act func(ctx context.Context, cmd dispatch.WorkerActionCommand) (*dispatch.Request, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := act(c.Request.Context(), dispatch.WorkerActionCommand{RequestID: id, WorkerID: types.ID(middleware.CallerUID(c))})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type verifyOTPReq struct {
	Code string `json:"code"`
}

func (h *DriverHandler) VerifyOTP(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req verifyOTPReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r, err := h.dispatch.VerifyOTP(c.Request.Context(), dispatch.VerifyOTPCommand{
		RequestID: id,
		WorkerID:  types.ID(middleware.CallerUID(c)),
		Code:      req.Code,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type completeReq struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	WaitingMin  float64 `json:"waiting_min"`
}

func (h *DriverHandler) Complete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req completeReq
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.dispatch.Complete(c.Request.Context(), dispatch.CompleteCommand{
		RequestID:   id,
		WorkerID:    types.ID(middleware.CallerUID(c)),
		DistanceKm:  req.DistanceKm,
		DurationMin: req.DurationMin,
		WaitingMin:  req.WaitingMin,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// Cancel lets the assigned driver drop the trip.
func (h *DriverHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req := cancelReq{Reason: "driver_cancel"}
	if !bindJSON(c, &req) {
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	r, err := h.dispatch.Cancel(c.Request.Context(), dispatch.CancelCommand{
		RequestID: id,
		Actor:     dispatch.ActorDriver,
		ActorID:   &uid,
		Reason:    req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
