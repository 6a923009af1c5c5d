// README: Requester handlers: create, status, cancel, pickup code and fare preview.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatchd/internal/http/middleware"
	"dispatchd/internal/modules/dispatch"
	"dispatchd/internal/modules/pricing"
	"dispatchd/internal/types"
)

type Quoter interface {
	Estimate(ctx context.Context, cmd pricing.EstimateCommand) (pricing.Quote, error)
}

type RequestHandler struct {
	dispatch *dispatch.Service
	quotes   Quoter
}

func NewRequestHandler(svc *dispatch.Service, quotes Quoter) *RequestHandler {
	return &RequestHandler{dispatch: svc, quotes: quotes}
}

type placeReq struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (p placeReq) place() types.Place {
	return types.Place{Point: types.Point{Lat: p.Lat, Lng: p.Lng}, Address: p.Address}
}

type createRequestReq struct {
	Kind          string   `json:"kind"`
	Pickup        placeReq `json:"pickup"`
	Drop          placeReq `json:"drop"`
	VehicleClass  string   `json:"vehicle_class"`
	Category      string   `json:"category"`
	WaitingMin    float64  `json:"waiting_min"`
	RentalMinutes float64  `json:"rental_minutes"`
	PushToken     string   `json:"push_token"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r, err := h.dispatch.Create(c.Request.Context(), dispatch.CreateCommand{
		RequesterID:    types.ID(middleware.CallerUID(c)),
		RequesterToken: req.PushToken,
		Kind:           dispatch.Kind(req.Kind),
		Pickup:         req.Pickup.place(),
		Drop:           req.Drop.place(),
		VehicleClass:   req.VehicleClass,
		Category:       req.Category,
		WaitingMin:     req.WaitingMin,
		RentalMinutes:  req.RentalMinutes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

// Get returns the request to its requester, its assigned driver or an admin.
func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.dispatch.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !canView(c, r) {
		writeServiceError(c, dispatch.ErrForbidden)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type eventResp struct {
	From      dispatch.Status `json:"from"`
	To        dispatch.Status `json:"to"`
	Actor     string          `json:"actor"`
	ActorID   *types.ID       `json:"actor_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func (h *RequestHandler) Events(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.dispatch.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !canView(c, r) {
		writeServiceError(c, dispatch.ErrForbidden)
		return
	}
	events, err := h.dispatch.Events(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]eventResp, len(events))
	for i, e := range events {
		out[i] = eventResp{
			From: e.FromStatus, To: e.ToStatus, Actor: e.ActorType, ActorID: e.ActorID,
			Reason: e.Reason, CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	writeJSON(c, http.StatusOK, map[string]any{"request_id": id, "events": out})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req := cancelReq{Reason: "user_cancel"}
	if !bindJSON(c, &req) {
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	r, err := h.dispatch.Cancel(c.Request.Context(), dispatch.CancelCommand{
		RequestID: id,
		Actor:     dispatch.ActorUser,
		ActorID:   &uid,
		Reason:    req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RequestHandler) ResendOTP(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.dispatch.ResendOTP(c.Request.Context(), id, types.ID(middleware.CallerUID(c))); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, map[string]any{"request_id": id, "status": "sent"})
}

type quoteReq struct {
	Pickup        placeReq `json:"pickup"`
	Drop          placeReq `json:"drop"`
	VehicleClass  string   `json:"vehicle_class"`
	WaitingMin    float64  `json:"waiting_min"`
	RentalMinutes float64  `json:"rental_minutes"`
}

// Quote previews the fare without creating a request.
func (h *RequestHandler) Quote(c *gin.Context) {
	var req quoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	q, err := h.quotes.Estimate(c.Request.Context(), pricing.EstimateCommand{
		Pickup:        req.Pickup.place().Point,
		Drop:          req.Drop.place().Point,
		VehicleClass:  req.VehicleClass,
		WaitingMin:    req.WaitingMin,
		Rental:        req.RentalMinutes > 0,
		RentalMinutes: req.RentalMinutes,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, q)
}

func canView(c *gin.Context, r *dispatch.Request) bool {
	uid := types.ID(middleware.CallerUID(c))
	switch middleware.CallerRole(c) {
	case middleware.RoleAdmin:
		return true
	case middleware.RoleDriver:
		return r.AssignedTo(uid)
	default:
		return r.RequesterID == uid
	}
}
