// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchd/internal/http/handlers"
	"dispatchd/internal/http/middleware"
	"dispatchd/internal/infra"
	"dispatchd/internal/logging"
	"dispatchd/internal/modules/dispatch"
	"dispatchd/internal/modules/location"
	"dispatchd/internal/modules/notification"
)

// RouterDeps carries the services behind the API. Publisher, Hub, Broadcasts and
// RateProfiles are optional; their routes are skipped when nil.
type RouterDeps struct {
	Dispatch     *dispatch.Service
	Quotes       handlers.Quoter
	Location     *location.Service
	Publisher    handlers.LocationPublisher
	Hub          *notification.Hub
	Broadcasts   handlers.BroadcastCreator
	RateProfiles handlers.RateProfileWriter
	Verifier     infra.TokenVerifier
	Logger       *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	logger := logging.OrDiscard(deps.Logger)
	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	requests := handlers.NewRequestHandler(deps.Dispatch, deps.Quotes)
	api.POST("/requests", requests.Create)
	api.GET("/requests/:id", requests.Get)
	api.GET("/requests/:id/events", requests.Events)
	api.POST("/requests/:id/cancel", requests.Cancel)
	api.POST("/requests/:id/otp/resend", requests.ResendOTP)
	api.POST("/quotes", requests.Quote)

	workers := api.Group("/workers", middleware.RequireRole(middleware.RoleDriver))
	loc := handlers.NewLocationHandler(deps.Location, deps.Publisher)
	workers.POST("/me/online", loc.Online)
	workers.POST("/me/offline", loc.Offline)
	workers.PUT("/me/location", loc.Update)

	driver := handlers.NewDriverHandler(deps.Dispatch)
	workers.POST("/requests/:id/respond", driver.Respond)
	workers.POST("/requests/:id/arrive", driver.Arrive)
	workers.POST("/requests/:id/verify-otp", driver.VerifyOTP)
	workers.POST("/requests/:id/start", driver.Start)
	workers.POST("/requests/:id/complete", driver.Complete)
	workers.POST("/requests/:id/cancel", driver.Cancel)
	if deps.Hub != nil {
		workers.GET("/ws", handlers.NewSocketHandler(deps.Hub).Serve)
	}

	admin := api.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	adm := handlers.NewAdminHandler(deps.Dispatch, deps.Broadcasts, deps.RateProfiles)
	admin.POST("/requests/:id/force-cancel", adm.ForceCancel)
	admin.POST("/requests/:id/reassign", adm.Reassign)
	if deps.Broadcasts != nil {
		admin.POST("/broadcasts", adm.Broadcast)
	}
	if deps.RateProfiles != nil {
		admin.PUT("/rate-profiles/:class", adm.UpsertRateProfile)
	}

	return r
}
