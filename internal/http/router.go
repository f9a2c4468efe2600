// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"medidrop/internal/http/handlers"
	"medidrop/internal/http/middleware"
	"medidrop/internal/infra"
	"medidrop/internal/modules/broadcast"
	"medidrop/internal/modules/directory"
	"medidrop/internal/modules/order"
)

type RouterDeps struct {
	Orders     *order.Service
	Broadcasts *broadcast.Service
	Directory  *directory.Service
	Watcher    handlers.Watcher
	Verifier   infra.TokenVerifier
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	orderHandler := handlers.NewOrderHandler(deps.Orders)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders/:id", orderHandler.Get)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/deliver", orderHandler.Deliver)

	broadcastHandler := handlers.NewBroadcastHandler(deps.Broadcasts, deps.Watcher, logger)
	api.POST("/broadcasts", broadcastHandler.Start)
	api.POST("/broadcasts/respond", broadcastHandler.Respond)
	api.GET("/broadcasts/:id", broadcastHandler.Get)
	api.GET("/broadcasts/:id/requests", broadcastHandler.Requests)
	api.GET("/broadcasts/:id/watch", broadcastHandler.Watch)
	api.POST("/escalations/run", broadcastHandler.Escalate)

	locationHandler := handlers.NewLocationHandler(deps.Directory)
	api.PUT("/candidates/:id/location", locationHandler.Update)
	api.PUT("/candidates/:id/availability", locationHandler.SetAvailability)

	return r
}
