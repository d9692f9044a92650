package http

import (
	"github.com/gin-gonic/gin"

	"github.com/mi6-platform/moneypenny/internal/api/http/handler"
	"github.com/mi6-platform/moneypenny/internal/api/http/middleware"
	"github.com/mi6-platform/moneypenny/internal/auth"
	"github.com/mi6-platform/moneypenny/internal/dispatcher"
	"github.com/mi6-platform/moneypenny/internal/ledger"
	"github.com/mi6-platform/moneypenny/internal/orders"
	"github.com/mi6-platform/moneypenny/internal/tracker"
)

type Services struct {
	Dispatcher *dispatcher.Dispatcher
	Tracker    *tracker.Tracker
	Orders     *orders.M
	Quips      *orders.Quips
	Ledger     *ledger.Ledger
	Auth       auth.Config
	Version    string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	orderHandler := handler.NewOrderHandler(srvs.Dispatcher)
	statusHandler := handler.NewStatusHandler(srvs.Tracker)
	indexHandler := handler.NewIndexHandler(srvs.Quips, srvs.Version)
	adminHandler := handler.NewAdminHandler(srvs.Orders, srvs.Quips, srvs.Tracker, srvs.Ledger)

	api := engine.Group("/moneypenny")
	{
		api.GET("/", indexHandler.Get)
		api.POST("/commission", orderHandler.Commission)
		api.POST("/retire", orderHandler.Retire)
		api.GET("/users", statusHandler.ListTasks)
		api.GET("/users/:username", statusHandler.GetUser)

		admin := api.Group("/admin", middleware.AdminAuth(srvs.Auth))
		{
			admin.GET("/dump", adminHandler.Dump)
			admin.GET("/ledger", adminHandler.Ledger)
		}
	}
}
