package app

import (
	"github.com/crowsandbox/crow/internal/controllers"
	"github.com/crowsandbox/crow/internal/middleware"
	"github.com/crowsandbox/crow/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	scopeSubmit = "jobs:submit"
	scopeRead   = "jobs:read"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", controllers.NewHealthController(app.Store).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	submitLimit := middleware.RateLimit(app.RateLimiter, "submit", "create_job", ratelimit.BucketFrom(app.Config.RateLimit.Submit))
	readLimit := middleware.RateLimit(app.RateLimiter, "read", "get_job", ratelimit.BucketFrom(app.Config.RateLimit.Read))

	v1 := app.Engine.Group("/v1/crow", middleware.AuthMiddleware(app.Validator))
	{
		v1.POST("/jobs", middleware.RequireScope(scopeSubmit), submitLimit, controllers.NewSubmitJobController(app.Jobs).Handle)

		read := v1.Group("", middleware.RequireScope(scopeRead), readLimit)
		read.GET("/jobs/:id", controllers.NewGetJobController(app.Jobs).Handle)
		read.GET("/jobs/:id/report", controllers.NewGetReportController(app.Jobs).Handle)
		read.GET("/stats", controllers.NewStatsController(app.Jobs).Handle)
	}
}
