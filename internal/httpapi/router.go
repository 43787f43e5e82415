// Package httpapi wires gin, the middleware stack, and every handler
// onto routes (spec.md §6 + SPEC_FULL.md §6 supplement), grounded on
// the teacher's internal/server.NewRouter(RouterConfig{...}) pattern.
package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/httpapi/handlers"
	"github.com/scribeworks/controlplane/internal/httpapi/middleware"
	"github.com/scribeworks/controlplane/internal/metrics"
)

// RouterConfig collects every handler and middleware dependency the
// router needs, mirroring the teacher's server.RouterConfig.
type RouterConfig struct {
	Auth *middleware.AuthMiddleware

	Jobs    *handlers.JobsHandler
	Runners *handlers.RunnersHandler
	Admin   *handlers.AdminHandler
	Health  *handlers.HealthHandler

	AdminToken      string
	CORSOrigins     []string
	RunnerRateLimit *middleware.RunnerRateLimiter

	RequestLogger gin.HandlerFunc
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.AttachRequestID())
	if cfg.RequestLogger != nil {
		router.Use(cfg.RequestLogger)
	}
	router.Use(middleware.Metrics())
	router.Use(middleware.CORS(cfg.CORSOrigins))

	router.GET("/healthz", cfg.Health.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	jobs := router.Group("/jobs")
	jobs.Use(cfg.Auth.RequireUser())
	{
		jobs.POST("/submit_job", cfg.Jobs.SubmitJob)
		jobs.GET("/count", cfg.Jobs.GetJobCount)
		jobs.GET("/top_k", cfg.Jobs.GetJobTopK)
		jobs.GET("/info", cfg.Jobs.GetJobInfo)
		jobs.POST("/abort", cfg.Jobs.AbortJob)
		jobs.DELETE("/delete", cfg.Jobs.DeleteJobs)
		jobs.GET("/transcript", cfg.Jobs.GetTranscript)
		jobs.GET("/events", cfg.Jobs.Events)
	}

	runners := router.Group("/runners")
	{
		runners.POST("/register", cfg.Runners.Register)

		authed := runners.Group("/")
		authed.Use(middleware.RequireRunnerSession())
		if cfg.RunnerRateLimit != nil {
			authed.Use(cfg.RunnerRateLimit.Limit())
		}
		authed.POST("/unregister", cfg.Runners.Unregister)
		authed.GET("/retrieve_job_info", cfg.Runners.RetrieveJobInfo)
		authed.POST("/retrieve_job_audio", cfg.Runners.RetrieveJobAudio)
		authed.POST("/submit_job_result", cfg.Runners.SubmitJobResult)
		authed.POST("/heartbeat", cfg.Runners.Heartbeat)
	}

	admin := router.Group("/admin")
	admin.Use(middleware.RequireAdminToken(cfg.AdminToken))
	{
		admin.POST("/runners", cfg.Admin.CreateRunner)
		admin.DELETE("/runners/:id", cfg.Admin.DeleteRunner)
		admin.GET("/site_banners", cfg.Admin.ListSiteBanners)
		admin.POST("/site_banners", cfg.Admin.CreateSiteBanner)
		admin.DELETE("/site_banners/:id", cfg.Admin.DeleteSiteBanner)
	}

	return router
}
