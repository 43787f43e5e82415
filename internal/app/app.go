// Package app wires config, logger, stores, orchestrator components,
// and the HTTP router into a runnable process, grounded on the
// teacher's internal/app.App (New/Start/Run/Close lifecycle).
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/auth"
	"github.com/scribeworks/controlplane/internal/config"
	"github.com/scribeworks/controlplane/internal/db"
	"github.com/scribeworks/controlplane/internal/durable"
	"github.com/scribeworks/controlplane/internal/ephemeral"
	"github.com/scribeworks/controlplane/internal/eventbus"
	"github.com/scribeworks/controlplane/internal/httpapi"
	"github.com/scribeworks/controlplane/internal/httpapi/handlers"
	"github.com/scribeworks/controlplane/internal/httpapi/middleware"
	"github.com/scribeworks/controlplane/internal/logger"
	"github.com/scribeworks/controlplane/internal/mailer"
	"github.com/scribeworks/controlplane/internal/orchestrator"
)

// App owns every long-lived dependency and the HTTP router built on
// top of them.
type App struct {
	Log    *logger.Logger
	Cfg    config.Config
	DB     *db.Service
	Eph    *ephemeral.Store
	Hub    *eventbus.Hub
	Router *gin.Engine

	Jobs     durable.JobsRepo
	Runners  durable.RunnersRepo
	Settings durable.SettingsRepo
	Users    durable.UsersRepo
	Banners  durable.BannersRepo
	Cleanup  *durable.CleanupGate

	Dispatcher *orchestrator.Dispatcher
	Sessions   *orchestrator.RunnerSessionManager
	Lifecycle  *orchestrator.JobLifecycleManager
	Janitor    *orchestrator.CleanupRunner

	cancel context.CancelFunc
}

// New wires the full dependency graph. It does not start background
// loops (recovery, cleanup) — call Start for that, so tests can
// construct an App without side effects if they only need the wiring.
func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}

	pg, err := db.Open(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	eph, err := ephemeral.Open(ctx, cfg.RedisAddr, cfg.HeartbeatTimeout, log)
	if err != nil {
		pg.Close()
		log.Sync()
		return nil, fmt.Errorf("open redis: %w", err)
	}

	blobs := db.NewBlobStore(pg, cfg.AudioChunkBytes)
	jobs := durable.NewJobsRepo(pg.DB(), blobs, log)
	runners := durable.NewRunnersRepo(pg.DB(), log)
	settings := durable.NewSettingsRepo(pg.DB(), log)
	users := durable.NewUsersRepo(pg.DB(), log)
	banners := durable.NewBannersRepo(pg.DB(), log)
	cleanupGate := durable.NewCleanupGate(pg.Pool(), cfg.PostgresSchema, log)

	dispatcher := orchestrator.NewDispatcher(eph, jobs, log)
	sessions := orchestrator.NewRunnerSessionManager(eph, runners, jobs, settings, dispatcher, log)
	lifecycle := orchestrator.NewJobLifecycleManager(eph, jobs, settings, dispatcher, log)
	smtpMailer := mailer.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword, log)
	janitor := orchestrator.NewCleanupRunner(cleanupGate, jobs, settings, users, smtpMailer, cfg.ClientURL, cfg.FinishedJobRetentionDays, cfg.UserRetentionDays, log)

	hub := eventbus.NewHub(eph, log)
	sessionIssuer := auth.NewSessionIssuer(cfg.JWTSecretKey, cfg.SessionExpiration)

	router := buildRouter(cfg, log, pg, eph, hub, sessionIssuer, jobs, runners, banners, sessions, lifecycle)

	return &App{
		Log: log, Cfg: cfg, DB: pg, Eph: eph, Hub: hub, Router: router,
		Jobs: jobs, Runners: runners, Settings: settings, Users: users, Banners: banners, Cleanup: cleanupGate,
		Dispatcher: dispatcher, Sessions: sessions, Lifecycle: lifecycle, Janitor: janitor,
	}, nil
}

func buildRouter(cfg config.Config, log *logger.Logger, pg *db.Service, eph *ephemeral.Store, hub *eventbus.Hub, sessionIssuer *auth.SessionIssuer,
	jobs durable.JobsRepo, runners durable.RunnersRepo, banners durable.BannersRepo,
	sessions *orchestrator.RunnerSessionManager, lifecycle *orchestrator.JobLifecycleManager) *gin.Engine {

	authMW := middleware.NewAuthMiddleware(log, sessionIssuer)
	jobsHandler := handlers.NewJobsHandler(log, lifecycle, jobs, hub)
	runnersHandler := handlers.NewRunnersHandler(log, sessions)
	adminHandler := handlers.NewAdminHandler(log, runners, banners)
	healthHandler := handlers.NewHealthHandler(pg.DB(), eph)

	return httpapi.NewRouter(httpapi.RouterConfig{
		Auth:            authMW,
		Jobs:            jobsHandler,
		Runners:         runnersHandler,
		Admin:           adminHandler,
		Health:          healthHandler,
		AdminToken:      cfg.AdminToken,
		CORSOrigins:     strings.Split(config.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", log), ","),
		RunnerRateLimit: middleware.NewRunnerRateLimiter(2, 5),
		RequestLogger:   middleware.RequestLogger(log),
	})
}

// Start runs Recovery once, then launches the background cleanup
// loop. Mirrors the teacher's App.Start, which kicks off a background
// worker against a cancellable context.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := orchestrator.Recover(runCtx, a.Jobs, a.Eph, a.Dispatcher, a.Log); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	go a.runCleanupLoop(runCtx)
	return nil
}

func (a *App) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Janitor.RunDue(ctx); err != nil {
				a.Log.Error("cleanup run failed", "error", err)
			}
		}
	}
}

// Run starts the HTTP server and blocks.
func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Eph != nil {
		_ = a.Eph.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
