package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jimdaga/colloquium/internal/auth"
	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/config"
	"github.com/jimdaga/colloquium/internal/discussions"
	"github.com/jimdaga/colloquium/internal/health"
	"github.com/jimdaga/colloquium/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := worker.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if a != nil {
		defer a.close()
	}
	if err != nil {
		logger.Error("Startup failed", "error", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case "worker":
		err = runWorker(ctx, a)
	case "server":
		err = runServer(ctx, a)
	case "all":
		err = runAll(ctx, a)
	default:
		logger.Error("Unknown MODE, expected server, worker or all", "mode", cfg.Mode)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// runWorker processes jobs, runs the deadline scheduler and consumes domain
// events until ctx is cancelled
func runWorker(ctx context.Context, a *app) error {
	stopScheduler, err := worker.StartScheduler(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer stopScheduler()

	stopConsumer, err := a.startEventConsumer()
	if err != nil {
		return err
	}
	defer stopConsumer()

	stopWorker, err := worker.Start(a.cfg, a.workerDeps())
	if err != nil {
		return err
	}
	defer stopWorker()

	<-ctx.Done()
	a.logger.Info("Worker shutting down")
	return nil
}

// runAll embeds the worker in the server process
func runAll(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		err := runWorker(ctx, a)
		cancel()
		errc <- err
	}()

	serverErr := runServer(ctx, a)
	cancel()
	workerErr := <-errc
	return errors.Join(serverErr, workerErr)
}

func runServer(ctx context.Context, a *app) error {
	stopRelay, err := broadcast.StartRelay(a.rdb, a.hub, a.logger)
	if err != nil {
		return err
	}
	defer stopRelay()

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", "port", a.cfg.Port, "env", a.cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Open streams only end when the hub closes their subscribers
	a.hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(a *app) *gin.Engine {
	if a.cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(a.cfg.CORSOrigin)))

	health.Register(r)

	svc := discussions.NewService(discussions.Deps{
		DB:          a.db,
		Engine:      a.engine,
		Hub:         a.hub,
		Broadcast:   a.relay,
		Dispatcher:  a.dispatcher,
		Executor:    a.executor,
		Manuscripts: a.manuscripts,
		Events:      a.events,
		Logger:      a.logger,

		PublicCanSeeAcceptedFiles: a.cfg.PublicCanSeeAcceptedFiles,
	})

	api := r.Group("/api")
	discussions.RegisterRoutes(api, svc, auth.OptionalAuth(a.cfg.JWTSecret), auth.RequireAuth(a.cfg.JWTSecret))
	api.GET("/me", auth.RequireAuth(a.cfg.JWTSecret), auth.HandleMe)
	if a.cfg.Env == "development" {
		api.POST("/dev/login", auth.HandleDevLogin(a.db, a.cfg.JWTSecret))
	}
	return r
}

func corsConfig(origin string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if origin == "" || origin == "*" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range strings.Split(origin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, o)
		}
	}
	cfg.AllowCredentials = true
	return cfg
}
