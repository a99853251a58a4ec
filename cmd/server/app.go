package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/bots/builtin"
	"github.com/jimdaga/colloquium/internal/broadcast"
	"github.com/jimdaga/colloquium/internal/config"
	"github.com/jimdaga/colloquium/internal/database"
	"github.com/jimdaga/colloquium/internal/email"
	"github.com/jimdaga/colloquium/internal/manuscripts"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/streams"
	"github.com/jimdaga/colloquium/internal/visibility"
	"github.com/jimdaga/colloquium/internal/webhook"
	"github.com/jimdaga/colloquium/internal/worker"
	"github.com/jimdaga/colloquium/internal/workflow"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// app holds the services shared by the server and worker modes
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *gorm.DB
	rdb   *redis.Client
	queue *worker.Client

	engine      *visibility.Engine
	hub         *broadcast.Hub
	relay       *broadcast.RedisPublisher
	events      *streams.Publisher
	mailer      *email.Service
	manuscripts *manuscripts.Service
	registry    *bots.Registry
	poster      *bots.Poster
	executor    *bots.Executor
	dispatcher  *bots.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.BotConfigKey != "" {
		if err := models.InitEncryption(cfg.BotConfigKey); err != nil {
			return nil, fmt.Errorf("invalid BOT_CONFIG_KEY: %w", err)
		}
	} else {
		logger.Warn("BOT_CONFIG_KEY not set, bot secrets are stored in plain text")
	}

	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := database.RunMigrations(db, logger); err != nil {
		return nil, err
	}
	if cfg.Env == "development" {
		if err := database.SeedDevData(db); err != nil {
			logger.Warn("Failed to seed dev data", "error", err)
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	a.rdb = redis.NewClient(redisOpts)
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	a.queue, err = worker.NewClient(cfg.RedisURL, cfg.JobMaxRetry)
	if err != nil {
		return nil, err
	}

	var wf *workflow.Config
	if cfg.WorkflowConfigPath != "" {
		wf, err = workflow.Load(cfg.WorkflowConfigPath)
		if err != nil {
			return nil, err
		}
		logger.Info("Workflow configuration loaded", "path", cfg.WorkflowConfigPath)
	}

	a.engine = visibility.NewEngine(db, visibility.NewRoleResolver(db), visibility.NewAnonymizationIndex(db), wf)
	a.hub = broadcast.NewHub(db, a.engine, logger)
	a.relay = broadcast.NewRedisPublisher(a.rdb)
	a.events = streams.NewPublisher(a.rdb)
	a.mailer = email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, logger)

	a.manuscripts = manuscripts.NewService(db, wf, logger)
	a.manuscripts.OnTransition("assets", manuscripts.PublishAssets(db, webhook.NewClient(cfg.AssetPublisherURL, cfg.AssetPublisherSecret, cfg.StubMode)))
	a.manuscripts.OnTransition("notify", manuscripts.NotifyAuthors(db, a.mailer))
	a.manuscripts.OnTransition("events", manuscripts.PublishStatusEvent(a.events))
	a.manuscripts.OnTransition("broadcast", manuscripts.BroadcastStatus(db, a.relay))
	a.manuscripts.OnPhaseChange("events", manuscripts.PublishPhaseEvent(a.events))
	a.manuscripts.OnPhaseChange("broadcast", manuscripts.BroadcastPhase(db, a.relay))

	a.registry, err = bots.Load(ctx, db, cfg.BotManifestDir, builtin.All(), logger)
	if err != nil {
		return nil, err
	}

	issuer := bots.NewIssuer(cfg.BotTokenSecret, cfg.BotTokenTTL)
	a.poster = bots.NewPoster(db, a.relay, logger)
	a.executor = bots.NewExecutor(bots.ExecutorDeps{
		DB:        db,
		Registry:  a.registry,
		Toolkits:  bots.NewToolkitFactory(issuer, db, bots.NewStorage(a.rdb), a.manuscripts),
		Engine:    a.engine,
		Poster:    a.poster,
		Broadcast: a.relay,
		Logger:    logger,
	})
	a.dispatcher = bots.NewDispatcher(a.registry, a.executor, a.queue, logger)
	return a, nil
}

func (a *app) workerDeps() worker.Deps {
	deps := worker.Deps{
		DB:       a.db,
		Executor: a.executor,
		Client:   a.queue,
		Mailer:   a.mailer,
		Poster:   a.poster,
		Logger:   a.logger,
	}
	if bot, ok := a.registry.Get("editorial"); ok && bot.Enabled() {
		deps.ReminderBot = bot
	}
	return deps
}

// startEventConsumer fans domain events out to event bots
func (a *app) startEventConsumer() (func(), error) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "colloquium"
	}
	return streams.StartEventConsumer(a.rdb, name, worker.EventFanOut(a.registry, a.queue))
}

func (a *app) close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("Failed to close task client", "error", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}
