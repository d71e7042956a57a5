package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"pizzapal-backend/internal/agent"
	"pizzapal-backend/internal/config"
	"pizzapal-backend/internal/db"
	"pizzapal-backend/internal/dialogue"
	"pizzapal-backend/internal/extract"
	"pizzapal-backend/internal/kitchen"
	"pizzapal-backend/internal/server"
	"pizzapal-backend/internal/store"
)

func main() {
	cfg := config.Load()
	log := cfg.NewLogger()
	cfg.Warn(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	dcfg, err := dialogue.LoadConfig(cfg.DialogueFile, cfg.DialogueVariant)
	if err != nil {
		return err
	}
	extractor, err := extract.New(cfg.ExtractorMode)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"variant":   dcfg.Name,
		"extractor": cfg.ExtractorMode,
		"menu":      dcfg.Catalog.Len(),
	}).Info("dialogue loaded")

	client := dialogue.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	deps := agent.Deps{
		Dialogue:  dcfg,
		Engine:    dialogue.NewOpenAIEngine(client, cfg.Model, dcfg.Style),
		Extractor: extractor,
		Sessions:  store.NewMemoryStore(cfg.SessionTTL),
		Log:       log,
	}
	if dcfg.VoiceEnabled {
		deps.Transcriber = dialogue.NewOpenAITranscriber(client, cfg.STTModel)
	}

	checks := map[string]server.HealthChecker{}
	var archive server.OrderArchive
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, cfg.DatabaseURL, db.Options{}, log)
		if err != nil {
			return err
		}
		defer database.Close()
		log.Info("database connection established")
		if err := database.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
			return err
		}
		orders := store.NewDatabaseStore(database, dcfg.Name)
		deps.Sinks = append(deps.Sinks, orders)
		archive = orders
		checks["database"] = database
	} else {
		orders := store.NewFileOrderStore(cfg.OrdersDir, dcfg.Name)
		deps.Sinks = append(deps.Sinks, orders)
		archive = orders
	}

	if cfg.AMQPURL != "" {
		pub, err := kitchen.Dial(cfg.AMQPURL, dcfg.Name, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		deps.Sinks = append(deps.Sinks, agent.SinkFunc(pub.PublishOrder))
		log.Info("kitchen hand-off enabled")
	}

	ctrl, err := agent.New(deps, agent.Options{
		EngineTimeout:     cfg.EngineTimeout,
		TranscribeTimeout: cfg.TranscribeTimeout,
		SinkTimeout:       cfg.SinkTimeout,
	})
	if err != nil {
		return err
	}

	srv := server.NewServer(ctrl, server.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		SessionTTL:     cfg.SessionTTL,
		CookieSecure:   cfg.CookieSecure,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		HealthChecks:   checks,
		Archive:        archive,
	}, log)
	return srv.Run(ctx, ":"+cfg.Port, cfg.ShutdownTimeout)
}
