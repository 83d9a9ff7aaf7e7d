package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-automation/internal/api"
	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/campaign"
	"whatsapp-automation/internal/config"
	"whatsapp-automation/internal/database"
	"whatsapp-automation/internal/events"
	"whatsapp-automation/internal/logger"
	"whatsapp-automation/internal/scheduler"
	"whatsapp-automation/internal/store"
	"whatsapp-automation/internal/timer"
	"whatsapp-automation/internal/webhook"
	"whatsapp-automation/internal/whatsapp"
	"whatsapp-automation/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadConfig()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	st := store.NewGormStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	go hub.Run(ctx)

	publishers := events.Multi{hub}
	var rabbit *events.RabbitPublisher
	if cfg.RabbitMQURL != "" {
		rabbit, err = events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, events go to WebSocket clients only")
		} else {
			publishers = append(publishers, rabbit)
		}
	}

	timers := timer.NewWheelService(100*time.Millisecond, 60)
	timers.Start()

	client := whatsapp.NewClient(cfg.WhatsAppAPIURL, cfg.WhatsAppToken, st)
	vars := automation.NewSubstitutor(cfg.Timezone)

	engine := automation.NewEngine(st, client, timers, vars, publishers, automation.EngineConfig{
		DefaultDelay: cfg.DefaultDelay,
		LogLimit:     cfg.ExecutionLogLimit,
		GuardTTL:     cfg.ProcessingGuardTTL,
		Concurrency:  cfg.SchedulerConcurrency,
	})
	matcher := automation.NewMatcher(st, engine, automation.MatcherConfig{
		KeywordWindow: cfg.KeywordDedupWindow,
		EventWindow:   cfg.EventDedupWindow,
	})
	sched := scheduler.New(st, engine, client, timers, scheduler.Config{
		Location:      cfg.Timezone,
		DedupWindow:   cfg.ScheduleDedupWindow,
		EventWindow:   cfg.EventDedupWindow,
		Concurrency:   cfg.SchedulerConcurrency,
		IdleSweepTime: cfg.IdleSweepTime,
	})
	dispatcher := campaign.NewDispatcher(st, client, timers, vars, publishers, campaign.Config{
		DefaultRateLimitPerMinute: cfg.DefaultRateLimitPerMinute,
	})

	if n, err := engine.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Execution recovery failed")
	} else {
		log.Info().Int("executions", n).Msg("Executions recovered")
	}
	if n, err := dispatcher.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Campaign recovery failed")
	} else {
		log.Info().Int("campaigns", n).Msg("Campaigns recovered")
	}
	if _, err := sched.Initialize(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduler initialization failed")
	}

	webhookHandler := webhook.NewHandler(cfg.VerifyToken, st, matcher, dispatcher, publishers)
	router := api.NewRouter(api.Deps{
		Store:         st,
		Transport:     client,
		Engine:        engine,
		Scheduler:     sched,
		Campaigns:     dispatcher,
		VerifyWebhook: webhookHandler.VerifyWebhook,
		HandleWebhook: webhookHandler.HandleMessage,
		ServeWs:       hub.ServeWs,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to run server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	webhookHandler.Wait()
	sched.Stop()
	dispatcher.Shutdown()
	engine.Shutdown()
	timers.Stop()
	if rabbit != nil {
		if err := rabbit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close RabbitMQ connection")
		}
	}
	log.Info().Msg("Server stopped")
}
