package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xavierca1/lead-router/internal/config"
	"github.com/xavierca1/lead-router/internal/entity"
	"github.com/xavierca1/lead-router/internal/infra/database"
	"github.com/xavierca1/lead-router/internal/infra/http/handlers"
	"github.com/xavierca1/lead-router/internal/infra/http/middleware"
	"github.com/xavierca1/lead-router/internal/infra/integration/hubspot"
	"github.com/xavierca1/lead-router/internal/infra/logger"
	"github.com/xavierca1/lead-router/internal/infra/mail"
	"github.com/xavierca1/lead-router/internal/infra/memory"
	"github.com/xavierca1/lead-router/internal/infra/queue"
	"github.com/xavierca1/lead-router/internal/infra/worker"
	"github.com/xavierca1/lead-router/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuração inválida")
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Se um processo de fundo cair, o servidor desce junto.
	g, ctx := errgroup.WithContext(sigCtx)

	// 1. Repositórios
	var (
		db         *sql.DB
		leads      entity.LeadRepositoryInterface
		rrStore    entity.RoundRobinStore
		tokenStore hubspot.TokenStore
	)
	if cfg.Database.URL != "" {
		db, err = database.NewDBConnection(cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("falha ao conectar no postgres")
		}
		defer db.Close()

		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("falha ao aplicar migrations")
		}
		leads = database.NewLeadRepository(db)
		rrStore = database.NewRoundRobinRepository(db)
		tokenStore = database.NewOAuthTokenRepository(db, "hubspot")
	} else {
		log.Warn().Msg("⚠️ DATABASE_URL vazio: usando stores em memória")
		leads = memory.NewLeadRepository()
		rrStore = memory.NewRoundRobinStore()
		tokenStore = memory.NewTokenStore()
	}

	// 2. HubSpot
	var (
		tokens       hubspot.TokenProvider
		crmStatus    handlers.CRMStatus
		oauthHandler *handlers.OAuthHandler
	)
	switch cfg.HubSpot.AuthMode {
	case hubspot.AuthModeOAuth:
		manager := hubspot.NewOAuthManager(hubspot.OAuthConfig{
			ClientID:     cfg.HubSpot.ClientID,
			ClientSecret: cfg.HubSpot.ClientSecret,
			RedirectURL:  cfg.HubSpot.RedirectURI,
			Scopes:       cfg.HubSpot.Scopes,
			Timeout:      cfg.HubSpot.Timeout,
		}, tokenStore)
		tokens, crmStatus = manager, manager
		oauthHandler = handlers.NewOAuthHandler(manager, hubspot.NewStateStore())
		refresher := worker.NewTokenRefreshWorker(manager)
		g.Go(func() error {
			refresher.Start(ctx)
			return nil
		})
	default:
		static := hubspot.StaticToken(cfg.HubSpot.AccessToken)
		tokens, crmStatus = static, static
	}
	crm := hubspot.NewClient(cfg.HubSpot.BaseURL, tokens, cfg.HubSpot.Timeout)
	syncer := usecase.NewCRMSyncer(crm)

	// 3. Fila de retry (opcional)
	var (
		retry      usecase.RetryPublisher
		rabbitConn *amqp.Connection
	)
	if cfg.RabbitMQ.URL != "" {
		rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("falha ao conectar no rabbitmq")
		}
		defer rabbitMQ.Close()
		rabbitConn = rabbitMQ.Conn

		producer := queue.NewProducer(rabbitMQ.Ch)
		retry = producer

		w := queue.NewWorker(rabbitMQ.Ch, syncer, producer, cfg.RabbitMQ.MaxAttempts, cfg.RabbitMQ.RetryBase)
		g.Go(func() error {
			return w.Start(ctx, queue.QueueName)
		})
	} else {
		log.Warn().Msg("⚠️ RABBITMQ_URL vazio: falhas de sync não serão reenfileiradas")
	}

	var notifier usecase.OwnerNotifier
	if cfg.MailEnabled() {
		notifier = mail.NewEmailSender(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.User, cfg.Mail.Password, cfg.Mail.From)
	}

	// 4. UseCases
	roundRobinUC := usecase.NewRoundRobinUseCase(rrStore)
	captureLeadUC := usecase.NewCaptureLeadUseCase(leads, roundRobinUC, crm, notifier)
	stageSyncUC := usecase.NewStageSyncUseCase(leads, syncer, retry, roundRobinUC, usecase.StageSyncConfig{
		PipelineID:         cfg.HubSpot.PipelineID,
		ContactedStage:     cfg.HubSpot.ContactedStage,
		MeetingBookedStage: cfg.HubSpot.MeetingBookedStage,
		RetryBaseDelay:     cfg.RabbitMQ.RetryBase,
	})
	leadAdminUC := usecase.NewLeadAdminUseCase(leads)

	// 5. Handlers
	limiter := handlers.NewRateLimiter(10, time.Minute)
	g.Go(func() error {
		limiter.Cleanup(ctx, 5*time.Minute)
		return nil
	})

	leadHandler := handlers.NewLeadHandler(captureLeadUC, limiter)
	webhookHandler := handlers.NewWebhookHandler(stageSyncUC)
	adminHandler := handlers.NewAdminHandler(roundRobinUC, leadAdminUC, crm, oauthHandler)
	healthHandler := handlers.NewHealthHandler(db, rabbitConn, crmStatus, cfg.Server.Version)

	// 6. Router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", middleware.HeaderUserEmail, middleware.HeaderUserRole},
	}))

	r.Get("/health", healthHandler.Handle)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/leads", leadHandler.CaptureLead)
	r.Post("/webhooks/email-reply", webhookHandler.HandleEmailReply)
	r.Post("/webhooks/meeting-booked", webhookHandler.HandleMeetingBooked)
	if oauthHandler != nil {
		r.Get("/oauth/hubspot/callback", oauthHandler.Callback)
	}
	r.Mount("/admin", adminHandler.Routes())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("hubspot_auth", cfg.HubSpot.AuthMode).Msg("🔥 lead-router rodando")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("encerrando...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("❌ lead-router encerrado com erro")
	}
}
