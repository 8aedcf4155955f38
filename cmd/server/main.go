package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veilchat/relay-server-go/internal/auth"
	"github.com/veilchat/relay-server-go/internal/config"
	"github.com/veilchat/relay-server-go/internal/database"
	"github.com/veilchat/relay-server-go/internal/e2ecrypto"
	"github.com/veilchat/relay-server-go/internal/handler"
	"github.com/veilchat/relay-server-go/internal/jobs"
	"github.com/veilchat/relay-server-go/internal/middleware"
	"github.com/veilchat/relay-server-go/internal/redis"
	"github.com/veilchat/relay-server-go/internal/relay"
	"github.com/veilchat/relay-server-go/internal/repository"
	"github.com/veilchat/relay-server-go/internal/service"
	"github.com/veilchat/relay-server-go/internal/session"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.MigrateOnStart {
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
	}

	ctx, cancel = context.WithTimeout(context.Background(), config.DBPingTimeout)
	redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	tokens, err := auth.NewTokenManager(cfg.TokenSecret, cfg.TokenTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token manager")
	}

	userRepo := repository.NewUserRepository(db.DB)
	messageRepo := repository.NewMessageRepository(db.DB)

	hub := relay.NewHub()

	presenceService := service.NewPresenceService(userRepo, hub)
	sessionService := service.NewSessionService(
		db, userRepo, e2ecrypto.NewGateway(cfg.RSAKeyBits), tokens, session.NewTable(), presenceService,
	)
	userService := service.NewUserService(userRepo)
	messageService := service.NewMessageService(messageRepo)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	// sessions do not survive a restart
	ctx, cancel = context.WithTimeout(context.Background(), config.DBPingTimeout)
	if n, err := sessionService.ResetPresence(ctx); err != nil {
		log.Error().Err(err).Msg("failed to reset presence flags")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("reset stale presence flags")
	}
	cancel()

	relayServer := relay.New(hub, sessionService, messageService, userService)

	authMiddleware := middleware.NewAuthMiddleware(sessionService)
	userRateLimit := middleware.NewRateLimitMiddleware(
		rateLimiter, middleware.ScopeUser, middleware.UserKey, cfg.RateLimitPerMin, time.Minute,
	)
	authRateLimit := middleware.NewRateLimitMiddleware(
		rateLimiter, middleware.ScopeIP, middleware.IPKey, cfg.AuthRateLimitPerMin, config.AuthRateLimitWindow,
	)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	healthHandler := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"database": db.Ping,
		"redis":    redisClient.Check,
	})
	authHandler := handler.NewAuthHandler(sessionService)
	usersHandler := handler.NewUsersHandler(userService, presenceService)
	messagesHandler := handler.NewMessagesHandler(messageService, userService)
	socketHandler := handler.NewSocketHandler(relayServer, cfg.AllowedOrigins)
	eventsHandler := handler.NewEventsHandler(relayServer)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(securityHeadersMiddleware.Handler)

	// long-lived streams stay outside the request timeout
	r.Get("/ws", socketHandler.ServeHTTP)
	r.Get("/v1/events", eventsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)

		r.Get("/", healthHandler.Root)
		r.Get("/health", healthHandler.Health)

		r.Route("/api", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(authRateLimit.Handler)
				r.Post("/register", authHandler.Register)
				r.Post("/login", authHandler.Login)
			})

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Handler)
				r.Use(userRateLimit.Handler)
				r.Post("/logout", authHandler.Logout)
				r.Mount("/users", usersHandler.Routes())
				r.Mount("/messages", messagesHandler.Routes())
			})
		})

		r.With(authMiddleware.Handler, userRateLimit.Handler).
			Post("/v1/events/{connectionID}", eventsHandler.Post)
	})

	cleanupJob := jobs.NewCleanupJob(sessionService, relayServer, config.SessionSweepInterval)
	cleanupJob.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	cleanupJob.Stop()

	// streaming handlers return once their clients are closed; hijacked
	// websockets are not tracked by Shutdown
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().
		Int("liveSessions", sessionService.LiveSessions()).
		Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
