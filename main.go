package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"wbot/internal/cache"
	"wbot/internal/config"
	"wbot/internal/credential"
	"wbot/internal/database"
	"wbot/internal/handlers"
	"wbot/internal/pipeline"
	"wbot/internal/realtime"
	"wbot/internal/scheduler"
	"wbot/internal/services"
	"wbot/internal/session"
	"wbot/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	flags := pflag.NewFlagSet("wbot", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	port := flags.StringP("port", "p", "", "HTTP port, overrides PORT")
	level := flags.String("log-level", "", "log level, overrides LOG_LEVEL")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	log := newLogger(cfg)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogFormat == "json" {
		log = zerolog.New(os.Stdout)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly})
	}
	return log.Level(lvl).With().Timestamp().Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	sessionService := services.NewSessionService(db, log)
	settingsService := services.NewSettingsService(db)
	taskService := services.NewTaskService(db)
	authService := services.NewAuthService(cfg.APISecret, cfg.APISecretBcrypt)

	if cfg.InsecureSecret() {
		log.Warn().Msg("API_SECRET is not set, the API is protected by the placeholder secret")
	}

	codec := credential.NewCodec(sessionService, log)

	messages := cache.NewMessages(cache.MessageTTL, 0)
	redirects := cache.NewRedirects(cache.RedirectTTL, 0)
	messages.Start()
	redirects.Start()
	defer messages.Stop()
	defer redirects.Stop()

	var resolver pipeline.Resolver
	if cfg.ResolverURL != "" {
		resolver = services.NewResolverService(cfg.ResolverURL)
	} else {
		log.Warn().Msg("RESOLVER_URL is not set, the downloader command will always fail")
	}

	pipe := pipeline.New(pipeline.Options{
		Settings:        settingsService,
		Messages:        messages,
		Redirects:       redirects,
		Resolver:        resolver,
		Encoder:         codec,
		OwnerID:         cfg.OwnerID,
		SessionImageURL: cfg.SessionImageURL,
		Logger:          log,
	})

	factory, err := whatsapp.NewFactory(ctx, cfg.Store, sessionService, log)
	if err != nil {
		return err
	}
	defer factory.Close()

	manager := session.NewManager(session.Config{
		ReconnectDelay:  cfg.ReconnectDelay,
		OwnerTenant:     cfg.OwnerID,
		SessionString:   cfg.SessionString,
		SessionImageURL: cfg.SessionImageURL,
		Announce:        true,
	}, session.NewRegistry(), factory, sessionService, codec, log)
	manager.SetSink(pipe)

	hub := realtime.NewHub(manager, log)
	publishers := realtime.Fanout{hub}
	if cfg.AMQPURL != "" {
		amqpPub, err := realtime.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
	}
	manager.SetPublisher(publishers)

	sched := scheduler.New(taskService, manager, nil, cfg.SchedulerInterval, log)

	router := handlers.NewRouter(authService, handlers.Handlers{
		Sessions: handlers.NewSessionHandler(manager, log),
		Tasks:    handlers.NewTaskHandler(taskService),
		Settings: handlers.NewSettingsHandler(settingsService),
		Auth:     handlers.NewAuthHandler(authService),
		Realtime: hub,
	})

	if err := manager.RestoreAll(ctx); err != nil {
		log.Error().Err(err).Msg("Session restore incomplete")
	}
	sched.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			sched.Stop()
			manager.Shutdown()
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown")
	}
	sched.Stop()
	manager.Shutdown()
	return nil
}
