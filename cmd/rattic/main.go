// Package main is the entrypoint for the RatticWeb server.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ratticdb/rattic/internal/auth"
	"github.com/ratticdb/rattic/internal/cache"
	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/handler"
	"github.com/ratticdb/rattic/internal/logging"
	"github.com/ratticdb/rattic/internal/mail"
	"github.com/ratticdb/rattic/internal/metrics"
	"github.com/ratticdb/rattic/internal/middleware"
	"github.com/ratticdb/rattic/internal/repository"
	"github.com/ratticdb/rattic/internal/scheduler"
	"github.com/ratticdb/rattic/internal/server"
	"github.com/ratticdb/rattic/internal/service"
	"github.com/ratticdb/rattic/internal/session"
)

func main() {
	// Initialize context
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.ConsoleLogLevel)
	slog.SetDefault(logger)
	requestLogger := logging.Component(os.Stdout, cfg.LogFormat, cfg.RequestLogLevel, "http")
	ldapLogger := logging.Component(os.Stdout, cfg.LogFormat, cfg.LDAPLogLevel, "ldap")

	// Initialize database
	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", logging.SanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", logging.RedactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Initialize cache
	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		repo.Close()
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", logging.SanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", logging.RedactURL(cfg.RedisURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus()
	registry.MustRegister(
		recorder,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessions := session.NewManager(cacheClient, session.Config{
		Path:   cfg.RootURL,
		Age:    time.Duration(cfg.SessionCookieAge) * time.Second,
		Secure: middleware.IsSecure,
	}, recorder)

	account := newAccountHandler(cfg, repo, sessions, recorder, logger, ldapLogger)
	staff := handler.NewStaffHandler(repo, sessions, handler.StaffConfig{
		HomeURL:          cfg.StaffURL(),
		PasswordOptional: cfg.LDAP.Enabled,
	}, recorder, logger)

	sched := scheduler.New(cacheClient, cfg.Location, logger, recorder)
	if err := addTasks(sched, cfg, repo, recorder, logger); err != nil {
		logger.Error("failed to schedule tasks", "error", err)
		os.Exit(1)
	}

	r := newRouter(routerDeps{
		cfg:           cfg,
		logger:        logger,
		requestLogger: requestLogger,
		recorder:      recorder,
		gatherer:      registry,
		sessions:      sessions,
		users:         repo,
		limiter:       cacheClient,
		health:        handler.NewHealthHandler(repo, cacheClient),
		staff:         staff,
		account:       account,
	})

	srv := server.New(r, server.Config{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Shutdown runs in reverse: scheduler, then Redis, then Postgres.
	srv.OnShutdown("postgres", func(context.Context) error {
		repo.Close()
		return nil
	})
	srv.OnShutdown("redis", func(context.Context) error {
		return cacheClient.Close()
	})
	if len(sched.Tasks()) > 0 {
		schedCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = sched.Run(schedCtx)
		}()
		srv.OnShutdown("scheduler", func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"root_url", cfg.RootURL,
		"auth_backends", cfg.AuthBackends,
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newAccountHandler builds the password backend chain in AuthBackends
// order and enables the optional login flows.
func newAccountHandler(
	cfg *config.Config,
	repo *repository.Repository,
	sessions *session.Manager,
	recorder metrics.Recorder,
	logger, ldapLogger *slog.Logger,
) *handler.AccountHandler {
	var (
		backends []auth.PasswordBackend
		opts     []handler.AccountOption
	)
	for _, name := range cfg.AuthBackends {
		switch name {
		case config.BackendModel:
			backends = append(backends, auth.NewModelBackend(repo))
		case config.BackendLDAP:
			ldapBackend := auth.NewLDAPBackend(cfg.LDAPDirectory, repo, nil, ldapLogger)
			backends = append(backends, ldapBackend)
			if cfg.LDAPDirectory.AllowPasswordChange {
				opts = append(opts, handler.WithDirectoryPasswords(ldapBackend))
			}
		case config.BackendGoogle:
			opts = append(opts, handler.WithGoogleLogin(auth.NewGoogleBackend(cfg, repo, logger)))
		}
	}

	chain := auth.NewChain(logger, backends...)
	logger.Info("password backends configured", "backends", chain.Backends())

	return handler.NewAccountHandler(
		chain,
		sessions,
		repo,
		handler.AccountConfig{
			RootURL:          cfg.RootURL,
			LoginURL:         cfg.LoginURL,
			LoginRedirectURL: cfg.LoginRedirectURL,
			LoginErrorURL:    cfg.LoginErrorURL,
			Secure:           middleware.IsSecure,
		},
		recorder,
		logger,
		opts...,
	)
}

// addTasks registers every task named in cfg.Schedule.
func addTasks(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	repo *repository.Repository,
	recorder metrics.Recorder,
	logger *slog.Logger,
) error {
	period, ok := cfg.Schedule[config.ChangeQueueReminderTask]
	if !ok {
		return nil
	}

	scheme := "http://"
	if cfg.SecureProxyHeader.Enabled() {
		scheme = "https://"
	}
	queueURL := scheme + cfg.Hostname + config.JoinURL(cfg.RootURL, "cred/list-by-changeq/")

	sender := mail.NewSMTPSender(cfg.Email, cfg.DefaultFromEmail, recorder)
	reminder := service.NewChangeQueueReminder(repo, sender, queueURL, logger)
	return sched.Add(config.ChangeQueueReminderTask, period, func(ctx context.Context) error {
		_, err := reminder.Run(ctx)
		return err
	})
}
