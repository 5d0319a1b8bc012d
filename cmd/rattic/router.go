package main

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/handler"
	"github.com/ratticdb/rattic/internal/metrics"
	"github.com/ratticdb/rattic/internal/middleware"
)

// routerDeps is everything the router wires together.
type routerDeps struct {
	cfg           *config.Config
	logger        *slog.Logger
	requestLogger *slog.Logger
	recorder      metrics.Recorder
	gatherer      prometheus.Gatherer
	sessions      middleware.SessionLoader
	users         middleware.UserGetter
	limiter       middleware.LoginLimiter
	health        *handler.HealthHandler
	staff         *handler.StaffHandler
	account       *handler.AccountHandler
}

// newRouter builds the middleware chain and mounts every route below
// URL_PATH.
func newRouter(d routerDeps) http.Handler {
	cfg := d.cfg
	root := cfg.RootURL
	at := func(p string) string { return config.JoinURL(root, p) }

	public := []string{
		at("account/login/"),
		at("account/logout/"),
		at("account/login-error/"),
		at("account/complete/"),
		at("healthz"),
		at("readyz"),
		at("metrics"),
		cfg.StaticURL,
		at("help/"),
	}
	passwordExempt := []string{
		at("account/changepass/"),
		at("account/logout/"),
		cfg.StaticURL,
		at("help/"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP(cfg.SecureProxyHeader.Enabled()))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.requestLogger))
	r.Use(middleware.Recoverer(d.logger))
	r.Use(middleware.AllowedHosts(cfg.AllowedHosts, d.logger))
	r.Use(middleware.ProxySSL(cfg.SecureProxyHeader.Name, cfg.SecureProxyHeader.Value))
	r.Use(middleware.Metrics(d.recorder))
	r.Use(middleware.Session(d.sessions, d.users, d.logger))
	r.Use(middleware.Locale)
	// The body limit runs before CSRF, which may read form bodies.
	r.Use(middleware.MaxBodySize(cfg.MaxAttachmentSize))
	r.Use(middleware.CSRF(cfg.AllowedHosts, d.logger))
	r.Use(middleware.StrictAuthentication(cfg.LoginURL, public))
	r.Use(middleware.PasswordExpirer(cfg.PasswordExpiry, at("account/changepass/"), passwordExempt))
	r.Use(middleware.Security(middleware.SecurityConfig{}))

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	app := chi.NewRouter()
	app.NotFound(handler.NotFound)
	app.MethodNotAllowed(handler.MethodNotAllowed)

	app.Get("/healthz", d.health.Healthz)
	app.Get("/readyz", d.health.Readyz)
	app.Handle("/metrics", handler.NewMetricsHandler(d.gatherer))

	app.Handle("/static/*", handler.Files(cfg.StaticURL, cfg.StaticRoot))
	app.Handle("/media/*", handler.Files(cfg.MediaURL, cfg.MediaRoot))
	app.Handle("/help/*", handler.Files(at("help/"), cfg.HelpRoot))

	app.Get("/", d.account.Index)
	app.Route("/account", func(r chi.Router) {
		r.Get("/login/", d.account.LoginForm)
		r.With(middleware.RateLimitLogin(middleware.RateLimitConfig{
			Logger:   d.logger,
			Limiter:  d.limiter,
			Recorder: d.recorder,
			RPS:      cfg.LoginRateLimitRPS,
			Burst:    cfg.LoginRateLimitBurst,
		})).Post("/login/", d.account.Login)
		r.Post("/logout/", d.account.Logout)
		r.Get("/login-error/", d.account.LoginError)
		r.Get("/changepass/", d.account.ChangePasswordForm)
		r.Post("/changepass/", d.account.ChangePassword)
		if d.account.GoogleEnabled() {
			r.Get("/login/google-oauth2/", d.account.GoogleLogin)
			r.Get("/complete/google-oauth2/", d.account.GoogleComplete)
		}
	})
	app.Post("/i18n/setlang/", d.account.SetLanguage)
	app.Mount("/staff", d.staff.Routes())

	if root == "/" {
		r.Mount("/", app)
	} else {
		r.Mount(strings.TrimSuffix(root, "/"), app)
	}
	return r
}
