package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/isdelr/vaultkeep/internal/api/handlers"
	"github.com/isdelr/vaultkeep/internal/auth"
	"github.com/isdelr/vaultkeep/internal/config"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/isdelr/vaultkeep/internal/websocket"
)

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Server   config.ServerConfig
	Auth     *auth.Authenticator
	Hub      *websocket.Hub
	Metrics  http.Handler
	Backups  services.BackupServiceProvider
	Restores services.RestoreServiceProvider
	Events   services.EventServiceProvider
	System   services.SystemServiceProvider
	Settings handlers.SettingsProvider
}

// NewRouter creates and configures a new Chi router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	backupHandler := handlers.NewBackupHandler(d.Backups, d.Restores)
	eventHandler := handlers.NewEventHandler(d.Events)
	systemHandler := handlers.NewSystemHandler(d.System, d.Restores, d.Settings)
	wsHandler := handlers.NewWebSocketHandler(d.Hub, d.Restores, d.Server.CORSOrigins)

	limit := d.Server.RateLimit
	if limit <= 0 {
		limit = 30
	}
	window := d.Server.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	mutationLimit := httprate.LimitByIP(limit, window)
	// Anything reading or writing the live database is refused while a restore owns it.
	dbGuard := Maintenance(d.Restores)

	r.Get("/healthz", systemHandler.Health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		// WebSocket connection endpoint
		r.Get("/ws", wsHandler.Serve)

		r.Get("/restore/status", systemHandler.RestoreStatus)
		r.Get("/system/status", systemHandler.Status)

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", backupHandler.GetAll)
			r.With(mutationLimit, dbGuard).Post("/", backupHandler.Create)
			r.Route("/{filename}", func(r chi.Router) {
				r.Get("/verify", backupHandler.Verify)
				r.With(mutationLimit).Delete("/", backupHandler.Delete)
				// Conflicts with an existing journal are answered by the restore service itself.
				r.With(mutationLimit).Post("/restore", backupHandler.Restore)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(dbGuard)
			r.Get("/events", eventHandler.GetRecent)
			r.Get("/settings/backup", systemHandler.GetBackupSettings)
			r.With(mutationLimit).Put("/settings/backup", systemHandler.UpdateBackupSettings)
		})
	})

	return r
}
