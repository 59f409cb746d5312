// Package http is the JSON API in front of the resource services.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/coordinator"
	"github.com/nebula-panel/nebula/apps/api/internal/metrics"
	apimw "github.com/nebula-panel/nebula/apps/api/internal/middleware"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/provision"
)

const maxBody = 1 << 20

// Services are the operations the API exposes.
type Services struct {
	Gate        *access.Gate
	Accounts    *provision.AccountService
	Websites    *provision.WebsiteService
	Databases   *provision.DatabaseService
	Email       *provision.EmailService
	Containers  *provision.ContainerService
	Coordinator *coordinator.Coordinator
}

type Server struct {
	svc     Services
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewServer(svc Services, m *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{svc: svc, metrics: m, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.AccessLog(s.logger, s.metrics))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "nebula-api"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireSession(s.svc.Accounts, s.writeError))

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)
			r.Put("/auth/me", s.handleUpdateMe)
			r.Post("/users", s.handleCreateUser)
			r.Get("/users", s.handleListUsers)
			r.Put("/users/{id}", s.handleUpdateUser)

			r.Route("/websites", func(r chi.Router) {
				r.Post("/", s.handleCreateWebsite)
				r.Get("/", s.handleListWebsites)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetWebsite)
					r.Patch("/", s.handleUpdateWebsite)
					r.Delete("/", s.handleDeleteWebsite)
					r.Post("/repair", s.handleRepairWebsite)
					r.Post("/restart", s.handleRestartWebsite)
					r.Post("/backup", s.handleBackupWebsite)
					r.Get("/stats", s.handleWebsiteStats)
					r.Post("/tls", s.handleInstallTLS)
					r.Post("/tls/renew", s.handleRenewTLS)
					r.Delete("/tls", s.handleRevokeTLS)
					r.Post("/compose/up", s.handleComposeUp)
					r.Post("/compose/down", s.handleComposeDown)
				})
			})

			r.Route("/databases", func(r chi.Router) {
				r.Post("/", s.handleCreateDatabase)
				r.Get("/", s.handleListDatabases)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDatabase)
					r.Patch("/", s.handleUpdateDatabase)
					r.Delete("/", s.handleDeleteDatabase)
					r.Post("/backup", s.handleBackupDatabase)
					r.Post("/restore", s.handleRestoreDatabase)
					r.Post("/optimize", s.handleOptimizeDatabase)
					r.Post("/repair", s.handleRepairDatabase)
					r.Get("/stats", s.handleDatabaseStats)
					r.Post("/verify", s.handleVerifyDatabase)
				})
			})

			r.Route("/email", func(r chi.Router) {
				r.Post("/", s.handleCreateEmail)
				r.Get("/", s.handleListEmail)
				r.Post("/setup", s.handleMailSetup)
				r.Get("/status", s.handleMailStatus)
				r.Get("/{id}", s.handleGetEmail)
				r.Patch("/{id}", s.handleUpdateEmail)
				r.Delete("/{id}", s.handleDeleteEmail)
			})

			r.Get("/containers", s.handleListContainers)
			r.Get("/containers/{id}", s.handleGetContainer)
			r.Post("/containers/{id}/{action}", s.handleContainerAction)
			r.Get("/images", s.handleListImages)
			r.Post("/images", s.handlePullImage)
			r.Delete("/images", s.handleRemoveImage)

			r.Get("/backups", s.handleListBackups)
			r.Get("/audit-logs", s.handleAuditLogs)

			r.Route("/system", func(r chi.Router) {
				r.Get("/metrics", s.handleHostMetrics)
				r.Get("/services", s.handleServiceStatus)
				r.Post("/services/{name}/restart", s.handleRestartService)
				r.Post("/backup", s.handleFullBackup)
				r.Get("/updates", s.handleCheckUpdates)
				r.Post("/updates", s.handleInstallUpdates)
				r.Get("/logs", s.handleLogs)
			})
		})
	})

	return r
}

func actorOf(r *http.Request) access.Actor {
	a, _ := apimw.ActorFromContext(r.Context())
	return a
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewNotValid(err, "request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pageOf reads ?offset= and ?limit=; malformed values fall back to defaults.
func pageOf(r *http.Request) models.Page {
	var p models.Page
	p.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	p.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return p.Normalize()
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func list[T any](items []T, total int) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: total}
}
