package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/agentstore"
	"github.com/fleetmesh/server/internal/auth"
	"github.com/fleetmesh/server/internal/credentialstore"
	"github.com/fleetmesh/server/internal/dispatcher"
	"github.com/fleetmesh/server/internal/enrollment"
	"github.com/fleetmesh/server/internal/jobstore"
	"github.com/fleetmesh/server/internal/registry"
	"github.com/fleetmesh/server/internal/repositories"
	"github.com/fleetmesh/server/internal/repository"
	"github.com/fleetmesh/server/internal/websocket"
	"github.com/fleetmesh/server/internal/workflow"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Logger      *zap.Logger

	Registry      *registry.Registry
	Agents        *agentstore.Store
	Jobs          *jobstore.Store
	Dispatcher    *dispatcher.Dispatcher
	Certificates  *credentialstore.Store
	Enrollment    *enrollment.Service
	WorkflowRunner *workflow.Runner
	WorkflowStore  *workflow.Store

	Users         repository.UserRepository
	OIDCProviders repository.OIDCProviderRepository
	Notifications repositories.NotificationRepository

	// WSHub is the browser-facing pub/sub hub backing GET /api/v1/ws.
	WSHub *websocket.Hub

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1, covering the admin REST surface:
// job submit/query/cancel, agent list/get, enrollment approve/reject,
// bootstrap-token regenerate (which also sets auto-approve; there is no
// route to read the token back or to toggle auto-approve alone) and
// enable/disable, certificate
// get/revoke/list, and revocation-list retrieval.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.OIDCProviders, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Registry, cfg.Agents, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Dispatcher, cfg.Jobs, cfg.Logger)
	enrollmentHandler := NewEnrollmentHandler(cfg.Enrollment, cfg.Logger)
	bootstrapHandler := NewBootstrapTokenHandler(cfg.Enrollment, cfg.Logger)
	certHandler := NewCertificateHandler(cfg.Certificates, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	wsHandler := NewWSHandler(cfg.WSHub, cfg.AuthService.JWTManager(), cfg.Jobs, cfg.Logger)
	workflowHandler := NewWorkflowHandler(cfg.WorkflowRunner, cfg.WorkflowStore, cfg.Logger)

	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		// /ws authenticates itself via the `token` query parameter since the
		// browser WebSocket API cannot set an Authorization header — it is
		// deliberately outside the Authenticate middleware group.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
			r.Get("/ws", wsHandler.ServeWS)
		})

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Notifications — scoped to the authenticated user.
			r.Get("/notifications", notificationHandler.List)
			r.Patch("/notifications/read-all", notificationHandler.MarkAllAsRead)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkAsRead)

			// Agents — read-mostly: live presence plus the persisted record.
			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Get("/agents/{id}/certificate", certHandler.GetByNode)

			// Jobs
			r.Post("/jobs", jobHandler.Submit)
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Post("/jobs/{id}/cancel", jobHandler.Cancel)

			// Certificates
			r.Get("/certificates", certHandler.List)
			r.Get("/certificates/revoked", certHandler.ListRevoked)

			// Workflows — supplemented DAG-composition feature (spec.md §1).
			r.Post("/workflows", workflowHandler.CreateDefinition)
			r.Get("/workflows", workflowHandler.ListDefinitions)
			r.Get("/workflows/{id}", workflowHandler.GetDefinition)
			r.Post("/workflows/{id}/runs", workflowHandler.StartRun)
			r.Get("/workflows/{id}/runs", workflowHandler.ListRuns)
			r.Get("/workflow-runs/{id}", workflowHandler.GetRun)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))

				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				r.Get("/settings/oidc", settingsHandler.GetOIDC)
				r.Put("/settings/oidc", settingsHandler.UpsertOIDC)

				// Admission
				r.Get("/enrollment/pending", enrollmentHandler.Pending)
				r.Post("/enrollment/{id}/approve", enrollmentHandler.Approve)
				r.Post("/enrollment/{id}/reject", enrollmentHandler.Reject)

				r.Post("/bootstrap-token", bootstrapHandler.Regenerate)
				r.Put("/bootstrap-token/enabled", bootstrapHandler.SetEnabled)

				r.Post("/agents/{id}/certificate/revoke", certHandler.Revoke)
			})
		})
	})

	return r
}
