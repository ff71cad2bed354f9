package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qemplois/marketplace-server/internal/metrics"
	"github.com/qemplois/marketplace-server/internal/service"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the collaborators of the operational routes. All of them
// are optional.
type Options struct {
	Metrics       *metrics.Sink
	Collectors    *metrics.Collectors
	Gatherer      prometheus.Gatherer
	MetricsAPIKey string
	CORSOrigins   []string
	// Checks are pinged by /health, keyed by name.
	Checks map[string]Pinger
	Logger *slog.Logger
}

// Handler handles all HTTP requests
type Handler struct {
	service service.Service
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a new Handler
func NewHandler(svc service.Service, opts Options) *Handler {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewSink()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: svc, opts: opts, logger: logger}
}

// SetupRoutes installs the middleware chain and every route on router.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(RequestID(h.logger), AccessLog(h.opts.Collectors), CORS(h.opts.CORSOrigins))

	router.GET("/health", h.Health)
	ops := router.Group("/metrics", MetricsAuth(h.opts.MetricsAPIKey))
	{
		ops.GET("", h.MetricsSnapshot)
		ops.GET("/prometheus", h.Prometheus())
		ops.GET("/dashboard", h.MetricsDashboard)
	}

	api := router.Group("/api")
	auth := AuthMiddleware(h.service)

	// Public routes
	public := api.Group("/auth")
	{
		public.POST("/register", h.Register)
		public.POST("/login", h.Login)
		public.POST("/refresh", h.Refresh)
		public.POST("/verify-link", h.VerifyLink)
	}
	api.GET("/categories", h.ListCategories)

	// Authenticated routes
	account := api.Group("/auth", auth)
	{
		account.POST("/logout", h.Logout)
		account.GET("/me", h.Me)
		account.POST("/change-password", h.ChangePassword)
		account.POST("/request-deletion", h.RequestDeletion)
		account.POST("/link-token", h.IssueLinkToken)
		account.POST("/link-platform", h.LinkPlatform)
		account.POST("/unlink-platform", h.UnlinkPlatform)
	}

	users := api.Group("/users", auth)
	{
		users.GET("/me", h.Me)
		users.PUT("/me", h.UpdateProfile)
	}

	protected := api.Group("", auth)
	{
		protected.GET("/audit/me", h.AuditTrail)

		protected.POST("/pros", h.BecomePro)
		protected.GET("/pros/me", h.GetMyProfile)
		protected.PUT("/pros/me/licence", h.UpdateLicence)
		protected.POST("/pros/:id/identity", h.SetIdentityStatus)

		protected.POST("/jobs", h.CreateJob)
		protected.GET("/jobs/:id", h.GetJob)
		protected.PATCH("/jobs/:id/category", h.ChangeJobCategory)
		protected.GET("/jobs/:id/bids", h.ListBidsForJob)

		protected.POST("/services", h.CreateService)
		protected.GET("/services", h.ListServices)
		protected.PUT("/services/:id", h.UpdateService)
		protected.DELETE("/services/:id", h.DeactivateService)

		protected.POST("/bids", h.SubmitBid)
		protected.POST("/bids/:id/accept", h.AcceptBid)
		protected.POST("/bids/:id/reject", h.RejectBid)
		protected.POST("/bids/:id/cancel", h.CancelBid)

		protected.POST("/bookings", h.CreateBooking)
		protected.GET("/bookings", h.ListBookings)
		protected.GET("/bookings/:id", h.GetBooking)
		protected.POST("/bookings/:id/transition", h.TransitionBooking)
		protected.POST("/bookings/:id/cancel", h.CancelBooking)

		protected.POST("/leads", h.IngestLead)
		protected.GET("/leads", h.ListLeads)
		protected.POST("/traction/log", h.LogTraction)
		protected.GET("/traction/summary", h.TractionSummary)

		protected.POST("/verify/rbq", h.VerifyLicence)

		protected.POST("/admin/retention/sweep", h.RunRetentionSweep)
	}
}
