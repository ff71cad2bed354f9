package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/metrics"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/service"
	"github.com/qemplois/marketplace-server/internal/utils"
)

const (
	requestIDHeader = "X-Request-ID"
	sessionKey      = "session"
)

// RequestID honours an incoming X-Request-ID or generates one, echoes it, and
// puts it and a request-scoped logger on the request context.
func RequestID(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		ctx := utils.WithRequestID(c.Request.Context(), id)
		ctx = utils.WithLogger(ctx, logger.With("request_id", id))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AccessLog logs every request once it completes and feeds the HTTP
// collectors when they are set.
func AccessLog(collectors *metrics.Collectors) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		if collectors != nil {
			collectors.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
			collectors.HTTPLatency.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		utils.LoggerFrom(c.Request.Context()).Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

// AuthMiddleware validates the bearer access token and stores the session.
func AuthMiddleware(svc service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, apperrors.New(apperrors.Unauthorized, "authorization header is required"))
			return
		}

		// Check if the header has the Bearer prefix
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			abortWithError(c, apperrors.New(apperrors.Unauthorized, "authorization header must be Bearer <token>"))
			return
		}

		session, err := svc.ParseAccessToken(c.Request.Context(), parts[1])
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// MetricsAuth requires the metrics API key, from X-API-Key or ?api_key=,
// when one is configured.
func MetricsAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		given := c.GetHeader("X-API-Key")
		if given == "" {
			given = c.Query("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(apiKey)) != 1 {
			abortWithError(c, apperrors.New(apperrors.Unauthorized, "invalid metrics API key"))
			return
		}
		c.Next()
	}
}

func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	cfg.AddAllowHeaders("Authorization", requestIDHeader, "Accept-Language", "X-API-Key")
	cfg.AddExposeHeaders(requestIDHeader)
	return cors.New(cfg)
}

func sessionFrom(c *gin.Context) *service.Session {
	if v, ok := c.Get(sessionKey); ok {
		if s, ok := v.(*service.Session); ok {
			return s
		}
	}
	return nil
}

// actorFrom describes the caller. Public routes get an actor without a user.
func actorFrom(c *gin.Context) models.Actor {
	actor := models.Actor{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		RequestID: utils.RequestIDFrom(c.Request.Context()),
	}
	if s := sessionFrom(c); s != nil {
		actor.UserID = s.UserID
		actor.Role = s.Role
	}
	return actor
}
