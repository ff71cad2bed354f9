package api

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qemplois/marketplace-server/internal/utils"
)

const (
	healthCheckTimeout   = 2 * time.Second
	defaultRecentRecords = 50
	maxRecentRecords     = 500
)

// Health reports liveness, dependency reachability and the verifier
// metrics. Any unreachable dependency turns it into a 503.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(h.opts.Checks))
	for name, p := range h.opts.Checks {
		if err := p.Ping(ctx); err != nil {
			utils.LoggerFrom(ctx).Warn("health check failed", "check", name, "error", err)
			checks[name] = "down"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":        status,
		"uptimeSeconds": int64(h.opts.Metrics.Uptime().Seconds()),
		"checks":        checks,
		"metrics":       h.opts.Metrics.Snapshot(),
	})
}

// MetricsSnapshot returns the sink snapshot plus the most recent records
// (?limit=, default 50).
func (h *Handler) MetricsSnapshot(c *gin.Context) {
	limit := defaultRecentRecords
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxRecentRecords)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"uptimeSeconds": int64(h.opts.Metrics.Uptime().Seconds()),
		"snapshot":      h.opts.Metrics.Snapshot(),
		"recent":        h.opts.Metrics.Recent(limit),
	})
}

var dashboardPage = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="fr">
<head>
<meta charset="UTF-8">
<meta http-equiv="refresh" content="5">
<title>Qemplois API Metrics</title>
</head>
<body style="font-family: system-ui; padding: 2rem; max-width: 800px; margin: 0 auto;">
<h1>Qemplois API Metrics</h1>
<p>Uptime: {{.UptimeSeconds}}s</p>
<pre style="background: #1a1a2e; color: #e8e0d4; padding: 1.5rem; border-radius: 8px; overflow-x: auto;">{{.Snapshot}}</pre>
<p style="color: #666;">Dernière mise à jour: {{.GeneratedAt}}</p>
</body>
</html>
`))

// MetricsDashboard renders the snapshot as a self-refreshing page.
func (h *Handler) MetricsDashboard(c *gin.Context) {
	snapshot, err := json.MarshalIndent(h.opts.Metrics.Snapshot(), "", "  ")
	if err != nil {
		respondError(c, err)
		return
	}
	c.Render(http.StatusOK, render.HTML{
		Template: dashboardPage,
		Name:     "dashboard",
		Data: gin.H{
			"UptimeSeconds": int64(h.opts.Metrics.Uptime().Seconds()),
			"Snapshot":      string(snapshot),
			"GeneratedAt":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Prometheus serves the owned registry, or the default one when none is set.
func (h *Handler) Prometheus() gin.HandlerFunc {
	gatherer := h.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
