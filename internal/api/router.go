package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"viewer-stats/internal/auth"
	"viewer-stats/internal/httpx"
	"viewer-stats/internal/latency"
)

// Pinger reports backing store readiness.
type Pinger func(ctx context.Context) error

// IngestDeps wires the ingest router.
type IngestDeps struct {
	Service   string
	Log       *zap.Logger
	Verifier  *auth.Verifier
	Heartbeat *HeartbeatHandler
	Webhook   *WebhookHandler
	Limiter   *httpx.RateLimiter
	Sampler   *latency.Sampler
	CORS      []string
	Ready     Pinger
}

// NewIngestRouter mounts the heartbeat and webhook endpoints.
func NewIngestRouter(d IngestDeps) *gin.Engine {
	r := base(d.Service, d.Log, d.CORS, d.Ready, d.Sampler)

	hb := []gin.HandlerFunc{}
	if d.Limiter != nil {
		hb = append(hb, d.Limiter.Middleware())
	}
	hb = append(hb, d.Heartbeat.Handle)
	r.POST("/v1/heartbeat", hb...)
	r.POST("/v1/webhooks/eventsub", httpx.VerifyWebhook(d.Verifier, d.Log), d.Webhook.Handle)
	return r
}

// QueryDeps wires the query router.
type QueryDeps struct {
	Service string
	Log     *zap.Logger
	Query   *QueryHandler
	Sampler *latency.Sampler
	CORS    []string
	Ready   Pinger
}

// NewQueryRouter mounts the read endpoints.
func NewQueryRouter(d QueryDeps) *gin.Engine {
	r := base(d.Service, d.Log, d.CORS, d.Ready, d.Sampler)

	v := r.Group("/v1/viewers/:viewer/channels/:channel")
	v.GET("/stats", d.Query.Stats)
	v.GET("/daily", d.Query.Daily)
	v.GET("/badges", d.Query.Badges)

	ch := r.Group("/v1/channels/:channel")
	ch.GET("/watch-minutes", d.Query.WatchMinutes)
	ch.GET("/active-viewers", d.Query.ActiveViewers)
	return r
}

func base(service string, log *zap.Logger, cors []string, ready Pinger, sampler *latency.Sampler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpx.NewHTTPMetrics(service).Handler())
	r.Use(httpx.RequestLogger(log))
	r.Use(httpx.CORSMiddleware(cors))

	r.GET("/healthz", func(c *gin.Context) {
		if ready != nil {
			if err := ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if sampler != nil {
		r.GET("/internal/diagnostics/db", httpx.Diagnostics(sampler))
	}
	return r
}
