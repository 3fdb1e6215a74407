package httpx

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"viewer-stats/internal/apperror"
)

var webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhooks_total",
	Help: "Webhook deliveries by result",
}, []string{"result"})

// CountWebhook records a webhook outcome past verification.
func CountWebhook(result string) {
	webhooksTotal.WithLabelValues(result).Inc()
}

// AbortWithError writes the classified error body. Server-side kinds are logged.
func AbortWithError(c *gin.Context, log *zap.Logger, err error) {
	status, resp := apperror.From(err)
	_ = c.Error(err)
	if status >= 500 {
		log.Error("request failed",
			zap.String("route", routeOf(c)),
			zap.String("kind", string(resp.Kind)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, resp)
}
