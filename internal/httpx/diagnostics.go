package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"viewer-stats/internal/latency"
)

// Diagnostics serves the query latency snapshot.
func Diagnostics(s *latency.Sampler) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, ok := s.Snapshot()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "no data"})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}
