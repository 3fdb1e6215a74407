package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/dedup"
	"viewer-stats/internal/httpx"
	"viewer-stats/internal/model"
)

// HeartbeatIngester is the dedup gate's heartbeat path.
type HeartbeatIngester interface {
	Ingest(ctx context.Context, evt model.HeartbeatEvent) (dedup.Outcome, aggregate.Result, error)
}

// HeartbeatHandler accepts extension heartbeats.
type HeartbeatHandler struct {
	gate    HeartbeatIngester
	cadence time.Duration
	log     *zap.Logger
}

func NewHeartbeatHandler(gate HeartbeatIngester, cadence time.Duration, log *zap.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{gate: gate, cadence: cadence, log: log}
}

const maxHeartbeatBody = 4 << 10

func (h *HeartbeatHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHeartbeatBody))
	if err != nil {
		httpx.AbortWithError(c, h.log, fmt.Errorf("%w: unreadable body", dedup.ErrValidation))
		return
	}
	var p model.HeartbeatPayload
	if err := json.Unmarshal(body, &p); err != nil {
		httpx.AbortWithError(c, h.log, fmt.Errorf("%w: invalid json", dedup.ErrValidation))
		return
	}
	if p.Type != model.HeartbeatType {
		httpx.AbortWithError(c, h.log, fmt.Errorf("%w: type must be %s", dedup.ErrValidation, model.HeartbeatType))
		return
	}

	outcome, res, err := h.gate.Ingest(c.Request.Context(), p.ToEvent(h.cadence))
	if err != nil {
		httpx.AbortWithError(c, h.log, err)
		return
	}
	resp := gin.H{"status": outcome.String()}
	if outcome == dedup.Applied {
		resp["totalWatchTimeMinutes"] = model.RoundMinutes(res.Lifetime.TotalWatchTimeMinutes)
		resp["currentStreakDays"] = res.Lifetime.CurrentStreakDays
	}
	c.JSON(http.StatusOK, resp)
}
