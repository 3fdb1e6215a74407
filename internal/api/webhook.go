package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"viewer-stats/internal/apperror"
	"viewer-stats/internal/auth"
	"viewer-stats/internal/httpx"
	"viewer-stats/internal/model"
)

// NotificationPublisher hands verified notifications to the aggregator.
type NotificationPublisher interface {
	Publish(ctx context.Context, env model.NotificationEnvelope) error
}

// ReplayFilter remembers accepted message ids at the edge.
type ReplayFilter interface {
	Claim(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

type webhookBody struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// WebhookHandler dispatches requests already accepted by httpx.VerifyWebhook.
type WebhookHandler struct {
	pub     NotificationPublisher
	replay  ReplayFilter
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewWebhookHandler builds the dispatcher. replay may be nil.
func NewWebhookHandler(pub NotificationPublisher, replay ReplayFilter, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		pub:     pub,
		replay:  replay,
		log:     log,
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	var body webhookBody
	if err := json.Unmarshal(httpx.RawBody(c), &body); err != nil {
		httpx.CountWebhook("malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, apperror.Response{Error: "invalid json", Kind: apperror.KindValidation})
		return
	}

	switch mt := httpx.MessageType(c); mt {
	case auth.MessageVerification:
		h.verification(c, body)
	case auth.MessageRevocation:
		h.revocation(c, body)
	case auth.MessageNotification:
		h.notification(c, body)
	default:
		httpx.CountWebhook("unknown_type")
		c.AbortWithStatusJSON(http.StatusForbidden, apperror.Response{Error: "Unknown message type", Kind: apperror.KindAuthentication})
	}
}

func (h *WebhookHandler) verification(c *gin.Context, body webhookBody) {
	if body.Challenge == "" {
		httpx.CountWebhook("malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, apperror.Response{Error: "missing challenge", Kind: apperror.KindValidation})
		return
	}
	h.log.Info("webhook subscription verified",
		zap.String("subscription_id", body.Subscription.ID),
		zap.String("subscription_type", body.Subscription.Type))
	httpx.CountWebhook("verification")
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body.Challenge))
}

func (h *WebhookHandler) revocation(c *gin.Context, body webhookBody) {
	h.log.Warn("webhook subscription revoked",
		zap.String("subscription_id", body.Subscription.ID),
		zap.String("subscription_type", body.Subscription.Type),
		zap.String("status", body.Subscription.Status))
	httpx.CountWebhook("revocation")
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) notification(c *gin.Context, body webhookBody) {
	ctx := c.Request.Context()
	hdr := httpx.WebhookHeaders(c.Request.Header)

	if h.replay != nil {
		fresh, err := h.replay.Claim(ctx, hdr.MessageID)
		if err != nil {
			h.log.Warn("replay guard unavailable", zap.String("message_id", hdr.MessageID), zap.Error(err))
		} else if !fresh {
			httpx.CountWebhook("duplicate")
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
	}

	ts, _ := time.Parse(time.RFC3339Nano, hdr.Timestamp)
	env := model.NotificationEnvelope{
		MessageID:        hdr.MessageID,
		MessageTimestamp: ts.UTC(),
		SubscriptionType: body.Subscription.Type,
		Event:            body.Event,
		ReceivedAt:       h.now(),
	}
	pubCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.pub.Publish(pubCtx, env); err != nil {
		if h.replay != nil {
			if rerr := h.replay.Release(context.WithoutCancel(ctx), hdr.MessageID); rerr != nil {
				h.log.Warn("release replay key", zap.String("message_id", hdr.MessageID), zap.Error(rerr))
			}
		}
		h.log.Error("publish notification",
			zap.String("message_id", hdr.MessageID),
			zap.String("subscription_type", env.SubscriptionType),
			zap.Error(err))
		httpx.CountWebhook("publish_failed")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, apperror.Response{
			Error:     "Queue unavailable, retry later",
			Kind:      apperror.KindStorageTransient,
			Retryable: true,
		})
		return
	}
	httpx.CountWebhook("accepted")
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
