package httpx

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"viewer-stats/internal/apperror"
	"viewer-stats/internal/auth"
)

// Context keys set by VerifyWebhook.
const (
	MessageTypeKey = "eventsubMessageType"
	MessageIDKey   = "eventsubMessageId"
	RawBodyKey     = "eventsubRawBody"
)

// Webhook header names. The platform-prefixed aliases are accepted too.
const (
	HeaderMessageID        = "Message-Id"
	HeaderMessageTimestamp = "Message-Timestamp"
	HeaderMessageSignature = "Message-Signature"
	HeaderMessageType      = "Message-Type"

	platformPrefix = "Twitch-Eventsub-"
)

// maxWebhookBody bounds the bytes read before the signature is checked.
const maxWebhookBody = 1 << 20

// VerifyWebhook authenticates the request with v before any handler runs.
// On success the parsed message type, message id and the exact raw body are
// attached to the gin context.
func VerifyWebhook(v *auth.Verifier, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, apperror.Response{Error: "invalid body", Kind: apperror.KindValidation})
			return
		}
		if len(body) > maxWebhookBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, apperror.Response{Error: "body too large", Kind: apperror.KindValidation})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		h := WebhookHeaders(c.Request.Header)
		mt, err := v.Verify(h, body)
		if err != nil {
			status, resp := apperror.From(err)
			log.Warn("webhook rejected",
				zap.String("message_id", h.MessageID),
				zap.String("kind", string(resp.Kind)),
				zap.Error(err))
			webhooksTotal.WithLabelValues(string(resp.Kind)).Inc()
			c.AbortWithStatusJSON(status, resp)
			return
		}

		c.Set(MessageTypeKey, mt)
		c.Set(MessageIDKey, h.MessageID)
		c.Set(RawBodyKey, body)
		c.Next()
	}
}

// WebhookHeaders extracts the signed header values.
func WebhookHeaders(hdr http.Header) auth.Headers {
	get := func(name string) string {
		if v := hdr.Get(name); v != "" {
			return v
		}
		return hdr.Get(platformPrefix + name)
	}
	return auth.Headers{
		MessageID:   get(HeaderMessageID),
		Timestamp:   get(HeaderMessageTimestamp),
		Signature:   get(HeaderMessageSignature),
		MessageType: get(HeaderMessageType),
	}
}

// MessageType returns the type attached by VerifyWebhook.
func MessageType(c *gin.Context) auth.MessageType {
	if v, ok := c.Get(MessageTypeKey); ok {
		if mt, ok := v.(auth.MessageType); ok {
			return mt
		}
	}
	return auth.MessageUnknown
}

// RawBody returns the verified request bytes.
func RawBody(c *gin.Context) []byte {
	if v, ok := c.Get(RawBodyKey); ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}
