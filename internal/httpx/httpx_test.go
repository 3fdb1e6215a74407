package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"viewer-stats/internal/apperror"
	"viewer-stats/internal/auth"
	"viewer-stats/internal/latency"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func webhookRouter(secret string) *gin.Engine {
	v := auth.NewVerifier(secret, auth.DefaultTolerance, auth.DefaultClockSkew)
	v.Now = func() time.Time { return fixedNow }
	r := gin.New()
	r.POST("/hook", VerifyWebhook(v, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"type": MessageType(c).String(),
			"id":   c.GetString(MessageIDKey),
			"body": string(RawBody(c)),
		})
	})
	return r
}

func signedRequest(secret, id string, ts time.Time, body string) *http.Request {
	stamp := ts.Format(time.RFC3339Nano)
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set(HeaderMessageID, id)
	req.Header.Set(HeaderMessageTimestamp, stamp)
	req.Header.Set(HeaderMessageSignature, auth.ComputeSignature(secret, id, stamp, []byte(body)))
	req.Header.Set(HeaderMessageType, "notification")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestVerifyWebhookAccepts(t *testing.T) {
	body := `{"subscription":{"type":"channel.follow"},"event":{"user_id":"42"}}`
	w := httptest.NewRecorder()
	webhookRouter("s3cret").ServeHTTP(w, signedRequest("s3cret", "msg-123", fixedNow, body))

	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	require.Equal(t, "notification", got["type"])
	require.Equal(t, "msg-123", got["id"])
	require.Equal(t, body, got["body"])
}

func TestVerifyWebhookAcceptsPlatformHeaders(t *testing.T) {
	body := `{}`
	stamp := fixedNow.Format(time.RFC3339Nano)
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set("Twitch-Eventsub-Message-Id", "msg-9")
	req.Header.Set("Twitch-Eventsub-Message-Timestamp", stamp)
	req.Header.Set("Twitch-Eventsub-Message-Signature", auth.ComputeSignature("s3cret", "msg-9", stamp, []byte(body)))
	req.Header.Set("Twitch-Eventsub-Message-Type", "revocation")

	w := httptest.NewRecorder()
	webhookRouter("s3cret").ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "revocation", decode(t, w)["type"])
}

func TestVerifyWebhookRejections(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		req    func() *http.Request
		code   int
		msg    string
		kind   apperror.Kind
	}{
		{
			name:   "expired",
			secret: "s3cret",
			req:    func() *http.Request { return signedRequest("s3cret", "msg-123", fixedNow.Add(-15*time.Minute), `{}`) },
			code:   http.StatusForbidden,
			msg:    "Timestamp expired",
			kind:   apperror.KindAuthentication,
		},
		{
			name:   "missing headers",
			secret: "s3cret",
			req: func() *http.Request {
				r := signedRequest("s3cret", "msg-123", fixedNow, `{}`)
				r.Header.Del(HeaderMessageSignature)
				return r
			},
			code: http.StatusForbidden,
			msg:  "Missing headers",
			kind: apperror.KindAuthentication,
		},
		{
			name:   "wrong secret",
			secret: "s3cret",
			req:    func() *http.Request { return signedRequest("other", "msg-123", fixedNow, `{}`) },
			code:   http.StatusForbidden,
			msg:    "Invalid signature",
			kind:   apperror.KindAuthentication,
		},
		{
			name:   "secret unset",
			secret: "",
			req:    func() *http.Request { return signedRequest("s3cret", "msg-123", fixedNow, `{}`) },
			code:   http.StatusInternalServerError,
			msg:    "Server misconfigured",
			kind:   apperror.KindMisconfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			webhookRouter(tt.secret).ServeHTTP(w, tt.req())

			require.Equal(t, tt.code, w.Code)
			got := decode(t, w)
			require.Equal(t, tt.msg, got["error"])
			require.Equal(t, string(tt.kind), got["kind"])
			require.Equal(t, false, got["retryable"])
		})
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := fixedNow
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("1.1.1.1"))
	require.True(t, rl.Allow("1.1.1.1"))
	require.False(t, rl.Allow("1.1.1.1"))
	require.True(t, rl.Allow("2.2.2.2"))

	now = now.Add(time.Second)
	require.True(t, rl.Allow("1.1.1.1"))

	now = now.Add(time.Hour)
	require.Equal(t, 2, rl.Sweep())
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	r := gin.New()
	r.POST("/hb", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hb", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hb", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestDiagnostics(t *testing.T) {
	s := latency.New(10)
	r := gin.New()
	r.GET("/diag", Diagnostics(s))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/diag", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"no data"}`, w.Body.String())

	s.Record(2 * time.Millisecond)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/diag", nil))
	got := decode(t, w)
	require.EqualValues(t, 1, got["count"])
	require.EqualValues(t, 2, got["p95Ms"])
}

func TestCORSAllowList(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://dash.example"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://dash.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://dash.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
