package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestVerifier(secret string) *Verifier {
	v := NewVerifier(secret, DefaultTolerance, DefaultClockSkew)
	v.Now = func() time.Time { return fixedNow }
	return v
}

func signedHeaders(secret, id string, ts time.Time, body []byte) Headers {
	stamp := ts.Format(time.RFC3339Nano)
	return Headers{
		MessageID:   id,
		Timestamp:   stamp,
		Signature:   ComputeSignature(secret, id, stamp, body),
		MessageType: "notification",
	}
}

func TestVerifyAcceptsFreshSignedNotification(t *testing.T) {
	body := []byte(`{"subscription":{"type":"channel.follow"},"event":{"user_id":"1"}}`)
	h := signedHeaders("s3cret", "msg-123", fixedNow, body)

	mt, err := newTestVerifier("s3cret").Verify(h, body)
	require.NoError(t, err)
	require.Equal(t, MessageNotification, mt)
}

func TestVerifyRejectsExpiredTimestamp(t *testing.T) {
	body := []byte(`{}`)
	h := signedHeaders("s3cret", "msg-123", fixedNow.Add(-15*time.Minute), body)

	_, err := newTestVerifier("s3cret").Verify(h, body)
	require.ErrorIs(t, err, ErrTimestampExpired)
}

func TestVerifyToleranceBoundary(t *testing.T) {
	body := []byte(`{}`)
	v := newTestVerifier("s3cret")

	_, err := v.Verify(signedHeaders("s3cret", "a", fixedNow.Add(-DefaultTolerance), body), body)
	require.NoError(t, err)
	_, err = v.Verify(signedHeaders("s3cret", "b", fixedNow.Add(-DefaultTolerance-time.Second), body), body)
	require.ErrorIs(t, err, ErrTimestampExpired)
}

func TestVerifyRejectsFutureTimestampBeyondSkew(t *testing.T) {
	body := []byte(`{}`)
	v := newTestVerifier("s3cret")

	_, err := v.Verify(signedHeaders("s3cret", "a", fixedNow.Add(30*time.Second), body), body)
	require.NoError(t, err)
	_, err = v.Verify(signedHeaders("s3cret", "b", fixedNow.Add(5*time.Minute), body), body)
	require.ErrorIs(t, err, ErrTimestampInFuture)
}

func TestVerifyMissingHeaders(t *testing.T) {
	body := []byte(`{}`)
	full := signedHeaders("s3cret", "msg-1", fixedNow, body)
	cases := map[string]func(h *Headers){
		"message id": func(h *Headers) { h.MessageID = "" },
		"timestamp":  func(h *Headers) { h.Timestamp = "" },
		"signature":  func(h *Headers) { h.Signature = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := full
			mutate(&h)
			_, err := newTestVerifier("s3cret").Verify(h, body)
			require.ErrorIs(t, err, ErrMissingHeaders)
		})
	}
}

func TestVerifyFailsClosedWithoutSecret(t *testing.T) {
	body := []byte(`{}`)
	h := signedHeaders("", "msg-1", fixedNow, body)

	_, err := newTestVerifier("").Verify(h, body)
	require.ErrorIs(t, err, ErrMisconfigured)
}

func TestVerifyWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	h := signedHeaders("other", "msg-1", fixedNow, body)

	_, err := newTestVerifier("s3cret").Verify(h, body)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMalformedSignature(t *testing.T) {
	body := []byte(`{}`)
	h := signedHeaders("s3cret", "msg-1", fixedNow, body)
	v := newTestVerifier("s3cret")

	h.Signature = "deadbeef"
	_, err := v.Verify(h, body)
	require.ErrorIs(t, err, ErrInvalidSignature)

	h.Signature = SignaturePrefix + "zz"
	_, err = v.Verify(h, body)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySingleBitMutationsReject(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"event":{"broadcaster_user_id":"42","chatter_user_id":"7"}}`)
	h := signedHeaders(secret, "msg-123", fixedNow, body)
	v := newTestVerifier(secret)

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 1 << bit
			_, err := v.Verify(h, mutated)
			require.Error(t, err, "body byte %d bit %d", i, bit)
		}
	}
	for i := range h.MessageID {
		for bit := 0; bit < 7; bit++ {
			id := []byte(h.MessageID)
			id[i] ^= 1 << bit
			mh := h
			mh.MessageID = string(id)
			_, err := v.Verify(mh, body)
			require.Error(t, err, "message id byte %d bit %d", i, bit)
		}
	}
	for i := range h.Timestamp {
		for bit := 0; bit < 7; bit++ {
			stamp := []byte(h.Timestamp)
			stamp[i] ^= 1 << bit
			mh := h
			mh.Timestamp = string(stamp)
			_, err := v.Verify(mh, body)
			require.Error(t, err, "timestamp byte %d bit %d", i, bit)
		}
	}
}

func TestVerifyMessageTypes(t *testing.T) {
	body := []byte(`{}`)
	v := newTestVerifier("s3cret")
	for raw, want := range map[string]MessageType{
		"notification":                  MessageNotification,
		"webhook_callback_verification": MessageVerification,
		"revocation":                    MessageRevocation,
	} {
		h := signedHeaders("s3cret", "msg-1", fixedNow, body)
		h.MessageType = raw
		got, err := v.Verify(h, body)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Equal(t, raw, got.String())
	}

	h := signedHeaders("s3cret", "msg-1", fixedNow, body)
	h.MessageType = "bogus"
	_, err := v.Verify(h, body)
	require.ErrorIs(t, err, ErrUnknownMessageType)
}
