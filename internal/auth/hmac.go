package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// SignaturePrefix precedes the hex digest in the signature header.
const SignaturePrefix = "sha256="

// Defaults observed for the platform's webhook delivery.
const (
	DefaultTolerance = 10 * time.Minute
	DefaultClockSkew = time.Minute
)

var (
	ErrMissingHeaders     = errors.New("missing headers")
	ErrMisconfigured      = errors.New("webhook secret not configured")
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
	ErrTimestampExpired   = errors.New("timestamp expired")
	ErrTimestampInFuture  = errors.New("timestamp in future")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Headers carries the signed webhook header values.
type Headers struct {
	MessageID   string
	Timestamp   string
	Signature   string
	MessageType string
}

// Verifier authenticates webhook notifications. It holds no mutable state
// and is safe for concurrent use.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Skew      time.Duration
	Now       func() time.Time
}

// NewVerifier returns a verifier with the default freshness window.
func NewVerifier(secret string, tolerance, skew time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if skew < 0 {
		skew = DefaultClockSkew
	}
	return &Verifier{
		Secret:    secret,
		Tolerance: tolerance,
		Skew:      skew,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// ComputeSignature returns the "sha256=<hex>" HMAC over messageID, timestamp and body.
func ComputeSignature(secret, messageID, timestamp string, body []byte) string {
	return SignaturePrefix + hex.EncodeToString(digest(secret, messageID, timestamp, body))
}

// Verify checks secret configuration, header presence, freshness and the
// signature, in that order. body must be the exact bytes received.
func (v *Verifier) Verify(h Headers, body []byte) (MessageType, error) {
	if v.Secret == "" {
		return MessageUnknown, ErrMisconfigured
	}
	if h.MessageID == "" || h.Timestamp == "" || h.Signature == "" {
		return MessageUnknown, ErrMissingHeaders
	}

	ts, err := time.Parse(time.RFC3339Nano, h.Timestamp)
	if err != nil {
		return MessageUnknown, ErrInvalidTimestamp
	}
	now := v.now()
	if now.Sub(ts) > v.Tolerance {
		return MessageUnknown, ErrTimestampExpired
	}
	if ts.Sub(now) > v.Skew {
		return MessageUnknown, ErrTimestampInFuture
	}

	if !verifySignature(v.Secret, h, body) {
		return MessageUnknown, ErrInvalidSignature
	}

	mt, err := ParseMessageType(h.MessageType)
	if err != nil {
		return MessageUnknown, err
	}
	return mt, nil
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now().UTC()
	}
	return v.Now()
}

func verifySignature(secret string, h Headers, body []byte) bool {
	candidate, ok := strings.CutPrefix(h.Signature, SignaturePrefix)
	if !ok {
		return false
	}
	candidateBytes, err := hex.DecodeString(candidate)
	if err != nil {
		return false
	}
	return hmac.Equal(digest(secret, h.MessageID, h.Timestamp, body), candidateBytes)
}

func digest(secret, messageID, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return mac.Sum(nil)
}
