// Package apperror maps package errors to the kinds callers use to decide on retries.
package apperror

import (
	"context"
	"errors"
	"net/http"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/auth"
	"viewer-stats/internal/model"
)

// Kind is the externally visible error category.
type Kind string

const (
	KindAuthentication   Kind = "authentication"
	KindMisconfiguration Kind = "misconfiguration"
	KindValidation       Kind = "validation"
	KindDuplicate        Kind = "duplicate"
	KindStorageTransient Kind = "storage_transient"
	KindInternal         Kind = "internal"
)

// Status is the HTTP status for k.
func (k Kind) Status() int {
	switch k {
	case KindAuthentication:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusOK
	case KindStorageTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the sender should try the same request again.
func (k Kind) Retryable() bool {
	return k == KindStorageTransient
}

// Response is the JSON error body.
type Response struct {
	Error     string `json:"error"`
	Kind      Kind   `json:"kind"`
	Retryable bool   `json:"retryable"`
}

var authMessages = []struct {
	err error
	msg string
}{
	{auth.ErrMissingHeaders, "Missing headers"},
	{auth.ErrTimestampExpired, "Timestamp expired"},
	{auth.ErrTimestampInFuture, "Timestamp in future"},
	{auth.ErrInvalidTimestamp, "Invalid timestamp"},
	{auth.ErrInvalidSignature, "Invalid signature"},
	{auth.ErrUnknownMessageType, "Unknown message type"},
}

// Classify returns the kind of err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrMisconfigured):
		return KindMisconfiguration
	case isAuth(err):
		return KindAuthentication
	case errors.Is(err, model.ErrValidation), errors.Is(err, aggregate.ErrInvalidUnit):
		return KindValidation
	case errors.Is(err, aggregate.ErrStorage),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindStorageTransient
	default:
		return KindInternal
	}
}

// From builds the response body for err. Internal details are not exposed.
func From(err error) (int, Response) {
	k := Classify(err)
	resp := Response{Kind: k, Retryable: k.Retryable()}
	switch k {
	case KindAuthentication:
		resp.Error = authMessage(err)
	case KindMisconfiguration:
		resp.Error = "Server misconfigured"
	case KindValidation:
		resp.Error = err.Error()
	case KindStorageTransient:
		resp.Error = "Storage unavailable, retry later"
	default:
		resp.Error = "Internal error"
	}
	return k.Status(), resp
}

func isAuth(err error) bool {
	for _, m := range authMessages {
		if errors.Is(err, m.err) {
			return true
		}
	}
	return false
}

func authMessage(err error) string {
	for _, m := range authMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return "Forbidden"
}
