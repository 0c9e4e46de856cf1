package medilink_errors

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Call errors. These are terminal for the call that produced them, except
// ErrEndCallFailed which is reported after local cleanup already ran.
var (
	ErrMediaAccessDenied = errors.New("media access denied")
	ErrCallNotFound      = errors.New("call not found")
	ErrConnectionLost    = errors.New("connection lost")
	ErrEndCallFailed     = errors.New("end call failed")
)

// Session errors
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoCurrentSession = errors.New("no current session")
)

// Code returns the stable kebab-case identifier for a known error, or
// "internal" when err matches none of them.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMediaAccessDenied):
		return "media-access-denied"
	case errors.Is(err, ErrCallNotFound):
		return "call-not-found"
	case errors.Is(err, ErrConnectionLost):
		return "connection-lost"
	case errors.Is(err, ErrEndCallFailed):
		return "end-call-failed"
	case errors.Is(err, ErrSessionNotFound):
		return "session-not-found"
	case errors.Is(err, ErrNoCurrentSession):
		return "no-current-session"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid-transition"
	case errors.Is(err, ErrInvalidInput):
		return "invalid-input"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrServiceUnavailable):
		return "service-unavailable"
	default:
		return "internal"
	}
}

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now().UTC()
	return &now
}
