package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the user-facing classification of an agent failure.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindConnection  ErrorKind = "connection"
	KindGeneric     ErrorKind = "generic"
)

// RateLimitError reports provider throttling.
type RateLimitError struct{ Msg string }

func (e *RateLimitError) Error() string { return "rate limited: " + e.Msg }

// AuthError reports missing or rejected credentials.
type AuthError struct{ Msg string }

func (e *AuthError) Error() string { return "authentication failed: " + e.Msg }

// ConnectionError reports a transport failure reaching the provider.
type ConnectionError struct {
	Msg string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Msg, e.Err)
	}
	return "connection error: " + e.Msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	rateLimitMarkers  = []string{"rate limit", "rate_limit", "429", "too many requests", "overloaded", "quota"}
	authMarkers       = []string{"api key", "api_key", "apikey", "unauthorized", "401", "authentication", "invalid x-api-key", "credential", "forbidden", "403", "not logged in", "/login"}
	connectionMarkers = []string{"connection", "timeout", "timed out", "network", "eof", "dial", "no such host", "broken pipe", "deadline exceeded", "unreachable"}
)

// Classify maps an error to an ErrorKind, by type first and message second.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}

	var rl *RateLimitError
	var auth *AuthError
	var conn *ConnectionError
	var netErr net.Error
	switch {
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.As(err, &auth):
		return KindAuth
	case errors.As(err, &conn), errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return KindRateLimited
		}
	}
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return KindAuth
		}
	}
	for _, m := range connectionMarkers {
		if strings.Contains(msg, m) {
			return KindConnection
		}
	}
	return KindGeneric
}

// UserMessage is the text shown to the user for an error kind.
func UserMessage(kind ErrorKind, err error) string {
	switch kind {
	case KindRateLimited:
		return "The assistant is receiving too many requests. Please wait a moment and try again."
	case KindAuth:
		return "The assistant could not authenticate with its provider. Check the API key configuration."
	case KindConnection:
		return "The assistant lost its connection to the provider. Please try again."
	default:
		if err != nil {
			return "The assistant hit an error: " + err.Error()
		}
		return "The assistant hit an unknown error."
	}
}

// ErrorFromMessage converts a provider error message into the matching typed
// error so later classification does not depend on the text again.
func ErrorFromMessage(msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "agent turn failed"
	}
	switch Classify(errors.New(msg)) {
	case KindRateLimited:
		return &RateLimitError{Msg: msg}
	case KindAuth:
		return &AuthError{Msg: msg}
	case KindConnection:
		return &ConnectionError{Msg: msg}
	default:
		return errors.New(msg)
	}
}
