package pettracer

import (
	"errors"
	"fmt"
)

// Domain errors for the PetTracer client.
var (
	// ErrAuthFailed is returned when the vendor rejects the configured
	// credentials (HTTP 401 on login).
	ErrAuthFailed = errors.New("pettracer: authentication failed")

	// ErrProtocolViolation is returned when the realtime handshake does
	// not follow the expected SockJS/STOMP sequence. It aborts the
	// current connection attempt and triggers a reconnect.
	ErrProtocolViolation = errors.New("pettracer: protocol violation")

	// ErrSessionStopped is returned from operations on a session that
	// has been explicitly stopped.
	ErrSessionStopped = errors.New("pettracer: session stopped")

	// ErrNoToken is returned when a token is required but none could
	// be obtained.
	ErrNoToken = errors.New("pettracer: no access token available")
)

// APIError describes a non-2xx response from the vendor REST API.
// Use errors.As() to inspect the status code.
type APIError struct {
	Status int    // HTTP status code
	Op     string // operation that failed, e.g. "list collars"
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pettracer: %s failed with status %d", e.Op, e.Status)
}
