// Package apperrors holds the error taxonomy shared by the ingestion pipeline.
package apperrors

import "errors"

var (
	// ErrTransport covers connect, send and receive failures. Recoverable by reconnecting.
	ErrTransport = errors.New("transport error")
	// ErrAuthenticationFailed means the exchange rejected the credentials, or never answered
	// the auth request. The session halts and must not be retried with the same credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrProtocol marks a malformed or unexpected frame. The frame is dropped.
	ErrProtocol = errors.New("protocol error")
	// ErrSubscription marks a single stream that failed to subscribe.
	ErrSubscription = errors.New("subscription error")
	// ErrReconciliation marks a persistence failure for one event.
	ErrReconciliation = errors.New("reconciliation error")
	// ErrStaleData is an expected filtering outcome for old trade prints, not a failure.
	ErrStaleData = errors.New("stale data ignored")
	// ErrCredentialNotFound is returned when no broker credential is stored for a user.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrUnsupportedBroker is returned by the broker registry for unknown broker names.
	ErrUnsupportedBroker = errors.New("unsupported broker")
)

// IsFatal reports whether err should stop the supervisor instead of triggering a reconnect.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrCredentialNotFound)
}
