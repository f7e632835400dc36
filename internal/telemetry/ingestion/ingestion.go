// Package ingestion sends batches of telemetry logs to the remote
// ingestion endpoint. The base HTTP transport is wrapped by two
// decorators: a Retryer that retries recoverable failures with jittered
// exponential backoff, and a NetworkGate that defers sends while the
// device reports offline.
//
// Outcome classification is deterministic per (status code, error kind):
// 2xx is success, 408/429/5xx and transport-level errors are recoverable,
// every other non-2xx is fatal.
package ingestion

import (
	"fmt"
	"net/http"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

// Transport transmits one batch of logs and reports the outcome through
// the callback, which is invoked exactly once with nil on success or a
// classified *telemetry.Error on failure. The exception is Close on the
// decorators: Retryer.Close and NetworkGate.Close drop sends that are
// waiting on a retry timer or on connectivity without invoking their
// callbacks.
//
// Send must not block the caller; the work happens on a transport-owned
// goroutine and the callback may fire on any goroutine.
type Transport interface {
	Send(appSecret, installID string, logs []*telemetry.Log, callback func(err error))
	SetServerURL(url string)
	Close() error
}

// HTTPError carries the status and response body of a non-2xx reply.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingestion: server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("ingestion: server returned %d: %s", e.StatusCode, e.Body)
}

// RecoverableStatus reports whether an HTTP status code represents a
// failure worth retrying: request timeout, throttling, or a server-side
// error. Everything else non-2xx means the payload will never be
// accepted as-is.
func RecoverableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout: // 408
		return true
	case code == http.StatusTooManyRequests: // 429
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Classify maps a raw transport outcome onto the channel's error
// taxonomy. A nil err stays nil. Network-level errors (no HTTP response
// at all) are always recoverable; HTTP errors split on RecoverableStatus.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if he, ok := err.(*HTTPError); ok {
		if RecoverableStatus(he.StatusCode) {
			return telemetry.RecoverableTransportError(he)
		}
		return telemetry.FatalTransportError(he)
	}
	return telemetry.RecoverableTransportError(err)
}
